package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/trace"
)

const startedAtKey = "chronotrace:started_at"

// GormPlugin records the statements run through gorm as database query
// events.
//
//	db.Use(observe.NewGormPlugin(rec, "primary"))
type GormPlugin struct {
	rec        Recorder
	connection string
}

var _ gorm.Plugin = (*GormPlugin)(nil)

// NewGormPlugin creates a GormPlugin. The connection name is recorded with
// each query, the dialector name is used if empty.
func NewGormPlugin(rec Recorder, connection string) *GormPlugin {
	return &GormPlugin{rec: rec, connection: connection}
}

func (p *GormPlugin) Name() string {
	return "chronotrace"
}

func (p *GormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	errs := []error{
		cb.Create().Before("gorm:create").Register("chronotrace:before_create", p.before),
		cb.Create().After("gorm:create").Register("chronotrace:after_create", p.after),
		cb.Query().Before("gorm:query").Register("chronotrace:before_query", p.before),
		cb.Query().After("gorm:query").Register("chronotrace:after_query", p.after),
		cb.Update().Before("gorm:update").Register("chronotrace:before_update", p.before),
		cb.Update().After("gorm:update").Register("chronotrace:after_update", p.after),
		cb.Delete().Before("gorm:delete").Register("chronotrace:before_delete", p.before),
		cb.Delete().After("gorm:delete").Register("chronotrace:after_delete", p.after),
		cb.Row().Before("gorm:row").Register("chronotrace:before_row", p.before),
		cb.Row().After("gorm:row").Register("chronotrace:after_row", p.after),
		cb.Raw().Before("gorm:raw").Register("chronotrace:before_raw", p.before),
		cb.Raw().After("gorm:raw").Register("chronotrace:after_raw", p.after),
	}
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "register gorm callback")
		}
	}
	return nil
}

func (p *GormPlugin) before(db *gorm.DB) {
	if _, ok := recorder.TraceIDFromContext(db.Statement.Context); !ok {
		return
	}
	db.InstanceSet(startedAtKey, time.Now())
}

func (p *GormPlugin) after(db *gorm.DB) {
	ctx := db.Statement.Context
	if _, ok := recorder.TraceIDFromContext(ctx); !ok {
		return
	}
	var elapsed time.Duration
	if v, ok := db.InstanceGet(startedAtKey); ok {
		if t0, ok := v.(time.Time); ok {
			elapsed = time.Since(t0)
		}
	}
	ev := trace.Query{
		SQL:        db.Statement.SQL.String(),
		Bindings:   p.bindings(db.Statement.Vars),
		Time:       milliseconds(elapsed),
		Connection: p.connectionName(db),
		Rows:       db.RowsAffected,
	}
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		ev.Error = p.rec.Redactor().ScrubText(db.Error.Error())
	}
	p.rec.Record(ctx, ev)
}

func (p *GormPlugin) connectionName(db *gorm.DB) string {
	if p.connection != "" {
		return p.connection
	}
	if db.Dialector != nil {
		return db.Dialector.Name()
	}
	return ""
}

// bindings converts statement variables to JSON friendly values and
// redacts strings
func (p *GormPlugin) bindings(vars []any) []any {
	red := p.rec.Redactor()
	res := make([]any, len(vars))
	for i, v := range vars {
		switch x := v.(type) {
		case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			res[i] = x
		case string:
			res[i] = red.ScrubText(x)
		case []byte:
			res[i] = red.ScrubText(string(x))
		case time.Time:
			res[i] = x.UTC().Format(time.RFC3339Nano)
		case fmt.Stringer:
			res[i] = red.ScrubText(x.String())
		default:
			res[i] = red.ScrubText(fmt.Sprint(x))
		}
	}
	return res
}

// Transaction runs fn and records the begin of a transaction, followed by
// a commit when fn returns nil or a rollback otherwise.
func Transaction(ctx context.Context, rec Recorder, connection string, fn func(ctx context.Context) error) error {
	rec.Record(ctx, trace.TransactionBegin{Connection: connection})
	if err := fn(ctx); err != nil {
		rec.Record(ctx, trace.TransactionRollback{Connection: connection})
		return err
	}
	rec.Record(ctx, trace.TransactionCommit{Connection: connection})
	return nil
}

// GormTransaction is Transaction for gorm.DB.Transaction
func GormTransaction(ctx context.Context, rec Recorder, db *gorm.DB, fc func(tx *gorm.DB) error) error {
	conn := db.Dialector.Name()
	return Transaction(ctx, rec, conn, func(ctx context.Context) error {
		return db.WithContext(ctx).Transaction(fc)
	})
}
