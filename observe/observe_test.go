package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/redact"
	"github.com/PowerDNS/chronotrace/trace"
)

type memStorer struct {
	mu      sync.Mutex
	bundles []*trace.Bundle
}

func (s *memStorer) Store(ctx context.Context, b *trace.Bundle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = append(s.bundles, b)
	return string(b.TraceID), nil
}

func (s *memStorer) all() []*trace.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*trace.Bundle(nil), s.bundles...)
}

func newRecorder(t *testing.T, mode config.Mode, mod func(*config.Config)) (*recorder.Recorder, *memStorer) {
	conf := config.Default()
	conf.Mode = mode
	if mod != nil {
		mod(&conf)
	}
	st := &memStorer{}
	rec, err := recorder.New(conf, st, logrus.New(), recorder.Options{})
	require.NoError(t, err)
	return rec, st
}

// capture runs fn inside a captured request and returns the stored bundle
func capture(t *testing.T, fn func(ctx context.Context, rec *recorder.Recorder)) *trace.Bundle {
	rec, st := newRecorder(t, config.ModeAlways, nil)
	id := rec.StartCapture(recorder.RequestInfo{Method: "GET", URL: "http://example.com/"})
	ctx := recorder.WithTraceID(context.Background(), id)
	fn(ctx, rec)
	rec.FinishCapture(ctx, id, recorder.ResponseInfo{Status: 200}, time.Millisecond, 0)
	bundles := st.all()
	require.Len(t, bundles, 1)
	return bundles[0]
}

func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=abc")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	b := capture(t, func(ctx context.Context, rec *recorder.Recorder) {
		client := NewClient(rec, nil)
		req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/pot?token=s3cr3t&size=2", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer abc")
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	})

	events := b.Category(trace.CategoryHTTP)
	require.Len(t, events, 2)
	assert.Equal(t, "request_sending", events[0].Type())
	assert.Equal(t, "GET", events[0]["method"])
	assert.Contains(t, events[0]["url"], "size=2")
	assert.NotContains(t, events[0]["url"], "s3cr3t")
	assert.Equal(t, redact.Marker, events[0]["headers"].(map[string]any)["Authorization"])

	assert.Equal(t, "response_received", events[1].Type())
	assert.Equal(t, float64(http.StatusTeapot), events[1]["status"])
	assert.Equal(t, float64(len("short and stout")), events[1]["response_size"])
	assert.Equal(t, redact.Marker, events[1]["headers"].(map[string]any)["Set-Cookie"])
}

func TestTransportConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b := capture(t, func(ctx context.Context, rec *recorder.Recorder) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		require.NoError(t, err)
		_, err = NewClient(rec, nil).Do(req)
		assert.Error(t, err)
	})
	events := b.Category(trace.CategoryHTTP)
	require.Len(t, events, 2)
	assert.Equal(t, "connection_failed", events[1].Type())
	assert.NotEmpty(t, events[1]["error"])
}

func TestTransportWithoutTrace(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	rec, _ := newRecorder(t, config.ModeAlways, nil)
	resp, err := NewClient(rec, &http.Client{Timeout: 5 * time.Second}).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRedisHookEvents(t *testing.T) {
	ctx := context.Background()
	rec, _ := newRecorder(t, config.ModeAlways, nil)
	h := NewRedisHook(rec, "")

	hit := redis.NewStringCmd(ctx, "get", "user:1")
	hit.SetVal("alice")
	miss := redis.NewStringCmd(ctx, "get", "session:abc")
	miss.SetErr(redis.Nil)
	set := redis.NewStatusCmd(ctx, "set", "user:1", "alice", "ex", int64(60))
	setex := redis.NewStatusCmd(ctx, "psetex", "k", int64(1500), "v")
	del := redis.NewIntCmd(ctx, "del", "a", "b")
	mget := redis.NewSliceCmd(ctx, "mget", "a", "b")
	mget.SetVal([]any{"xy", nil})
	failed := redis.NewStringCmd(ctx, "get", "x")
	failed.SetErr(errors.New("connection reset"))
	other := redis.NewIntCmd(ctx, "incr", "counter")

	tests := []struct {
		name string
		cmd  redis.Cmder
		want []trace.Event
	}{
		{"hit", hit, []trace.Event{trace.CacheHit{Key: "user:1", ValueSize: 5, Store: "redis"}}},
		{"miss-scrubbed-key", miss, []trace.Event{trace.CacheMiss{Key: redact.CacheKeyMarker, Store: "redis"}}},
		{"set-ex", set, []trace.Event{trace.CacheWrite{Key: "user:1", ValueSize: 5, TTL: 60, Store: "redis"}}},
		{"psetex", setex, []trace.Event{trace.CacheWrite{Key: "k", ValueSize: 1, TTL: 1.5, Store: "redis"}}},
		{"del", del, []trace.Event{
			trace.CacheForget{Key: "a", Store: "redis"},
			trace.CacheForget{Key: "b", Store: "redis"},
		}},
		{"mget", mget, []trace.Event{
			trace.CacheHit{Key: "a", ValueSize: 2, Store: "redis"},
			trace.CacheMiss{Key: "b", Store: "redis"},
		}},
		{"failed", failed, nil},
		{"other", other, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.events(tt.cmd))
		})
	}
}

func TestRedisHookProcess(t *testing.T) {
	next := func(ctx context.Context, cmd redis.Cmder) error {
		return cmd.Err()
	}
	b := capture(t, func(ctx context.Context, rec *recorder.Recorder) {
		h := NewRedisHook(rec, "sessions")
		cmd := redis.NewStringCmd(ctx, "get", "k")
		cmd.SetErr(redis.Nil)
		err := h.ProcessHook(next)(ctx, cmd)
		assert.ErrorIs(t, err, redis.Nil)

		c1 := redis.NewStatusCmd(ctx, "set", "k", "v")
		c2 := redis.NewIntCmd(ctx, "del", "k")
		require.NoError(t, h.ProcessPipelineHook(func(ctx context.Context, cmds []redis.Cmder) error {
			return nil
		})(ctx, []redis.Cmder{c1, c2}))

		// Not recorded without a trace
		require.Error(t, h.ProcessHook(next)(context.Background(), cmd))
	})
	events := b.Category(trace.CategoryCache)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"miss", "write", "forget"}, []string{
		events[0].Type(), events[1].Type(), events[2].Type(),
	})
	assert.Equal(t, "sessions", events[0]["store"])
}

type testUser struct {
	ID    uint
	Name  string
	Email string
}

func openDryRun(t *testing.T, rec Recorder, connection string) *gorm.DB {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=test dbname=test sslmode=disable",
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.Use(NewGormPlugin(rec, connection)))
	return db
}

func TestGormPlugin(t *testing.T) {
	b := capture(t, func(ctx context.Context, rec *recorder.Recorder) {
		db := openDryRun(t, rec, "")
		var u testUser
		db.WithContext(ctx).Where("email = ?", "alice@example.com").Find(&u)
		db.WithContext(ctx).Create(&testUser{Name: "bob", Email: "bob@example.com"})
		// Not recorded without a trace
		db.WithContext(context.Background()).Find(&u)
	})

	events := b.Category(trace.CategoryDatabase)
	require.Len(t, events, 2)
	assert.Equal(t, "query", events[0].Type())
	assert.Contains(t, events[0]["sql"], `FROM "test_users" WHERE email = $1`)
	assert.Equal(t, []any{redact.Marker}, events[0]["bindings"])
	assert.Equal(t, "postgres", events[0]["connection"])
	assert.Contains(t, events[1]["sql"], `INSERT INTO "test_users"`)
	assert.Contains(t, events[1]["bindings"], "bob")
}

func TestTransaction(t *testing.T) {
	errFailed := errors.New("failed")
	b := capture(t, func(ctx context.Context, rec *recorder.Recorder) {
		require.NoError(t, Transaction(ctx, rec, "primary", func(ctx context.Context) error {
			return nil
		}))
		err := Transaction(ctx, rec, "primary", func(ctx context.Context) error {
			return errFailed
		})
		assert.ErrorIs(t, err, errFailed)
	})
	events := b.Category(trace.CategoryDatabase)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type())
		assert.Equal(t, "primary", ev["connection"])
	}
	assert.Equal(t, []string{
		"transaction_begin", "transaction_commit",
		"transaction_begin", "transaction_rollback",
	}, types)
}

func TestRunJob(t *testing.T) {
	job := Job{Name: "SendInvoice", Queue: "mail", Connection: "redis", Attempts: 1}

	t.Run("own-trace-failing", func(t *testing.T) {
		rec, st := newRecorder(t, config.ModeRecordOnError, nil)
		err := RunJob(context.Background(), rec, job, func(ctx context.Context) error {
			_, ok := recorder.TraceIDFromContext(ctx)
			assert.True(t, ok)
			return errors.New("smtp unavailable")
		})
		assert.Error(t, err)
		bundles := st.all()
		require.Len(t, bundles, 1)
		b := bundles[0]
		assert.Equal(t, "JOB", b.Request.Method)
		assert.Equal(t, "SendInvoice", b.Request.Route)
		assert.Equal(t, http.StatusInternalServerError, b.Response.Status)
		assert.Contains(t, b.Response.Exception, "smtp unavailable")
		events := b.Category(trace.CategoryJobs)
		require.Len(t, events, 2)
		assert.Equal(t, "job_processing", events[0].Type())
		assert.Equal(t, "job_failed", events[1].Type())
	})

	t.Run("own-trace-ok-discarded", func(t *testing.T) {
		rec, st := newRecorder(t, config.ModeRecordOnError, nil)
		require.NoError(t, RunJob(context.Background(), rec, job, func(ctx context.Context) error {
			return nil
		}))
		assert.Empty(t, st.all())
		assert.Equal(t, 0, rec.Active())
	})

	t.Run("targeted-not-matching", func(t *testing.T) {
		rec, st := newRecorder(t, config.ModeTargeted, func(c *config.Config) {
			c.Targets.Jobs = []string{"Report*"}
		})
		require.Error(t, RunJob(context.Background(), rec, job, func(ctx context.Context) error {
			_, ok := recorder.TraceIDFromContext(ctx)
			assert.False(t, ok)
			return errors.New("x")
		}))
		assert.Empty(t, st.all())
	})

	t.Run("inline", func(t *testing.T) {
		b := capture(t, func(ctx context.Context, rec *recorder.Recorder) {
			require.NoError(t, RunJob(ctx, rec, job, func(ctx context.Context) error {
				return nil
			}))
			assert.Equal(t, 1, rec.Active())
		})
		events := b.Category(trace.CategoryJobs)
		require.Len(t, events, 2)
		assert.Equal(t, "job_processed", events[1].Type())
		assert.Equal(t, "SendInvoice", events[1]["job_name"])
	})
}
