// Package recorder drives the capture lifecycle of a unit of work.
//
// A unit of work boundary calls StartCapture before the work begins and
// exactly one of FinishCapture or FinishCaptureWithError afterwards.
// In between, observers add events with Append or Record. At finish time the
// recorder decides whether the trace is stored or discarded, and hands stored
// traces to the bundle store, either directly or through a queue.
package recorder

import (
	"context"
	"math/rand"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/PowerDNS/chronotrace/collector"
	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/redact"
	"github.com/PowerDNS/chronotrace/status/healthtracker"
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils"
)

// Storer persists a bundle and returns its storage path.
// It is implemented by bundle.Store.
type Storer interface {
	Store(ctx context.Context, b *trace.Bundle) (string, error)
}

// Dispatcher hands a bundle to asynchronous storage. Dispatch must not block.
type Dispatcher interface {
	Dispatch(ctx context.Context, b *trace.Bundle) error
}

// Options are the optional collaborators of a Recorder
type Options struct {
	// Dispatcher is used for async_storage. Without it all bundles are
	// stored synchronously. agent.NewDispatcher builds one from the queue
	// config.
	Dispatcher Dispatcher

	// Health tracks storage write failures. A private unregistered tracker
	// is used if not set.
	Health *healthtracker.HealthTracker

	// Components are the names of the installed middleware and observers,
	// recorded in the execution context.
	Components []string

	// Sampler returns a random number in [0, 1) for sample mode
	Sampler func() float64

	// Now is the clock, time.Now if not set
	Now func() time.Time
}

// Recorder owns the active traces of one process. It is safe for
// concurrent use.
type Recorder struct {
	conf       config.Config
	st         Storer
	dispatcher Dispatcher
	l          logrus.FieldLogger
	redactor   *redact.Redactor
	collector  *collector.Collector
	routes     []glob.Glob
	jobs       []glob.Glob
	health     *healthtracker.HealthTracker
	sample     func() float64
	now        func() time.Time
	static     trace.Context // parts of the execution context that never change

	// Events can be subscribed to for finalize notifications
	Events *Events

	stats struct {
		started  atomic.Uint64
		stored   atomic.Uint64
		failed   atomic.Uint64
		dropped  atomic.Uint64 // events appended outside a capture window
		fallback atomic.Uint64
	}
}

// New creates a Recorder. The config must have passed Check.
func New(conf config.Config, st Storer, logger logrus.FieldLogger, opt Options) (*Recorder, error) {
	l := logger.WithField("component", "recorder")

	redactor, err := redact.New(redact.Options{
		Fields:   conf.Scrub,
		Patterns: conf.ScrubPatterns,
		Disabled: !conf.ScrubEnabled,
	})
	if err != nil {
		return nil, err
	}
	if redactor.Disabled() {
		ll := l.WithField("mode", conf.Mode)
		if conf.Mode == config.ModeRecordOnError {
			ll.Warn("Scrubbing is disabled, stored traces may contain sensitive data")
		} else {
			ll.Error("Scrubbing is disabled while successful requests are stored, " +
				"traces WILL contain sensitive data. Never use this in production!")
		}
	}

	routes, err := compileGlobs(conf.Targets.Routes, '/')
	if err != nil {
		return nil, errors.Wrap(err, "targets.routes")
	}
	jobs, err := compileGlobs(conf.Targets.Jobs, '\\', '.')
	if err != nil {
		return nil, errors.Wrap(err, "targets.jobs")
	}

	r := &Recorder{
		conf:       conf,
		st:         st,
		dispatcher: opt.Dispatcher,
		l:          l,
		redactor:   redactor,
		collector:  collector.New(logger),
		routes:     routes,
		jobs:       jobs,
		health:     opt.Health,
		sample:     opt.Sampler,
		now:        opt.Now,
		Events:     NewEvents(),
	}
	if r.health == nil {
		r.health = healthtracker.New(conf.Health.StoreBundle, "store_bundle", "store trace bundles", false)
	}
	if r.sample == nil {
		r.sample = rand.Float64
	}
	if r.now == nil {
		r.now = time.Now
	}
	if conf.AsyncStorage && r.dispatcher == nil {
		l.Info("Async storage is enabled without a dispatcher, storing synchronously")
	}
	r.static = staticContext(conf, opt.Components)
	return r, nil
}

func compileGlobs(patterns []string, separators ...rune) ([]glob.Glob, error) {
	var res []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(p, separators...)
		if err != nil {
			return nil, errors.Wrapf(err, "pattern %q", p)
		}
		res = append(res, g)
	}
	return res, nil
}

// Redactor returns the redactor used for all captured data, for use by
// observers that record their own events.
func (r *Recorder) Redactor() *redact.Redactor {
	return r.redactor
}

// Config returns the config the recorder was created with
func (r *Recorder) Config() config.Config {
	return r.conf
}

// Active returns the number of open traces
func (r *Recorder) Active() int {
	return r.collector.Len()
}

// UnitKind is the kind of a unit of work
type UnitKind int

const (
	UnitRequest UnitKind = iota
	UnitJob
)

func (k UnitKind) String() string {
	if k == UnitJob {
		return "job"
	}
	return "request"
}

// Unit identifies a unit of work for ShouldCapture
type Unit struct {
	Kind UnitKind
	Name string // route or path for requests, job name for jobs
}

// ShouldCapture decides at the start of a unit of work whether it is
// captured at all. Sample and targeted modes make their store decision here.
// In record_on_error mode every unit is captured and the decision to store
// is made when it finishes.
func (r *Recorder) ShouldCapture(u Unit) bool {
	if !r.conf.Enabled {
		return false
	}
	switch r.conf.Mode {
	case config.ModeAlways, config.ModeRecordOnError:
		return true
	case config.ModeSample:
		return r.sample() < r.conf.SampleRate
	case config.ModeTargeted:
		patterns := r.routes
		if u.Kind == UnitJob {
			patterns = r.jobs
		}
		for _, g := range patterns {
			if g.Match(u.Name) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Append adds an event record to an open trace. Records for traces that are
// not open, or for categories disabled in the capture config, are dropped
// and false is returned. It never blocks on I/O.
func (r *Recorder) Append(id trace.ID, category trace.Category, rec trace.Record) bool {
	if !r.conf.Capture.Category(string(category)) {
		return false
	}
	if !r.collector.Append(id, category, rec) {
		r.stats.dropped.Inc()
		return false
	}
	return true
}

// Record adds a typed event to the trace in the context. It is a no-op when
// the context carries no trace.
func (r *Recorder) Record(ctx context.Context, ev trace.Event) bool {
	id, ok := TraceIDFromContext(ctx)
	if !ok {
		return false
	}
	return r.RecordTo(id, ev)
}

// RecordTo adds a typed event to the given trace
func (r *Recorder) RecordTo(id trace.ID, ev trace.Event) bool {
	if !r.conf.Capture.Category(string(ev.Category())) {
		return false
	}
	rec, err := trace.ToRecord(ev)
	if err != nil {
		r.l.WithError(err).WithField("trace_id", id).Warn("Could not encode event")
		metricEventErrors.Inc()
		return false
	}
	return r.Append(id, ev.Category(), rec)
}

// Run runs the sweeper that discards traces that were never finished, until
// the context is closed.
func (r *Recorder) Run(ctx context.Context) error {
	interval := r.conf.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if err := utils.SleepContextPerturb(ctx, interval); err != nil {
			return err
		}
		r.Sweep(r.now())
	}
}

// Sweep discards all traces that were started more than active_trace_timeout
// before now. It returns the IDs of the discarded traces.
func (r *Recorder) Sweep(now time.Time) []trace.ID {
	if r.conf.ActiveTraceTimeout <= 0 {
		return nil
	}
	expired := r.collector.Expire(now.Add(-r.conf.ActiveTraceTimeout))
	for _, id := range expired {
		r.publish(Finalized{TraceID: id, Outcome: OutcomeExpired})
	}
	if len(expired) > 0 {
		r.l.WithFields(logrus.Fields{
			"expired": len(expired),
			"active":  r.collector.Len(),
			"timeout": r.conf.ActiveTraceTimeout,
		}).Warn("Discarded unfinished traces")
	}
	return expired
}

// Stats returns counters for the status page
func (r *Recorder) Stats() map[string]uint64 {
	return map[string]uint64{
		"started":        r.stats.started.Load(),
		"stored":         r.stats.stored.Load(),
		"failed":         r.stats.failed.Load(),
		"dropped_events": r.stats.dropped.Load(),
		"sync_fallback":  r.stats.fallback.Load(),
	}
}

// Health returns the storage health tracker
func (r *Recorder) Health() *healthtracker.HealthTracker {
	return r.health
}
