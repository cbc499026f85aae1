// Package queue stores bundles in the background, so that a unit of work
// never waits for archive creation and upload.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils/climit"
)

var (
	// ErrFull is returned by Dispatch when the buffer is full
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by Dispatch after Close
	ErrClosed = errors.New("queue closed")
)

var (
	// DrainTimeout limits the time spent storing queued bundles at shutdown
	DrainTimeout = 10 * time.Second
	// StoreTimeout limits a single store by a worker
	StoreTimeout = time.Minute
)

// Storer persists a bundle, it is implemented by bundle.Store
type Storer interface {
	Store(ctx context.Context, b *trace.Bundle) (string, error)
}

// Stats are the queue counters
type Stats struct {
	Queued  uint64 `json:"queued"`
	Stored  uint64 `json:"stored"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Worker is an in-process queue with a fixed number of storing goroutines
type Worker struct {
	st      Storer
	conf    config.Queue
	l       logrus.FieldLogger
	limit   *climit.ConcurrencyLimit
	ch      chan *trace.Bundle
	mu      sync.RWMutex // protects closed and sends on ch
	closed  bool
	queued  atomic.Uint64
	stored  atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Worker. If limit is nil, the concurrency of storage writes
// is limited to the number of workers.
func New(st Storer, conf config.Queue, limit *climit.ConcurrencyLimit, logger logrus.FieldLogger) *Worker {
	l := logger.WithField("component", "queue")
	if conf.Size < 1 {
		conf.Size = 1
	}
	if conf.Workers < 1 {
		conf.Workers = 1
	}
	if limit == nil {
		limit = climit.New("queue", conf.Name, conf.Workers, l)
	}
	return &Worker{
		st:    st,
		conf:  conf,
		l:     l,
		limit: limit,
		ch:    make(chan *trace.Bundle, conf.Size),
	}
}

// Dispatch queues a bundle for storage. It never blocks.
func (w *Worker) Dispatch(ctx context.Context, b *trace.Bundle) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.ch <- b:
		w.queued.Inc()
		metricQueued.Inc()
		metricPending.Inc()
		return nil
	default:
		w.dropped.Inc()
		metricRejected.Inc()
		return ErrFull
	}
}

// Close stops accepting bundles. Bundles already queued are still stored by
// Run. It is safe to call more than once.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}

// Run stores queued bundles until Close was called and the queue is empty,
// or until the context is closed. On context close, the remaining bundles
// are stored with a DrainTimeout.
func (w *Worker) Run(ctx context.Context) error {
	w.l.WithFields(logrus.Fields{
		"workers": w.conf.Workers,
		"size":    w.conf.Size,
	}).Debug("Queue workers started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.conf.Workers; i++ {
		g.Go(func() error {
			return w.work(gctx)
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	w.Close()
	dctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	n := 0
	for b := range w.ch {
		metricPending.Dec()
		w.store(dctx, b)
		n++
	}
	if n > 0 {
		w.l.WithField("drained", n).Info("Stored queued traces at shutdown")
	}
	return err
}

func (w *Worker) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-w.ch:
			if !ok {
				return nil
			}
			metricPending.Dec()
			// A store that started finishes even if we are shutting down
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), StoreTimeout)
			w.store(sctx, b)
			cancel()
		}
	}
}

func (w *Worker) store(ctx context.Context, b *trace.Bundle) {
	l := w.l.WithField("trace_id", b.TraceID)
	token, err := w.limit.AcquireContext(ctx)
	if err != nil {
		w.failed.Inc()
		metricStoreFailed.Inc()
		l.WithError(err).Warn("Could not store queued trace")
		return
	}
	defer token.Release()

	p, err := w.st.Store(ctx, b)
	if err != nil {
		w.failed.Inc()
		metricStoreFailed.Inc()
		l.WithError(err).Error("Could not store queued trace")
		return
	}
	w.stored.Inc()
	metricStored.Inc()
	l.WithField("path", p).Debug("Stored queued trace")
}

// Len returns the number of bundles waiting in the queue
func (w *Worker) Len() int {
	return len(w.ch)
}

// Stats returns the queue counters
func (w *Worker) Stats() Stats {
	return Stats{
		Queued:  w.queued.Load(),
		Stored:  w.stored.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Pending: w.Len(),
	}
}
