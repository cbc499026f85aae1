// Package agent assembles everything an application process needs to capture
// traces from a single Config: the storage backend, the bundle store, the
// asynchronous queue and the Recorder.
//
// Typical use:
//
//	a, err := agent.New(ctx, conf, logrus.StandardLogger(), recorder.Options{})
//	if err != nil {
//		return err
//	}
//	go a.Run(ctx) // queue workers, sweeper and optional cleaner
//	handler = middleware.HTTP(a.Recorder, middleware.Options{})(handler)
package agent

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PowerDNS/chronotrace/bundle"
	"github.com/PowerDNS/chronotrace/bundle/cleaner"
	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/queue"
	"github.com/PowerDNS/chronotrace/queue/redisqueue"
	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/storage"

	// Storage backends selected by storage.type
	_ "github.com/PowerDNS/chronotrace/storage/blob"
	_ "github.com/PowerDNS/chronotrace/storage/fs"
)

// Dispatcher is the asynchronous storage path of a process. Bundles are
// buffered in process and written by background workers, either to the
// bundle store directly (queue.type memory) or to a Redis list consumed by
// the worker command (queue.type redis).
type Dispatcher struct {
	*queue.Worker
	redis *redisqueue.Queue // nil for the memory queue
}

// NewDispatcher builds the queue configured in conf.Queue. Bundles are stored
// into st for the memory queue. The Redis connection is not checked here, so
// that an unavailable server never delays the start of the application.
func NewDispatcher(conf config.Config, st queue.Storer, logger logrus.FieldLogger) (*Dispatcher, error) {
	switch conf.Queue.Type {
	case "memory", "":
		return &Dispatcher{Worker: queue.New(st, conf.Queue, nil, logger)}, nil
	case "redis":
		if conf.Queue.Redis.Addr == "" {
			return nil, errors.New("queue.redis.addr: required for the redis queue")
		}
		rq := redisqueue.Dial(conf.Queue, logger)
		return &Dispatcher{
			Worker: queue.New(rq, conf.Queue, nil, logger),
			redis:  rq,
		}, nil
	default:
		return nil, errors.Errorf("queue.type: unknown type %q", conf.Queue.Type)
	}
}

// Run runs the queue workers until the context is closed, stores what is
// still buffered and closes the Redis connection.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.Worker.Run(ctx)
	if d.redis != nil {
		if cerr := d.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Redis returns the Redis queue, or nil for the memory queue
func (d *Dispatcher) Redis() *redisqueue.Queue {
	return d.redis
}

// Agent owns the capture components of one process
type Agent struct {
	Recorder *recorder.Recorder
	Store    *bundle.Store
	Queue    *Dispatcher // nil if async_storage is disabled

	conf config.Config
	l    logrus.FieldLogger
}

// New opens the storage backend and creates the Recorder. With async_storage
// the Recorder dispatches to a queue that Run must be running for.
// A Dispatcher already set in opt is kept.
func New(ctx context.Context, conf config.Config, logger logrus.FieldLogger, opt recorder.Options) (*Agent, error) {
	if err := conf.Check(); err != nil {
		return nil, err
	}
	backend, err := storage.GetBackend(ctx, conf.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	a := &Agent{
		Store: bundle.New(backend, bundle.Options{
			Compression: conf.Compression,
		}, logger),
		conf: conf,
		l:    logger.WithField("component", "agent"),
	}
	if conf.AsyncStorage && opt.Dispatcher == nil {
		a.Queue, err = NewDispatcher(conf, a.Store, logger)
		if err != nil {
			return nil, err
		}
		opt.Dispatcher = a.Queue
	}
	a.Recorder, err = recorder.New(conf, a.Store, logger, opt)
	if err != nil {
		return nil, err
	}
	a.l.WithFields(logrus.Fields{
		"mode":          conf.Mode,
		"storage_type":  conf.Storage.Type,
		"async_storage": conf.AsyncStorage,
		"queue_type":    conf.Queue.Type,
	}).Info("Trace capture ready")
	return a, nil
}

// Run runs the background tasks until the context is closed: the queue
// workers, the sweeper of unfinished traces and, if enabled, the retention
// cleaner. Queued bundles are stored before it returns.
func (a *Agent) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.Recorder.Run(ctx)
	})
	if a.Queue != nil {
		eg.Go(func() error {
			return a.Queue.Run(ctx)
		})
	}
	if a.conf.Cleanup.Enabled {
		eg.Go(func() error {
			return cleaner.New(a.Store, a.conf.Cleanup, a.conf.RetentionDays, a.l).Run(ctx)
		})
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns the recorder and queue counters for the status page
func (a *Agent) Stats() map[string]any {
	res := map[string]any{
		"recorder": a.Recorder.Stats(),
		"active":   a.Recorder.Active(),
	}
	if a.Queue != nil {
		res["queue"] = a.Queue.Stats()
	}
	return res
}
