// Package redisqueue moves bundles through a Redis list, so that many
// processes can hand their traces to a single worker that stores them.
//
// A Queue is a queue.Storer: an application puts it behind a queue.Worker,
// which buffers bundles in process and pushes them in the background. The
// unit of work never waits for Redis.
package redisqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/queue"
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils"
)

var (
	// PushTimeout limits a single LPUSH
	PushTimeout = 2 * time.Second
	// PopTimeout is the BRPOP timeout, after which the consumer checks
	// its context again.
	PopTimeout = 5 * time.Second
	// RetryInterval is the wait after a failing Redis command
	RetryInterval = time.Second
)

// Queue is a Redis list of JSON encoded bundles
type Queue struct {
	client  *redis.Client
	key     string
	workers int
	l       logrus.FieldLogger

	queued atomic.Uint64
	stored atomic.Uint64
	failed atomic.Uint64
}

// New connects to the configured Redis server and checks the connection
func New(ctx context.Context, conf config.Queue, logger logrus.FieldLogger) (*Queue, error) {
	q := Dial(conf, logger)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.client.Ping(pctx).Err(); err != nil {
		_ = q.Close()
		return nil, errors.Wrapf(err, "redis ping %s", conf.Redis.Addr)
	}
	return q, nil
}

// Dial is like New, but does not wait for the server. Connection errors
// show up on the first push or pop.
func Dial(conf config.Queue, logger logrus.FieldLogger) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	return NewWithClient(client, conf, logger)
}

// NewWithClient uses an existing client
func NewWithClient(client *redis.Client, conf config.Queue, logger logrus.FieldLogger) *Queue {
	key := conf.Name
	if key == "" {
		key = "chronotrace"
	}
	workers := conf.Workers
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		client:  client,
		key:     key,
		workers: workers,
		l: logger.WithFields(logrus.Fields{
			"component": "redisqueue",
			"key":       key,
		}),
	}
}

// Key returns the name of the Redis list
func (q *Queue) Key() string {
	return q.key
}

// Push adds a bundle to the list. It waits at most PushTimeout for Redis.
func (q *Queue) Push(ctx context.Context, b *trace.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "encode bundle")
	}
	ctx, cancel := context.WithTimeout(ctx, PushTimeout)
	defer cancel()
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		metricPushFailed.Inc()
		return errors.Wrap(err, "redis lpush")
	}
	q.queued.Inc()
	metricPushed.Inc()
	return nil
}

// Store implements queue.Storer by pushing the bundle. The returned path is
// the name of the list.
func (q *Queue) Store(ctx context.Context, b *trace.Bundle) (string, error) {
	if err := q.Push(ctx, b); err != nil {
		return "", err
	}
	return "redis:" + q.key, nil
}

// Len returns the length of the list
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Consume pops bundles and stores them until the context is closed.
// Bundles that cannot be decoded or stored are logged and dropped.
func (q *Queue) Consume(ctx context.Context, st queue.Storer) error {
	q.l.WithField("workers", q.workers).Info("Consuming queued traces")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			return q.consume(gctx, st)
		})
	}
	return g.Wait()
}

func (q *Queue) consume(ctx context.Context, st queue.Storer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := q.client.BRPop(ctx, PopTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.l.WithError(err).Warn("Redis pop failed")
			if err := utils.SleepContext(ctx, RetryInterval); err != nil {
				return err
			}
			continue
		}
		// BRPOP returns the key and the value
		if len(res) != 2 {
			continue
		}
		q.handle(ctx, st, res[1])
	}
}

func (q *Queue) handle(ctx context.Context, st queue.Storer, data string) {
	b, err := decode(data)
	if err != nil {
		q.failed.Inc()
		metricConsumeFailed.Inc()
		q.l.WithError(err).Error("Dropping undecodable queued trace")
		return
	}
	l := q.l.WithField("trace_id", b.TraceID)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queue.StoreTimeout)
	defer cancel()
	p, err := st.Store(sctx, b)
	if err != nil {
		q.failed.Inc()
		metricConsumeFailed.Inc()
		l.WithError(err).Error("Could not store queued trace")
		return
	}
	q.stored.Inc()
	metricConsumed.Inc()
	l.WithField("path", p).Debug("Stored queued trace")
}

func decode(data string) (*trace.Bundle, error) {
	var b trace.Bundle
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, errors.Wrap(err, "decode bundle")
	}
	if b.TraceID == "" {
		return nil, errors.New("decode bundle: no trace_id")
	}
	return &b, nil
}

// Stats returns the counters of this process
func (q *Queue) Stats() queue.Stats {
	return queue.Stats{
		Queued: q.queued.Load(),
		Stored: q.stored.Load(),
		Failed: q.failed.Load(),
	}
}

// Close closes the Redis client
func (q *Queue) Close() error {
	return q.client.Close()
}
