package observe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/trace"
)

// RedisHook is a go-redis hook that records cache events. Reads become hit
// or miss events, writes and deletes become write and forget events. Other
// commands are not recorded.
//
//	client.AddHook(observe.NewRedisHook(rec, "redis"))
type RedisHook struct {
	rec   Recorder
	store string
}

var _ redis.Hook = (*RedisHook)(nil)

// NewRedisHook creates a RedisHook. The store name is recorded with each
// event.
func NewRedisHook(rec Recorder, store string) *RedisHook {
	if store == "" {
		store = "redis"
	}
	return &RedisHook{rec: rec, store: store}
}

func (h *RedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *RedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if _, ok := recorder.TraceIDFromContext(ctx); ok {
			h.record(ctx, cmd)
		}
		return err
	}
}

func (h *RedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if _, ok := recorder.TraceIDFromContext(ctx); ok {
			for _, cmd := range cmds {
				h.record(ctx, cmd)
			}
		}
		return err
	}
}

func (h *RedisHook) record(ctx context.Context, cmd redis.Cmder) {
	for _, ev := range h.events(cmd) {
		h.rec.Record(ctx, ev)
	}
}

// events translates a finished command into cache events
func (h *RedisHook) events(cmd redis.Cmder) []trace.Event {
	args := cmd.Args()
	if len(args) < 2 {
		return nil
	}
	err := cmd.Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil
	}
	key := func(i int) string {
		return h.rec.Redactor().ScrubCacheKey(argString(args[i]))
	}

	switch strings.ToLower(cmd.Name()) {
	case "get", "getex", "getdel":
		if errors.Is(err, redis.Nil) {
			return []trace.Event{trace.CacheMiss{Key: key(1), Store: h.store}}
		}
		size := 0
		if sc, ok := cmd.(*redis.StringCmd); ok {
			size = len(sc.Val())
		}
		return []trace.Event{trace.CacheHit{Key: key(1), ValueSize: size, Store: h.store}}

	case "mget":
		sc, ok := cmd.(*redis.SliceCmd)
		if !ok {
			return nil
		}
		vals := sc.Val()
		var evs []trace.Event
		for i := 1; i < len(args) && i-1 < len(vals); i++ {
			v := vals[i-1]
			if v == nil {
				evs = append(evs, trace.CacheMiss{Key: key(i), Store: h.store})
				continue
			}
			evs = append(evs, trace.CacheHit{Key: key(i), ValueSize: len(argString(v)), Store: h.store})
		}
		return evs

	case "set", "setnx":
		if len(args) < 3 {
			return nil
		}
		return []trace.Event{trace.CacheWrite{
			Key:       key(1),
			ValueSize: len(argString(args[2])),
			TTL:       setTTL(args[3:]),
			Store:     h.store,
		}}

	case "setex", "psetex":
		if len(args) < 4 {
			return nil
		}
		ttl := argFloat(args[2])
		if strings.ToLower(cmd.Name()) == "psetex" {
			ttl /= 1000
		}
		return []trace.Event{trace.CacheWrite{
			Key:       key(1),
			ValueSize: len(argString(args[3])),
			TTL:       ttl,
			Store:     h.store,
		}}

	case "del", "unlink":
		evs := make([]trace.Event, 0, len(args)-1)
		for i := 1; i < len(args); i++ {
			evs = append(evs, trace.CacheForget{Key: key(i), Store: h.store})
		}
		return evs
	}
	return nil
}

// setTTL extracts the expiry in seconds from the options of a SET command
func setTTL(opts []any) float64 {
	for i := 0; i+1 < len(opts); i++ {
		switch strings.ToLower(argString(opts[i])) {
		case "ex":
			return argFloat(opts[i+1])
		case "px":
			return argFloat(opts[i+1]) / 1000
		}
	}
	return 0
}

func argString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func argFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case time.Duration:
		return x.Seconds()
	default:
		f, _ := strconv.ParseFloat(argString(v), 64)
		return f
	}
}
