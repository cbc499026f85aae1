package redisqueue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/trace"
)

type memStorer struct {
	mu      sync.Mutex
	bundles map[trace.ID]*trace.Bundle
}

func (m *memStorer) Store(ctx context.Context, b *trace.Bundle) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.TraceID] = b
	return string(b.TraceID), nil
}

func (m *memStorer) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bundles)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"trace_id":"ct_x","response":{"status":500}}`, false},
		{"no-id", `{"response":{"status":500}}`, true},
		{"not-json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := decode(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, trace.ID("ct_x"), b.TraceID)
			assert.Equal(t, 500, b.Response.Status)
		})
	}
}

func TestHandleCountsFailures(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	q := NewWithClient(client, config.Queue{}, logrus.New())
	assert.Equal(t, "chronotrace", q.Key())

	st := &memStorer{bundles: map[trace.ID]*trace.Bundle{}}
	q.handle(context.Background(), st, "garbage")
	q.handle(context.Background(), st, `{"trace_id":"ct_ok"}`)
	assert.Equal(t, 1, st.len())
	assert.Equal(t, uint64(1), q.Stats().Failed)
	assert.Equal(t, uint64(1), q.Stats().Stored)
}

func TestStorePushFailure(t *testing.T) {
	q := Dial(config.Queue{Name: "traces", Redis: config.Redis{Addr: "127.0.0.1:0"}}, logrus.New())
	defer q.Close()
	assert.Equal(t, "traces", q.Key())

	p, err := q.Store(context.Background(), &trace.Bundle{TraceID: trace.NewID()})
	assert.ErrorContains(t, err, "redis lpush")
	assert.Empty(t, p)
	assert.Equal(t, uint64(0), q.Stats().Queued)
}

// TestRedisRoundTrip needs a live Redis server
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("CHRONOTRACE_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHRONOTRACE_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conf := config.Default().Queue
	conf.Type = "redis"
	conf.Name = "chronotrace-test-" + string(trace.NewID())
	conf.Redis.Addr = addr
	q, err := New(ctx, conf, logrus.New())
	require.NoError(t, err)
	defer func() {
		_ = q.client.Del(context.Background(), q.Key()).Err()
		_ = q.Close()
	}()

	PopTimeout = 100 * time.Millisecond
	st := &memStorer{bundles: map[trace.ID]*trace.Bundle{}}
	var ids []trace.ID
	for i := 0; i < 3; i++ {
		b := &trace.Bundle{TraceID: trace.NewID(), Environment: "testing"}
		ids = append(ids, b.TraceID)
		require.NoError(t, q.Push(ctx, b))
	}

	cctx, ccancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Consume(cctx, st) }()
	require.Eventually(t, func() bool { return st.len() == 3 }, 10*time.Second, 50*time.Millisecond)
	ccancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	for _, id := range ids {
		assert.Equal(t, "testing", st.bundles[id].Environment)
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	p, err := q.Store(ctx, &trace.Bundle{TraceID: trace.NewID()})
	require.NoError(t, err)
	assert.Equal(t, "redis:"+q.Key(), p)
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
