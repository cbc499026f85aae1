package agent

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/queue/redisqueue"
	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/trace"
)

func testConfig() config.Config {
	conf := config.Default()
	conf.Environment = "testing"
	conf.Storage = config.Storage{Type: "memory"}
	return conf
}

type nopStorer struct{}

func (nopStorer) Store(ctx context.Context, b *trace.Bundle) (string, error) {
	return string(b.TraceID), nil
}

func failedRequest(t *testing.T, a *Agent) recorder.Outcome {
	t.Helper()
	id := a.Recorder.StartCapture(recorder.RequestInfo{
		Method: "GET",
		URL:    "http://localhost/orders",
	})
	return a.Recorder.FinishCapture(context.Background(), id, recorder.ResponseInfo{
		Status: 500,
	}, 10*time.Millisecond, 0)
}

func TestNewDispatcher(t *testing.T) {
	tests := []struct {
		name      string
		queueType string
		addr      string
		wantRedis bool
		wantErr   string
	}{
		{"memory", "memory", "", false, ""},
		{"empty", "", "", false, ""},
		{"redis", "redis", "127.0.0.1:6379", true, ""},
		{"redis-no-addr", "redis", "", false, "queue.redis.addr"},
		{"unknown", "kafka", "", false, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := testConfig()
			conf.Queue.Type = tt.queueType
			conf.Queue.Redis.Addr = tt.addr
			d, err := NewDispatcher(conf, nopStorer{}, logrus.New())
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRedis, d.Redis() != nil)
			if d.Redis() != nil {
				assert.Equal(t, "chronotrace", d.Redis().Key())
				assert.NoError(t, d.Redis().Close())
			}
		})
	}
}

func TestAgentSync(t *testing.T) {
	conf := testConfig()
	conf.AsyncStorage = false
	a, err := New(context.Background(), conf, logrus.New(), recorder.Options{})
	require.NoError(t, err)
	assert.Nil(t, a.Queue)

	assert.Equal(t, recorder.OutcomeStored, failedRequest(t, a))
	list, err := a.Store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.NotContains(t, a.Stats(), "queue")
}

func TestAgentMemoryQueue(t *testing.T) {
	conf := testConfig()
	require.True(t, conf.AsyncStorage)
	a, err := New(context.Background(), conf, logrus.New(), recorder.Options{})
	require.NoError(t, err)
	require.NotNil(t, a.Queue)
	assert.Nil(t, a.Queue.Redis())

	assert.Equal(t, recorder.OutcomeQueued, failedRequest(t, a))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()
	assert.Eventually(t, func() bool {
		list, err := a.Store.List(context.Background())
		return err == nil && len(list) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, uint64(1), a.Queue.Stats().Stored)
}

func TestAgentDrainsOnShutdown(t *testing.T) {
	a, err := New(context.Background(), testConfig(), logrus.New(), recorder.Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, recorder.OutcomeQueued, failedRequest(t, a))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx))

	list, err := a.Store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

// silentServer accepts connections and never answers
func silentServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestAgentRedisQueueUnresponsive(t *testing.T) {
	defer func(d time.Duration) { redisqueue.PushTimeout = d }(redisqueue.PushTimeout)
	redisqueue.PushTimeout = 100 * time.Millisecond

	conf := testConfig()
	conf.Queue.Type = "redis"
	conf.Queue.Redis.Addr = silentServer(t)
	conf.Queue.SyncFallback = false

	t0 := time.Now()
	a, err := New(context.Background(), conf, logrus.New(), recorder.Options{})
	require.NoError(t, err)
	require.NotNil(t, a.Queue.Redis())

	// The unit of work never waits for Redis
	assert.Equal(t, recorder.OutcomeQueued, failedRequest(t, a))
	assert.Less(t, time.Since(t0), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()
	assert.Eventually(t, func() bool {
		return a.Queue.Stats().Failed == 1
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, uint64(0), a.Queue.Redis().Stats().Queued)
}

func TestAgentQueueFull(t *testing.T) {
	conf := testConfig()
	conf.Queue.Size = 1
	conf.Queue.SyncFallback = false
	a, err := New(context.Background(), conf, logrus.New(), recorder.Options{})
	require.NoError(t, err)

	assert.Equal(t, recorder.OutcomeQueued, failedRequest(t, a))
	assert.Equal(t, recorder.OutcomeFailed, failedRequest(t, a))
	assert.Equal(t, uint64(1), a.Queue.Stats().Dropped)
}
