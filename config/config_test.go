package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Check())
	assert.True(t, c.AsyncStorage)
	assert.Equal(t, "memory", c.Queue.Type)
	assert.True(t, c.Queue.SyncFallback)
	assert.Contains(t, c.Capture.EnvVars, "GOMAXPROCS")
	for _, name := range []string{"APP_ENV", "APP_DEBUG", "APP_URL", "DB_CONNECTION"} {
		assert.NotContains(t, c.Capture.EnvVars, name)
	}
}

func TestLoadYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, c Config)
		wantErr string
	}{
		{
			name: "sync-storage",
			yaml: "async_storage: false\n",
			check: func(t *testing.T, c Config) {
				assert.False(t, c.AsyncStorage)
				assert.Equal(t, "memory", c.Queue.Type)
			},
		},
		{
			name: "redis-queue",
			yaml: "queue:\n  type: redis\n  redis:\n    addr: redis:6379\n",
			check: func(t *testing.T, c Config) {
				assert.True(t, c.AsyncStorage)
				assert.Equal(t, "redis", c.Queue.Type)
				assert.Equal(t, "redis:6379", c.Queue.Redis.Addr)
				// Omitted keys keep their default
				assert.Equal(t, 256, c.Queue.Size)
			},
		},
		{
			name: "env-vars",
			yaml: "capture:\n  env_vars: [APP_ENV]\n",
			check: func(t *testing.T, c Config) {
				assert.Equal(t, []string{"APP_ENV"}, c.Capture.EnvVars)
			},
		},
		{
			name:    "unknown-key",
			yaml:    "async_store: true\n",
			wantErr: "async_store",
		},
		{
			name:    "redis-without-addr",
			yaml:    "queue:\n  type: redis\n",
			wantErr: "queue.redis.addr",
		},
		{
			name:    "unknown-queue",
			yaml:    "queue:\n  type: kafka\n",
			wantErr: "queue.type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			err := c.LoadYAML([]byte(tt.yaml), false)
			if err == nil {
				err = c.Check()
			}
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestStringMasksSecrets(t *testing.T) {
	c := Default()
	c.Queue.Redis.Password = "hunter2"
	c.Storage.Options = map[string]interface{}{"secret_key": "s3cr3t", "bucket": "traces"}
	s := c.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "s3cr3t")
	assert.Contains(t, s, "traces")
	assert.Equal(t, "hunter2", c.Queue.Redis.Password)
}
