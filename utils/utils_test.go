package utils

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want string
	}{
		{"", 10, ""},
		{"abc", 0, ""},
		{"abc", 10, "abc"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"}, // é is two bytes
		{"héllo", 3, "hé"},
		{"日本", 4, "日"},
		{"日本", 6, "日本"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%d", tt.s, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateUTF8(tt.s, tt.n))
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	b := NewCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte("defgh"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("abcde"), b.Bytes())
	assert.Equal(t, int64(8), b.Total())
	assert.True(t, b.Truncated())

	_, _ = b.Write([]byte("ij"))
	assert.Equal(t, []byte("abcde"), b.Bytes())
	assert.Equal(t, int64(10), b.Total())
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestHeapAllocs(t *testing.T) {
	before := HeapAllocs()
	buf := make([][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		buf = append(buf, make([]byte, 1024))
	}
	assert.Len(t, buf, 100)
	assert.GreaterOrEqual(t, HeapAllocs(), before)
}
