package topics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPublish(t *testing.T) {
	tp := New[string]()
	assert.Equal(t, 0, tp.TryPublish("nobody"))

	fast := tp.Subscribe(2)
	defer fast.Close()
	slow := tp.Subscribe(0) // never read
	defer slow.Close()
	assert.Equal(t, 2, tp.Subscribers())

	assert.Equal(t, 1, tp.TryPublish("a"))
	assert.Equal(t, 1, tp.TryPublish("b"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := fast.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = fast.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	last, ok := tp.Last()
	assert.True(t, ok)
	assert.Equal(t, "b", last)
}

func TestClose(t *testing.T) {
	tp := New[int]()
	sub := tp.Subscribe(1)
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, tp.Subscribers())
	assert.Equal(t, 0, tp.TryPublish(1))

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	_, ok := <-sub.Channel()
	assert.False(t, ok)
}

func TestHandle(t *testing.T) {
	tp := New[int]()
	errStop := errors.New("stop")

	var got []int
	done := make(chan error)
	go func() {
		done <- tp.Handle(context.Background(), 10, func(v int) error {
			got = append(got, v)
			if v == 3 {
				return errStop
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return tp.Subscribers() == 1 }, time.Second, time.Millisecond)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 0, tp.TryPublish(i))
	}
	assert.ErrorIs(t, <-done, errStop)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, tp.Subscribers())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tp.Handle(ctx, 0, func(int) error { return nil }), context.Canceled)
}
