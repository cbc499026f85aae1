package topics

import (
	"context"
	"io"
	"sync"
)

// Subscription receives the values published to a Topic. It must be closed
// when no longer used.
type Subscription[T any] struct {
	id    uint64
	topic *Topic[T]
	ch    <-chan T
	once  sync.Once
}

// Channel returns the receive channel. It is closed by Close.
func (s *Subscription[T]) Channel() <-chan T {
	return s.ch
}

// Next waits for the next value. It returns io.ErrClosedPipe after Close.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-s.ch:
		if !ok {
			return zero, io.ErrClosedPipe
		}
		return v, nil
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.topic.remove(s.id)
	})
}
