// Package topics provides in-process notification fan-out. Publishers never
// wait for subscribers: a subscriber whose buffer is full misses the value.
package topics

import (
	"context"
	"sync"
)

// New returns a new Topic
func New[T any]() *Topic[T] {
	return &Topic[T]{
		subscribers: make(map[uint64]chan T),
	}
}

// Topic fans out published values to all current subscribers
type Topic[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextID      uint64
	last        T
	hasLast     bool
}

// TryPublish offers v to every subscriber and returns the number of
// subscribers that missed it because their buffer was full.
func (t *Topic[T]) TryPublish(v T) (missed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = v
	t.hasLast = true
	for _, ch := range t.subscribers {
		select {
		case ch <- v:
		default:
			missed++
		}
	}
	return missed
}

// Subscribers returns the number of open subscriptions
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Last returns the last published value, if any
func (t *Topic[T]) Last() (value T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Subscribe opens a subscription that buffers up to size values.
// A size of zero only receives values while a reader is waiting.
func (t *Topic[T]) Subscribe(size int) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	ch := make(chan T, size)
	t.subscribers[t.nextID] = ch
	return &Subscription[T]{id: t.nextID, topic: t, ch: ch}
}

// Handle calls cb for every value until cb returns an error or ctx is done
func (t *Topic[T]) Handle(ctx context.Context, size int, cb func(T) error) error {
	sub := t.Subscribe(size)
	defer sub.Close()
	for {
		v, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := cb(v); err != nil {
			return err
		}
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}
