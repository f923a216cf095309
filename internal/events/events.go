// Package events provides typed publish/subscribe topics with explicit subscription.
package events

import "sync"

// Topic delivers values of one type to its subscribers. Subscribers are called
// synchronously on the publishing goroutine in subscription order.
type Topic[T any] struct {
	subscribers []func(T)
	mu          sync.RWMutex
}

// Subscribe registers fn for every future Publish.
func (t *Topic[T]) Subscribe(fn func(T)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subscribers = append(t.subscribers, fn)
}

// Publish calls every subscriber with v.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subscribers := t.subscribers
	t.mu.RUnlock()

	for _, fn := range subscribers {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.subscribers)
}
