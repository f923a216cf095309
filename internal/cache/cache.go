// Package cache holds short-lived values such as connected players, either in
// process memory or in Redis when several masters share state.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Cache stores values by key with a fixed lifetime.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Put(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]T, error)
}

type memoryEntry[T any] struct {
	expires time.Time
	value   T
}

// Memory is an in-process Cache. A zero ttl keeps entries forever.
type Memory[T any] struct {
	entries map[string]memoryEntry[T]
	now     func() time.Time
	ttl     time.Duration
	mu      sync.Mutex
}

// NewMemory creates an in-process cache.
func NewMemory[T any](ttl time.Duration) *Memory[T] {
	return &Memory[T]{
		entries: make(map[string]memoryEntry[T]),
		now:     time.Now,
		ttl:     ttl,
	}
}

// Get returns the value for key unless it is missing or expired.
func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || m.expired(entry) {
		delete(m.entries, key)
		var zero T
		return zero, false, nil
	}

	return entry.value, true, nil
}

// Put stores value under key and restarts its lifetime.
func (m *Memory[T]) Put(_ context.Context, key string, value T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry[T]{value: value}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.entries[key] = entry

	return nil
}

// Delete removes key.
func (m *Memory[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// List returns the live values ordered by key.
func (m *Memory[T]) List(_ context.Context) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if m.expired(entry) {
			delete(m.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]T, 0, len(keys))
	for _, key := range keys {
		values = append(values, m.entries[key].value)
	}

	return values, nil
}

func (m *Memory[T]) expired(entry memoryEntry[T]) bool {
	return !entry.expires.IsZero() && !m.now().Before(entry.expires)
}
