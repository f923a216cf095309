package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Cache backed by Redis keys "<prefix>:<key>".
type Redis[T any] struct {
	client    redis.UniversalClient
	marshal   func(T) ([]byte, error)
	unmarshal func([]byte) (T, error)
	prefix    string
	ttl       time.Duration
}

// NewRedis creates a Redis cache. A zero ttl stores keys without expiry.
func NewRedis[T any](client redis.UniversalClient, prefix string, ttl time.Duration, marshal func(T) ([]byte, error), unmarshal func([]byte) (T, error)) *Redis[T] {
	return &Redis[T]{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		marshal:   marshal,
		unmarshal: unmarshal,
	}
}

// Get returns the value for key.
func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	value, err := r.unmarshal(data)
	if err != nil {
		return zero, false, fmt.Errorf("redis decode %s: %w", key, err)
	}

	return value, true, nil
}

// Put stores value under key and restarts its lifetime.
func (r *Redis[T]) Put(ctx context.Context, key string, value T) error {
	data, err := r.marshal(value)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", key, err)
	}

	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

// Delete removes key.
func (r *Redis[T]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}

	return nil
}

// List returns every value under the prefix ordered by key. Keys that expire
// or fail to decode while listing are skipped.
func (r *Redis[T]) List(ctx context.Context) ([]T, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, r.prefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", r.prefix, err)
	}
	sort.Strings(keys)

	values := make([]T, 0, len(keys))
	for _, full := range keys {
		value, ok, err := r.Get(ctx, strings.TrimPrefix(full, r.prefix+":"))
		if err != nil || !ok {
			continue
		}
		values = append(values, value)
	}

	return values, nil
}

func (r *Redis[T]) key(key string) string {
	return r.prefix + ":" + key
}
