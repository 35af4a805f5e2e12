// Package cache provides a redis-backed read-through cache with sliding and
// absolute expiration, invalidated explicitly by whoever mutates the data it
// mirrors.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type envelope[T any] struct {
	StoredAt time.Time `json:"storedAt"`
	Payload  T         `json:"payload"`
}

// Cache holds one value under a fixed key. Reads within the sliding window
// extend the entry's life, but never past the absolute deadline measured
// from the write.
type Cache[T any] struct {
	client   *redis.Client
	key      string
	sliding  time.Duration
	absolute time.Duration
	now      func() time.Time
}

func New[T any](client *redis.Client, key string, sliding, absolute time.Duration) *Cache[T] {
	return &Cache[T]{
		client:   client,
		key:      key,
		sliding:  sliding,
		absolute: absolute,
		now:      time.Now,
	}
}

func (c *Cache[T]) Get(ctx context.Context) (T, bool, error) {
	var zero T
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache get %s: %w", c.key, err)
	}

	var entry envelope[T]
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return zero, false, fmt.Errorf("decode cache entry %s: %w", c.key, err)
	}

	age := c.now().Sub(entry.StoredAt)
	if age >= c.absolute {
		_ = c.client.Del(ctx, c.key).Err()
		return zero, false, nil
	}

	ttl := c.sliding
	if remaining := c.absolute - age; remaining < ttl {
		ttl = remaining
	}
	if err := c.client.Expire(ctx, c.key, ttl).Err(); err != nil {
		return zero, false, fmt.Errorf("extend cache ttl %s: %w", c.key, err)
	}
	return entry.Payload, true, nil
}

func (c *Cache[T]) Set(ctx context.Context, payload T) error {
	entry := envelope[T]{StoredAt: c.now(), Payload: payload}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", c.key, err)
	}

	ttl := c.sliding
	if c.absolute < ttl {
		ttl = c.absolute
	}
	if err := c.client.Set(ctx, c.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", c.key, err)
	}
	return nil
}

func (c *Cache[T]) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache[T]) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", c.key, err)
	}
	return nil
}
