package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries as plain Redis strings with EX expiry.
type RedisBackend struct {
	client redis.Cmdable
}

// NewRedisBackend wraps a go-redis client.
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get reads key; a missing key is a miss, not an error.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return raw, true, nil
}

// SetIfAbsent writes key with SET NX so live entries are never replaced.
func (r *RedisBackend) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.SetNX(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}
