package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript runs evict, record and count in one server-side step.
// Scores are unix milliseconds; members carry a random suffix so concurrent
// hits in the same millisecond are all recorded.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[2])
redis.call('ZADD', key, ARGV[1], ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return redis.call('ZCOUNT', key, ARGV[2], '+inf')
`)

// RedisStore keeps windows in Redis sorted sets shared by every replica.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore creates a RedisStore; keys are written as prefix+callerID.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Hit executes the sliding window script for key.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, length time.Duration) (int, error) {
	nowMs := now.UnixMilli()
	startMs := now.Add(-length).UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	ttl := (2 * length).Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	count, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key}, nowMs, startMs, member, ttl).Int()
	if err != nil {
		return 0, fmt.Errorf("sliding window script: %w", err)
	}
	return count, nil
}
