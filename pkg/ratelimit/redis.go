package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/funnelworks/crm-core/pkg/observability"
)

const redisKeyPrefix = "crm:ratelimit:"

// RedisLimiter shares fixed windows across instances through Redis. Counters
// live under crm:ratelimit:<key> with a TTL equal to the window.
type RedisLimiter struct {
	client *redis.Client
	logger *observability.Logger
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, logger *observability.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// Allow increments the key's window counter atomically. If Redis is down the
// request is allowed and the outage is logged.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (Result, error) {
	redisKey := redisKeyPrefix + key

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
		return Result{
			Allowed:   true,
			Limit:     limit.Requests,
			Remaining: limit.Requests,
			Reset:     time.Now().Add(limit.Window),
		}, nil
	}

	count := incr.Val()
	remaining := int64(limit.Requests) - count
	if remaining < 0 {
		remaining = 0
	}

	reset := time.Now().Add(limit.Window)
	if ttl, err := l.client.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		reset = time.Now().Add(ttl)
	}

	return Result{
		Allowed:   count <= int64(limit.Requests),
		Limit:     limit.Requests,
		Remaining: int(remaining),
		Reset:     reset,
	}, nil
}

// Reset clears the counter for a key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}
