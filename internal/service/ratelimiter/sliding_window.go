package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindowLimiter enforces a per-second request cap with an atomic
// INCR + 1s TTL counter. It is the fallback when the token bucket is
// disabled for a tenant.
type SlidingWindowLimiter struct {
	redis *redis.Client
	limit int64
}

// NewSlidingWindowLimiter constructs a per-second window limiter.
func NewSlidingWindowLimiter(rdb *redis.Client, limit int64) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{redis: rdb, limit: limit}
}

// Allow increments the rl:<key>:rps counter for the current second and
// rejects once the count exceeds the limit. Fails open on redis errors.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil || l.limit <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()
	redisKey := fmt.Sprintf("rl:%s:rps:%d", key, now.Unix())
	pipe := l.redis.TxPipeline()
	incr := pipe.IncrBy(ctx, redisKey, cost)
	pipe.Expire(ctx, redisKey, time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("sliding window limiter unavailable", slog.String("key", key), slog.Any("error", err))
		return true, 0, nil
	}
	if incr.Val() > l.limit {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}
	return true, 0, nil
}
