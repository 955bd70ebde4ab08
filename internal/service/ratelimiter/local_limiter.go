package ratelimiter

import (
	"context"
	"sync"
	"time"
)

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

// LocalLimiter is the in-process token bucket. It backs the distributed
// limiter when redis is down and serves single-process deployments directly.
type LocalLimiter struct {
	mu       sync.Mutex
	defaults BucketConfig
	buckets  map[string]*localBucket
	now      func() time.Time
}

// NewLocalLimiter constructs an in-process limiter.
func NewLocalLimiter(defaults BucketConfig) *LocalLimiter {
	return &LocalLimiter{
		defaults: defaults,
		buckets:  make(map[string]*localBucket),
		now:      time.Now,
	}
}

// Allow implements Limiter against the default bucket config.
func (l *LocalLimiter) Allow(_ context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l.defaults.Capacity <= 0 || l.defaults.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	return l.allow(key, l.defaults, cost)
}

func (l *LocalLimiter) allow(key string, cfg BucketConfig, cost int64) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{tokens: float64(cfg.Capacity), lastRefill: now}
		l.buckets[key] = b
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = min(float64(cfg.Capacity), b.tokens+elapsed*cfg.RefillRate)
	b.lastRefill = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true, 0, nil
	}
	shortage := float64(cost) - b.tokens
	var retryAfter time.Duration
	if cfg.RefillRate > 0 {
		retryAfter = time.Duration(shortage / cfg.RefillRate * float64(time.Second))
	}
	return false, retryAfter, nil
}

// SetClock overrides the time source. Tests only.
func (l *LocalLimiter) SetClock(now func() time.Time) { l.now = now }
