package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db, redis and queue readiness probes.
// Each check reports "not configured" when its dependency is absent; the
// router only mounts checks for configured dependencies.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client, kafka *kgo.Client) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	queueCheck := func(ctx context.Context) error {
		if kafka == nil {
			return fmt.Errorf("queue not configured")
		}
		return kafka.Ping(ctx)
	}
	return dbCheck, redisCheck, queueCheck
}
