package quota

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Slots caps in-flight requests per tenant. Acquire returns a release
// function so holders cannot forget the paired release; every code path,
// including panics, releases via defer at the acquisition site.
type Slots struct {
	mu    sync.Mutex
	held  map[string]int
	limit int
	redis *redis.Client
}

// NewSlots constructs a concurrency limiter. limit <= 0 disables it. When a
// redis client is provided the count is mirrored under concurrent:<tenant>
// so the gauge is cluster-wide; admission always uses the local count.
func NewSlots(limit int, rdb *redis.Client) *Slots {
	return &Slots{held: make(map[string]int), limit: limit, redis: rdb}
}

// Acquire takes one slot for the tenant. The returned release function is
// idempotent.
func (s *Slots) Acquire(ctx context.Context, tenantID string) (func(), error) {
	if s == nil || s.limit <= 0 {
		return func() {}, nil
	}
	s.mu.Lock()
	if s.held[tenantID] >= s.limit {
		s.mu.Unlock()
		return nil, domain.Ef(domain.CodeConcurrencyExceeded, "concurrency limit %d reached for tenant %s", s.limit, tenantID)
	}
	s.held[tenantID]++
	count := s.held[tenantID]
	s.mu.Unlock()

	observability.ActiveConcurrency.WithLabelValues(tenantID).Set(float64(count))
	s.mirror(ctx, tenantID, 1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.held[tenantID] > 0 {
				s.held[tenantID]--
			}
			count := s.held[tenantID]
			if count == 0 {
				delete(s.held, tenantID)
			}
			s.mu.Unlock()
			observability.ActiveConcurrency.WithLabelValues(tenantID).Set(float64(count))
			s.mirror(context.Background(), tenantID, -1)
		})
	}
	return release, nil
}

func (s *Slots) mirror(ctx context.Context, tenantID string, delta int64) {
	if s.redis == nil {
		return
	}
	if err := s.redis.IncrBy(ctx, "concurrent:"+tenantID, delta).Err(); err != nil {
		slog.Warn("concurrency slot mirror failed", slog.String("tenant", tenantID), slog.Any("error", err))
	}
}

// Held returns the number of slots currently held by the tenant.
func (s *Slots) Held(tenantID string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[tenantID]
}
