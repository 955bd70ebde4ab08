// Package quota enforces long-period tenant quotas and per-tenant
// concurrency slots.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// MemoryStore is the in-process domain.QuotaStore. Deployments that need
// durable counters compose it with the postgres repo; the admission path
// only depends on the interface.
type MemoryStore struct {
	mu     sync.Mutex
	quotas map[string]*domain.Quota
	strict bool
	now    func() time.Time
}

// NewMemoryStore constructs a store. In strict mode tenants without a quota
// row are rejected; otherwise they pass unlimited.
func NewMemoryStore(strict bool) *MemoryStore {
	return &MemoryStore{
		quotas: make(map[string]*domain.Quota),
		strict: strict,
		now:    time.Now,
	}
}

func key(tenantID, resource string) string { return tenantID + "/" + resource }

// Define installs or replaces a quota row.
func (s *MemoryStore) Define(q domain.Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.WindowStart.IsZero() {
		q.WindowStart = q.Period.WindowStart(s.now())
	}
	cp := q
	s.quotas[key(q.TenantID, q.Resource)] = &cp
}

func (s *MemoryStore) rollover(q *domain.Quota) {
	now := s.now()
	if q.Expired(now) {
		q.Used = 0
		q.WindowStart = q.Period.WindowStart(now)
	}
}

// CheckAndIncrement consumes amount atomically if the quota admits it.
func (s *MemoryStore) CheckAndIncrement(_ context.Context, tenantID, resource string, amount int64) (domain.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[key(tenantID, resource)]
	if !ok {
		if s.strict {
			return domain.Quota{}, domain.Ef(domain.CodeQuotaExceeded, "no quota defined for tenant %s resource %s", tenantID, resource)
		}
		return domain.Quota{TenantID: tenantID, Resource: resource, Limit: -1}, nil
	}
	s.rollover(q)
	if !q.HasQuota(amount) {
		return *q, domain.Ef(domain.CodeQuotaExceeded, "quota exhausted for tenant %s resource %s", tenantID, resource).
			WithDetail("limit", q.Limit).
			WithDetail("used", q.Used)
	}
	q.Used += amount
	return *q, nil
}

// Get returns the current quota row without consuming.
func (s *MemoryStore) Get(_ context.Context, tenantID, resource string) (domain.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[key(tenantID, resource)]
	if !ok {
		return domain.Quota{}, domain.Ef(domain.CodeQuotaExceeded, "no quota defined for tenant %s resource %s", tenantID, resource)
	}
	s.rollover(q)
	return *q, nil
}

// ResetExpired rolls over any elapsed windows, returning how many were reset.
func (s *MemoryStore) ResetExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.quotas {
		if q.Expired(now) {
			q.Used = 0
			q.WindowStart = q.Period.WindowStart(now)
			n++
		}
	}
	return n, nil
}

// SetClock overrides the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// RunResetLoop periodically resets expired quota windows until ctx is done.
func RunResetLoop(ctx context.Context, store domain.QuotaStore, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.ResetExpired(ctx, now)
			if err != nil {
				slog.Error("quota window reset failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("quota windows reset", slog.Int("count", n))
			}
		}
	}
}
