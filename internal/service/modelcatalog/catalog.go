// Package modelcatalog keeps provider model sets and health views fresh so
// the routing engine never probes providers on the hot path.
package modelcatalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/registry"
	"github.com/fairyhunter13/inference-gateway/internal/routing"
)

// ModelLister is implemented by providers whose model set is discoverable at
// runtime. Providers with a static catalog are skipped.
type ModelLister interface {
	ListModels(ctx domain.Context) ([]string, error)
	SetModels(models []string)
}

// Refresher polls each discoverable provider and republishes its model set.
type Refresher struct {
	registry *registry.Registry
	interval time.Duration
}

// NewRefresher constructs a refresher. interval <= 0 defaults to one hour.
func NewRefresher(reg *registry.Registry, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{registry: reg, interval: interval}
}

// RefreshOnce polls every discoverable provider, returning how many were
// updated. Individual failures are logged and skipped; a stale model set is
// better than an empty one.
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	updated := 0
	for _, id := range r.registry.List() {
		p, ok := r.registry.Get(id)
		if !ok {
			continue
		}
		lister, ok := p.(ModelLister)
		if !ok {
			continue
		}
		models, err := lister.ListModels(ctx)
		if err != nil {
			slog.Warn("model catalog refresh failed",
				slog.String("provider", p.ID()), slog.Any("error", err))
			continue
		}
		if len(models) == 0 {
			continue
		}
		lister.SetModels(models)
		updated++
		slog.Debug("model catalog refreshed",
			slog.String("provider", p.ID()), slog.Int("models", len(models)))
	}
	return updated
}

// Run refreshes on the interval until ctx is done. The first refresh happens
// immediately.
func (r *Refresher) Run(ctx context.Context) {
	r.RefreshOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// HealthMonitor periodically probes provider health and pushes the result
// into the routing engine's cached view.
type HealthMonitor struct {
	registry *registry.Registry
	router   *routing.Engine
	interval time.Duration
}

// NewHealthMonitor constructs a monitor. interval <= 0 defaults to 30s.
func NewHealthMonitor(reg *registry.Registry, router *routing.Engine, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{registry: reg, router: router, interval: interval}
}

// ProbeOnce checks every registered provider.
func (m *HealthMonitor) ProbeOnce(ctx context.Context) {
	for _, id := range m.registry.List() {
		p, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		h := p.Health(ctx)
		m.router.SetHealth(p.ID(), h.Status)
		if h.Status == domain.HealthDown {
			slog.Warn("provider unhealthy",
				slog.String("provider", p.ID()), slog.String("message", h.Message))
		}
	}
}

// Run probes on the interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.ProbeOnce(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}
