// Package routing selects providers for requests: capability, exclusion,
// breaker, and health filtering followed by strategy scoring with a
// deterministic tie-break.
package routing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/registry"
	"github.com/fairyhunter13/inference-gateway/internal/service/breaker"
)

// Candidate is one provider surviving the filters, ranked by the strategy.
type Candidate struct {
	ProviderID       string
	Provider         domain.Provider
	Score            float64
	EstimatedLatency time.Duration
	EstimatedCost    float64
	priority         int
}

// Engine ranks providers for a routing context.
type Engine struct {
	registry *registry.Registry
	breaker  *breaker.Table
	latency  *LatencyTracker
	cursor   atomic.Uint64

	mu      sync.RWMutex
	configs map[string]domain.ProviderConfig
	health  map[string]domain.HealthStatus
}

// NewEngine constructs a routing engine over the registry and breaker table.
func NewEngine(reg *registry.Registry, brk *breaker.Table, lat *LatencyTracker) *Engine {
	return &Engine{
		registry: reg,
		breaker:  brk,
		latency:  lat,
		configs:  make(map[string]domain.ProviderConfig),
		health:   make(map[string]domain.HealthStatus),
	}
}

// SetProviderConfig records priority and cost inputs for scoring.
func (e *Engine) SetProviderConfig(cfg domain.ProviderConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[cfg.ID] = cfg
}

// SetHealth updates the cached health view consulted by the filter. The
// engine never calls Provider.Health on the hot path.
func (e *Engine) SetHealth(providerID string, status domain.HealthStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health[providerID] = status
}

// Latency exposes the tracker so the dispatcher can record call durations.
func (e *Engine) Latency() *LatencyTracker { return e.latency }

func (e *Engine) configFor(id string) domain.ProviderConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.configs[id]
}

func (e *Engine) healthFor(id string) domain.HealthStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.health[id]; ok {
		return s
	}
	return domain.HealthUnknown
}

// CheckCapabilities reports whether any provider can satisfy the request's
// capability demands. It consults only the static capability view, not
// breaker or health state, so the dispatcher can run it before admission and
// a mismatched request never consumes rate-limit tokens or quota.
func (e *Engine) CheckCapabilities(req domain.InferenceRequest) error {
	_, err := e.registry.CandidatesFor(req)
	return err
}

// Candidates returns providers able to serve the request, best first. The
// dispatcher attempts them head-to-tail on retryable failure.
func (e *Engine) Candidates(_ context.Context, rc domain.RoutingContext) ([]Candidate, error) {
	ids, err := e.registry.CandidatesFor(rc.Request)
	if err != nil {
		return nil, err
	}

	filtered := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		if rc.Excluded(id) {
			continue
		}
		if !e.breaker.WouldAllow(id) {
			continue
		}
		if e.healthFor(id) == domain.HealthDown {
			continue
		}
		p, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		cfg := e.configFor(id)
		if rc.DeviceHint != "" && !p.Capabilities().SupportsDevice(rc.DeviceHint) {
			continue
		}
		estTokens := rc.Request.Parameters.MaxTokens
		if estTokens <= 0 {
			estTokens = 512
		}
		filtered = append(filtered, Candidate{
			ProviderID:       id,
			Provider:         p,
			EstimatedLatency: e.latency.P95(id),
			EstimatedCost:    cfg.CostPerKiloToken * float64(estTokens) / 1000,
			priority:         cfg.Priority,
		})
	}
	if len(filtered) == 0 {
		return nil, domain.Ef(domain.CodeNoProviderAvailable, "no provider available for model %q", rc.Request.Model)
	}

	strategy := rc.EffectiveStrategy()
	switch strategy {
	case domain.StrategyUserSelected:
		for _, c := range filtered {
			if c.ProviderID == rc.PreferredProvider {
				return []Candidate{c}, nil
			}
		}
		return nil, domain.Ef(domain.CodeNoProviderAvailable, "preferred provider %q not available", rc.PreferredProvider)
	case domain.StrategyRoundRobin:
		// Cursor rotates over the id-ordered remainder.
		offset := int(e.cursor.Add(1)-1) % len(filtered)
		rotated := make([]Candidate, 0, len(filtered))
		rotated = append(rotated, filtered[offset:]...)
		rotated = append(rotated, filtered[:offset]...)
		return rotated, nil
	case domain.StrategyCheapest:
		for i := range filtered {
			filtered[i].Score = -filtered[i].EstimatedCost
		}
	case domain.StrategyPriority:
		for i := range filtered {
			filtered[i].Score = float64(filtered[i].priority)
		}
	default: // LEAST_LATENCY
		for i := range filtered {
			filtered[i].Score = -filtered[i].EstimatedLatency.Seconds()
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.EstimatedLatency != b.EstimatedLatency {
			return a.EstimatedLatency < b.EstimatedLatency
		}
		return a.ProviderID < b.ProviderID
	})

	// A preferred provider that survived filtering is tried first even under
	// score-based strategies.
	if rc.PreferredProvider != "" && strategy != domain.StrategyUserSelected {
		for i, c := range filtered {
			if c.ProviderID == rc.PreferredProvider && i > 0 {
				head := filtered[i]
				copy(filtered[1:i+1], filtered[:i])
				filtered[0] = head
				break
			}
		}
	}
	return filtered, nil
}
