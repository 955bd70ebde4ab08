package domain

import "time"

// Strategy ranks routing candidates.
type Strategy string

// Routing strategies. An empty strategy resolves to the tenant default, then
// to StrategyLeastLatency.
const (
	StrategyUserSelected Strategy = "USER_SELECTED"
	StrategyLeastLatency Strategy = "LEAST_LATENCY"
	StrategyCheapest     Strategy = "CHEAPEST"
	StrategyRoundRobin   Strategy = "ROUND_ROBIN"
	StrategyPriority     Strategy = "PRIORITY"
)

// DefaultTimeout bounds a provider call when the request carries none.
const DefaultTimeout = 30 * time.Second

// TenantContext is the resolved billing/quota principal for a request. In
// single-tenant mode the id is always "default".
type TenantContext struct {
	ID              string
	DefaultStrategy Strategy
	RPSLimit        int
	Metadata        map[string]string
}

// DefaultTenantID is used when multi-tenancy is disabled.
const DefaultTenantID = "default"

// RoutingContext carries everything the routing engine needs to pick a
// provider. It is immutable; ExcludeProvider returns a copy.
type RoutingContext struct {
	Request           InferenceRequest
	Tenant            TenantContext
	PreferredProvider string
	DeviceHint        string
	Timeout           time.Duration
	CostSensitive     bool
	Priority          int
	Strategy          Strategy
	PoolID            string
	excluded          map[string]struct{}
}

// NewRoutingContext builds a context from the request and tenant, applying
// hint defaults.
func NewRoutingContext(req InferenceRequest, tenant TenantContext) RoutingContext {
	timeout := req.Hints.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return RoutingContext{
		Request:           req,
		Tenant:            tenant,
		PreferredProvider: req.Hints.PreferredProvider,
		DeviceHint:        req.Hints.DeviceHint,
		Timeout:           timeout,
		CostSensitive:     req.Hints.CostSensitive,
		Priority:          req.Hints.Priority,
	}
}

// WithStrategy returns a copy with an explicit strategy override.
func (rc RoutingContext) WithStrategy(s Strategy) RoutingContext {
	rc.Strategy = s
	return rc
}

// ExcludeProvider returns a copy with the provider id added to the exclusion
// set. The receiver is left untouched.
func (rc RoutingContext) ExcludeProvider(id string) RoutingContext {
	excluded := make(map[string]struct{}, len(rc.excluded)+1)
	for k := range rc.excluded {
		excluded[k] = struct{}{}
	}
	excluded[id] = struct{}{}
	rc.excluded = excluded
	return rc
}

// Excluded reports whether the provider id is in the exclusion set.
func (rc RoutingContext) Excluded(id string) bool {
	_, ok := rc.excluded[id]
	return ok
}

// ExcludedCount returns the size of the exclusion set.
func (rc RoutingContext) ExcludedCount() int { return len(rc.excluded) }

// EffectiveStrategy resolves the strategy for this context: cost-sensitive
// mode forces CHEAPEST, then explicit override, tenant default, and finally
// the system default.
func (rc RoutingContext) EffectiveStrategy() Strategy {
	if rc.CostSensitive {
		return StrategyCheapest
	}
	if rc.Strategy != "" {
		return rc.Strategy
	}
	if rc.Tenant.DefaultStrategy != "" {
		return rc.Tenant.DefaultStrategy
	}
	return StrategyLeastLatency
}
