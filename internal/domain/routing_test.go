package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

func TestNewRoutingContext_Defaults(t *testing.T) {
	t.Parallel()
	req := validRequest()
	rc := domain.NewRoutingContext(req, domain.TenantContext{ID: "acme"})
	assert.Equal(t, domain.DefaultTimeout, rc.Timeout)
	assert.Equal(t, domain.StrategyLeastLatency, rc.EffectiveStrategy())

	req.Hints.Timeout = 5 * time.Second
	rc = domain.NewRoutingContext(req, domain.TenantContext{ID: "acme"})
	assert.Equal(t, 5*time.Second, rc.Timeout)
}

func TestRoutingContext_EffectiveStrategy_Precedence(t *testing.T) {
	t.Parallel()
	req := validRequest()
	tenant := domain.TenantContext{ID: "acme", DefaultStrategy: domain.StrategyPriority}

	rc := domain.NewRoutingContext(req, tenant)
	assert.Equal(t, domain.StrategyPriority, rc.EffectiveStrategy())

	rc = rc.WithStrategy(domain.StrategyRoundRobin)
	assert.Equal(t, domain.StrategyRoundRobin, rc.EffectiveStrategy())

	// Cost sensitivity wins over everything.
	req.Hints.CostSensitive = true
	rc = domain.NewRoutingContext(req, tenant).WithStrategy(domain.StrategyRoundRobin)
	assert.Equal(t, domain.StrategyCheapest, rc.EffectiveStrategy())
}

func TestRoutingContext_ExcludeProvider_Immutable(t *testing.T) {
	t.Parallel()
	rc := domain.NewRoutingContext(validRequest(), domain.TenantContext{ID: "acme"})
	rc2 := rc.ExcludeProvider("a")
	rc3 := rc2.ExcludeProvider("b")

	assert.False(t, rc.Excluded("a"))
	assert.True(t, rc2.Excluded("a"))
	assert.False(t, rc2.Excluded("b"))
	assert.True(t, rc3.Excluded("a"))
	assert.True(t, rc3.Excluded("b"))
	assert.Equal(t, 0, rc.ExcludedCount())
	assert.Equal(t, 2, rc3.ExcludedCount())
}

func TestQuota_WindowStartAndExpiry(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 15, 13, 42, 7, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC), domain.ResetHourly.WindowStart(at))
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), domain.ResetDaily.WindowStart(at))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), domain.ResetMonthly.WindowStart(at))
	assert.True(t, domain.ResetNever.WindowStart(at).IsZero())

	q := domain.Quota{Period: domain.ResetHourly, WindowStart: domain.ResetHourly.WindowStart(at)}
	assert.False(t, q.Expired(at.Add(10*time.Minute)))
	assert.True(t, q.Expired(at.Add(time.Hour)))

	never := domain.Quota{Period: domain.ResetNever, WindowStart: at}
	assert.False(t, never.Expired(at.Add(24*365*time.Hour)))
}
