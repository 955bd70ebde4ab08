package modelcatalog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/provider/stub"
	"github.com/fairyhunter13/inference-gateway/internal/registry"
	"github.com/fairyhunter13/inference-gateway/internal/routing"
	"github.com/fairyhunter13/inference-gateway/internal/service/breaker"
	"github.com/fairyhunter13/inference-gateway/internal/service/modelcatalog"
)

// listable is a stub provider with a discoverable model set.
type listable struct {
	*stub.Provider
	mu     sync.Mutex
	models []string
	err    error
	set    [][]string
}

func (l *listable) ListModels(_ domain.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.models, l.err
}

func (l *listable) SetModels(models []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set = append(l.set, models)
}

func newRegistry(t *testing.T, providers ...domain.Provider) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, p := range providers {
		require.NoError(t, p.Initialize(context.Background(), domain.ProviderConfig{ID: p.ID(), Models: []string{"m"}}))
		reg.Register(context.Background(), p)
	}
	return reg
}

func TestRefresher_RefreshOnce(t *testing.T) {
	t.Parallel()
	discoverable := &listable{Provider: stub.New("remote"), models: []string{"m1", "m2"}}
	static := stub.New("static")
	reg := newRegistry(t, discoverable, static)

	r := modelcatalog.NewRefresher(reg, time.Hour)
	assert.Equal(t, 1, r.RefreshOnce(context.Background()))

	discoverable.mu.Lock()
	defer discoverable.mu.Unlock()
	require.Len(t, discoverable.set, 1)
	assert.Equal(t, []string{"m1", "m2"}, discoverable.set[0])
}

func TestRefresher_SkipsFailuresAndEmptySets(t *testing.T) {
	t.Parallel()
	failing := &listable{Provider: stub.New("failing"), err: domain.E(domain.CodeProviderUnavailable, "down")}
	empty := &listable{Provider: stub.New("empty")}
	reg := newRegistry(t, failing, empty)

	r := modelcatalog.NewRefresher(reg, time.Hour)
	assert.Equal(t, 0, r.RefreshOnce(context.Background()))
	assert.Empty(t, failing.set)
	assert.Empty(t, empty.set)
}

func TestHealthMonitor_ProbeOnce(t *testing.T) {
	t.Parallel()
	up := stub.New("up")
	down := stub.New("down")
	reg := newRegistry(t, up, down)
	require.NoError(t, down.Shutdown(context.Background()))

	eng := routing.NewEngine(reg, breaker.NewTable(breaker.Config{}), routing.NewLatencyTracker())
	for _, cfg := range []domain.ProviderConfig{{ID: "up", Models: []string{"m"}}, {ID: "down", Models: []string{"m"}}} {
		eng.SetProviderConfig(cfg)
	}

	m := modelcatalog.NewHealthMonitor(reg, eng, time.Minute)
	m.ProbeOnce(context.Background())

	// The routing view now excludes the unhealthy provider.
	req := domain.InferenceRequest{ID: "r", TenantID: "t", Model: "m",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}}
	cands, err := eng.Candidates(context.Background(), domain.NewRoutingContext(req, domain.TenantContext{ID: "t"}))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "up", cands[0].ProviderID)
}
