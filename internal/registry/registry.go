// Package registry is the process-wide provider catalog. It is a pure
// catalog: scheduling decisions belong to the routing engine.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Registry maps provider id to instance. Many readers, few writers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.Provider
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{providers: make(map[string]domain.Provider)}
}

// Register adds a provider. A duplicate id replaces the prior instance and
// shuts the replaced one down.
func (r *Registry) Register(_ context.Context, p domain.Provider) {
	id := p.ID()
	r.mu.Lock()
	prev := r.providers[id]
	r.providers[id] = p
	r.mu.Unlock()
	if prev != nil {
		slog.Warn("provider replaced", slog.String("provider", id))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prev.Shutdown(shutdownCtx); err != nil {
			slog.Error("replaced provider shutdown failed", slog.String("provider", id), slog.Any("error", err))
		}
	}
}

// Unregister removes a provider by id and returns it, or nil when absent.
// The caller owns the returned instance's shutdown.
func (r *Registry) Unregister(id string) domain.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.providers[id]
	delete(r.providers, id)
	return p
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (domain.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns all provider ids in deterministic order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// CandidatesFor returns ids of providers whose capabilities and Supports
// pre-check admit the request, in deterministic id order. When providers
// serve the model but every one of them fails a capability check, the first
// mismatch (by provider id) is returned so the caller can reject the request
// as CAPABILITY_MISMATCH rather than reporting no provider at all.
func (r *Registry) CandidatesFor(req domain.InferenceRequest) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]string, 0, len(r.providers))
	for id := range r.providers {
		all = append(all, id)
	}
	sort.Strings(all)

	ids := make([]string, 0, len(all))
	var mismatch error
	for _, id := range all {
		p := r.providers[id]
		if !p.Supports(req.Model, req) {
			continue
		}
		if err := p.Capabilities().Satisfies(req); err != nil {
			if mismatch == nil && domain.CodeOf(err) == domain.CodeCapabilityMismatch {
				mismatch = err
			}
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 && mismatch != nil {
		return nil, mismatch
	}
	return ids, nil
}

// ShutdownAll shuts every provider down. Used on engine close.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	providers := make([]domain.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.providers = make(map[string]domain.Provider)
	r.mu.Unlock()
	for _, p := range providers {
		if err := p.Shutdown(ctx); err != nil {
			slog.Error("provider shutdown failed", slog.String("provider", p.ID()), slog.Any("error", err))
		}
	}
}
