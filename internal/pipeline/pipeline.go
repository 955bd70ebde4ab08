// Package pipeline runs phase-ordered plugins around every inference call.
// Plugins share a mutable ExecutionContext whose lifetime is one call.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Phase of the plugin pipeline.
type Phase string

// Pipeline phases, executed in this order around the provider call.
const (
	PhasePre       Phase = "PRE_PROCESSING"
	PhaseInference Phase = "INFERENCE"
	PhasePost      Phase = "POST_PROCESSING"
	PhaseError     Phase = "ERROR"
)

// FailurePolicy is a plugin's answer to its own failure.
type FailurePolicy int

const (
	// Halt stops the phase and fails the request (default).
	Halt FailurePolicy = iota
	// Continue logs the failure and proceeds with the next plugin.
	Continue
)

// ExecutionContext is the mutable per-request container visible to plugins.
type ExecutionContext struct {
	Request  domain.InferenceRequest
	Routing  domain.RoutingContext
	Provider domain.Provider
	Session  any
	Attempt  int

	Variables map[string]any
	Metadata  map[string]string
	Response  *domain.InferenceResponse
	Err       error
}

// NewExecutionContext builds a context for one call.
func NewExecutionContext(req domain.InferenceRequest, rc domain.RoutingContext) *ExecutionContext {
	return &ExecutionContext{
		Request:   req,
		Routing:   rc,
		Variables: map[string]any{},
		Metadata:  map[string]string{},
	}
}

// SetVar stores a pipeline variable.
func (ec *ExecutionContext) SetVar(key string, val any) { ec.Variables[key] = val }

// Var reads a pipeline variable.
func (ec *ExecutionContext) Var(key string) (any, bool) {
	v, ok := ec.Variables[key]
	return v, ok
}

// Plugin is a process-wide singleton step contributed to one phase.
type Plugin interface {
	ID() string
	Phase() Phase
	Order() int
	ShouldExecute(ec *ExecutionContext) bool
	Execute(ctx context.Context, ec *ExecutionContext) error
	OnFailure(ec *ExecutionContext, err error) FailurePolicy
}

// Pipeline is the ordered plugin set. Registration uses validate-then-apply:
// Register fails on a duplicate id without mutating the pipeline.
type Pipeline struct {
	mu      sync.RWMutex
	plugins map[Phase][]Plugin
	ids     map[string]bool
}

// New constructs an empty pipeline.
func New() *Pipeline {
	return &Pipeline{plugins: make(map[Phase][]Plugin), ids: make(map[string]bool)}
}

// Register adds a plugin to its phase, keeping ascending (order, id) sort.
func (p *Pipeline) Register(pl Plugin) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ids[pl.ID()] {
		return fmt.Errorf("op=pipeline.Register: duplicate plugin id %q", pl.ID())
	}
	p.ids[pl.ID()] = true
	phase := pl.Phase()
	p.plugins[phase] = append(p.plugins[phase], pl)
	sort.SliceStable(p.plugins[phase], func(i, j int) bool {
		a, b := p.plugins[phase][i], p.plugins[phase][j]
		if a.Order() != b.Order() {
			return a.Order() < b.Order()
		}
		return a.ID() < b.ID()
	})
	return nil
}

// Plugins returns the ordered plugins of a phase.
func (p *Pipeline) Plugins(phase Phase) []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Plugin, len(p.plugins[phase]))
	copy(out, p.plugins[phase])
	return out
}

// Run executes one phase. A plugin failure consults OnFailure; Halt stops
// the phase and returns a typed error. ERROR-phase plugins are executed by
// the dispatcher after a halt, never from here.
func (p *Pipeline) Run(ctx context.Context, phase Phase, ec *ExecutionContext) error {
	phaseStart := time.Now()
	var phaseErr error
	for _, pl := range p.Plugins(phase) {
		if err := ctx.Err(); err != nil {
			phaseErr = domain.WrapErr(domain.CodeCancelled, "pipeline cancelled", domain.ErrCancelled)
			break
		}
		if !pl.ShouldExecute(ec) {
			continue
		}
		start := time.Now()
		err := pl.Execute(ctx, ec)
		observability.PluginDuration.
			WithLabelValues(pl.ID(), string(phase), successLabel(err == nil)).
			Observe(time.Since(start).Seconds())
		if err == nil {
			continue
		}
		if pl.OnFailure(ec, err) == Continue {
			slog.Warn("plugin failed, continuing",
				slog.String("plugin", pl.ID()),
				slog.String("phase", string(phase)),
				slog.Any("error", err))
			continue
		}
		if domain.CodeOf(err) == domain.CodeInternal {
			err = domain.WrapErr(domain.CodePluginFailed, "plugin "+pl.ID()+" failed", err)
		}
		ec.Err = err
		phaseErr = err
		break
	}
	observability.PhaseDuration.
		WithLabelValues(string(phase), successLabel(phaseErr == nil)).
		Observe(time.Since(phaseStart).Seconds())
	return phaseErr
}

func successLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
