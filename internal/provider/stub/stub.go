// Package stub is a deterministic in-process provider used in dev mode and
// tests. It echoes the last user message, streams it word by word, and
// implements the session loader so warm-pool behavior is observable without
// a real backend.
package stub

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/pkg/tokenx"
)

// Provider is the stub backend.
type Provider struct {
	id          string
	initialized atomic.Bool
	shutdown    atomic.Bool

	mu   sync.RWMutex
	cfg  domain.ProviderConfig
	caps domain.Capabilities

	// Delay simulates per-call latency. LoadDelay simulates session warm-up.
	Delay     time.Duration
	LoadDelay time.Duration

	// FailWith, when set, makes every call fail with the error. Tests use it
	// to drive breaker and failover paths.
	FailWith error

	loads atomic.Int64
}

// New constructs a stub provider with the given id.
func New(id string) *Provider {
	return &Provider{id: id}
}

func (p *Provider) ID() string      { return p.id }
func (p *Provider) Name() string    { return "stub" }
func (p *Provider) Version() string { return "1.0.0" }

func (p *Provider) Metadata() map[string]string {
	return map[string]string{"kind": "stub"}
}

func (p *Provider) Capabilities() domain.Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caps
}

// Initialize applies the catalog config. Idempotent.
func (p *Provider) Initialize(_ domain.Context, cfg domain.ProviderConfig) error {
	if p.shutdown.Load() {
		return domain.E(domain.CodeProviderInitFailed, "provider "+p.id+" is shut down")
	}
	if !p.initialized.CompareAndSwap(false, true) {
		return nil
	}
	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}
	devices := make(map[string]struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d] = struct{}{}
	}
	maxContext := cfg.MaxContextTokens
	if maxContext <= 0 {
		maxContext = 32768
	}
	p.mu.Lock()
	p.cfg = cfg
	p.caps = domain.Capabilities{
		Streaming:        true,
		ToolCalling:      true,
		MaxContextTokens: maxContext,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		Models:           models,
		Devices:          devices,
		Metadata:         cfg.Metadata,
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) Supports(modelID string, _ domain.InferenceRequest) bool {
	return p.Capabilities().SupportsModel(modelID)
}

// Infer echoes the last user message.
func (p *Provider) Infer(ctx domain.Context, req domain.InferenceRequest) (domain.InferenceResponse, error) {
	if err := p.wait(ctx, p.Delay); err != nil {
		return domain.InferenceResponse{}, err
	}
	if err := p.failure(); err != nil {
		return domain.InferenceResponse{}, err
	}
	content := "echo: " + lastUserMessage(req)
	in := tokenx.CountMessages(req.Messages)
	out := tokenx.Count(content)
	return domain.InferenceResponse{
		RequestID:    req.ID,
		Content:      content,
		Model:        req.Model,
		FinishReason: domain.FinishStop,
		Usage:        domain.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		Timestamp:    time.Now().UTC(),
	}, nil
}

// InferStream emits the echo word by word, then a done chunk with usage.
func (p *Provider) InferStream(ctx domain.Context, req domain.InferenceRequest) (domain.ChunkStream, error) {
	if err := p.failure(); err != nil {
		return nil, err
	}
	w, out := domain.NewStreamPipe(8)
	go func() {
		defer w.Close()
		content := "echo: " + lastUserMessage(req)
		words := strings.Fields(content)
		var seq int64
		for i, word := range words {
			if err := p.wait(ctx, p.Delay); err != nil {
				return
			}
			delta := word
			if i < len(words)-1 {
				delta += " "
			}
			if !w.Send(ctx, domain.StreamChunk{RequestID: req.ID, Seq: seq, Delta: delta}) {
				return
			}
			seq++
		}
		in := tokenx.CountMessages(req.Messages)
		out := tokenx.Count(content)
		w.Send(ctx, domain.StreamChunk{
			RequestID: req.ID,
			Seq:       seq,
			Done:      true,
			Usage:     &domain.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		})
	}()
	return out, nil
}

// LoadSession simulates the warm-up cost tracked by the session pool.
func (p *Provider) LoadSession(ctx domain.Context, tenantID, modelID string) (any, func(domain.Context) error, error) {
	if err := p.wait(ctx, p.LoadDelay); err != nil {
		return nil, nil, err
	}
	p.loads.Add(1)
	handle := map[string]string{"tenant": tenantID, "model": modelID, "provider": p.id}
	closer := func(domain.Context) error { return nil }
	return handle, closer, nil
}

// Loads returns how many sessions this provider has loaded.
func (p *Provider) Loads() int64 { return p.loads.Load() }

func (p *Provider) Health(_ domain.Context) domain.Health {
	status := domain.HealthUp
	if p.shutdown.Load() || !p.initialized.Load() {
		status = domain.HealthDown
	}
	return domain.Health{Status: status, Timestamp: time.Now().UTC()}
}

// Shutdown is idempotent.
func (p *Provider) Shutdown(_ domain.Context) error {
	p.shutdown.Store(true)
	return nil
}

func (p *Provider) failure() error {
	if p.FailWith != nil {
		return p.FailWith
	}
	return nil
}

func (p *Provider) wait(ctx domain.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lastUserMessage(req domain.InferenceRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return req.Messages[i].Content
		}
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}
