// Package openaicompat adapts any OpenAI-compatible chat completion endpoint
// (OpenAI, OpenRouter, vLLM, llama.cpp server) to the provider SPI.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

const (
	defaultTimeout     = 60 * time.Second
	healthProbeTimeout = 2 * time.Second
)

// Provider is one configured OpenAI-compatible endpoint.
type Provider struct {
	id          string
	initialized atomic.Bool
	closed      atomic.Bool

	mu      sync.RWMutex
	cfg     domain.ProviderConfig
	caps    domain.Capabilities
	baseURL string
	apiKey  string

	client *http.Client
}

// New constructs an uninitialized provider with the given id.
func New(id string) *Provider {
	return &Provider{id: id}
}

func (p *Provider) ID() string      { return p.id }
func (p *Provider) Name() string    { return "openai-compatible" }
func (p *Provider) Version() string { return "1.0.0" }

func (p *Provider) Metadata() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	md := map[string]string{"kind": "openai-compatible", "base_url": p.baseURL}
	for k, v := range p.cfg.Metadata {
		md[k] = v
	}
	return md
}

func (p *Provider) Capabilities() domain.Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caps
}

// Initialize resolves the endpoint and credentials from the catalog config.
// Idempotent; a second call is a no-op.
func (p *Provider) Initialize(_ domain.Context, cfg domain.ProviderConfig) error {
	if p.closed.Load() {
		return domain.E(domain.CodeProviderInitFailed, "provider "+p.id+" is shut down")
	}
	if !p.initialized.CompareAndSwap(false, true) {
		return nil
	}
	if cfg.BaseURL == "" {
		p.initialized.Store(false)
		return domain.E(domain.CodeProviderInitFailed, "provider "+p.id+": base_url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}
	devices := make(map[string]struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d] = struct{}{}
	}

	p.mu.Lock()
	p.cfg = cfg
	p.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKeyEnv != "" {
		p.apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	p.caps = domain.Capabilities{
		Streaming:        true,
		FunctionCalling:  true,
		ToolCalling:      true,
		MaxContextTokens: cfg.MaxContextTokens,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		Models:           models,
		Devices:          devices,
		Metadata:         cfg.Metadata,
	}
	p.client = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) Supports(modelID string, _ domain.InferenceRequest) bool {
	return p.Capabilities().SupportsModel(modelID)
}

// SetModels replaces the advertised model set. The catalog refresher calls
// this after a successful /models poll.
func (p *Provider) SetModels(models []string) {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	p.mu.Lock()
	p.caps.Models = set
	p.mu.Unlock()
}

// Wire types for the chat completions surface.
type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Temperature       *float64      `json:"temperature,omitempty"`
	TopP              *float64      `json:"top_p,omitempty"`
	TopK              *int          `json:"top_k,omitempty"`
	RepetitionPenalty *float64      `json:"repetition_penalty,omitempty"`
	MaxTokens         *int          `json:"max_tokens,omitempty"`
	Stop              []string      `json:"stop,omitempty"`
	Seed              *int64        `json:"seed,omitempty"`
	Stream            bool          `json:"stream,omitempty"`
	StreamOptions     *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
	Tools []wireTool `json:"tools,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

func buildChatRequest(req domain.InferenceRequest, stream bool) chatRequest {
	out := chatRequest{Model: req.Model, Stream: stream}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	pp := req.Parameters
	if pp.Temperature != 0 {
		out.Temperature = &pp.Temperature
	}
	if pp.TopP != 0 {
		out.TopP = &pp.TopP
	}
	if pp.TopK != 0 {
		out.TopK = &pp.TopK
	}
	if pp.RepetitionPenalty != 0 {
		out.RepetitionPenalty = &pp.RepetitionPenalty
	}
	if pp.MaxTokens > 0 {
		out.MaxTokens = &pp.MaxTokens
	}
	out.Stop = pp.Stop
	out.Seed = pp.Seed
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, wt)
	}
	if stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return out
}

// Infer performs one synchronous chat completion.
func (p *Provider) Infer(ctx domain.Context, req domain.InferenceRequest) (domain.InferenceResponse, error) {
	httpResp, err := p.post(ctx, "/chat/completions", buildChatRequest(req, false))
	if err != nil {
		return domain.InferenceResponse{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()
	if httpResp.StatusCode != http.StatusOK {
		return domain.InferenceResponse{}, p.statusError(httpResp)
	}

	var cr chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&cr); err != nil {
		return domain.InferenceResponse{}, domain.WrapErr(domain.CodeProviderUnavailable, "malformed completion response", err)
	}
	if len(cr.Choices) == 0 {
		return domain.InferenceResponse{}, domain.E(domain.CodeInferenceFailed, "completion returned no choices")
	}

	choice := cr.Choices[0]
	resp := domain.InferenceResponse{
		RequestID:    req.ID,
		Content:      choice.Message.Content,
		Model:        cr.Model,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: domain.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
			TotalTokens:  cr.Usage.TotalTokens,
		},
		Timestamp: time.Now().UTC(),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

// ListModels polls the /models surface.
func (p *Provider) ListModels(ctx domain.Context) ([]string, error) {
	httpResp, err := p.get(ctx, "/models")
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()
	if httpResp.StatusCode != http.StatusOK {
		return nil, p.statusError(httpResp)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return nil, domain.WrapErr(domain.CodeProviderUnavailable, "malformed models response", err)
	}
	out := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// Health probes the /models surface. A probe that does not complete within
// the deadline reports UNKNOWN; DOWN is reserved for affirmative failures, so
// a merely slow endpoint is not filtered out of routing.
func (p *Provider) Health(ctx domain.Context) domain.Health {
	if !p.initialized.Load() || p.closed.Load() {
		return domain.Health{Status: domain.HealthDown, Message: "not initialized", Timestamp: time.Now().UTC()}
	}
	hctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if _, err := p.ListModels(hctx); err != nil {
		if hctx.Err() != nil {
			return domain.Health{Status: domain.HealthUnknown, Message: "health probe timed out", Timestamp: time.Now().UTC()}
		}
		return domain.Health{Status: domain.HealthDown, Message: err.Error(), Timestamp: time.Now().UTC()}
	}
	return domain.Health{Status: domain.HealthUp, Timestamp: time.Now().UTC()}
}

// Shutdown releases idle connections. Idempotent.
func (p *Provider) Shutdown(_ domain.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		client.CloseIdleConnections()
	}
	return nil
}

func (p *Provider) endpoint() (string, string, *http.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return "", "", nil, domain.E(domain.CodeProviderInitFailed, "provider "+p.id+" not initialized")
	}
	return p.baseURL, p.apiKey, p.client, nil
}

func (p *Provider) post(ctx domain.Context, path string, payload any) (*http.Response, error) {
	base, key, client, err := p.endpoint()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("op=openaicompat.post: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=openaicompat.post: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	return resp, nil
}

func (p *Provider) get(ctx domain.Context, path string) (*http.Response, error) {
	base, key, client, err := p.endpoint()
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("op=openaicompat.get: %w", err)
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	return resp, nil
}

func (p *Provider) transportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return domain.WrapErr(domain.CodeProviderTimeout, "provider "+p.id+" timed out", err)
	}
	return domain.WrapErr(domain.CodeProviderUnavailable, "provider "+p.id+" unreachable", err)
}

// statusError maps a non-200 status to the taxonomy. The body is read (and
// truncated) for the message; Retry-After is honored on 429.
func (p *Provider) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}

	var code domain.ErrorCode
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = domain.CodeProviderAuthFailed
	case resp.StatusCode == http.StatusNotFound:
		code = domain.CodeModelNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		code = domain.CodeProviderRateLimited
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		code = domain.CodeProviderTimeout
	case resp.StatusCode >= 500:
		code = domain.CodeProviderUnavailable
	default:
		code = domain.CodeBadRequest
	}

	e := domain.Ef(code, "provider %s: %s", p.id, msg).WithDetail("status", resp.StatusCode)
	if code == domain.CodeProviderRateLimited {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return domain.FinishLength
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "", "stop":
		return domain.FinishStop
	default:
		return domain.FinishStop
	}
}
