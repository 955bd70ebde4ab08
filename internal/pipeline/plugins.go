package pipeline

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/observability"
	"github.com/fairyhunter13/inference-gateway/pkg/tokenx"
)

// Variable keys shared between built-in plugins and the dispatcher.
const (
	VarInputTokens   = "input_tokens"
	VarSessionLoaded = "session_loaded"
	VarToolCalls     = "tool_calls"
)

// TokenBudget estimates the prompt token count before admission and rejects
// prompts that cannot fit the selected model context.
type TokenBudget struct {
	// HardCap rejects prompts above this estimate regardless of provider; 0
	// disables the cap.
	HardCap int
}

func (p *TokenBudget) ID() string                                           { return "token_budget" }
func (p *TokenBudget) Phase() Phase                                         { return PhasePre }
func (p *TokenBudget) Order() int                                           { return 10 }
func (p *TokenBudget) ShouldExecute(_ *ExecutionContext) bool               { return true }
func (p *TokenBudget) OnFailure(_ *ExecutionContext, _ error) FailurePolicy { return Halt }

func (p *TokenBudget) Execute(_ context.Context, ec *ExecutionContext) error {
	estimate := tokenx.CountMessages(ec.Request.Messages)
	ec.SetVar(VarInputTokens, estimate)
	if p.HardCap > 0 && estimate > p.HardCap {
		return domain.Ef(domain.CodeCapabilityMismatch, "prompt estimate %d tokens exceeds cap %d", estimate, p.HardCap)
	}
	return nil
}

// AttachmentGuard sniffs inline data-URL payloads on multimodal messages and
// rejects content types the plane does not accept.
type AttachmentGuard struct {
	// AllowedPrefixes are accepted MIME prefixes, e.g. "image/".
	AllowedPrefixes []string
}

func (p *AttachmentGuard) ID() string   { return "attachment_guard" }
func (p *AttachmentGuard) Phase() Phase { return PhasePre }
func (p *AttachmentGuard) Order() int   { return 20 }
func (p *AttachmentGuard) ShouldExecute(ec *ExecutionContext) bool {
	for _, m := range ec.Request.Messages {
		if strings.Contains(m.Content, "data:") {
			return true
		}
	}
	return false
}
func (p *AttachmentGuard) OnFailure(_ *ExecutionContext, _ error) FailurePolicy { return Halt }

func (p *AttachmentGuard) Execute(_ context.Context, ec *ExecutionContext) error {
	for i, m := range ec.Request.Messages {
		payload, ok := extractDataURL(m.Content)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return domain.Ef(domain.CodeBadRequest, "messages[%d]: malformed attachment encoding", i)
		}
		mt := mimetype.Detect(raw)
		if !p.allowed(mt.String()) {
			return domain.Ef(domain.CodeContentPolicyBlocked, "messages[%d]: attachment type %s not accepted", i, mt.String())
		}
	}
	return nil
}

func (p *AttachmentGuard) allowed(mime string) bool {
	prefixes := p.AllowedPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"image/"}
	}
	for _, pre := range prefixes {
		if strings.HasPrefix(mime, pre) {
			return true
		}
	}
	return false
}

// extractDataURL returns the base64 payload of the first data URL in the
// content, capped to the sniffing window mimetype needs.
func extractDataURL(content string) (string, bool) {
	idx := strings.Index(content, "data:")
	if idx < 0 {
		return "", false
	}
	rest := content[idx:]
	comma := strings.Index(rest, ",")
	if comma < 0 || !strings.Contains(rest[:comma], ";base64") {
		return "", false
	}
	payload := rest[comma+1:]
	if end := strings.IndexAny(payload, " \n\t\"'"); end >= 0 {
		payload = payload[:end]
	}
	const sniffLen = 4096
	if len(payload) > sniffLen {
		payload = payload[:sniffLen-sniffLen%4]
	}
	return payload, true
}

// ProviderInvoker is the INFERENCE-phase plugin that actually calls the
// selected provider. The dispatcher sets ec.Provider before running the
// phase and owns timeout propagation.
type ProviderInvoker struct{}

func (p *ProviderInvoker) ID() string                                           { return "provider_invoker" }
func (p *ProviderInvoker) Phase() Phase                                         { return PhaseInference }
func (p *ProviderInvoker) Order() int                                           { return 100 }
func (p *ProviderInvoker) ShouldExecute(ec *ExecutionContext) bool              { return ec.Provider != nil }
func (p *ProviderInvoker) OnFailure(_ *ExecutionContext, _ error) FailurePolicy { return Halt }

func (p *ProviderInvoker) Execute(ctx context.Context, ec *ExecutionContext) error {
	resp, err := ec.Provider.Infer(ctx, ec.Request)
	if err != nil {
		return err
	}
	if len(resp.ToolCalls) > 0 {
		ec.SetVar(VarToolCalls, resp.ToolCalls)
	}
	ec.Response = &resp
	return nil
}

// ResponseNormalizer fills derived response fields after a successful call.
type ResponseNormalizer struct{}

func (p *ResponseNormalizer) ID() string                                           { return "response_normalizer" }
func (p *ResponseNormalizer) Phase() Phase                                         { return PhasePost }
func (p *ResponseNormalizer) Order() int                                           { return 10 }
func (p *ResponseNormalizer) ShouldExecute(ec *ExecutionContext) bool              { return ec.Response != nil }
func (p *ResponseNormalizer) OnFailure(_ *ExecutionContext, _ error) FailurePolicy { return Continue }

func (p *ResponseNormalizer) Execute(_ context.Context, ec *ExecutionContext) error {
	resp := ec.Response
	if resp.RequestID == "" {
		resp.RequestID = ec.Request.ID
	}
	if resp.Model == "" {
		resp.Model = ec.Request.Model
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = domain.FinishToolCalls
		} else {
			resp.FinishReason = domain.FinishStop
		}
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	if resp.Metadata == nil {
		resp.Metadata = map[string]string{}
	}
	if ec.Provider != nil {
		resp.Metadata["provider"] = ec.Provider.ID()
	}
	for k, v := range ec.Metadata {
		if _, exists := resp.Metadata[k]; !exists {
			resp.Metadata[k] = v
		}
	}
	return nil
}

// ErrorAudit emits one structured audit record for a failed call.
type ErrorAudit struct{}

func (p *ErrorAudit) ID() string                                           { return "error_audit" }
func (p *ErrorAudit) Phase() Phase                                         { return PhaseError }
func (p *ErrorAudit) Order() int                                           { return 10 }
func (p *ErrorAudit) ShouldExecute(ec *ExecutionContext) bool              { return ec.Err != nil }
func (p *ErrorAudit) OnFailure(_ *ExecutionContext, _ error) FailurePolicy { return Continue }

func (p *ErrorAudit) Execute(ctx context.Context, ec *ExecutionContext) error {
	providerID := ""
	if ec.Provider != nil {
		providerID = ec.Provider.ID()
	}
	observability.Audit(ctx, observability.AuditEvent{
		Kind:      "inference_failed",
		RequestID: ec.Request.ID,
		TenantID:  ec.Request.TenantID,
		Provider:  providerID,
		Model:     ec.Request.Model,
		Severity:  slog.LevelError,
		Attrs: []slog.Attr{
			slog.String("error_type", string(domain.CodeOf(ec.Err))),
			slog.Int("attempt", ec.Attempt),
		},
	})
	return nil
}
