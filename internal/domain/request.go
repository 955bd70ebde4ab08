// Package domain holds the core types and ports of the inference control
// plane. It stays free of transport and storage concerns; adapters depend on
// it, never the other way around.
package domain

import (
	"context"
	"time"
)

// Context is an alias so ports can be declared without importing std context
// at every call site. Adapters pass context.Context through unchanged.
type Context = context.Context

// Message roles accepted on a request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleFunction  = "function"
)

var validRoles = map[string]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
	RoleTool:      true,
	RoleFunction:  true,
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Parameters are the decoding controls forwarded to the provider.
type Parameters struct {
	Temperature       float64  `json:"temperature,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

// ToolSpec describes one tool the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// RoutingHints are optional caller preferences consumed by the routing engine.
type RoutingHints struct {
	PreferredProvider string        `json:"preferred_provider,omitempty"`
	DeviceHint        string        `json:"device_hint,omitempty"`
	CostSensitive     bool          `json:"cost_sensitive,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	Priority          int           `json:"priority,omitempty"`
}

// InferenceRequest is immutable after construction; the request id is unique
// process-wide (callers that omit it get a UUID at the edge).
type InferenceRequest struct {
	ID         string            `json:"request_id"`
	TenantID   string            `json:"tenant_id"`
	Model      string            `json:"model"`
	Messages   []Message         `json:"messages"`
	Parameters Parameters        `json:"parameters"`
	Stream     bool              `json:"stream,omitempty"`
	Tools      []ToolSpec        `json:"tools,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Hints      RoutingHints      `json:"hints,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the structural invariants that hold before admission.
func (r InferenceRequest) Validate() error {
	if r.TenantID == "" {
		return E(CodeAuthMissingTenant, "tenant id required")
	}
	if r.Model == "" {
		return E(CodeBadRequest, "model required")
	}
	if len(r.Messages) == 0 {
		return E(CodeBadRequest, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return Ef(CodeBadRequest, "messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if r.Parameters.MaxTokens < 0 {
		return E(CodeBadRequest, "max_tokens must be non-negative")
	}
	return nil
}
