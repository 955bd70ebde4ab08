package domain

import "time"

// Capabilities advertise what a provider can execute. The routing engine
// filters candidates against them; an empty Models set means "any model".
type Capabilities struct {
	Streaming        bool
	FunctionCalling  bool
	ToolCalling      bool
	Multimodal       bool
	Vision           bool
	Audio            bool
	Embedding        bool
	MaxContextTokens int
	MaxOutputTokens  int
	Models           map[string]struct{}
	Devices          map[string]struct{}
	Formats          map[string]struct{}
	Metadata         map[string]string
}

// SupportsModel reports whether the model is admitted by the capability set.
func (c Capabilities) SupportsModel(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	_, ok := c.Models[model]
	return ok
}

// SupportsDevice reports whether the device hint is admitted. An empty hint
// always passes.
func (c Capabilities) SupportsDevice(device string) bool {
	if device == "" {
		return true
	}
	_, ok := c.Devices[device]
	return ok
}

// Satisfies checks capability fit for a request. It returns a typed error
// naming the mismatch, or nil.
func (c Capabilities) Satisfies(req InferenceRequest) error {
	if !c.SupportsModel(req.Model) {
		return Ef(CodeModelNotFound, "model %q not supported", req.Model)
	}
	if req.Stream && !c.Streaming {
		return E(CodeCapabilityMismatch, "streaming not supported")
	}
	if len(req.Tools) > 0 && !c.ToolCalling && !c.FunctionCalling {
		return E(CodeCapabilityMismatch, "tool calling not supported")
	}
	if c.MaxOutputTokens > 0 && req.Parameters.MaxTokens > c.MaxOutputTokens {
		return Ef(CodeCapabilityMismatch, "max_tokens %d exceeds provider limit %d", req.Parameters.MaxTokens, c.MaxOutputTokens)
	}
	return nil
}

// HealthStatus of a provider.
type HealthStatus string

// Health states.
const (
	HealthUp       HealthStatus = "UP"
	HealthDown     HealthStatus = "DOWN"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

// Health is a point-in-time provider health report.
type Health struct {
	Status    HealthStatus
	Message   string
	Timestamp time.Time
	Details   map[string]string
}

// ProviderConfig is the per-instance configuration resolved from the provider
// catalog file. Secrets never appear in logs or metrics.
type ProviderConfig struct {
	ID               string            `yaml:"id"`
	Kind             string            `yaml:"kind"`
	Enabled          bool              `yaml:"enabled"`
	Priority         int               `yaml:"priority"`
	Timeout          time.Duration     `yaml:"timeout"`
	BaseURL          string            `yaml:"base_url"`
	APIKeyEnv        string            `yaml:"api_key_env"`
	CostPerKiloToken float64           `yaml:"cost_per_1k_tokens"`
	MaxContextTokens int               `yaml:"max_context_tokens"`
	MaxOutputTokens  int               `yaml:"max_output_tokens"`
	Models           []string          `yaml:"models"`
	Devices          []string          `yaml:"devices"`
	Properties       map[string]string `yaml:"properties"`
	Metadata         map[string]string `yaml:"metadata"`
}

// Provider is the SPI every execution backend implements. Operations are
// thread-safe; implementations must not retain request references beyond a
// call. Initialize and Shutdown are idempotent.
type Provider interface {
	ID() string
	Name() string
	Version() string
	Metadata() map[string]string
	Capabilities() Capabilities
	Initialize(ctx Context, cfg ProviderConfig) error
	Supports(modelID string, req InferenceRequest) bool
	Infer(ctx Context, req InferenceRequest) (InferenceResponse, error)
	InferStream(ctx Context, req InferenceRequest) (ChunkStream, error)
	Health(ctx Context) Health
	Shutdown(ctx Context) error
}
