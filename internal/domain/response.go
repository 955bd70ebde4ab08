package domain

import "time"

// FinishReason values on a completed response.
const (
	FinishStop      = "STOP"
	FinishToolCalls = "TOOL_CALLS"
	FinishLength    = "LENGTH"
	FinishError     = "ERROR"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the token accounting attached to a response or terminal chunk.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"tokens_used"`
}

// InferenceResponse is immutable once returned by the dispatcher.
type InferenceResponse struct {
	RequestID    string            `json:"request_id"`
	Content      string            `json:"content"`
	Model        string            `json:"model"`
	Usage        Usage             `json:"usage"`
	DurationMS   int64             `json:"duration_ms"`
	Timestamp    time.Time         `json:"timestamp"`
	FinishReason string            `json:"finish_reason"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ChunkError is the terminal error payload of a failed stream.
type ChunkError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// StreamChunk is one fragment of a streaming response. Seq starts at 0 and is
// strictly increasing per stream; Done appears exactly once, on the final
// chunk, which optionally carries usage or a terminal error.
type StreamChunk struct {
	RequestID     string      `json:"request_id"`
	Seq           int64       `json:"seq"`
	Delta         string      `json:"delta,omitempty"`
	ToolCallDelta *ToolCall   `json:"tool_call_delta,omitempty"`
	Done          bool        `json:"done"`
	Usage         *Usage      `json:"usage,omitempty"`
	Err           *ChunkError `json:"error,omitempty"`
}

// ChunkStream is a pull-based iterator over stream chunks. Recv blocks until
// the next chunk, the stream end (ok=false after the Done chunk), or context
// cancellation. Close may be called early to cancel the producer; it is
// idempotent.
type ChunkStream interface {
	Recv(ctx Context) (StreamChunk, bool)
	Close()
}
