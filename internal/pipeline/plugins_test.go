package pipeline_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/pipeline"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

func ecWithMessages(msgs ...domain.Message) *pipeline.ExecutionContext {
	req := domain.InferenceRequest{ID: "req-1", TenantID: "acme", Model: "m1", Messages: msgs}
	return pipeline.NewExecutionContext(req, domain.NewRoutingContext(req, domain.TenantContext{ID: "acme"}))
}

func TestTokenBudget_SetsEstimate(t *testing.T) {
	t.Parallel()
	p := &pipeline.TokenBudget{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "hello there, how are you today"})

	require.NoError(t, p.Execute(context.Background(), ec))
	v, ok := ec.Var(pipeline.VarInputTokens)
	require.True(t, ok)
	assert.Greater(t, v.(int), 0)
}

func TestTokenBudget_HardCapRejects(t *testing.T) {
	t.Parallel()
	p := &pipeline.TokenBudget{HardCap: 1}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "this prompt is definitely longer than one token"})

	err := p.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, domain.CodeCapabilityMismatch, domain.CodeOf(err))
}

func TestAttachmentGuard_SkipsPlainText(t *testing.T) {
	t.Parallel()
	p := &pipeline.AttachmentGuard{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "no attachments here"})
	assert.False(t, p.ShouldExecute(ec))
}

func TestAttachmentGuard_AllowsImage(t *testing.T) {
	t.Parallel()
	p := &pipeline.AttachmentGuard{}
	content := "look at data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: content})

	require.True(t, p.ShouldExecute(ec))
	assert.NoError(t, p.Execute(context.Background(), ec))
}

func TestAttachmentGuard_BlocksNonImage(t *testing.T) {
	t.Parallel()
	p := &pipeline.AttachmentGuard{}
	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake document body"))
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "data:application/pdf;base64," + payload})

	err := p.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, domain.CodeContentPolicyBlocked, domain.CodeOf(err))
}

func TestAttachmentGuard_MalformedBase64(t *testing.T) {
	t.Parallel()
	p := &pipeline.AttachmentGuard{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "data:image/png;base64,!!!not-base64!!!"})

	err := p.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))
}

func TestAttachmentGuard_CustomPrefixes(t *testing.T) {
	t.Parallel()
	p := &pipeline.AttachmentGuard{AllowedPrefixes: []string{"application/pdf"}}
	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake document body"))
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "data:application/pdf;base64," + payload})

	assert.NoError(t, p.Execute(context.Background(), ec))
}

func TestResponseNormalizer_FillsDerivedFields(t *testing.T) {
	t.Parallel()
	p := &pipeline.ResponseNormalizer{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "hi"})
	ec.Metadata["session_loaded"] = "true"
	ec.Response = &domain.InferenceResponse{Content: "hello"}

	require.NoError(t, p.Execute(context.Background(), ec))
	assert.Equal(t, "req-1", ec.Response.RequestID)
	assert.Equal(t, "m1", ec.Response.Model)
	assert.Equal(t, domain.FinishStop, ec.Response.FinishReason)
	assert.False(t, ec.Response.Timestamp.IsZero())
	assert.Equal(t, "true", ec.Response.Metadata["session_loaded"])
}

func TestResponseNormalizer_ToolCallsFinishReason(t *testing.T) {
	t.Parallel()
	p := &pipeline.ResponseNormalizer{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "hi"})
	ec.Response = &domain.InferenceResponse{
		ToolCalls: []domain.ToolCall{{ID: "tc-1", Name: "lookup"}},
	}

	require.NoError(t, p.Execute(context.Background(), ec))
	assert.Equal(t, domain.FinishToolCalls, ec.Response.FinishReason)
}

func TestResponseNormalizer_KeepsProviderValues(t *testing.T) {
	t.Parallel()
	p := &pipeline.ResponseNormalizer{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "hi"})
	ec.Response = &domain.InferenceResponse{
		RequestID:    "upstream-id",
		Model:        "upstream-model",
		FinishReason: "LENGTH",
	}

	require.NoError(t, p.Execute(context.Background(), ec))
	assert.Equal(t, "upstream-id", ec.Response.RequestID)
	assert.Equal(t, "upstream-model", ec.Response.Model)
	assert.Equal(t, "LENGTH", ec.Response.FinishReason)
}

func TestErrorAudit_OnlyRunsOnFailure(t *testing.T) {
	t.Parallel()
	p := &pipeline.ErrorAudit{}
	ec := ecWithMessages(domain.Message{Role: domain.RoleUser, Content: "hi"})
	assert.False(t, p.ShouldExecute(ec))

	ec.Err = domain.E(domain.CodeProviderUnavailable, "down")
	assert.True(t, p.ShouldExecute(ec))
	assert.NoError(t, p.Execute(context.Background(), ec))
}
