package stub_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/provider/stub"
)

func initialized(t *testing.T, id string) *stub.Provider {
	t.Helper()
	p := stub.New(id)
	require.NoError(t, p.Initialize(context.Background(), domain.ProviderConfig{
		ID: id, Models: []string{"echo-1"}, Devices: []string{"cpu"},
	}))
	return p
}

func echoReq() domain.InferenceRequest {
	return domain.InferenceRequest{
		ID: "req-1", TenantID: "acme", Model: "echo-1",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be nice"},
			{Role: domain.RoleUser, Content: "hello world"},
		},
	}
}

func TestProvider_InferEchoesLastUserMessage(t *testing.T) {
	t.Parallel()
	p := initialized(t, "p1")

	resp, err := p.Infer(context.Background(), echoReq())
	require.NoError(t, err)
	assert.Equal(t, "echo: hello world", resp.Content)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, domain.FinishStop, resp.FinishReason)
	assert.Greater(t, resp.Usage.InputTokens, 0)
	assert.Greater(t, resp.Usage.OutputTokens, 0)
	assert.Equal(t, resp.Usage.InputTokens+resp.Usage.OutputTokens, resp.Usage.TotalTokens)
}

func TestProvider_InferStreamReassembles(t *testing.T) {
	t.Parallel()
	p := initialized(t, "p1")
	ctx := context.Background()

	s, err := p.InferStream(ctx, echoReq())
	require.NoError(t, err)
	defer s.Close()

	var sb strings.Builder
	var last domain.StreamChunk
	for {
		chunk, ok := s.Recv(ctx)
		require.True(t, ok, "stream ended before done chunk")
		sb.WriteString(chunk.Delta)
		last = chunk
		if chunk.Done {
			break
		}
	}
	assert.Equal(t, "echo: hello world", sb.String())
	require.NotNil(t, last.Usage)
	assert.Greater(t, last.Usage.OutputTokens, 0)
}

func TestProvider_FailWith(t *testing.T) {
	t.Parallel()
	p := initialized(t, "p1")
	p.FailWith = domain.E(domain.CodeProviderUnavailable, "down")

	_, err := p.Infer(context.Background(), echoReq())
	require.Error(t, err)
	assert.Equal(t, domain.CodeProviderUnavailable, domain.CodeOf(err))

	_, err = p.InferStream(context.Background(), echoReq())
	require.Error(t, err)
}

func TestProvider_InitializeIdempotent(t *testing.T) {
	t.Parallel()
	p := stub.New("p1")
	ctx := context.Background()
	cfg := domain.ProviderConfig{ID: "p1", Models: []string{"echo-1"}}
	require.NoError(t, p.Initialize(ctx, cfg))
	require.NoError(t, p.Initialize(ctx, cfg))
	assert.True(t, p.Supports("echo-1", domain.InferenceRequest{}))
	assert.False(t, p.Supports("other", domain.InferenceRequest{}))
}

func TestProvider_HealthTransitions(t *testing.T) {
	t.Parallel()
	p := stub.New("p1")
	ctx := context.Background()

	assert.Equal(t, domain.HealthDown, p.Health(ctx).Status)
	require.NoError(t, p.Initialize(ctx, domain.ProviderConfig{ID: "p1", Models: []string{"echo-1"}}))
	assert.Equal(t, domain.HealthUp, p.Health(ctx).Status)

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, domain.HealthDown, p.Health(ctx).Status)
	require.Error(t, p.Initialize(ctx, domain.ProviderConfig{ID: "p1"}))
}

func TestProvider_LoadSessionCounts(t *testing.T) {
	t.Parallel()
	p := initialized(t, "p1")
	ctx := context.Background()

	handle, closer, err := p.LoadSession(ctx, "acme", "echo-1")
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.NoError(t, closer(ctx))
	assert.Equal(t, int64(1), p.Loads())

	_, _, err = p.LoadSession(ctx, "acme", "echo-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Loads())
}
