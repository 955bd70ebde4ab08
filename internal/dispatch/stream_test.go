package dispatch_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/dispatch"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/provider/stub"
)

func collect(t *testing.T, s domain.ChunkStream) []domain.StreamChunk {
	t.Helper()
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []domain.StreamChunk
	for {
		chunk, ok := s.Recv(ctx)
		if !ok {
			return out
		}
		out = append(out, chunk)
		if chunk.Done {
			return out
		}
	}
}

func TestExecuteStream_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{}, map[string]domain.Provider{"p1": stub.New("p1")})

	s, err := h.dispatcher.ExecuteStream(context.Background(), echoRequest("req-1"), acme)
	require.NoError(t, err)
	chunks := collect(t, s)
	require.NotEmpty(t, chunks)

	var sb strings.Builder
	for i, c := range chunks {
		assert.Equal(t, int64(i), c.Seq)
		assert.Equal(t, "req-1", c.RequestID)
		sb.WriteString(c.Delta)
		if i < len(chunks)-1 {
			assert.False(t, c.Done)
		}
	}
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Nil(t, last.Err)
	require.NotNil(t, last.Usage)
	assert.Greater(t, last.Usage.OutputTokens, 0)
	assert.Equal(t, "echo: hello world", sb.String())
}

func TestExecuteStream_OpenFailureFailsOver(t *testing.T) {
	t.Parallel()
	bad := stub.New("bad")
	bad.FailWith = domain.E(domain.CodeProviderUnavailable, "down")
	h := newHarness(t, harnessOptions{dispatch: dispatch.Options{MaxAttempts: 3}}, map[string]domain.Provider{
		"bad":  bad,
		"good": stub.New("good"),
	})

	s, err := h.dispatcher.ExecuteStream(context.Background(), echoRequest("req-1"), acme)
	require.NoError(t, err)
	chunks := collect(t, s)
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Done)
	assert.Nil(t, chunks[len(chunks)-1].Err)
}

func TestExecuteStream_FatalOpenFailure(t *testing.T) {
	t.Parallel()
	bad := stub.New("bad")
	bad.FailWith = domain.E(domain.CodeProviderAuthFailed, "key rejected")
	h := newHarness(t, harnessOptions{}, map[string]domain.Provider{"bad": bad})

	_, err := h.dispatcher.ExecuteStream(context.Background(), echoRequest("req-1"), acme)
	require.Error(t, err)
	assert.Equal(t, domain.CodeProviderAuthFailed, domain.CodeOf(err))
}

func TestExecuteStream_AdmissionFailureBeforeStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{}, map[string]domain.Provider{"p1": stub.New("p1")})
	h.quotas.Define(domain.Quota{TenantID: "acme", Resource: "requests", Limit: 0, Period: domain.ResetNever})

	_, err := h.dispatcher.ExecuteStream(context.Background(), echoRequest("req-1"), acme)
	require.Error(t, err)
	assert.Equal(t, domain.CodeQuotaExceeded, domain.CodeOf(err))
}

func TestExecuteStream_ConsumerCloseReleasesSlot(t *testing.T) {
	t.Parallel()
	slow := stub.New("slow")
	slow.Delay = 10 * time.Millisecond
	h := newHarness(t, harnessOptions{concurrencyLimit: 1}, map[string]domain.Provider{"slow": slow})
	ctx := context.Background()

	s, err := h.dispatcher.ExecuteStream(ctx, echoRequest("req-1"), acme)
	require.NoError(t, err)
	_, ok := s.Recv(ctx)
	require.True(t, ok)
	s.Close()

	// The pump notices the closed consumer and frees the slot.
	require.Eventually(t, func() bool { return h.slots.Held("acme") == 0 },
		time.Second, 5*time.Millisecond)

	slow.Delay = 0
	_, err = h.dispatcher.Execute(ctx, echoRequest("req-2"), acme)
	assert.NoError(t, err)
}
