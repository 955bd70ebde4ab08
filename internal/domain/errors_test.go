package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

func TestCodeRetryable_Classification(t *testing.T) {
	t.Parallel()
	retryable := []domain.ErrorCode{
		domain.CodeRateLimited,
		domain.CodeProviderUnavailable,
		domain.CodeProviderTimeout,
		domain.CodeProviderRateLimited,
		domain.CodeCircuitOpen,
	}
	for _, c := range retryable {
		assert.True(t, domain.CodeRetryable(c), string(c))
	}
	fatal := []domain.ErrorCode{
		domain.CodeAuthInvalid,
		domain.CodeQuotaExceeded,
		domain.CodeBadRequest,
		domain.CodeModelNotFound,
		domain.CodeCapabilityMismatch,
		domain.CodeProviderAuthFailed,
		domain.CodeContentPolicyBlocked,
		domain.CodeInternal,
		domain.CodeCancelled,
		domain.CodeAllProvidersFailed,
	}
	for _, c := range fatal {
		assert.False(t, domain.CodeRetryable(c), string(c))
	}
}

func TestError_WrapAndUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := domain.WrapErr(domain.CodeProviderUnavailable, "backend down", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, domain.CodeProviderUnavailable, domain.CodeOf(err))
	assert.True(t, err.Retryable())
	assert.Contains(t, err.Error(), "PROVIDER_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOf_ChainTraversal(t *testing.T) {
	t.Parallel()
	inner := domain.E(domain.CodeQuotaExceeded, "quota exhausted")
	wrapped := fmt.Errorf("op=test: %w", inner)
	assert.Equal(t, domain.CodeQuotaExceeded, domain.CodeOf(wrapped))

	assert.Equal(t, domain.CodeInternal, domain.CodeOf(errors.New("plain")))
	assert.Equal(t, domain.ErrorCode(""), domain.CodeOf(nil))
	assert.Equal(t, domain.CodeCancelled, domain.CodeOf(domain.ErrCancelled))
}

func TestError_WithDetail(t *testing.T) {
	t.Parallel()
	err := domain.E(domain.CodeQuotaExceeded, "exhausted").
		WithDetail("limit", int64(100)).
		WithDetail("used", int64(100))
	assert.Equal(t, int64(100), err.Details["limit"])
	assert.Equal(t, int64(100), err.Details["used"])
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.IsRetryable(domain.E(domain.CodeProviderTimeout, "slow")))
	assert.False(t, domain.IsRetryable(domain.E(domain.CodeBadRequest, "nope")))
	assert.False(t, domain.IsRetryable(context.Canceled))
}
