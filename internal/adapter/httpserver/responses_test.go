package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code domain.ErrorCode
		want int
	}{
		{domain.CodeAuthMissingTenant, http.StatusUnauthorized},
		{domain.CodeAuthInvalid, http.StatusUnauthorized},
		{domain.CodeQuotaExceeded, http.StatusTooManyRequests},
		{domain.CodeRateLimited, http.StatusTooManyRequests},
		{domain.CodeConcurrencyExceeded, http.StatusTooManyRequests},
		{domain.CodeBadRequest, http.StatusBadRequest},
		{domain.CodeCapabilityMismatch, http.StatusBadRequest},
		{domain.CodeModelNotFound, http.StatusNotFound},
		{domain.CodeContentPolicyBlocked, http.StatusUnprocessableEntity},
		{domain.CodeNoProviderAvailable, http.StatusServiceUnavailable},
		{domain.CodeCircuitOpen, http.StatusServiceUnavailable},
		{domain.CodeProviderRateLimited, http.StatusServiceUnavailable},
		{domain.CodeProviderTimeout, http.StatusGatewayTimeout},
		{domain.CodeProviderUnavailable, http.StatusBadGateway},
		{domain.CodeProviderAuthFailed, http.StatusBadGateway},
		{domain.CodeProviderInitFailed, http.StatusBadGateway},
		{domain.CodeInferenceFailed, http.StatusBadGateway},
		{domain.CodeAllProvidersFailed, http.StatusBadGateway},
		{domain.CodeCancelled, 499},
		{domain.CodePluginFailed, http.StatusInternalServerError},
		{domain.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.code), string(tc.code))
	}
}

func TestWriteError_RetryAfterHeader(t *testing.T) {
	t.Parallel()
	e := domain.E(domain.CodeRateLimited, "slow down")
	e.RetryAfter = 30 * time.Second

	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), e)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":"RATE_LIMITED"`)
	assert.Contains(t, rec.Body.String(), `"retryable":true`)
}

func TestWriteError_SubSecondRetryAfterRoundsUp(t *testing.T) {
	t.Parallel()
	e := domain.E(domain.CodeRateLimited, "slow down")
	e.RetryAfter = 200 * time.Millisecond

	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), e)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestWriteError_PlainError(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INTERNAL"`)
}

func TestWriteError_DetailsIncluded(t *testing.T) {
	t.Parallel()
	e := domain.E(domain.CodeQuotaExceeded, "quota exhausted").WithDetail("limit", 100)
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), e)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"details":{"limit":100}`)
}
