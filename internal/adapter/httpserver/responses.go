package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeAuthMissingTenant, domain.CodeAuthInvalid:
		return http.StatusUnauthorized
	case domain.CodeQuotaExceeded, domain.CodeRateLimited, domain.CodeConcurrencyExceeded:
		return http.StatusTooManyRequests
	case domain.CodeBadRequest, domain.CodeCapabilityMismatch:
		return http.StatusBadRequest
	case domain.CodeModelNotFound:
		return http.StatusNotFound
	case domain.CodeContentPolicyBlocked:
		return http.StatusUnprocessableEntity
	case domain.CodeNoProviderAvailable, domain.CodeCircuitOpen, domain.CodeProviderRateLimited:
		return http.StatusServiceUnavailable
	case domain.CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeProviderUnavailable, domain.CodeProviderAuthFailed,
		domain.CodeProviderInitFailed, domain.CodeInferenceFailed, domain.CodeAllProvidersFailed:
		return http.StatusBadGateway
	case domain.CodeCancelled:
		// Client went away; the nginx convention for logged aborts.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	code := domain.CodeOf(err)
	msg := err.Error()
	var details any
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
		if len(de.Details) > 0 {
			details = de.Details
		}
		if de.RetryAfter > 0 {
			secs := int(de.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, statusFor(code), errorEnvelope{Error: apiError{
		Code:      string(code),
		Message:   msg,
		Retryable: domain.CodeRetryable(code),
		Details:   details,
	}})
}

func writeNotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorEnvelope{Error: apiError{
		Code:    "NOT_FOUND",
		Message: msg,
	}})
}
