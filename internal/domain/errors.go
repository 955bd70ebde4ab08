package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the closed taxonomy shared by every layer. Classification
// (retryable vs fatal) is a pure function of the code.
type ErrorCode string

// Admission errors.
const (
	CodeAuthMissingTenant   ErrorCode = "AUTH_MISSING_TENANT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeConcurrencyExceeded ErrorCode = "CONCURRENCY_EXCEEDED"
)

// Routing errors.
const (
	CodeNoProviderAvailable ErrorCode = "NO_PROVIDER_AVAILABLE"
	CodeModelNotFound       ErrorCode = "MODEL_NOT_FOUND"
	CodeCapabilityMismatch  ErrorCode = "CAPABILITY_MISMATCH"
)

// Provider errors.
const (
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	CodeProviderAuthFailed  ErrorCode = "PROVIDER_AUTH_FAILED"
	CodeProviderRateLimited ErrorCode = "PROVIDER_RATE_LIMITED"
	CodeProviderInitFailed  ErrorCode = "PROVIDER_INIT_FAILED"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
)

// Pipeline errors.
const (
	CodePluginFailed         ErrorCode = "PLUGIN_FAILED"
	CodeContentPolicyBlocked ErrorCode = "CONTENT_POLICY_BLOCKED"
)

// Runtime and terminal errors.
const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeInferenceFailed    ErrorCode = "INFERENCE_FAILED"
	CodeStorageReadFailed  ErrorCode = "STORAGE_READ_FAILED"
	CodeAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeCancelled          ErrorCode = "CANCELLED"
)

// retryableCodes drive both dispatcher failover and the retryable flag in the
// error payload. CIRCUIT_OPEN is retryable via failover only.
var retryableCodes = map[ErrorCode]bool{
	CodeRateLimited:         true,
	CodeProviderUnavailable: true,
	CodeProviderTimeout:     true,
	CodeProviderRateLimited: true,
	CodeCircuitOpen:         true,
}

// CodeRetryable reports whether the code drives a retry/failover.
func CodeRetryable(code ErrorCode) bool { return retryableCodes[code] }

// Error is the uniform error value carried across the core. It replaces the
// exception hierarchies of the original system with a single type whose
// behavior is fully determined by Code.
type Error struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	Details    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller (or the dispatcher) may retry.
func (e *Error) Retryable() bool { return CodeRetryable(e.Code) }

// WithDetail returns e with an extra detail entry set.
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = val
	return e
}

// E constructs a typed error.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef constructs a typed error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause under a typed code.
func WrapErr(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// CodeOf extracts the taxonomy code from an arbitrary error chain. Unknown
// errors classify as INTERNAL_ERROR; context cancellation as CANCELLED.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, ErrCancelled) {
		return CodeCancelled
	}
	return CodeInternal
}

// IsRetryable reports whether the error chain carries a retryable code.
func IsRetryable(err error) bool { return CodeRetryable(CodeOf(err)) }

// ErrCancelled marks cooperative cancellation; it is a status, not a failure.
var ErrCancelled = errors.New("cancelled")
