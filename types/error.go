package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Dispatch error codes. The four groups drive dispatcher behavior:
// transient codes are retried, rate-limit codes are retried and trigger a
// global admission cooldown, permanent codes abort the run before or during
// dispatch, and cache corruption is handled as a cache miss.
const (
	// Transient
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
	ErrMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrModelOverloaded  ErrorCode = "MODEL_OVERLOADED"

	// Rate limit
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// Permanent
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnsupported    ErrorCode = "UNSUPPORTED"
	ErrQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"

	// Cache
	ErrCacheCorruption ErrorCode = "CACHE_CORRUPTION"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrTimeout, ErrUpstreamError, ErrMalformedPayload, ErrModelOverloaded, ErrRateLimited:
		return true
	}
	return false
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable, looking through wrapping.
// Errors of unknown shape are treated as transient so that network-level
// failures get retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}

// IsRateLimit checks if an error is a rate-limit signal.
func IsRateLimit(err error) bool {
	return GetErrorCode(err) == ErrRateLimited
}

// IsPermanent checks if an error must abort the run instead of being retried.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return !e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, looking through
// wrapping.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
