package types

import "fmt"

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Orchestration error codes
const (
	ErrWrongState          ErrorCode = "WRONG_STATE"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrOrchestrationFailed ErrorCode = "ORCHESTRATION_FAILED"
	ErrLeaseExhausted      ErrorCode = "LEASE_EXHAUSTED"
	ErrOutputFailed        ErrorCode = "OUTPUT_FAILED"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured, user-safe error with code and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
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
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
