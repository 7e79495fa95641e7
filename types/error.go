package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the memory core.
type ErrorCode string

const (
	// ErrStorageFailure indicates the persistent store is unreachable or
	// corrupt. Fatal to the specific operation, surfaced to the caller.
	ErrStorageFailure ErrorCode = "STORAGE_FAILURE"

	// ErrCollaboratorUnavailable indicates an embedding, text-generation,
	// or vector-index collaborator failed or timed out. Never fatal; the
	// affected subsystem degrades and reports a fallback result.
	ErrCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"

	// ErrValidationFailure indicates malformed input rejected before any
	// mutation (empty content, out-of-range importance, <2 merge ids).
	ErrValidationFailure ErrorCode = "VALIDATION_FAILURE"

	// ErrNotFound indicates an unknown memory id or namespace.
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrConcurrencyConflict indicates a write conflict that survived the
	// storage layer's bounded retries.
	ErrConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
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

// WithComponent sets the originating component name.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewStorageError wraps a storage-layer failure.
func NewStorageError(message string, cause error) *Error {
	return &Error{Code: ErrStorageFailure, Message: message, Cause: cause}
}

// NewValidationError reports input rejected before any mutation.
func NewValidationError(message string) *Error {
	return &Error{Code: ErrValidationFailure, Message: message}
}

// NewNotFoundError reports an unknown id or namespace.
func NewNotFoundError(message string) *Error {
	return &Error{Code: ErrNotFound, Message: message}
}

// NewCollaboratorError wraps a collaborator failure. Always retryable:
// callers recover locally with a degraded result.
func NewCollaboratorError(component string, cause error) *Error {
	return &Error{
		Code:      ErrCollaboratorUnavailable,
		Message:   "collaborator unavailable",
		Component: component,
		Retryable: true,
		Cause:     cause,
	}
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
