// Package errors provides the standardized error taxonomy of the filing engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrCodeStateTransition     ErrorCode = "STATE_TRANSITION_ERROR"
	ErrCodeAccessDenied        ErrorCode = "ACCESS_DENIED"
	ErrCodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"

	ErrCodeUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeStorageFailed   ErrorCode = "STORAGE_ERROR"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata returns the error with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 2. Error Constructors
// ==========================

// NewValidationError reports an input or precondition that fails a rule.
func NewValidationError(message string) *StandardError {
	return newError(ErrCodeValidation, message, "", false)
}

// NewFieldValidationError reports a rule failure tied to one field.
func NewFieldValidationError(field, message string) *StandardError {
	return newError(ErrCodeValidation, message, fmt.Sprintf("field: %s", field), false).
		WithMetadata("field", field)
}

// NewStateTransitionError reports a status change outside the transition table.
func NewStateTransitionError(from, to string) *StandardError {
	return newError(ErrCodeStateTransition,
		fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		"", false).
		WithMetadata("from", from).
		WithMetadata("to", to)
}

// NewAccessDeniedError reports a role or relationship that does not permit the operation.
func NewAccessDeniedError(details string) *StandardError {
	return newError(ErrCodeAccessDenied, "Access denied", details, false)
}

// NewConcurrencyConflictError reports a stale version marker.
func NewConcurrencyConflictError(entity, id string, expected int64) *StandardError {
	return newError(ErrCodeConcurrencyConflict,
		fmt.Sprintf("%s was modified concurrently", entity),
		fmt.Sprintf("id: %s, expectedVersion: %d", id, expected),
		true).
		WithMetadata("entity", entity).
		WithMetadata("id", id)
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(entity, id string) *StandardError {
	return newError(ErrCodeNotFound,
		fmt.Sprintf("%s not found", entity),
		fmt.Sprintf("id: %s", id),
		false)
}

// NewUnauthenticatedError reports a missing or invalid credential.
func NewUnauthenticatedError(details string) *StandardError {
	return newError(ErrCodeUnauthenticated, "Authentication required", details, false)
}

// NewRateLimitedError reports a caller over its request budget.
func NewRateLimitedError() *StandardError {
	return newError(ErrCodeRateLimited, "Too many requests", "", true)
}

// NewStorageError wraps a failure of the backing store. Storage failures are retryable.
func NewStorageError(op string, err error) *StandardError {
	se := newError(ErrCodeStorageFailed, "Storage operation failed",
		fmt.Sprintf("op: %s, error: %v", op, err), true)
	se.cause = err
	return se
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *StandardError {
	se := newError(ErrCodeInternal, "Unexpected error", err.Error(), false)
	se.cause = err
	return se
}

// ==========================
// 3. Classification
// ==========================

// As extracts a StandardError from err's chain.
func As(err error) (*StandardError, bool) {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the code of err, ErrCodeInternal for foreign errors and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if se, ok := As(err); ok {
		return se.Code
	}
	return ErrCodeInternal
}

func IsValidation(err error) bool          { return CodeOf(err) == ErrCodeValidation }
func IsStateTransition(err error) bool     { return CodeOf(err) == ErrCodeStateTransition }
func IsAccessDenied(err error) bool        { return CodeOf(err) == ErrCodeAccessDenied }
func IsConcurrencyConflict(err error) bool { return CodeOf(err) == ErrCodeConcurrencyConflict }
func IsNotFound(err error) bool            { return CodeOf(err) == ErrCodeNotFound }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if se, ok := As(err); ok {
		return se.Retryable
	}
	return false
}

// Normalize returns err as a StandardError, wrapping foreign errors as internal.
func Normalize(err error) *StandardError {
	if se, ok := As(err); ok {
		return se
	}
	return NewInternalError(err)
}

// GetRetryCount returns the recommended retry count for the code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeStorageFailed, ErrCodeConcurrencyConflict:
		return 3
	case ErrCodeRateLimited:
		return 1
	default:
		return 0
	}
}

// HTTPStatus maps a code onto a response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case ErrCodeStateTransition, ErrCodeConcurrencyConflict:
		return http.StatusConflict
	case ErrCodeAccessDenied:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStorageFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "ACCESS") || strings.Contains(codeStr, "AUTH"):
		return "AUTH"
	case strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	case strings.Contains(codeStr, "TRANSITION"):
		return "WORKFLOW"
	case strings.Contains(codeStr, "CONCURRENCY") || strings.Contains(codeStr, "STORAGE") || strings.Contains(codeStr, "NOT_FOUND"):
		return "STORAGE"
	default:
		return "OTHER"
	}
}
