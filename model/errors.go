package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest   = "BAD_REQUEST"
	ErrUnauthorized = "UNAUTHORIZED"
	ErrForbidden    = "FORBIDDEN"
	ErrNotFound     = "NOT_FOUND"
	ErrInternal     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrTransitionNotAllowed   = "TRANSITION_NOT_ALLOWED"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrVersionConflict        = "VERSION_CONFLICT"
	ErrConfigurationInUse     = "CONFIGURATION_IN_USE"
	ErrConfigurationInvalid   = "CONFIGURATION_INVALID"
	ErrPersistence            = "PERSISTENCE_ERROR"
	ErrIdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
)

// ErrorEnvelope is the standard error value returned by the workflow core
// and rendered by the transport layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a single configuration or input problem.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the envelope code of err, or ErrInternal.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternal
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternal,
		Message: "An unexpected error occurred",
	}
}

// NewTransitionNotAllowedError is returned when an edge does not exist from
// the current stage or its guard rejects the actor or work item.
func NewTransitionNotAllowedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTransitionNotAllowed, Message: msg}
}

// NewConcurrentModificationError is returned to the losing side of a race on
// the same work item. Callers re-read state and retry.
func NewConcurrentModificationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrentModification, Message: msg}
}

// NewVersionConflictError is returned by event stores when the expected
// version does not match the stored head.
func NewVersionConflictError(aggregateID string, expected, actual int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrVersionConflict,
		Message: fmt.Sprintf("aggregate %q version conflict (expected %d, got %d)", aggregateID, expected, actual),
	}
}

// NewConfigurationInUseError is returned when a stage or transition is
// referenced by an active work item.
func NewConfigurationInUseError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfigurationInUse, Message: msg}
}

// NewConfigurationInvalidError returns a CONFIGURATION_INVALID error with
// optional field-level details.
func NewConfigurationInvalidError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfigurationInvalid, Message: msg, Details: details}
}

// NewPersistenceError wraps a storage collaborator failure.
func NewPersistenceError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPersistence,
		Message: fmt.Sprintf("%s: %v", op, cause),
		cause:   cause,
	}
}

// NewIdempotencyConflictError is returned when an idempotency key is reused
// with a different request.
func NewIdempotencyConflictError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIdempotencyConflict,
		Message: fmt.Sprintf("idempotency key %q already used with a different request", key),
	}
}
