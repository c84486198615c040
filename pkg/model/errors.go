package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the admin API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrConflict, Message: msg}
}

var (
	// ErrCodeCacheFull is reported by a backend that could not install code.
	ErrCodeCacheFull = errors.New("code cache full")

	// ErrWaitTimeout is returned to a blocking caller that stopped waiting
	// before its task finished. The task itself keeps running.
	ErrWaitTimeout = errors.New("wait for blocking compilation timed out")

	// ErrCompilationDisabled is returned to blocking callers woken by a
	// permanent shutdown of compilation.
	ErrCompilationDisabled = errors.New("compilation disabled")

	// ErrNewJobsStopped fails tasks selected while new compilations are
	// stopped, usually because the code cache is full.
	ErrNewJobsStopped = errors.New("compilation is disabled")

	// ErrSchedulerStopped is returned when compilation is resumed on a
	// scheduler that was stopped.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrUnknownClass is returned for a class name or index that does not exist.
	ErrUnknownClass = errors.New("unknown tier class")
)

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	TaskID uint64
	From   TaskState
	To     TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition: %s → %s (task %d)", e.From, e.To, e.TaskID)
}

// NotCompilableError is a permanent backend failure. When All is set the unit
// cannot be compiled at any tier, otherwise only at Tier.
type NotCompilableError struct {
	Tier   Tier
	All    bool
	Reason string
}

func (e *NotCompilableError) Error() string {
	if e.All {
		return fmt.Sprintf("not compilable at any tier: %s", e.Reason)
	}
	return fmt.Sprintf("not compilable at tier %d: %s", int(e.Tier), e.Reason)
}

// BailoutError is a transient backend failure. TierPermanent marks the unit
// not-compilable at the task's tier even though the failure was a bailout.
type BailoutError struct {
	Reason        string
	TierPermanent bool
}

func (e *BailoutError) Error() string {
	return "bailout: " + e.Reason
}

// IsRetryable reports whether err leaves the unit eligible for another
// compilation at the same tier.
func IsRetryable(err error) bool {
	var nc *NotCompilableError
	if errors.As(err, &nc) {
		return false
	}
	var b *BailoutError
	if errors.As(err, &b) {
		return !b.TierPermanent
	}
	return true
}
