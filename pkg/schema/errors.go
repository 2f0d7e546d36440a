package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeMatch             = "MATCH_ERROR"
	ErrCodeAction            = "ACTION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all autoflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// MatchError reports a malformed trigger config or condition tree.
func MatchError(workflowID, format string, args ...any) *FlowError {
	return NewErrorf(ErrCodeMatch, format, args...).
		WithDetails(map[string]any{"workflow_id": workflowID})
}

// ActionError reports a failed action dispatch.
func ActionError(kind ActionKind, format string, args ...any) *FlowError {
	return NewErrorf(ErrCodeAction, "%s: %s", kind, fmt.Sprintf(format, args...)).
		WithDetails(map[string]any{"action": string(kind)})
}

// PersistenceError wraps a storage failure.
func PersistenceError(op string, err error) *FlowError {
	return NewErrorf(ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
