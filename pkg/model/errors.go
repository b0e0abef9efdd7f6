package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a structured queue error code.
type ErrorCode string

const (
	CodeMissingAssignment   ErrorCode = "MISSING_ASSIGNMENT"
	CodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
	CodeZoneNotFound        ErrorCode = "ZONE_NOT_FOUND"
	CodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	CodeDependencyCycle     ErrorCode = "DEPENDENCY_CYCLE"
	CodeUnknownDependency   ErrorCode = "UNKNOWN_DEPENDENCY"
	CodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
	CodeQueueCancelled      ErrorCode = "QUEUE_CANCELLED"
	CodeDuplicateZone       ErrorCode = "DUPLICATE_ZONE"
)

// QueueError is a structured error returned by the scheduler and its managers.
type QueueError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	ZoneID  string    `json:"zone_id,omitempty"`
}

func (e *QueueError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any QueueError carrying the same code, so callers can compare
// against the exported sentinels with errors.Is.
func (e *QueueError) Is(target error) bool {
	var qe *QueueError
	if !errors.As(target, &qe) {
		return false
	}
	return qe.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingAssignment   = &QueueError{Code: CodeMissingAssignment}
	ErrResourceUnavailable = &QueueError{Code: CodeResourceUnavailable}
	ErrZoneNotFound        = &QueueError{Code: CodeZoneNotFound}
	ErrInvalidTransition   = &QueueError{Code: CodeInvalidTransition}
	ErrDependencyCycle     = &QueueError{Code: CodeDependencyCycle}
	ErrUnknownDependency   = &QueueError{Code: CodeUnknownDependency}
	ErrInvalidConfig       = &QueueError{Code: CodeInvalidConfig}
	ErrQueueCancelled      = &QueueError{Code: CodeQueueCancelled}
	ErrDuplicateZone       = &QueueError{Code: CodeDuplicateZone}
)

// NewQueueError creates a QueueError with a formatted message.
func NewQueueError(code ErrorCode, zoneID, format string, args ...any) *QueueError {
	return &QueueError{Code: code, ZoneID: zoneID, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a ZONE_NOT_FOUND QueueError.
func NewNotFoundError(id string) *QueueError {
	return &QueueError{
		Code:    CodeZoneNotFound,
		ZoneID:  id,
		Message: fmt.Sprintf("zone '%s' not found", id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ErrorType classifies an execution failure.
type ErrorType string

const (
	ErrorTypeTool       ErrorType = "tool_error"
	ErrorTypeResource   ErrorType = "resource_error"
	ErrorTypeTimeout    ErrorType = "timeout_error"
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeSystem     ErrorType = "system_error"
)

// ExecutionError is a classified failure of one attempt.
type ExecutionError struct {
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Tool        string    `json:"tool,omitempty"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewExecutionError creates an ExecutionError.
func NewExecutionError(typ ErrorType, recoverable bool, format string, args ...any) *ExecutionError {
	return &ExecutionError{Type: typ, Recoverable: recoverable, Message: fmt.Sprintf(format, args...)}
}

// ClassifyError turns any error returned by an executor into an
// ExecutionError. Executors that return *ExecutionError keep their
// classification; deadline errors become recoverable timeouts; anything else
// is a recoverable tool error.
func ClassifyError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		c := *ee
		return &c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Type: ErrorTypeTimeout, Message: err.Error(), Recoverable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Type: ErrorTypeSystem, Message: err.Error(), Recoverable: false}
	}
	return &ExecutionError{Type: ErrorTypeTool, Message: err.Error(), Recoverable: true}
}
