package model

import (
	"errors"
	"fmt"
	"time"
)

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Codes used only at the API boundary. Queue failures keep their QueueError
// code.
const (
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is the error body of a failed API call.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	ZoneID  string       `json:"zone_id,omitempty"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: CodeValidation, Message: msg, Details: details}
}

// NewResourceNotFound creates a NOT_FOUND APIError for a named resource.
func NewResourceNotFound(resource, id string) *APIError {
	return &APIError{Code: CodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// NewAPIError converts a queue error into its API form. Errors that are not
// QueueErrors become INTERNAL_ERROR, except invalid transitions.
func NewAPIError(err error) *APIError {
	var qe *QueueError
	if errors.As(err, &qe) {
		return &APIError{Code: qe.Code, Message: qe.Message, ZoneID: qe.ZoneID}
	}
	var te *InvalidTransitionError
	if errors.As(err, &te) {
		return &APIError{Code: CodeInvalidTransition, Message: te.Error()}
	}
	return &APIError{Code: CodeInternal, Message: err.Error()}
}
