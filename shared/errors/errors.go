package errors

import (
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// ErrorType classifies an error for transport mapping
type ErrorType string

const (
	// Client errors (4xx equivalent)
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypePrecondition ErrorType = "PRECONDITION_FAILED"

	// Server errors (5xx equivalent)
	ErrorTypeInternal    ErrorType = "INTERNAL"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"

	// Business logic errors
	ErrorTypeBusinessRule ErrorType = "BUSINESS_RULE"
)

// Error is a structured error carrying transport codes
type Error struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StatusCode int                    `json:"-"`
	GRPCCode   codes.Code             `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails adds a detail field to the error
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates a new error with default transport codes for its type
func New(errorType ErrorType, code, message string) *Error {
	e := &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}

	switch errorType {
	case ErrorTypeNotFound:
		e.StatusCode = http.StatusNotFound
		e.GRPCCode = codes.NotFound
	case ErrorTypeInvalidInput:
		e.StatusCode = http.StatusBadRequest
		e.GRPCCode = codes.InvalidArgument
	case ErrorTypeUnauthorized:
		e.StatusCode = http.StatusUnauthorized
		e.GRPCCode = codes.Unauthenticated
	case ErrorTypeForbidden:
		e.StatusCode = http.StatusForbidden
		e.GRPCCode = codes.PermissionDenied
	case ErrorTypeConflict:
		e.StatusCode = http.StatusConflict
		e.GRPCCode = codes.AlreadyExists
	case ErrorTypePrecondition, ErrorTypeBusinessRule:
		e.StatusCode = http.StatusPreconditionFailed
		e.GRPCCode = codes.FailedPrecondition
	case ErrorTypeUnavailable:
		e.StatusCode = http.StatusServiceUnavailable
		e.GRPCCode = codes.Unavailable
	default:
		e.StatusCode = http.StatusInternalServerError
		e.GRPCCode = codes.Internal
	}

	return e
}

// NotFound builds a not-found error for a resource
func NotFound(resource string, id interface{}) *Error {
	return New(ErrorTypeNotFound, "RESOURCE_NOT_FOUND",
		fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidInput builds a bad-input error for a field
func InvalidInput(field string, reason string) *Error {
	return New(ErrorTypeInvalidInput, "INVALID_INPUT",
		fmt.Sprintf("Invalid input for field '%s': %s", field, reason)).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Forbidden builds a permission error
func Forbidden(resource string, action string) *Error {
	return New(ErrorTypeForbidden, "FORBIDDEN",
		fmt.Sprintf("Forbidden: cannot %s %s", action, resource)).
		WithDetails("resource", resource).
		WithDetails("action", action)
}

// Conflict builds a conflict error
func Conflict(resource string, reason string) *Error {
	return New(ErrorTypeConflict, "CONFLICT",
		fmt.Sprintf("Conflict with %s: %s", resource, reason)).
		WithDetails("resource", resource)
}

// Precondition builds a failed-precondition error
func Precondition(code string, message string) *Error {
	return New(ErrorTypePrecondition, code, message)
}

// Internal builds a server-side error
func Internal(message string) *Error {
	return New(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// IsType reports whether err is an *Error of the given type
func IsType(err error, errorType ErrorType) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == errorType
	}
	return false
}

// GetCode returns the error code for an *Error, "UNKNOWN" otherwise
func GetCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return "UNKNOWN"
}
