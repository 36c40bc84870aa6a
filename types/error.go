package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Orchestration error codes
const (
	ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrValidation          ErrorCode = "VALIDATION_ERROR"
	ErrRoutingAmbiguity    ErrorCode = "ROUTING_AMBIGUITY"
	ErrPersistenceFailure  ErrorCode = "PERSISTENCE_FAILURE"
	ErrFatalSession        ErrorCode = "FATAL_SESSION"
	ErrTurnCancelled       ErrorCode = "TURN_CANCELLED"
	ErrSessionBusy         ErrorCode = "SESSION_BUSY"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrInvariantViolation  ErrorCode = "INVARIANT_VIOLATION"
	ErrUnknownAgent        ErrorCode = "UNKNOWN_AGENT"
	ErrServiceNotAvailable ErrorCode = "SERVICE_NOT_REGISTERED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Agent      string    `json:"agent,omitempty"`
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
	return &Error{Code: code, Message: message}
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent records which agent node produced the error.
func (e *Error) WithAgent(agent string) *Error {
	e.Agent = agent
	return e
}

// NewServiceUnavailable an external dependency could not be reached.
func NewServiceUnavailable(service string, cause error) *Error {
	return NewError(ErrServiceUnavailable, fmt.Sprintf("service %s unavailable", service)).
		WithCause(cause).
		WithRetryable(true)
}

// NewValidationError malformed or missing parameters extracted from user input.
func NewValidationError(message string) *Error {
	return NewError(ErrValidation, message)
}

// NewRoutingAmbiguity no agent could be selected with enough confidence.
func NewRoutingAmbiguity(message string) *Error {
	return NewError(ErrRoutingAmbiguity, message)
}

// NewPersistenceFailure checkpoint save/load failed after retries.
func NewPersistenceFailure(op string, cause error) *Error {
	return NewError(ErrPersistenceFailure, fmt.Sprintf("checkpoint %s failed", op)).
		WithCause(cause).
		WithRetryable(true)
}

// NewFatalSessionError conversation state is corrupted beyond repair.
func NewFatalSessionError(message string, cause error) *Error {
	return NewError(ErrFatalSession, message).WithCause(cause)
}

// AsError extracts a *Error from anywhere in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
