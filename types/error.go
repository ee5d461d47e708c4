package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Registry and routing error codes
const (
	ErrNotInitialized    ErrorCode = "NOT_INITIALIZED"
	ErrAlreadyRegistered ErrorCode = "ALREADY_REGISTERED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrUnknownCapability ErrorCode = "UNKNOWN_CAPABILITY"
	ErrRouteFailed       ErrorCode = "ROUTE_FAILED"
)

// Agent error codes
const (
	ErrInitializationFailed ErrorCode = "INITIALIZATION_FAILED"
	ErrProcessingFailed     ErrorCode = "PROCESSING_FAILED"
	ErrInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	ErrSimulatedFailure     ErrorCode = "SIMULATED_FAILURE"
)

// Workflow error codes
const (
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrAssemblyFailed    ErrorCode = "ASSEMBLY_FAILED"
	ErrPersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agent_id,omitempty"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithAgent attributes the error to an agent.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether the error carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
