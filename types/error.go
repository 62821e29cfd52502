package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordination core.
type ErrorCode string

// Selection and session error codes
const (
	ErrNoSuitableAgents   ErrorCode = "NO_SUITABLE_AGENTS"
	ErrSessionTimeout     ErrorCode = "SESSION_TIMEOUT"
	ErrSessionAborted     ErrorCode = "SESSION_ABORTED"
	ErrInviteDeclined     ErrorCode = "INVITE_DECLINED"
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrDecisionNotFound   ErrorCode = "DECISION_NOT_FOUND"
	ErrTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCoordinatorStopped ErrorCode = "COORDINATOR_STOPPED"
)

// Agent error codes
const (
	ErrAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	ErrStaleAgent    ErrorCode = "STALE_AGENT"
)

// Messaging error codes
const (
	ErrDeliveryFailure ErrorCode = "DELIVERY_FAILURE"
	ErrInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrEmergency       ErrorCode = "EMERGENCY"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
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

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in err's chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}
