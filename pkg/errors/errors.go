package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrNoCreator indicates that no plan creator is registered for a document node
	ErrNoCreator = errors.New("no plan creator registered")

	// ErrMalformedPath indicates that a document path could not be resolved
	ErrMalformedPath = errors.New("malformed document path")

	// ErrCapabilityMismatch indicates that no worker satisfies the declared capabilities
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrWorkerUnavailable indicates that the task could not be handed to a worker
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// ErrorType classifies an AppError for retry decisions.
type ErrorType int

const (
	Internal ErrorType = iota
	BadRequest
	NotFound
	Unauthorized
	Conflict
	ValidationFailed
	PermissionDenied
)

// String returns the wire name of the error type.
func (t ErrorType) String() string {
	switch t {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case Conflict:
		return "conflict"
	case ValidationFailed:
		return "validation_failed"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "internal"
	}
}

// AppError represents a structured SDK error
type AppError struct {
	// Type decides whether the failure is transient (Internal) or permanent
	Type ErrorType

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInternalError creates a transient error. id is optional and prefixes the message.
func NewInternalError(id, message, code string, err error) *AppError {
	if id != "" {
		message = id + ": " + message
	}
	return &AppError{Type: Internal, Code: code, Message: message, Err: err}
}

// NewValidationError creates a permanent validation error.
func NewValidationError(message, code string, err error) *AppError {
	return &AppError{Type: ValidationFailed, Code: code, Message: message, Err: err}
}

// IsTransient reports whether err should be retried.
// Errors that are not AppErrors are treated as transient.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == Internal
	}
	return true
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
