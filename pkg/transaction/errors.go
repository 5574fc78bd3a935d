package transaction

import (
	"errors"
	"fmt"
)

// ErrorClass classifies execution errors for retry and recovery logic.
type ErrorClass string

const (
	// ClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, index unavailability.
	ClassTransient ErrorClass = "transient"

	// ClassConflict indicates the environment state moved underneath the
	// transaction.
	ClassConflict ErrorClass = "conflict"

	// ClassPermanent indicates a non-recoverable failure.
	ClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	CodeEnvironmentBusy = "ENVIRONMENT_BUSY"
	CodeStaleRevision   = "STALE_REVISION"
	CodeRollbackFailed  = "ROLLBACK_FAILED"
	CodeOperationFailed = "OPERATION_FAILED"
	CodeBlockedPlan     = "BLOCKED_PLAN"
)

// Error is a classified transaction error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is a stable identifier for programmatic handling.
	Code string `json:"code,omitempty"`

	// Environment is the environment involved, if applicable.
	Environment string `json:"environment,omitempty"`

	// Package is the package whose operation failed, if applicable.
	Package string `json:"package,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Package != "" {
		msg += fmt.Sprintf(" (package=%s)", e.Package)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ClassTransient, Message: message, Err: err}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithEnvironment adds environment context.
func (e *Error) WithEnvironment(name string) *Error {
	e.Environment = name
	return e
}

// WithPackage adds package context.
func (e *Error) WithPackage(name string) *Error {
	e.Package = name
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassConflict
	}
	return false
}

// IsEnvironmentBusy returns true if the error reports a held sync slot.
func IsEnvironmentBusy(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeEnvironmentBusy
	}
	return false
}

// IsStaleRevision returns true if the error reports a concurrent
// modification detected at execution time.
func IsStaleRevision(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeStaleRevision
	}
	return false
}

// IsRollbackFailed returns true if the error reports an undo failure.
// Environments hit by this need manual intervention.
func IsRollbackFailed(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeRollbackFailed
	}
	return false
}
