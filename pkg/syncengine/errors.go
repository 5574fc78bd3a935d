package syncengine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies planning failures.
type ErrorKind string

const (
	// ErrKindUnresolvedConflict indicates planning detected conflicts the
	// active merge strategy refuses to resolve automatically.
	ErrKindUnresolvedConflict ErrorKind = "unresolved_conflict"

	// ErrKindValidationBlocked indicates validation produced blocking
	// issues.
	ErrKindValidationBlocked ErrorKind = "validation_blocked"

	// ErrKindStaleSnapshot indicates the environment was modified after
	// the plan's base snapshot was taken.
	ErrKindStaleSnapshot ErrorKind = "stale_snapshot"

	// ErrKindInvalidRequest indicates the plan request itself was
	// malformed.
	ErrKindInvalidRequest ErrorKind = "invalid_request"
)

// Error is a classified planning error.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Environment is the environment being planned, if known.
	Environment string `json:"environment,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Environment != "" {
		return fmt.Sprintf("[%s] %s (environment=%s)", e.Kind, e.Message, e.Environment)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, environment, message string) *Error {
	return &Error{
		Kind:        kind,
		Environment: environment,
		Message:     message,
	}
}

// IsUnresolvedConflict returns true if the error reports conflicts the
// merge strategy refused to resolve.
func IsUnresolvedConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrKindUnresolvedConflict
	}
	return false
}

// IsValidationBlocked returns true if the error reports blocking
// validation issues.
func IsValidationBlocked(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrKindValidationBlocked
	}
	return false
}

// IsStaleSnapshot returns true if the error reports a concurrent
// modification of the environment.
func IsStaleSnapshot(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrKindStaleSnapshot
	}
	return false
}

// IsInvalidRequest returns true if the error reports a malformed plan
// request.
func IsInvalidRequest(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrKindInvalidRequest
	}
	return false
}
