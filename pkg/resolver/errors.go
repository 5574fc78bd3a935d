package resolver

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a resolution could not produce a graph.
type FailureKind string

const (
	// FailureNoSolution indicates the constraint set is unsatisfiable: the
	// search space was exhausted without finding a consistent assignment.
	FailureNoSolution FailureKind = "no_solution"

	// FailureCycle indicates a dependency chain re-entered a package whose
	// selection was still being decided, with no way forward.
	FailureCycle FailureKind = "cycle"

	// FailureDepthExceeded indicates the search exceeded its configured
	// depth cap before terminating.
	FailureDepthExceeded FailureKind = "depth_exceeded"

	// FailureProvider indicates the version provider failed; the error is
	// surfaced as-is, never treated as an empty version list.
	FailureProvider FailureKind = "provider_error"
)

// Error is a classified resolution failure with the package that triggered
// it, when known.
type Error struct {
	// Kind is the failure classification.
	Kind FailureKind `json:"kind"`

	// Package is the package being decided when resolution failed.
	Package string `json:"package,omitempty"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Package != "" {
		if e.Err != nil {
			return fmt.Sprintf("resolution failed (%s, package=%s): %s: %v", e.Kind, e.Package, e.Message, e.Err)
		}
		return fmt.Sprintf("resolution failed (%s, package=%s): %s", e.Kind, e.Package, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("resolution failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("resolution failed (%s): %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a classified resolution error.
func newError(kind FailureKind, pkg, message string, err error) *Error {
	return &Error{Kind: kind, Package: pkg, Message: message, Err: err}
}

// IsNoSolution reports whether err is an unsatisfiable-constraints failure.
func IsNoSolution(err error) bool {
	return failureKind(err) == FailureNoSolution
}

// IsCycle reports whether err is a dependency-cycle failure.
func IsCycle(err error) bool {
	return failureKind(err) == FailureCycle
}

// IsDepthExceeded reports whether err is a depth-cap failure.
func IsDepthExceeded(err error) bool {
	return failureKind(err) == FailureDepthExceeded
}

// IsProviderError reports whether err wraps a provider failure.
func IsProviderError(err error) bool {
	return failureKind(err) == FailureProvider
}

func failureKind(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
