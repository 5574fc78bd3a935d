// Package envstate models the lifecycle of a managed Python environment:
// its status state machine and the immutable metadata snapshot describing
// what is installed.
package envstate

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle state of a managed environment.
type Status string

const (
	// StatusUninitialized indicates the environment exists as a record but
	// has never been activated.
	StatusUninitialized Status = "uninitialized"

	// StatusActive indicates the environment is healthy and available for
	// synchronization.
	StatusActive Status = "active"

	// StatusSyncing indicates a sync transaction currently holds the
	// environment.
	StatusSyncing Status = "syncing"

	// StatusDegraded indicates a rollback failed partway, leaving the
	// environment in a state that requires manual repair.
	StatusDegraded Status = "degraded"

	// StatusFailed indicates environment initialization failed.
	StatusFailed Status = "failed"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusUninitialized, StatusActive, StatusSyncing, StatusDegraded, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid environment status: %s", s)
	}
}

// IsOperational returns true if the environment can accept a sync.
func (s Status) IsOperational() bool {
	return s == StatusActive
}

// NeedsIntervention returns true if the environment cannot recover on its
// own.
func (s Status) NeedsIntervention() bool {
	return s == StatusDegraded || s == StatusFailed
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}
