package envstate

import (
	"fmt"
	"sync"
)

// transitions is the set of legal status transitions. Repair transitions
// out of degraded and failed states are deliberate operator actions
// (restoring a snapshot, re-initializing), never automatic.
var transitions = map[Status][]Status{
	StatusUninitialized: {StatusActive, StatusFailed},
	StatusActive:        {StatusSyncing},
	StatusSyncing:       {StatusActive, StatusDegraded, StatusFailed},
	StatusDegraded:      {StatusActive},
	StatusFailed:        {StatusActive},
}

// TransitionError reports an attempted illegal status transition. Illegal
// transitions indicate a programming defect, not a runtime condition, and
// are never applied.
type TransitionError struct {
	// From is the status the environment was in.
	From Status

	// To is the status that was requested.
	To Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal environment transition: %s -> %s", e.From, e.To)
}

// Machine tracks the status of one environment and is the single point
// through which status changes flow. All transitions are validated against
// the transition table.
type Machine struct {
	mu      sync.Mutex
	current Status
}

// NewMachine creates a state machine starting at uninitialized.
func NewMachine() *Machine {
	return &Machine{current: StatusUninitialized}
}

// NewMachineAt creates a state machine restored to a known status, for
// environments loaded from the store.
func NewMachineAt(status Status) (*Machine, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	return &Machine{current: status}, nil
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to the given status if the transition is
// legal, returning a TransitionError otherwise. The status is unchanged on
// error.
func (m *Machine) Transition(to Status) error {
	if err := to.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.current] {
		if allowed == to {
			m.current = to
			return nil
		}
	}
	return &TransitionError{From: m.current, To: to}
}

// CanTransition reports whether moving to the given status would be legal.
func (m *Machine) CanTransition(to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.current] {
		if allowed == to {
			return true
		}
	}
	return false
}
