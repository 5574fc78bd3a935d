// Package transaction executes sync plans atomically: every change in a
// plan applies, or the environment is rolled back to its prior snapshot.
package transaction

import (
	"fmt"
)

// Status represents the lifecycle state of a sync transaction.
type Status string

const (
	// StatusPending means the transaction has been created but not started.
	StatusPending Status = "pending"

	// StatusStaging means forward operations are being applied.
	StatusStaging Status = "staging"

	// StatusCommitting means all operations applied and the new snapshot is
	// being written.
	StatusCommitting Status = "committing"

	// StatusCommitted means the transaction completed and the snapshot was
	// replaced.
	StatusCommitted Status = "committed"

	// StatusRollingBack means a failure occurred and recorded inverse
	// operations are being replayed.
	StatusRollingBack Status = "rolling_back"

	// StatusRolledBack means rollback completed and the environment is back
	// at its prior snapshot.
	StatusRolledBack Status = "rolled_back"

	// StatusFailed means the transaction failed and rollback could not
	// restore the prior snapshot. The environment needs intervention.
	StatusFailed Status = "failed"
)

// statusTransitions defines the legal transaction state changes.
var statusTransitions = map[Status][]Status{
	StatusPending:     {StatusStaging, StatusFailed},
	StatusStaging:     {StatusCommitting, StatusRollingBack},
	StatusCommitting:  {StatusCommitted, StatusRollingBack},
	StatusRollingBack: {StatusRolledBack, StatusFailed},
	StatusCommitted:   {},
	StatusRolledBack:  {},
	StatusFailed:      {},
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	if _, ok := statusTransitions[s]; !ok {
		return fmt.Errorf("invalid transaction status: %s", s)
	}
	return nil
}

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed
}

// CanTransition reports whether a transition from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OperationStatus tracks a single plan step inside a transaction.
type OperationStatus string

const (
	// OpPending means the operation has not been attempted.
	OpPending OperationStatus = "pending"

	// OpApplied means the forward action succeeded and its inverse is in
	// the rollback log.
	OpApplied OperationStatus = "applied"

	// OpFailed means the forward action failed after exhausting retries.
	OpFailed OperationStatus = "failed"

	// OpRolledBack means the operation's inverse was replayed.
	OpRolledBack OperationStatus = "rolled_back"
)
