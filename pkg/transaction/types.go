package transaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pyrite-env/pyrite/pkg/syncengine"
)

// Operation is a single plan step tracked through execution.
type Operation struct {
	// Change is the plan step being executed.
	Change syncengine.SyncChange `json:"change"`

	// Status is the operation's execution state.
	Status OperationStatus `json:"status"`

	// Attempts counts forward execution attempts, including retries.
	Attempts int `json:"attempts"`

	// Error is the final error message when the operation failed.
	Error string `json:"error,omitempty"`

	// StartedAt is when the first attempt began.
	StartedAt time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the operation reached a final status.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RollbackEntry is a serializable inverse descriptor. An entry is
// appended to the rollback log when its forward operation succeeds; from
// that point the forward action counts as durable and rollback replays
// the log in reverse.
type RollbackEntry struct {
	// Index is the position of the forward operation in the plan.
	Index int `json:"index"`

	// Inverse is the change that undoes the forward operation.
	Inverse syncengine.SyncChange `json:"inverse"`

	// RecordedAt is when the entry was appended.
	RecordedAt time.Time `json:"recorded_at"`
}

// InverseChange computes the change that undoes a forward change.
func InverseChange(change syncengine.SyncChange) syncengine.SyncChange {
	switch change.Kind {
	case syncengine.ChangeInstall:
		return syncengine.SyncChange{
			Package: change.Package,
			Kind:    syncengine.ChangeRemove,
			From:    change.To,
		}
	case syncengine.ChangeRemove:
		return syncengine.SyncChange{
			Package: change.Package,
			Kind:    syncengine.ChangeInstall,
			To:      change.From,
		}
	case syncengine.ChangeUpgrade:
		return syncengine.SyncChange{
			Package: change.Package,
			Kind:    syncengine.ChangeDowngrade,
			From:    change.To,
			To:      change.From,
		}
	default: // downgrade
		return syncengine.SyncChange{
			Package: change.Package,
			Kind:    syncengine.ChangeUpgrade,
			From:    change.To,
			To:      change.From,
		}
	}
}

// Transaction tracks the execution of one sync plan against one
// environment.
type Transaction struct {
	// ID is the unique transaction identifier.
	ID string `json:"id"`

	// Environment is the environment being synchronized.
	Environment string `json:"environment"`

	// PlanID is the plan the transaction executes.
	PlanID string `json:"plan_id"`

	// BaseRevision is the snapshot revision the plan was computed against.
	BaseRevision int64 `json:"base_revision"`

	// Status is the transaction's lifecycle state.
	Status Status `json:"status"`

	// Operations are the plan steps in execution order.
	Operations []Operation `json:"operations"`

	// RollbackLog holds the inverse descriptors of applied operations, in
	// application order. Rollback replays it in reverse.
	RollbackLog []RollbackEntry `json:"rollback_log"`

	// Error is the failure message for rolled back or failed transactions.
	Error string `json:"error,omitempty"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the transaction reached a terminal status.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewTransaction creates a pending transaction for a plan.
func NewTransaction(plan *syncengine.SyncPlan) *Transaction {
	ops := make([]Operation, len(plan.Changes))
	for i, change := range plan.Changes {
		ops[i] = Operation{Change: change, Status: OpPending}
	}
	return &Transaction{
		ID:           uuid.New().String(),
		Environment:  plan.Environment,
		PlanID:       plan.ID,
		BaseRevision: plan.BaseRevision,
		Status:       StatusPending,
		Operations:   ops,
		RollbackLog:  make([]RollbackEntry, 0, len(ops)),
	}
}

// transition moves the transaction to the next status, enforcing the
// state machine.
func (t *Transaction) transition(next Status) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("illegal transaction transition from %s to %s", t.Status, next)
	}
	t.Status = next
	if next.IsTerminal() {
		t.FinishedAt = time.Now().UTC()
	}
	return nil
}

// Duration returns the wall-clock duration of the transaction, or the
// elapsed time so far if it has not finished.
func (t *Transaction) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
