package transaction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// OperationExecutor applies and undoes package changes against a live
// environment. Implementations classify their failures with this
// package's error constructors so the manager can decide what to retry.
type OperationExecutor interface {
	// Apply performs a forward change.
	Apply(ctx context.Context, environment string, change syncengine.SyncChange) error

	// Undo replays a recorded inverse descriptor.
	Undo(ctx context.Context, environment string, entry RollbackEntry) error
}

// MetadataStore persists environment snapshots. Replace is
// compare-and-swap on the revision: it must fail with a conflict error
// when the stored head revision differs from expectedRevision.
type MetadataStore interface {
	Head(ctx context.Context, name string) (envstate.Metadata, error)
	Replace(ctx context.Context, name string, expectedRevision int64, next envstate.Metadata) error
}

// StatusSink receives environment health signals from the manager.
type StatusSink interface {
	// MarkDegraded flags an environment whose rollback failed.
	MarkDegraded(ctx context.Context, environment, reason string) error
}

// HistoryStore persists finished transactions for later inspection.
type HistoryStore interface {
	SaveTransaction(ctx context.Context, tx *Transaction) error
}

// Config tunes transaction execution.
type Config struct {
	// MaxRetries is the number of retries per operation for transient
	// failures. Zero means no retries.
	MaxRetries int

	// RetryBaseDelay is the backoff base delay.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration
}

// DefaultConfig returns the default execution configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  time.Minute,
	}
}

// Manager executes sync transactions with per-environment exclusivity.
type Manager struct {
	store    MetadataStore
	executor OperationExecutor
	statuses StatusSink
	history  HistoryStore
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	cfg      Config

	mu    sync.Mutex
	slots map[string]bool
}

// NewManager creates a transaction manager. statuses, history, metrics,
// and events may be nil.
func NewManager(store MetadataStore, executor OperationExecutor, statuses StatusSink, history HistoryStore, logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher, cfg Config) *Manager {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Minute
	}
	return &Manager{
		store:    store,
		executor: executor,
		statuses: statuses,
		history:  history,
		logger:   logger.NewComponentLogger("transaction"),
		metrics:  metrics,
		events:   events,
		cfg:      cfg,
		slots:    make(map[string]bool),
	}
}

// ActiveEnvironments returns the environments currently holding a sync
// slot, sorted.
func (m *Manager) ActiveEnvironments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a plan to completion. Exactly one transaction may run per
// environment; a second caller fails fast with an environment-busy
// error rather than queueing.
//
// The returned transaction records what happened even when Execute
// returns an error.
func (m *Manager) Execute(ctx context.Context, plan *syncengine.SyncPlan, allowErrorOverride bool) (*Transaction, error) {
	if plan == nil {
		return nil, NewPermanentError("nil plan", nil)
	}
	if plan.Validation.Blocking(allowErrorOverride) {
		return nil, NewPermanentError("plan has blocking validation issues", nil).
			WithCode(CodeBlockedPlan).WithEnvironment(plan.Environment)
	}

	if !m.acquire(plan.Environment) {
		return nil, NewConflictError(fmt.Sprintf("environment %s has a sync in progress", plan.Environment), nil).
			WithCode(CodeEnvironmentBusy).WithEnvironment(plan.Environment)
	}
	defer m.release(plan.Environment)

	if m.metrics != nil {
		m.metrics.SyncStarted()
		defer m.metrics.SyncFinished()
	}

	head, err := m.store.Head(ctx, plan.Environment)
	if err != nil {
		return nil, NewPermanentError("loading environment snapshot", err).
			WithEnvironment(plan.Environment)
	}
	if head.Revision != plan.BaseRevision {
		return nil, NewConflictError(
			fmt.Sprintf("environment modified since planning: plan base revision %d, head revision %d",
				plan.BaseRevision, head.Revision), nil).
			WithCode(CodeStaleRevision).WithEnvironment(plan.Environment)
	}

	tx := NewTransaction(plan)
	tx.StartedAt = time.Now().UTC()
	logger := m.logger.WithEnvironment(plan.Environment).WithTransactionID(tx.ID)

	if err := tx.transition(StatusStaging); err != nil {
		return tx, NewPermanentError("starting transaction", err)
	}
	if m.events != nil {
		m.events.PublishSyncStarted(tx.ID, tx.Environment, len(tx.Operations))
	}
	logger.Infof("Staging %d operations", len(tx.Operations))

	for i := range tx.Operations {
		if err := m.applyOperation(ctx, tx, i); err != nil {
			return tx, m.rollback(ctx, tx, logger, err)
		}
	}

	if err := tx.transition(StatusCommitting); err != nil {
		return tx, m.rollback(ctx, tx, logger, NewPermanentError("committing transaction", err))
	}

	if len(tx.Operations) > 0 {
		next := head.WithPackages(syncengine.ApplyChanges(head, plan.Changes))
		if err := m.store.Replace(ctx, plan.Environment, plan.BaseRevision, next); err != nil {
			return tx, m.rollback(ctx, tx, logger, NewConflictError("replacing environment snapshot", err).
				WithCode(CodeStaleRevision).WithEnvironment(plan.Environment))
		}
	}

	if err := tx.transition(StatusCommitted); err != nil {
		return tx, NewPermanentError("finalizing transaction", err)
	}
	m.recordTransaction("committed", tx.Duration())
	m.saveHistory(ctx, tx)
	if m.events != nil {
		m.events.PublishSyncCommitted(tx.ID, tx.Environment, tx.Duration())
	}
	logger.Infof("Transaction committed in %s", tx.Duration())
	return tx, nil
}

// saveHistory persists a terminal transaction. Persistence is
// best-effort: a failed save is logged and never changes the sync
// outcome.
func (m *Manager) saveHistory(ctx context.Context, tx *Transaction) {
	if m.history == nil {
		return
	}
	if err := m.history.SaveTransaction(context.WithoutCancel(ctx), tx); err != nil {
		m.logger.WithError(err).WithTransactionID(tx.ID).WithEnvironment(tx.Environment).
			Warn("Failed to persist transaction history")
	}
}

// applyOperation runs one forward operation with transient-only retry.
// On success the inverse descriptor is appended to the rollback log
// before the operation is marked applied; only then does the forward
// action count as durable.
func (m *Manager) applyOperation(ctx context.Context, tx *Transaction, index int) error {
	op := &tx.Operations[index]
	op.StartedAt = time.Now().UTC()

	var err error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		op.Attempts++
		err = m.executor.Apply(ctx, tx.Environment, op.Change)
		if err == nil {
			break
		}
		if !IsTransient(err) {
			break
		}
		if attempt >= m.cfg.MaxRetries {
			break
		}

		delay := m.backoff(attempt)
		m.logger.WithTransactionID(tx.ID).WithPackage(op.Change.Package).
			Warnf("Retrying %s after transient failure in %s (attempt %d/%d)",
				op.Change.Kind, delay, attempt+1, m.cfg.MaxRetries)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = NewPermanentError("operation canceled", ctx.Err()).WithPackage(op.Change.Package)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		op.Status = OpFailed
		op.Error = err.Error()
		op.FinishedAt = time.Now().UTC()
		m.recordOperation(op, "failed")
		if m.events != nil {
			m.events.PublishOperationFailed(tx.ID, tx.Environment, op.Change.Package, string(op.Change.Kind), err.Error())
		}
		var classified *Error
		if !errors.As(err, &classified) {
			err = NewPermanentError("operation failed", err).WithPackage(op.Change.Package)
		}
		return err
	}

	tx.RollbackLog = append(tx.RollbackLog, RollbackEntry{
		Index:      index,
		Inverse:    InverseChange(op.Change),
		RecordedAt: time.Now().UTC(),
	})
	op.Status = OpApplied
	op.FinishedAt = time.Now().UTC()
	m.recordOperation(op, "applied")
	if m.events != nil {
		m.events.PublishOperationCompleted(tx.ID, tx.Environment, op.Change.Package, string(op.Change.Kind), op.FinishedAt.Sub(op.StartedAt))
	}
	return nil
}

// rollback replays the rollback log in reverse. An undo failure leaves
// the environment in an unknown state: the transaction is marked failed
// and the environment degraded.
func (m *Manager) rollback(ctx context.Context, tx *Transaction, logger *telemetry.Logger, cause error) error {
	tx.Error = cause.Error()
	if err := tx.transition(StatusRollingBack); err != nil {
		return cause
	}
	logger.Warnf("Rolling back %d applied operations: %v", len(tx.RollbackLog), cause)

	// The live environment may be gone mid-rollback; use a fresh context
	// so cancellation of the request does not strand applied changes.
	undoCtx := context.WithoutCancel(ctx)

	for i := len(tx.RollbackLog) - 1; i >= 0; i-- {
		entry := tx.RollbackLog[i]
		if err := m.executor.Undo(undoCtx, tx.Environment, entry); err != nil {
			tx.Operations[entry.Index].Status = OpFailed
			tx.Error = fmt.Sprintf("%s; rollback failed: %v", tx.Error, err)
			_ = tx.transition(StatusFailed)
			m.recordRollback("failed")
			m.recordTransaction("failed", tx.Duration())
			m.saveHistory(ctx, tx)
			if m.events != nil {
				m.events.PublishSyncFailed(tx.ID, tx.Environment, tx.Error)
			}
			if m.statuses != nil {
				if derr := m.statuses.MarkDegraded(undoCtx, tx.Environment, tx.Error); derr != nil {
					logger.WithError(derr).Error("Failed to mark environment degraded")
				}
			}
			logger.WithError(err).Error("Rollback failed, environment degraded")
			return NewPermanentError("rollback failed, environment needs intervention", err).
				WithCode(CodeRollbackFailed).WithEnvironment(tx.Environment).WithPackage(entry.Inverse.Package)
		}
		tx.Operations[entry.Index].Status = OpRolledBack
	}

	_ = tx.transition(StatusRolledBack)
	m.recordRollback("succeeded")
	m.recordTransaction("rolled_back", tx.Duration())
	m.saveHistory(ctx, tx)
	if m.events != nil {
		m.events.PublishSyncRolledBack(tx.ID, tx.Environment, cause.Error())
	}
	logger.Info("Rollback complete, environment restored")
	return cause
}

// backoff calculates exponential backoff with jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := time.Duration(float64(m.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt)))
	if delay > m.cfg.RetryMaxDelay {
		delay = m.cfg.RetryMaxDelay
	}

	// Add jitter (±25%)
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay*3/4 + jitter
}

func (m *Manager) acquire(environment string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[environment] {
		return false
	}
	m.slots[environment] = true
	return true
}

func (m *Manager) release(environment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, environment)
}

func (m *Manager) recordOperation(op *Operation, status string) {
	if m.metrics != nil {
		m.metrics.RecordOperation(string(op.Change.Kind), status, op.FinishedAt.Sub(op.StartedAt))
	}
}

func (m *Manager) recordTransaction(status string, d time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordTransaction(status, d)
	}
}

func (m *Manager) recordRollback(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordRollback(outcome)
	}
}
