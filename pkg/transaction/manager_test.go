package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
)

func vptr(t *testing.T, s string) *pyver.Version {
	t.Helper()
	v := pyver.MustParse(s)
	return &v
}

// fakeStore is an in-memory MetadataStore with CAS semantics.
type fakeStore struct {
	mu       sync.Mutex
	head     envstate.Metadata
	replaced int
}

func newFakeStore(t *testing.T, packages map[string]string) *fakeStore {
	t.Helper()
	pinned := make(map[string]pyver.Version, len(packages))
	for name, v := range packages {
		pinned[name] = pyver.MustParse(v)
	}
	meta := envstate.NewMetadata("testenv", pyver.MustParse("3.11.0"))
	return &fakeStore{head: meta.WithPackages(pinned)}
}

func (s *fakeStore) Head(_ context.Context, _ string) (envstate.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head.Clone(), nil
}

func (s *fakeStore) Replace(_ context.Context, _ string, expectedRevision int64, next envstate.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head.Revision != expectedRevision {
		return NewConflictError("revision mismatch", nil).WithCode(CodeStaleRevision)
	}
	s.head = next.Clone()
	s.replaced++
	return nil
}

// fakeExecutor scripts per-package failures.
type fakeExecutor struct {
	mu sync.Mutex

	applied []string
	undone  []string

	// failApply maps package name to the error every Apply returns.
	failApply map[string]error

	// transientUntil maps package name to the number of attempts that fail
	// transiently before succeeding.
	transientUntil map[string]int
	attempts       map[string]int

	// failUndo maps package name to the error Undo returns.
	failUndo map[string]error

	// block, when set, holds Apply until released.
	block chan struct{}
}

func (e *fakeExecutor) Apply(_ context.Context, _ string, change syncengine.SyncChange) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempts == nil {
		e.attempts = make(map[string]int)
	}
	e.attempts[change.Package]++

	if n, ok := e.transientUntil[change.Package]; ok && e.attempts[change.Package] <= n {
		return NewTransientError("index timeout", nil).WithPackage(change.Package)
	}
	if err, ok := e.failApply[change.Package]; ok {
		return err
	}
	e.applied = append(e.applied, change.String())
	return nil
}

func (e *fakeExecutor) Undo(_ context.Context, _ string, entry RollbackEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.failUndo[entry.Inverse.Package]; ok {
		return err
	}
	e.undone = append(e.undone, entry.Inverse.String())
	return nil
}

// degradedSink records MarkDegraded calls.
type degradedSink struct {
	mu    sync.Mutex
	calls []string
}

func (d *degradedSink) MarkDegraded(_ context.Context, environment, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, environment)
	return nil
}

// fakeHistory records saved transactions.
type fakeHistory struct {
	mu    sync.Mutex
	saved []*Transaction
	err   error
}

func (h *fakeHistory) SaveTransaction(_ context.Context, tx *Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.saved = append(h.saved, tx)
	return nil
}

func testPlan(t *testing.T, baseRevision int64, changes ...syncengine.SyncChange) *syncengine.SyncPlan {
	t.Helper()
	return &syncengine.SyncPlan{
		ID:           "plan-1",
		Environment:  "testenv",
		BaseRevision: baseRevision,
		Strategy:     syncengine.StrategyAggressive,
		Changes:      changes,
		CreatedAt:    time.Now().UTC(),
	}
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestExecuteCommit(t *testing.T) {
	store := newFakeStore(t, nil)
	exec := &fakeExecutor{}
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
		syncengine.SyncChange{Package: "beta", Kind: syncengine.ChangeInstall, To: vptr(t, "2.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if tx.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", tx.Status)
	}
	if len(tx.RollbackLog) != 2 {
		t.Errorf("expected 2 rollback entries, got %d", len(tx.RollbackLog))
	}
	for _, op := range tx.Operations {
		if op.Status != OpApplied {
			t.Errorf("operation %s should be applied, got %s", op.Change.Package, op.Status)
		}
	}

	head, _ := store.Head(context.Background(), "testenv")
	if head.Revision != plan.BaseRevision+1 {
		t.Errorf("commit should advance revision to %d, got %d", plan.BaseRevision+1, head.Revision)
	}
	if _, ok := head.Version("alpha"); !ok {
		t.Error("alpha missing from committed snapshot")
	}
	if _, ok := head.Version("beta"); !ok {
		t.Error("beta missing from committed snapshot")
	}
}

func TestExecuteRollbackOnFailure(t *testing.T) {
	store := newFakeStore(t, map[string]string{"gamma": "1.0.0"})
	baseRevision := store.head.Revision
	exec := &fakeExecutor{
		failApply: map[string]error{
			"beta": NewPermanentError("wheel build failed", nil).WithPackage("beta"),
		},
	}
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, baseRevision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
		syncengine.SyncChange{Package: "beta", Kind: syncengine.ChangeInstall, To: vptr(t, "2.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if tx.Status != StatusRolledBack {
		t.Errorf("expected rolled_back, got %s", tx.Status)
	}
	if tx.Operations[0].Status != OpRolledBack {
		t.Errorf("applied operation should be rolled back, got %s", tx.Operations[0].Status)
	}
	if tx.Operations[1].Status != OpFailed {
		t.Errorf("failing operation should be failed, got %s", tx.Operations[1].Status)
	}

	if len(exec.undone) != 1 {
		t.Fatalf("expected 1 undo, got %v", exec.undone)
	}
	if exec.undone[0] != "remove alpha==1.0.0" {
		t.Errorf("unexpected inverse replayed: %s", exec.undone[0])
	}

	// Snapshot untouched.
	head, _ := store.Head(context.Background(), "testenv")
	if head.Revision != baseRevision {
		t.Errorf("rolled back transaction must not advance the revision, got %d", head.Revision)
	}
	if store.replaced != 0 {
		t.Errorf("store should not have been written, got %d writes", store.replaced)
	}
}

func TestExecuteUndoFailureDegradesEnvironment(t *testing.T) {
	store := newFakeStore(t, nil)
	exec := &fakeExecutor{
		failApply: map[string]error{
			"beta": NewPermanentError("wheel build failed", nil),
		},
		failUndo: map[string]error{
			"alpha": NewPermanentError("uninstall failed", nil),
		},
	}
	sink := &degradedSink{}
	mgr := NewManager(store, exec, sink, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
		syncengine.SyncChange{Package: "beta", Kind: syncengine.ChangeInstall, To: vptr(t, "2.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if !IsRollbackFailed(err) {
		t.Fatalf("expected rollback failed error, got %v", err)
	}
	if tx.Status != StatusFailed {
		t.Errorf("expected failed, got %s", tx.Status)
	}
	if len(sink.calls) != 1 || sink.calls[0] != "testenv" {
		t.Errorf("environment should be marked degraded, got %v", sink.calls)
	}
}

func TestExecuteSavesCommittedTransaction(t *testing.T) {
	store := newFakeStore(t, nil)
	history := &fakeHistory{}
	mgr := NewManager(store, &fakeExecutor{}, nil, history, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(history.saved) != 1 {
		t.Fatalf("expected 1 saved transaction, got %d", len(history.saved))
	}
	if history.saved[0].ID != tx.ID || history.saved[0].Status != StatusCommitted {
		t.Errorf("saved transaction should be the committed one, got %s (%s)",
			history.saved[0].ID, history.saved[0].Status)
	}
}

func TestExecuteSavesRolledBackTransaction(t *testing.T) {
	store := newFakeStore(t, nil)
	history := &fakeHistory{}
	exec := &fakeExecutor{
		failApply: map[string]error{
			"beta": NewPermanentError("wheel build failed", nil),
		},
	}
	mgr := NewManager(store, exec, nil, history, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
		syncengine.SyncChange{Package: "beta", Kind: syncengine.ChangeInstall, To: vptr(t, "2.0.0")},
	)

	if _, err := mgr.Execute(context.Background(), plan, false); err == nil {
		t.Fatal("expected execution error")
	}
	if len(history.saved) != 1 {
		t.Fatalf("expected 1 saved transaction, got %d", len(history.saved))
	}
	if history.saved[0].Status != StatusRolledBack {
		t.Errorf("expected rolled_back in history, got %s", history.saved[0].Status)
	}
}

func TestExecuteHistorySaveFailureDoesNotChangeOutcome(t *testing.T) {
	store := newFakeStore(t, nil)
	history := &fakeHistory{err: errors.New("disk full")}
	mgr := NewManager(store, &fakeExecutor{}, nil, history, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("history failures must not fail the sync: %v", err)
	}
	if tx.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", tx.Status)
	}
}

func TestExecuteEnvironmentBusy(t *testing.T) {
	store := newFakeStore(t, nil)
	release := make(chan struct{})
	exec := &fakeExecutor{block: release}
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := mgr.Execute(context.Background(), plan, false); err != nil {
			t.Errorf("first execution failed: %v", err)
		}
	}()

	// Wait for the first transaction to take the slot.
	deadline := time.After(2 * time.Second)
	for len(mgr.ActiveEnvironments()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first transaction never acquired the slot")
		case <-time.After(time.Millisecond):
		}
	}

	second := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "beta", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)
	if _, err := mgr.Execute(context.Background(), second, false); !IsEnvironmentBusy(err) {
		t.Errorf("expected environment busy error, got %v", err)
	}

	close(release)
	<-done

	if len(mgr.ActiveEnvironments()) != 0 {
		t.Error("slot should be released after execution")
	}
}

func TestExecuteTransientRetrySucceeds(t *testing.T) {
	store := newFakeStore(t, nil)
	exec := &fakeExecutor{
		transientUntil: map[string]int{"alpha": 2},
	}
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if tx.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", tx.Status)
	}
	if tx.Operations[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", tx.Operations[0].Attempts)
	}
}

func TestExecuteTransientRetryExhausted(t *testing.T) {
	store := newFakeStore(t, nil)
	exec := &fakeExecutor{
		transientUntil: map[string]int{"alpha": 100},
	}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, cfg)

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if !IsTransient(err) {
		t.Fatalf("expected transient error after exhausting retries, got %v", err)
	}
	if tx.Status != StatusRolledBack {
		t.Errorf("expected rolled_back, got %s", tx.Status)
	}
	if tx.Operations[0].Attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", tx.Operations[0].Attempts)
	}
}

func TestExecutePermanentErrorNotRetried(t *testing.T) {
	store := newFakeStore(t, nil)
	exec := &fakeExecutor{
		failApply: map[string]error{
			"alpha": NewPermanentError("no matching distribution", nil),
		},
	}
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	tx, _ := mgr.Execute(context.Background(), plan, false)
	if tx.Operations[0].Attempts != 1 {
		t.Errorf("permanent errors must not be retried, got %d attempts", tx.Operations[0].Attempts)
	}
}

func TestExecuteStaleRevision(t *testing.T) {
	store := newFakeStore(t, nil)
	exec := &fakeExecutor{}
	mgr := NewManager(store, exec, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision+5,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)

	if _, err := mgr.Execute(context.Background(), plan, false); !IsStaleRevision(err) {
		t.Fatalf("expected stale revision error, got %v", err)
	}
	if len(exec.applied) != 0 {
		t.Error("no operations should run against a stale snapshot")
	}
}

func TestExecuteBlockedPlanRefused(t *testing.T) {
	store := newFakeStore(t, nil)
	mgr := NewManager(store, &fakeExecutor{}, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)
	plan.Validation = syncengine.SyncValidation{Issues: []syncengine.ValidationIssue{
		{Severity: syncengine.SeverityFatal, Code: "X", Message: "nope"},
	}}

	_, err := mgr.Execute(context.Background(), plan, true)
	if err == nil {
		t.Fatal("expected error for blocked plan")
	}
	var terr *Error
	if !errors.As(err, &terr) || terr.Code != CodeBlockedPlan {
		t.Errorf("expected blocked plan code, got %v", err)
	}
}

func TestExecuteErrorOverride(t *testing.T) {
	store := newFakeStore(t, nil)
	mgr := NewManager(store, &fakeExecutor{}, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision,
		syncengine.SyncChange{Package: "alpha", Kind: syncengine.ChangeInstall, To: vptr(t, "1.0.0")},
	)
	plan.Validation = syncengine.SyncValidation{Issues: []syncengine.ValidationIssue{
		{Severity: syncengine.SeverityError, Code: "X", Message: "risky"},
	}}

	if _, err := mgr.Execute(context.Background(), plan, false); err == nil {
		t.Fatal("error-severity issues should block without override")
	}
	if tx, err := mgr.Execute(context.Background(), plan, true); err != nil || tx.Status != StatusCommitted {
		t.Fatalf("override should let the plan through, got %v (%v)", err, tx)
	}
}

func TestExecuteEmptyPlan(t *testing.T) {
	store := newFakeStore(t, map[string]string{"alpha": "1.0.0"})
	mgr := NewManager(store, &fakeExecutor{}, nil, nil, nil, nil, nil, fastConfig())

	plan := testPlan(t, store.head.Revision)

	tx, err := mgr.Execute(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if tx.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", tx.Status)
	}
	if store.replaced != 0 {
		t.Errorf("empty plan must not write the store, got %d writes", store.replaced)
	}
}

func TestInverseChange(t *testing.T) {
	v1 := vptr(t, "1.0.0")
	v2 := vptr(t, "2.0.0")

	tests := []struct {
		name    string
		forward syncengine.SyncChange
		want    syncengine.SyncChange
	}{
		{
			name:    "install inverts to remove",
			forward: syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeInstall, To: v1},
			want:    syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeRemove, From: v1},
		},
		{
			name:    "remove inverts to install",
			forward: syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeRemove, From: v1},
			want:    syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeInstall, To: v1},
		},
		{
			name:    "upgrade inverts to downgrade",
			forward: syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeUpgrade, From: v1, To: v2},
			want:    syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeDowngrade, From: v2, To: v1},
		},
		{
			name:    "downgrade inverts to upgrade",
			forward: syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeDowngrade, From: v2, To: v1},
			want:    syncengine.SyncChange{Package: "p", Kind: syncengine.ChangeUpgrade, From: v1, To: v2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InverseChange(tt.forward)
			if got.String() != tt.want.String() {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusStaging},
		{StatusStaging, StatusCommitting},
		{StatusStaging, StatusRollingBack},
		{StatusCommitting, StatusCommitted},
		{StatusCommitting, StatusRollingBack},
		{StatusRollingBack, StatusRolledBack},
		{StatusRollingBack, StatusFailed},
	}
	for _, pair := range legal {
		if !pair[0].CanTransition(pair[1]) {
			t.Errorf("transition %s -> %s should be legal", pair[0], pair[1])
		}
	}

	illegal := [][2]Status{
		{StatusPending, StatusCommitted},
		{StatusCommitted, StatusStaging},
		{StatusRolledBack, StatusStaging},
		{StatusFailed, StatusPending},
		{StatusStaging, StatusCommitted},
	}
	for _, pair := range illegal {
		if pair[0].CanTransition(pair[1]) {
			t.Errorf("transition %s -> %s should be illegal", pair[0], pair[1])
		}
	}
}
