package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pyrite-env/pyrite/pkg/cache"
	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/stores"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

// fakeExecutor mirrors applied changes into an in-memory installed-set
// per environment so drift checks behave like a real interpreter tree.
type fakeExecutor struct {
	mu        sync.Mutex
	applied   []string
	undone    []string
	removed   []string
	installed map[string]map[string]pyver.Version
	applyErr  map[string]error
	createErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		installed: make(map[string]map[string]pyver.Version),
		applyErr:  make(map[string]error),
	}
}

func (f *fakeExecutor) Apply(ctx context.Context, environment string, change syncengine.SyncChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.applyErr[change.Package]; err != nil {
		return err
	}
	f.applied = append(f.applied, change.String())
	f.mutate(environment, change)
	return nil
}

func (f *fakeExecutor) Undo(ctx context.Context, environment string, entry transaction.RollbackEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undone = append(f.undone, entry.Inverse.String())
	f.mutate(environment, entry.Inverse)
	return nil
}

func (f *fakeExecutor) mutate(environment string, change syncengine.SyncChange) {
	packages := f.installed[environment]
	if packages == nil {
		packages = make(map[string]pyver.Version)
		f.installed[environment] = packages
	}
	if change.Kind == syncengine.ChangeRemove {
		delete(packages, change.Package)
		return
	}
	packages[change.Package] = *change.To
}

func (f *fakeExecutor) CreateEnvironment(ctx context.Context, name string, interpreter pyver.Version) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[name] = make(map[string]pyver.Version)
	return nil
}

func (f *fakeExecutor) RemoveEnvironment(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.installed, name)
	return nil
}

func (f *fakeExecutor) InstalledPackages(ctx context.Context, environment string) (map[string]pyver.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]pyver.Version, len(f.installed[environment]))
	for name, v := range f.installed[environment] {
		out[name] = v
	}
	return out, nil
}

func (f *fakeExecutor) appliedChanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func newTestService(t *testing.T) (*Service, *fakeExecutor, *resolver.StaticProvider, stores.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "pyrite.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := resolver.NewStaticProvider()
	graphCache := cache.NewGraphCache(cache.NewMemoryCache(), time.Hour, nil, nil)
	res := resolver.New(provider, graphCache, nil, nil, resolver.Config{})
	engine := syncengine.New(nil, nil)
	executor := newFakeExecutor()

	sink := &statusRecorder{store: store, logger: telemetry.NopLogger()}
	manager := transaction.NewManager(store, executor, sink, store, nil, nil, nil, transaction.Config{
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})

	svc := NewService(store, res, engine, manager, executor, nil, nil, nil, "test")
	return svc, executor, provider, store
}

func startEnvironment(t *testing.T, svc *Service, name string) {
	t.Helper()
	if _, err := svc.Start(context.Background(), StartParams{Name: name, Interpreter: "3.12.0"}); err != nil {
		t.Fatalf("Start(%s) error = %v", name, err)
	}
}

func mustVersion(t *testing.T, s string) pyver.Version {
	t.Helper()
	v, err := pyver.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%s) error = %v", s, err)
	}
	return v
}

func addFlaskIndex(t *testing.T, provider *resolver.StaticProvider) {
	t.Helper()
	provider.AddVersion("jinja2", mustVersion(t, "3.1.2"))
	provider.AddVersion("flask", mustVersion(t, "3.0.0"),
		pyver.NewRequirement("jinja2", pyver.MustParseConstraint(">=3.0.0")))
}

func TestStartCreatesActiveEnvironment(t *testing.T) {
	svc, _, _, store := newTestService(t)
	ctx := context.Background()

	result, err := svc.Start(ctx, StartParams{Name: "webapp", Interpreter: "3.12.0"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Environment.Status != string(envstate.StatusActive) {
		t.Errorf("status = %s, want active", result.Environment.Status)
	}

	rec, err := store.GetEnvironment(ctx, "webapp")
	if err != nil {
		t.Fatalf("GetEnvironment() error = %v", err)
	}
	if rec.Status != envstate.StatusActive {
		t.Errorf("stored status = %s, want active", rec.Status)
	}

	if _, err := svc.Start(ctx, StartParams{Name: "webapp", Interpreter: "3.12.0"}); !errors.Is(err, stores.ErrAlreadyExists) {
		t.Errorf("duplicate Start() error = %v, want ErrAlreadyExists", err)
	}
}

func TestStartMarksFailedOnInitError(t *testing.T) {
	svc, executor, _, store := newTestService(t)
	executor.createErr = errors.New("venv exploded")

	if _, err := svc.Start(context.Background(), StartParams{Name: "webapp", Interpreter: "3.12.0"}); err == nil {
		t.Fatal("Start() should fail when initialization fails")
	}

	rec, err := store.GetEnvironment(context.Background(), "webapp")
	if err != nil {
		t.Fatalf("GetEnvironment() error = %v", err)
	}
	if rec.Status != envstate.StatusFailed {
		t.Errorf("stored status = %s, want failed", rec.Status)
	}
}

func TestStartRejectsBadInterpreter(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.Start(context.Background(), StartParams{Name: "webapp", Interpreter: "py3"}); err == nil {
		t.Error("Start() should reject an unparsable interpreter version")
	}
}

func TestSyncInstallsResolvedSet(t *testing.T) {
	svc, executor, provider, store := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	startEnvironment(t, svc, "webapp")

	result, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Status != "committed" {
		t.Errorf("status = %s, want committed", result.Status)
	}
	if result.Revision != 1 {
		t.Errorf("revision = %d, want 1", result.Revision)
	}

	head, err := store.Head(ctx, "webapp")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if got := head.Packages["flask"]; !got.Equal(mustVersion(t, "3.0.0")) {
		t.Errorf("flask = %s, want 3.0.0", got)
	}
	if got := head.Packages["jinja2"]; !got.Equal(mustVersion(t, "3.1.2")) {
		t.Errorf("jinja2 = %s, want 3.1.2", got)
	}

	if applied := executor.appliedChanges(); len(applied) != 2 {
		t.Errorf("applied = %v, want 2 installs", applied)
	}
}

func TestSyncUpToDate(t *testing.T) {
	svc, executor, provider, _ := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	startEnvironment(t, svc, "webapp")

	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}}); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	before := len(executor.appliedChanges())

	result, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}})
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if result.Status != "up-to-date" {
		t.Errorf("status = %s, want up-to-date", result.Status)
	}
	if after := len(executor.appliedChanges()); after != before {
		t.Errorf("second sync applied %d changes", after-before)
	}
}

func TestSyncUnknownEnvironment(t *testing.T) {
	svc, _, provider, _ := newTestService(t)
	addFlaskIndex(t, provider)

	_, err := svc.Sync(context.Background(), SyncParams{Name: "ghost", Requirements: []string{"flask"}})
	if !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("Sync() error = %v, want ErrNotFound", err)
	}
}

func TestSyncRejectsFailedEnvironment(t *testing.T) {
	svc, executor, provider, store := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	executor.createErr = errors.New("venv exploded")
	svc.Start(ctx, StartParams{Name: "webapp", Interpreter: "3.12.0"})

	_, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask"}})
	if err == nil || !strings.Contains(err.Error(), "cannot sync") {
		t.Errorf("Sync() error = %v, want refusal", err)
	}

	rec, _ := store.GetEnvironment(ctx, "webapp")
	if rec.Status != envstate.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

func TestSyncRejectsInvalidRequirement(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	startEnvironment(t, svc, "webapp")

	if _, err := svc.Sync(context.Background(), SyncParams{Name: "webapp", Requirements: []string{"flask =="}}); err == nil {
		t.Error("Sync() should reject an unparsable requirement")
	}
	if _, err := svc.Sync(context.Background(), SyncParams{Name: "webapp"}); err == nil {
		t.Error("Sync() should reject an empty requirement set")
	}
}

func TestSyncRollsBackOnApplyFailure(t *testing.T) {
	svc, executor, provider, store := newTestService(t)
	ctx := context.Background()
	provider.AddVersion("good", mustVersion(t, "1.0.0"))
	provider.AddVersion("broken", mustVersion(t, "1.0.0"))
	executor.applyErr["broken"] = transaction.NewPermanentError("wheel build failed", nil)
	startEnvironment(t, svc, "webapp")

	result, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"broken", "good"}})
	if err == nil {
		t.Fatal("Sync() should fail when an operation fails permanently")
	}
	if result != nil && result.Status != "rolled_back" {
		t.Errorf("status = %s, want rolled_back", result.Status)
	}

	rec, getErr := store.GetEnvironment(ctx, "webapp")
	if getErr != nil {
		t.Fatalf("GetEnvironment() error = %v", getErr)
	}
	if rec.Status != envstate.StatusActive {
		t.Errorf("status after rollback = %s, want active", rec.Status)
	}
	if rec.Metadata.Revision != 0 {
		t.Errorf("revision after rollback = %d, want 0", rec.Metadata.Revision)
	}

	installed, _ := executor.InstalledPackages(ctx, "webapp")
	if len(installed) != 0 {
		t.Errorf("installed after rollback = %v, want empty", installed)
	}
}

func TestCheckReportsDrift(t *testing.T) {
	svc, executor, provider, _ := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	startEnvironment(t, svc, "webapp")
	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	result, err := svc.Check(ctx, CheckParams{Name: "webapp"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.InSync {
		t.Errorf("fresh environment drift = %v", result.Drift)
	}

	// Tamper with the environment behind the daemon's back.
	executor.mu.Lock()
	executor.installed["webapp"]["jinja2"] = mustVersion(t, "2.0.0")
	delete(executor.installed["webapp"], "flask")
	executor.installed["webapp"]["requests"] = mustVersion(t, "2.31.0")
	executor.mu.Unlock()

	result, err = svc.Check(ctx, CheckParams{Name: "webapp"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.InSync {
		t.Fatal("Check() should report drift")
	}
	if len(result.Drift) != 3 {
		t.Errorf("drift = %v, want 3 findings", result.Drift)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	svc, _, provider, store := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	startEnvironment(t, svc, "webapp")
	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "webapp.json")
	saved, err := svc.Save(ctx, SaveParams{Name: "webapp", Path: path})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.Packages != 2 {
		t.Errorf("saved packages = %d, want 2", saved.Packages)
	}

	// Drift away from the snapshot, then restore it.
	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"jinja2>=3.0.0"}, Strategy: "aggressive"}); err != nil {
		t.Fatalf("drift Sync() error = %v", err)
	}

	result, err := svc.Load(ctx, LoadParams{Name: "webapp", Path: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if result.Status != "committed" {
		t.Errorf("load status = %s", result.Status)
	}

	head, err := store.Head(ctx, "webapp")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if got := head.Packages["flask"]; !got.Equal(mustVersion(t, "3.0.0")) {
		t.Errorf("flask after load = %s, want 3.0.0", got)
	}
}

func TestLoadRepairsDegradedEnvironment(t *testing.T) {
	svc, _, provider, store := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	startEnvironment(t, svc, "webapp")
	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "webapp.json")
	if _, err := svc.Save(ctx, SaveParams{Name: "webapp", Path: path}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := store.UpdateEnvironmentStatus(ctx, "webapp", envstate.StatusDegraded); err != nil {
		t.Fatalf("UpdateEnvironmentStatus() error = %v", err)
	}
	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask"}}); err == nil {
		t.Fatal("Sync() should refuse a degraded environment")
	}

	if _, err := svc.Load(ctx, LoadParams{Name: "webapp", Path: path}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rec, err := store.GetEnvironment(ctx, "webapp")
	if err != nil {
		t.Fatalf("GetEnvironment() error = %v", err)
	}
	if rec.Status != envstate.StatusActive {
		t.Errorf("status after repair = %s, want active", rec.Status)
	}
}

func TestKillRemovesEnvironment(t *testing.T) {
	svc, executor, _, store := newTestService(t)
	ctx := context.Background()
	startEnvironment(t, svc, "webapp")

	result, err := svc.Kill(ctx, KillParams{Name: "webapp", RemoveFiles: true})
	if err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if !result.Removed {
		t.Error("Kill() should report files removed")
	}
	if len(executor.removed) != 1 || executor.removed[0] != "webapp" {
		t.Errorf("removed = %v", executor.removed)
	}
	if _, err := store.GetEnvironment(ctx, "webapp"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("GetEnvironment() after kill error = %v, want ErrNotFound", err)
	}

	if _, err := svc.Kill(ctx, KillParams{Name: "webapp"}); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("second Kill() error = %v, want ErrNotFound", err)
	}
}

func TestListAndStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	startEnvironment(t, svc, "api")
	startEnvironment(t, svc, "webapp")

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list.Environments) != 2 {
		t.Fatalf("environments = %d, want 2", len(list.Environments))
	}
	if list.Environments[0].Name != "api" || list.Environments[1].Name != "webapp" {
		t.Errorf("list order = %s, %s", list.Environments[0].Name, list.Environments[1].Name)
	}

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Version != "test" || status.Environments != 2 {
		t.Errorf("status = %+v", status)
	}
	if len(status.ActiveSyncs) != 0 {
		t.Errorf("active syncs = %v, want none", status.ActiveSyncs)
	}
}

func TestHistoryListsExecutedTransactions(t *testing.T) {
	svc, executor, provider, _ := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	provider.AddVersion("broken", mustVersion(t, "1.0.0"))
	executor.applyErr["broken"] = transaction.NewPermanentError("wheel build failed", nil)
	startEnvironment(t, svc, "webapp")

	committed, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0", "broken"}}); err == nil {
		t.Fatal("Sync() should fail when an operation fails permanently")
	}

	history, err := svc.History(ctx, HistoryParams{Name: "webapp"})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history.Transactions) != 2 {
		t.Fatalf("transactions = %d, want 2", len(history.Transactions))
	}
	if history.Transactions[0].Status != "rolled_back" {
		t.Errorf("newest status = %s, want rolled_back", history.Transactions[0].Status)
	}
	if history.Transactions[1].ID != committed.TransactionID || history.Transactions[1].Status != "committed" {
		t.Errorf("oldest = %s (%s), want committed transaction %s",
			history.Transactions[1].ID, history.Transactions[1].Status, committed.TransactionID)
	}

	limited, err := svc.History(ctx, HistoryParams{Name: "webapp", Limit: 1})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(limited.Transactions) != 1 {
		t.Errorf("limited transactions = %d, want 1", len(limited.Transactions))
	}

	if _, err := svc.History(ctx, HistoryParams{Name: "ghost"}); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("History() error = %v, want ErrNotFound", err)
	}
}

func TestExternalChangeBlocksSyncUntilOverridden(t *testing.T) {
	svc, _, provider, _ := newTestService(t)
	ctx := context.Background()
	addFlaskIndex(t, provider)
	startEnvironment(t, svc, "webapp")

	svc.MarkExternalChange("webapp")
	if !svc.hasExternalChange("webapp") {
		t.Fatal("external change flag should be set")
	}

	if _, err := svc.Sync(ctx, SyncParams{Name: "webapp", Requirements: []string{"flask>=3.0.0"}}); err == nil {
		t.Fatal("Sync() should refuse an externally modified environment")
	}

	result, err := svc.Sync(ctx, SyncParams{
		Name:               "webapp",
		Requirements:       []string{"flask>=3.0.0"},
		AllowErrorOverride: true,
	})
	if err != nil {
		t.Fatalf("overridden Sync() error = %v", err)
	}
	if result.Status != "committed" {
		t.Errorf("status = %s, want committed", result.Status)
	}
	if svc.hasExternalChange("webapp") {
		t.Error("successful sync should clear the external change flag")
	}
}
