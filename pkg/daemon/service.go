package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/stores"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

// defaultHistoryLimit bounds History responses when the client does not
// ask for a specific count.
const defaultHistoryLimit = 20

// EnvironmentExecutor extends the transaction executor with environment
// lifecycle operations. Satisfied by pip.Executor; tests use a fake.
type EnvironmentExecutor interface {
	transaction.OperationExecutor

	CreateEnvironment(ctx context.Context, name string, interpreter pyver.Version) error
	RemoveEnvironment(name string) error
	InstalledPackages(ctx context.Context, environment string) (map[string]pyver.Version, error)
}

// EnvironmentWatcher registers environments for external change
// detection as they come and go.
type EnvironmentWatcher interface {
	Watch(environment string) error
	Unwatch(environment string) error
}

// Service implements the daemon operations: each request maps to a
// resolve → plan → execute sequence over the shared components.
type Service struct {
	store    stores.Store
	resolver *resolver.Resolver
	engine   *syncengine.Engine
	manager  *transaction.Manager
	executor EnvironmentExecutor
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	version   string
	startedAt time.Time
	watcher   EnvironmentWatcher

	// externally-modified environments reported by the watcher, cleared
	// by the next successful sync or check.
	mu    sync.Mutex
	drift map[string]bool
}

// NewService wires the daemon operations over shared components.
// tracer, metrics, and logger may be nil.
func NewService(
	store stores.Store,
	res *resolver.Resolver,
	engine *syncengine.Engine,
	manager *transaction.Manager,
	executor EnvironmentExecutor,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	version string,
) *Service {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Service{
		store:     store,
		resolver:  res,
		engine:    engine,
		manager:   manager,
		executor:  executor,
		logger:    logger.NewComponentLogger("daemon"),
		metrics:   metrics,
		tracer:    tracer,
		version:   version,
		startedAt: time.Now(),
		drift:     make(map[string]bool),
	}
}

// SetWatcher attaches the external change watcher. Must be called
// before the service handles requests.
func (s *Service) SetWatcher(w EnvironmentWatcher) {
	s.watcher = w
}

// MarkDegraded implements transaction.StatusSink.
func (s *Service) MarkDegraded(ctx context.Context, environment, reason string) error {
	s.logger.WithEnvironment(environment).Error(fmt.Sprintf("Environment degraded: %s", reason))
	return s.store.UpdateEnvironmentStatus(ctx, environment, envstate.StatusDegraded)
}

// MarkExternalChange records that an environment was modified outside
// the daemon. The next check reports it; the next plan against a stale
// snapshot fails through the revision check.
func (s *Service) MarkExternalChange(environment string) {
	s.mu.Lock()
	s.drift[environment] = true
	s.mu.Unlock()
}

func (s *Service) clearExternalChange(environment string) {
	s.mu.Lock()
	delete(s.drift, environment)
	s.mu.Unlock()
}

func (s *Service) hasExternalChange(environment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drift[environment]
}

// transitionStatus validates and persists a status change through the
// state machine.
func (s *Service) transitionStatus(ctx context.Context, name string, from, to envstate.Status) error {
	machine, err := envstate.NewMachineAt(from)
	if err != nil {
		return err
	}
	if err := machine.Transition(to); err != nil {
		return err
	}
	return s.store.UpdateEnvironmentStatus(ctx, name, to)
}

// Start creates and activates a new environment.
func (s *Service) Start(ctx context.Context, params StartParams) (*StartResult, error) {
	interpreter, err := pyver.Parse(params.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("invalid interpreter version %q: %w", params.Interpreter, err)
	}

	meta := envstate.NewMetadata(params.Name, interpreter)
	rec := &stores.EnvironmentRecord{Metadata: meta, Status: envstate.StatusUninitialized}
	if err := s.store.CreateEnvironment(ctx, rec); err != nil {
		return nil, err
	}

	if err := s.executor.CreateEnvironment(ctx, params.Name, interpreter); err != nil {
		if serr := s.transitionStatus(ctx, params.Name, envstate.StatusUninitialized, envstate.StatusFailed); serr != nil {
			s.logger.WithError(serr).WithEnvironment(params.Name).Error("Failed to record failed initialization")
		}
		return nil, fmt.Errorf("initializing environment: %w", err)
	}

	if err := s.transitionStatus(ctx, params.Name, envstate.StatusUninitialized, envstate.StatusActive); err != nil {
		return nil, err
	}

	if s.watcher != nil {
		if err := s.watcher.Watch(params.Name); err != nil {
			s.logger.WithError(err).WithEnvironment(params.Name).Warn("External change detection unavailable")
		}
	}

	s.logger.WithEnvironment(params.Name).Info("Environment started")
	rec.Status = envstate.StatusActive
	return &StartResult{Environment: environmentInfo(rec)}, nil
}

// Kill deactivates an environment, optionally removing its files.
func (s *Service) Kill(ctx context.Context, params KillParams) (*KillResult, error) {
	for _, active := range s.manager.ActiveEnvironments() {
		if active == params.Name {
			return nil, transaction.NewConflictError("environment has a sync in progress", nil).
				WithCode(transaction.CodeEnvironmentBusy).WithEnvironment(params.Name)
		}
	}

	if _, err := s.store.GetEnvironment(ctx, params.Name); err != nil {
		return nil, err
	}

	removed := false
	if params.RemoveFiles {
		if err := s.executor.RemoveEnvironment(params.Name); err != nil {
			return nil, err
		}
		removed = true
	}
	if err := s.store.DeleteEnvironment(ctx, params.Name); err != nil {
		return nil, err
	}

	if s.watcher != nil {
		if err := s.watcher.Unwatch(params.Name); err != nil {
			s.logger.WithError(err).WithEnvironment(params.Name).Debug("Failed to stop watching environment")
		}
	}

	s.clearExternalChange(params.Name)
	s.logger.WithEnvironment(params.Name).Info("Environment killed")
	return &KillResult{Removed: removed}, nil
}

// Sync resolves a requirement set and converges the environment on it.
func (s *Service) Sync(ctx context.Context, params SyncParams) (*SyncResult, error) {
	reqs, err := parseRequirements(params.Requirements)
	if err != nil {
		return nil, err
	}

	strategy := syncengine.MergeStrategy(params.Strategy)
	if params.Strategy == "" {
		strategy = syncengine.StrategyConservative
	} else if err := strategy.Validate(); err != nil {
		return nil, err
	}

	return s.converge(ctx, params.Name, reqs, strategy, params.AllowErrorOverride)
}

// converge is the shared resolve → plan → execute sequence behind Sync
// and Load.
func (s *Service) converge(
	ctx context.Context,
	name string,
	reqs []pyver.Requirement,
	strategy syncengine.MergeStrategy,
	allowErrorOverride bool,
) (*SyncResult, error) {
	rec, err := s.store.GetEnvironment(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Status.NeedsIntervention() {
		return nil, fmt.Errorf("environment %s is %s and cannot sync; restore it from a saved snapshot", name, rec.Status)
	}
	if rec.Status == envstate.StatusUninitialized {
		return nil, fmt.Errorf("environment %s has not been started", name)
	}
	if rec.Status == envstate.StatusSyncing {
		return nil, transaction.NewConflictError("environment has a sync in progress", nil).
			WithCode(transaction.CodeEnvironmentBusy).WithEnvironment(name)
	}
	if s.hasExternalChange(name) && !allowErrorOverride {
		return nil, transaction.NewConflictError(
			"environment was modified outside the daemon; run check, or sync with the error override to take over", nil).
			WithEnvironment(name)
	}

	target, err := s.resolveTarget(ctx, name, reqs)
	if err != nil {
		return nil, err
	}
	currentGraph := s.currentGraph(ctx, rec.Metadata)

	plan, err := s.engine.Plan(ctx, syncengine.PlanRequest{
		Current:            rec.Metadata,
		HeadRevision:       rec.Metadata.Revision,
		Target:             target,
		CurrentGraph:       currentGraph,
		Strategy:           strategy,
		AllowErrorOverride: allowErrorOverride,
	})
	if err != nil {
		if plan != nil {
			return planResult(plan, nil, "blocked"), err
		}
		return nil, err
	}

	if plan.IsEmpty() {
		s.clearExternalChange(name)
		return planResult(plan, nil, "up-to-date"), nil
	}

	if err := s.transitionStatus(ctx, name, rec.Status, envstate.StatusSyncing); err != nil {
		return nil, err
	}

	tx, execErr := s.manager.Execute(ctx, plan, allowErrorOverride)
	if execErr != nil && transaction.IsRollbackFailed(execErr) {
		// The manager already marked the environment degraded.
		return planResult(plan, tx, "failed"), execErr
	}

	if err := s.transitionStatus(ctx, name, envstate.StatusSyncing, envstate.StatusActive); err != nil {
		s.logger.WithError(err).WithEnvironment(name).Error("Failed to restore environment status")
	}

	if execErr != nil {
		status := "rolled_back"
		if tx == nil {
			status = "refused"
		}
		return planResult(plan, tx, status), execErr
	}

	s.clearExternalChange(name)
	head, err := s.store.Head(ctx, name)
	if err != nil {
		return nil, err
	}
	result := planResult(plan, tx, "committed")
	result.Revision = head.Revision
	return result, nil
}

// resolveTarget runs a traced resolution of the requested requirements.
func (s *Service) resolveTarget(ctx context.Context, name string, reqs []pyver.Requirement) (*resolver.DependencyGraph, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartResolveSpan(ctx, name, len(reqs))
		defer span.End()
	}
	return s.resolver.Resolve(ctx, reqs)
}

// currentGraph reconstructs the dependency graph of the installed
// snapshot by resolving its exact pins. Resolution of the current state
// is deterministic and served by the cache on repeat calls. A failure
// degrades to nil: removals fall back to lexicographic order.
func (s *Service) currentGraph(ctx context.Context, meta envstate.Metadata) *resolver.DependencyGraph {
	if len(meta.Packages) == 0 {
		return nil
	}
	pins := make([]pyver.Requirement, 0, len(meta.Packages))
	for _, name := range meta.PackageNames() {
		pins = append(pins, pyver.NewRequirement(name, pyver.Exactly(meta.Packages[name])))
	}
	graph, err := s.resolver.Resolve(ctx, pins)
	if err != nil {
		s.logger.WithError(err).WithEnvironment(meta.Name).
			Warn("Could not reconstruct installed dependency graph")
		return nil
	}
	return graph
}

// Check compares the stored snapshot against the live environment.
func (s *Service) Check(ctx context.Context, params CheckParams) (*CheckResult, error) {
	rec, err := s.store.GetEnvironment(ctx, params.Name)
	if err != nil {
		return nil, err
	}

	installed, err := s.executor.InstalledPackages(ctx, params.Name)
	if err != nil {
		return nil, err
	}

	var drift []string
	for _, name := range rec.Metadata.PackageNames() {
		want := rec.Metadata.Packages[name]
		got, ok := installed[name]
		switch {
		case !ok:
			drift = append(drift, fmt.Sprintf("%s==%s is recorded but not installed", name, want))
		case !got.Equal(want):
			drift = append(drift, fmt.Sprintf("%s is %s, snapshot records %s", name, got, want))
		}
	}
	extra := make([]string, 0)
	for name, got := range installed {
		if _, ok := rec.Metadata.Packages[name]; !ok {
			extra = append(extra, fmt.Sprintf("%s==%s is installed but not recorded", name, got))
		}
	}
	sort.Strings(extra)
	drift = append(drift, extra...)

	inSync := len(drift) == 0
	if inSync {
		s.clearExternalChange(params.Name)
	} else {
		s.MarkExternalChange(params.Name)
	}

	return &CheckResult{
		Name:   params.Name,
		Status: string(rec.Status),
		InSync: inSync,
		Drift:  drift,
	}, nil
}

// savedSnapshot is the on-disk format for Save/Load.
type savedSnapshot struct {
	Name        string            `json:"name"`
	Interpreter string            `json:"interpreter"`
	Packages    map[string]string `json:"packages"`
	Revision    int64             `json:"revision"`
	SavedAt     time.Time         `json:"saved_at"`
}

// Save exports an environment's snapshot to a file.
func (s *Service) Save(ctx context.Context, params SaveParams) (*SaveResult, error) {
	rec, err := s.store.GetEnvironment(ctx, params.Name)
	if err != nil {
		return nil, err
	}

	snap := savedSnapshot{
		Name:        rec.Metadata.Name,
		Interpreter: rec.Metadata.Interpreter.String(),
		Packages:    make(map[string]string, len(rec.Metadata.Packages)),
		Revision:    rec.Metadata.Revision,
		SavedAt:     time.Now().UTC(),
	}
	for name, v := range rec.Metadata.Packages {
		snap.Packages[name] = v.String()
	}

	data, err := marshalSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(params.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing snapshot file: %w", err)
	}

	s.logger.WithEnvironment(params.Name).Info(fmt.Sprintf("Saved snapshot to %s", params.Path))
	return &SaveResult{Path: params.Path, Packages: len(snap.Packages)}, nil
}

// Load restores an environment to a saved snapshot by syncing to its
// exact package pins. A successful load also repairs a degraded
// environment.
func (s *Service) Load(ctx context.Context, params LoadParams) (*SyncResult, error) {
	data, err := os.ReadFile(params.Path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}
	snap, err := unmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetEnvironment(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	if rec.Status.NeedsIntervention() {
		// Repair path: a degraded or failed environment may only be
		// taken over by an explicit restore.
		if err := s.transitionStatus(ctx, params.Name, rec.Status, envstate.StatusActive); err != nil {
			return nil, err
		}
	}

	pins := make([]pyver.Requirement, 0, len(snap.Packages))
	for name, raw := range snap.Packages {
		v, err := pyver.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("snapshot pins invalid version %s for %s: %w", raw, name, err)
		}
		pins = append(pins, pyver.NewRequirement(name, pyver.Exactly(v)))
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Name < pins[j].Name })

	// Restores may downgrade; the aggressive strategy allows that while
	// still surfacing issues.
	return s.converge(ctx, params.Name, pins, syncengine.StrategyAggressive, params.AllowErrorOverride)
}

// List returns all environments.
func (s *Service) List(ctx context.Context) (*ListResult, error) {
	records, err := s.store.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]EnvironmentInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, environmentInfo(rec))
	}
	return &ListResult{Environments: infos}, nil
}

// History lists an environment's executed transactions, newest first.
func (s *Service) History(ctx context.Context, params HistoryParams) (*HistoryResult, error) {
	if _, err := s.store.GetEnvironment(ctx, params.Name); err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	txs, err := s.store.ListTransactions(ctx, params.Name, limit, 0)
	if err != nil {
		return nil, err
	}

	result := &HistoryResult{Name: params.Name, Transactions: make([]TransactionInfo, 0, len(txs))}
	for _, tx := range txs {
		result.Transactions = append(result.Transactions, TransactionInfo{
			ID:           tx.ID,
			Environment:  tx.Environment,
			PlanID:       tx.PlanID,
			Status:       string(tx.Status),
			Operations:   len(tx.Operations),
			BaseRevision: tx.BaseRevision,
			Error:        tx.Error,
			StartedAt:    tx.StartedAt,
			FinishedAt:   tx.FinishedAt,
		})
	}
	return result, nil
}

// Status reports daemon health and performance.
func (s *Service) Status(ctx context.Context) (*StatusResult, error) {
	records, err := s.store.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		Version:      s.version,
		Uptime:       time.Since(s.startedAt),
		Environments: len(records),
		ActiveSyncs:  s.manager.ActiveEnvironments(),
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		result.Performance = PerformanceInfo{
			AvgInstallTime: snap.AvgInstallTime,
			AvgSyncTime:    snap.AvgSyncTime,
			CacheHitRate:   snap.CacheHitRate,
			SyncCount:      snap.SyncCount,
		}
	}
	return result, nil
}

func environmentInfo(rec *stores.EnvironmentRecord) EnvironmentInfo {
	return EnvironmentInfo{
		Name:        rec.Metadata.Name,
		Status:      string(rec.Status),
		Interpreter: rec.Metadata.Interpreter.String(),
		Revision:    rec.Metadata.Revision,
		Packages:    len(rec.Metadata.Packages),
		UpdatedAt:   rec.Metadata.UpdatedAt,
	}
}

func planResult(plan *syncengine.SyncPlan, tx *transaction.Transaction, status string) *SyncResult {
	result := &SyncResult{
		PlanID:  plan.ID,
		Status:  status,
		Changes: make([]string, 0, len(plan.Changes)),
	}
	for _, change := range plan.Changes {
		result.Changes = append(result.Changes, change.String())
	}
	for _, issue := range plan.Validation.Issues {
		result.Issues = append(result.Issues, IssueInfo{
			Severity: string(issue.Severity),
			Code:     issue.Code,
			Package:  issue.Package,
			Message:  issue.Message,
		})
	}
	if tx != nil {
		result.TransactionID = tx.ID
	}
	return result
}

func marshalSnapshot(snap savedSnapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

func unmarshalSnapshot(data []byte) (savedSnapshot, error) {
	var snap savedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse snapshot file: %w", err)
	}
	if snap.Name == "" {
		return snap, errors.New("snapshot file has no environment name")
	}
	return snap, nil
}

func parseRequirements(raw []string) ([]pyver.Requirement, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one requirement is required")
	}
	reqs := make([]pyver.Requirement, 0, len(raw))
	for _, r := range raw {
		req, err := pyver.ParseRequirement(r)
		if err != nil {
			return nil, fmt.Errorf("invalid requirement %q: %w", r, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Ensure Service provides the manager's degradation sink.
var _ transaction.StatusSink = (*Service)(nil)
