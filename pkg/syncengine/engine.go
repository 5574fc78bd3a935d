package syncengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// largePlanThreshold is the change count above which a plan gets an
// informational performance finding.
const largePlanThreshold = 50

// PlanRequest carries everything planning needs.
type PlanRequest struct {
	// Current is the environment snapshot the plan is computed against.
	Current envstate.Metadata

	// HeadRevision is the store's current head revision for the
	// environment. Planning refuses to proceed if it differs from the
	// snapshot's revision.
	HeadRevision int64

	// Target is the resolved dependency graph to converge on.
	Target *resolver.DependencyGraph

	// CurrentGraph is the dependency graph of the installed state, when
	// known. It drives removal ordering and removal conflict detection;
	// without it removals are ordered lexicographically and removal
	// conflicts go undetected.
	CurrentGraph *resolver.DependencyGraph

	// Strategy selects conflict resolution behavior.
	Strategy MergeStrategy

	// AllowErrorOverride lets error-severity validation issues through.
	// Fatal issues block regardless.
	AllowErrorOverride bool
}

// Engine computes sync plans.
type Engine struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// New creates a plan engine.
func New(logger *telemetry.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Engine{
		logger:  logger.NewComponentLogger("syncengine"),
		metrics: metrics,
	}
}

// Plan computes the ordered change set that moves the environment from
// req.Current to req.Target.
//
// On UnresolvedConflict and ValidationBlocked failures the computed plan
// is returned alongside the error so callers can surface the conflicts
// and findings; the plan must not be executed.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) (*SyncPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Strategy.Validate(); err != nil {
		return nil, newError(ErrKindInvalidRequest, req.Current.Name, err.Error())
	}
	if req.Target == nil {
		return nil, newError(ErrKindInvalidRequest, req.Current.Name, "plan request has no target graph")
	}
	if req.HeadRevision != req.Current.Revision {
		e.recordPlan("stale")
		e.recordConflict(ConflictConcurrentModification)
		return nil, newError(ErrKindStaleSnapshot, req.Current.Name,
			fmt.Sprintf("environment modified concurrently: snapshot revision %d, head revision %d",
				req.Current.Revision, req.HeadRevision))
	}

	logger := e.logger.WithEnvironment(req.Current.Name)

	plan := &SyncPlan{
		ID:           uuid.New().String(),
		Environment:  req.Current.Name,
		BaseRevision: req.Current.Revision,
		Strategy:     req.Strategy,
		Conflicts:    make([]Conflict, 0),
		CreatedAt:    time.Now().UTC(),
	}

	changes := diff(req.Current, req.Target)

	e.detectConflicts(plan, req, changes)

	if req.Strategy == StrategyManual && len(plan.Conflicts) > 0 {
		for i := range plan.Conflicts {
			plan.Conflicts[i].Resolution = ResolutionAbort
		}
		e.recordPlan("aborted")
		logger.WithPlanID(plan.ID).Warnf("Planning aborted: %d unresolved conflicts under manual strategy", len(plan.Conflicts))
		return plan, newError(ErrKindUnresolvedConflict, req.Current.Name,
			fmt.Sprintf("%d conflicts require manual resolution", len(plan.Conflicts)))
	}

	changes = e.applyResolutions(plan, changes)
	plan.Changes = e.order(plan, req, changes)
	e.validate(plan, req)

	for _, issue := range plan.Validation.Issues {
		e.recordIssue(issue.Severity)
	}

	if plan.Validation.Blocking(req.AllowErrorOverride) {
		e.recordPlan("blocked")
		logger.WithPlanID(plan.ID).Warnf("Plan blocked by validation: %s", plan.Validation.MaxSeverity())
		return plan, newError(ErrKindValidationBlocked, req.Current.Name,
			fmt.Sprintf("plan blocked by %s validation issues", plan.Validation.MaxSeverity()))
	}

	if plan.IsEmpty() {
		e.recordPlan("empty")
	} else {
		e.recordPlan("succeeded")
	}
	logger.WithPlanID(plan.ID).Infof("Plan computed: %d changes, %d conflicts", len(plan.Changes), len(plan.Conflicts))
	return plan, nil
}

// diff computes the raw change set between the snapshot and the target,
// in no particular order.
func diff(current envstate.Metadata, target *resolver.DependencyGraph) []SyncChange {
	changes := make([]SyncChange, 0)

	for name, targetVersion := range target.Packages {
		to := targetVersion
		installed, ok := current.Version(name)
		if !ok {
			changes = append(changes, SyncChange{Package: name, Kind: ChangeInstall, To: &to})
			continue
		}
		switch cmp := installed.Compare(targetVersion); {
		case cmp < 0:
			from := installed
			changes = append(changes, SyncChange{Package: name, Kind: ChangeUpgrade, From: &from, To: &to})
		case cmp > 0:
			from := installed
			changes = append(changes, SyncChange{Package: name, Kind: ChangeDowngrade, From: &from, To: &to})
		}
	}

	for name, installed := range current.Packages {
		if _, ok := target.Selected(name); !ok {
			from := installed
			changes = append(changes, SyncChange{Package: name, Kind: ChangeRemove, From: &from})
		}
	}

	return changes
}

// detectConflicts records version mismatches and blocked removals on the
// plan. Resolutions are filled in later by applyResolutions.
func (e *Engine) detectConflicts(plan *SyncPlan, req PlanRequest, changes []SyncChange) {
	sorted := append([]SyncChange(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Package < sorted[j].Package })

	for _, c := range sorted {
		switch c.Kind {
		case ChangeUpgrade, ChangeDowngrade:
			plan.Conflicts = append(plan.Conflicts, Conflict{
				Type:        ConflictVersionMismatch,
				Package:     c.Package,
				Current:     c.From,
				Target:      c.To,
				Description: fmt.Sprintf("installed %s==%s, target selects %s", c.Package, c.From, c.To),
			})
			e.recordConflict(ConflictVersionMismatch)

		case ChangeRemove:
			if req.CurrentGraph == nil {
				continue
			}
			blockers := retainedDependents(req.CurrentGraph, req.Target, c.Package)
			if len(blockers) == 0 {
				continue
			}
			plan.Conflicts = append(plan.Conflicts, Conflict{
				Type:        ConflictRemovalBlocked,
				Package:     c.Package,
				Current:     c.From,
				Description: fmt.Sprintf("removal of %s blocked by retained dependents: %v", c.Package, blockers),
			})
			e.recordConflict(ConflictRemovalBlocked)
		}
	}
}

// retainedDependents returns the installed dependents of pkg that the
// target keeps installed, sorted.
func retainedDependents(currentGraph, target *resolver.DependencyGraph, pkg string) []string {
	retained := make([]string, 0)
	for _, dep := range currentGraph.DependentsOf(pkg) {
		if _, ok := target.Selected(dep); ok {
			retained = append(retained, dep)
		}
	}
	return retained
}

// applyResolutions resolves the recorded conflicts per the plan's merge
// strategy and returns the surviving change set. Refused changes are
// dropped from the change list but keep their conflict record; the
// validation pass turns refusals into blocking issues.
func (e *Engine) applyResolutions(plan *SyncPlan, changes []SyncChange) []SyncChange {
	refused := make(map[string]bool)

	for i := range plan.Conflicts {
		conflict := &plan.Conflicts[i]
		switch conflict.Type {
		case ConflictVersionMismatch:
			downgrade := conflict.Current != nil && conflict.Target != nil &&
				conflict.Current.Compare(*conflict.Target) > 0
			if plan.Strategy == StrategyConservative && downgrade {
				conflict.Resolution = ResolutionAbort
				refused[conflict.Package] = true
			} else {
				conflict.Resolution = ResolutionPreferTarget
			}

		case ConflictRemovalBlocked:
			if plan.Strategy == StrategyConservative {
				conflict.Resolution = ResolutionAbort
				refused[conflict.Package] = true
			} else {
				conflict.Resolution = ResolutionPreferTarget
			}
		}
	}

	if len(refused) == 0 {
		return changes
	}
	kept := make([]SyncChange, 0, len(changes))
	for _, c := range changes {
		if refused[c.Package] {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// order arranges the change set for execution: installs and version
// changes dependency-first, then removals dependents-first. An ordering
// cycle among the forward changes is recorded as a conflict; the cycle
// members are appended lexicographically so the plan remains inspectable.
func (e *Engine) order(plan *SyncPlan, req PlanRequest, changes []SyncChange) []SyncChange {
	forward := make(map[string]SyncChange)
	removals := make(map[string]SyncChange)
	for _, c := range changes {
		if c.Kind == ChangeRemove {
			removals[c.Package] = c
		} else {
			forward[c.Package] = c
		}
	}

	ordered := make([]SyncChange, 0, len(changes))

	forwardOrder, cycle := topoOrder(packageSet(forward), req.Target)
	for _, name := range forwardOrder {
		ordered = append(ordered, forward[name])
	}
	if len(cycle) > 0 {
		plan.Conflicts = append(plan.Conflicts, Conflict{
			Type:        ConflictDependencyCycle,
			Description: fmt.Sprintf("changes cannot be ordered: dependency cycle among %v", cycle),
			Resolution:  ResolutionAbort,
		})
		e.recordConflict(ConflictDependencyCycle)
		for _, name := range cycle {
			ordered = append(ordered, forward[name])
		}
	}

	// Removals run dependents-first: reverse of the dependency-first
	// order over the installed graph.
	if req.CurrentGraph != nil {
		removalOrder, leftover := topoOrder(packageSet(removals), req.CurrentGraph)
		removalOrder = append(removalOrder, leftover...)
		for i := len(removalOrder) - 1; i >= 0; i-- {
			ordered = append(ordered, removals[removalOrder[i]])
		}
	} else {
		for _, name := range sortedNames(removals) {
			ordered = append(ordered, removals[name])
		}
	}

	return ordered
}

// topoOrder orders the named packages dependency-first using Kahn's
// algorithm over the graph's edges, restricted to the named set. Ties
// within a level break lexicographically. The second return value lists
// any packages left unordered by a cycle, sorted.
func topoOrder(names map[string]bool, graph *resolver.DependencyGraph) ([]string, []string) {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int)
	seen := make(map[string]map[string]bool)
	for name := range names {
		inDegree[name] = 0
	}

	for _, edge := range graph.Edges {
		if edge.Dependent == "" || edge.Dependent == edge.Package {
			continue
		}
		if !names[edge.Dependent] || !names[edge.Package] {
			continue
		}
		if seen[edge.Package] == nil {
			seen[edge.Package] = make(map[string]bool)
		}
		if seen[edge.Package][edge.Dependent] {
			continue
		}
		seen[edge.Package][edge.Dependent] = true
		adjacency[edge.Package] = append(adjacency[edge.Package], edge.Dependent)
		inDegree[edge.Dependent]++
	}

	currentLevel := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			currentLevel = append(currentLevel, name)
		}
	}

	ordered := make([]string, 0, len(names))
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		ordered = append(ordered, currentLevel...)

		nextLevel := make([]string, 0)
		for _, name := range currentLevel {
			for _, dependent := range adjacency[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if len(ordered) == len(names) {
		return ordered, nil
	}
	processed := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		processed[name] = true
	}
	cycle := make([]string, 0)
	for name := range names {
		if !processed[name] {
			cycle = append(cycle, name)
		}
	}
	sort.Strings(cycle)
	return ordered, cycle
}

// validate inspects the ordered plan and produces validation findings.
func (e *Engine) validate(plan *SyncPlan, req PlanRequest) {
	issues := make([]ValidationIssue, 0)

	for _, conflict := range plan.Conflicts {
		if conflict.Resolution != ResolutionAbort {
			continue
		}
		switch conflict.Type {
		case ConflictVersionMismatch:
			issues = append(issues, ValidationIssue{
				Severity: SeverityFatal,
				Code:     IssueCodeDowngradeRefused,
				Package:  conflict.Package,
				Message:  fmt.Sprintf("conservative strategy refuses downgrade of %s from %s to %s", conflict.Package, conflict.Current, conflict.Target),
				Impact:   ImpactMedium,
			})
		case ConflictRemovalBlocked:
			issues = append(issues, ValidationIssue{
				Severity: SeverityFatal,
				Code:     IssueCodeRemovalBlocked,
				Package:  conflict.Package,
				Message:  conflict.Description,
			})
		case ConflictDependencyCycle:
			issues = append(issues, ValidationIssue{
				Severity: SeverityFatal,
				Code:     IssueCodeDependencyCycle,
				Message:  conflict.Description,
			})
		}
	}

	for _, change := range plan.Changes {
		switch change.Kind {
		case ChangeDowngrade:
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Code:     IssueCodeDowngrade,
				Package:  change.Package,
				Message:  fmt.Sprintf("downgrading %s from %s to %s", change.Package, change.From, change.To),
				Impact:   ImpactMedium,
			})
		case ChangeUpgrade:
			if change.From != nil && change.To != nil && change.To.Major > change.From.Major {
				issues = append(issues, ValidationIssue{
					Severity: SeverityWarning,
					Code:     IssueCodeMajorUpgrade,
					Package:  change.Package,
					Message:  fmt.Sprintf("major version upgrade of %s from %s to %s", change.Package, change.From, change.To),
					Impact:   ImpactMedium,
				})
			}
		}
		if change.To != nil && change.To.IsPreRelease() {
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Code:     IssueCodePreRelease,
				Package:  change.Package,
				Message:  fmt.Sprintf("target pins pre-release version %s==%s", change.Package, change.To),
			})
		}
	}

	if len(plan.Changes) > largePlanThreshold {
		issues = append(issues, ValidationIssue{
			Severity: SeverityInfo,
			Code:     IssueCodeLargePlan,
			Message:  fmt.Sprintf("plan touches %d packages", len(plan.Changes)),
			Impact:   ImpactHigh,
		})
	}

	plan.Validation = SyncValidation{Issues: issues}
}

func (e *Engine) recordPlan(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordPlan(outcome)
	}
}

func (e *Engine) recordConflict(t ConflictType) {
	if e.metrics != nil {
		e.metrics.RecordConflict(string(t))
	}
}

func (e *Engine) recordIssue(severity IssueSeverity) {
	if e.metrics != nil {
		e.metrics.RecordValidationIssue(string(severity))
	}
}

func packageSet(changes map[string]SyncChange) map[string]bool {
	set := make(map[string]bool, len(changes))
	for name := range changes {
		set[name] = true
	}
	return set
}

func sortedNames(changes map[string]SyncChange) []string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyChanges returns the package set after applying the plan's changes
// to the snapshot's packages. It does not touch the snapshot itself;
// callers build the committed snapshot with Metadata.WithPackages.
func ApplyChanges(current envstate.Metadata, changes []SyncChange) map[string]pyver.Version {
	next := make(map[string]pyver.Version, len(current.Packages))
	for name, v := range current.Packages {
		next[name] = v
	}
	for _, c := range changes {
		switch c.Kind {
		case ChangeRemove:
			delete(next, c.Package)
		default:
			if c.To != nil {
				next[c.Package] = *c.To
			}
		}
	}
	return next
}
