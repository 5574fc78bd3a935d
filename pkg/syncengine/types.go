// Package syncengine computes sync plans: the ordered set of package
// operations that move an environment from its current snapshot to a
// resolved target, with conflict detection and plan validation.
package syncengine

import (
	"fmt"
	"time"

	"github.com/pyrite-env/pyrite/pkg/pyver"
)

// ChangeKind identifies the kind of package change a plan step performs.
type ChangeKind string

const (
	// ChangeInstall adds a package that is not currently installed.
	ChangeInstall ChangeKind = "install"

	// ChangeUpgrade replaces an installed package with a newer version.
	ChangeUpgrade ChangeKind = "upgrade"

	// ChangeDowngrade replaces an installed package with an older version.
	ChangeDowngrade ChangeKind = "downgrade"

	// ChangeRemove uninstalls a package that the target no longer selects.
	ChangeRemove ChangeKind = "remove"
)

// Validate checks if the change kind is valid.
func (k ChangeKind) Validate() error {
	switch k {
	case ChangeInstall, ChangeUpgrade, ChangeDowngrade, ChangeRemove:
		return nil
	default:
		return fmt.Errorf("invalid change kind: %s", k)
	}
}

// SyncChange describes a single package change in a plan.
type SyncChange struct {
	// Package is the normalized package name.
	Package string `json:"package"`

	// Kind is the kind of change.
	Kind ChangeKind `json:"kind"`

	// From is the currently installed version. Nil for installs.
	From *pyver.Version `json:"from,omitempty"`

	// To is the version after the change. Nil for removals.
	To *pyver.Version `json:"to,omitempty"`
}

// String returns a compact human-readable description of the change.
func (c SyncChange) String() string {
	switch c.Kind {
	case ChangeInstall:
		return fmt.Sprintf("install %s==%s", c.Package, c.To)
	case ChangeRemove:
		return fmt.Sprintf("remove %s==%s", c.Package, c.From)
	default:
		return fmt.Sprintf("%s %s %s -> %s", c.Kind, c.Package, c.From, c.To)
	}
}

// ConflictType classifies a detected sync conflict.
type ConflictType string

const (
	// ConflictVersionMismatch indicates the current and target snapshots
	// disagree on an installed package's version.
	ConflictVersionMismatch ConflictType = "version_mismatch"

	// ConflictDependencyCycle indicates the changed packages cannot be
	// topologically ordered.
	ConflictDependencyCycle ConflictType = "dependency_cycle"

	// ConflictConcurrentModification indicates the environment changed
	// after the plan's base snapshot was taken.
	ConflictConcurrentModification ConflictType = "concurrent_modification"

	// ConflictRemovalBlocked indicates a removal target still has installed
	// dependents that the plan retains.
	ConflictRemovalBlocked ConflictType = "removal_blocked"
)

// ConflictResolution describes how a conflict was (or must be) resolved.
type ConflictResolution string

const (
	// ResolutionPreferTarget applies the target side of the conflict.
	ResolutionPreferTarget ConflictResolution = "prefer_target"

	// ResolutionPreferCurrent keeps the current side of the conflict.
	ResolutionPreferCurrent ConflictResolution = "prefer_current"

	// ResolutionAbort leaves the conflict unresolved; the plan cannot be
	// executed until the operator intervenes.
	ResolutionAbort ConflictResolution = "abort"
)

// Conflict records a detected conflict and how the merge strategy
// resolved it.
type Conflict struct {
	// Type is the conflict classification.
	Type ConflictType `json:"type"`

	// Package is the package the conflict concerns, if applicable.
	Package string `json:"package,omitempty"`

	// Current is the currently installed version involved, if any.
	Current *pyver.Version `json:"current,omitempty"`

	// Target is the target version involved, if any.
	Target *pyver.Version `json:"target,omitempty"`

	// Description is a human-readable explanation.
	Description string `json:"description"`

	// Resolution is how the active merge strategy resolved the conflict.
	Resolution ConflictResolution `json:"resolution"`
}

// MergeStrategy selects how conflicts between current and target state are
// resolved during planning.
type MergeStrategy string

const (
	// StrategyConservative favors the current state: downgrades and blocked
	// removals are refused rather than forced.
	StrategyConservative MergeStrategy = "conservative"

	// StrategyAggressive favors the target state: the plan applies whatever
	// the resolver selected, warning where that is risky.
	StrategyAggressive MergeStrategy = "aggressive"

	// StrategyManual refuses automatic resolution entirely: any conflict
	// aborts planning.
	StrategyManual MergeStrategy = "manual"
)

// Validate checks if the merge strategy is valid.
func (s MergeStrategy) Validate() error {
	switch s {
	case StrategyConservative, StrategyAggressive, StrategyManual:
		return nil
	default:
		return fmt.Errorf("invalid merge strategy: %s", s)
	}
}

// IssueSeverity ranks validation issues.
type IssueSeverity string

const (
	// SeverityInfo is informational only.
	SeverityInfo IssueSeverity = "info"

	// SeverityWarning flags a risk that does not block execution.
	SeverityWarning IssueSeverity = "warning"

	// SeverityError blocks execution unless explicitly overridden.
	SeverityError IssueSeverity = "error"

	// SeverityFatal blocks execution unconditionally.
	SeverityFatal IssueSeverity = "fatal"
)

// rank orders severities for comparison.
func (s IssueSeverity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityFatal:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s IssueSeverity) AtLeast(other IssueSeverity) bool {
	return s.rank() >= other.rank()
}

// PerformanceImpact estimates the runtime cost of applying a change.
type PerformanceImpact string

const (
	ImpactNone   PerformanceImpact = "none"
	ImpactLow    PerformanceImpact = "low"
	ImpactMedium PerformanceImpact = "medium"
	ImpactHigh   PerformanceImpact = "high"
)

// ValidationIssue is a single finding from plan validation.
type ValidationIssue struct {
	// Severity ranks the issue.
	Severity IssueSeverity `json:"severity"`

	// Code is a stable identifier for programmatic handling.
	Code string `json:"code"`

	// Package is the package the issue concerns, if applicable.
	Package string `json:"package,omitempty"`

	// Message is a human-readable explanation.
	Message string `json:"message"`

	// Impact estimates the performance cost of the flagged change.
	Impact PerformanceImpact `json:"impact,omitempty"`
}

// Validation issue codes.
const (
	IssueCodeDowngrade        = "DOWNGRADE"
	IssueCodeDowngradeRefused = "DOWNGRADE_REFUSED"
	IssueCodeRemovalBlocked   = "REMOVAL_BLOCKED"
	IssueCodeDependencyCycle  = "DEPENDENCY_CYCLE"
	IssueCodePreRelease       = "PRE_RELEASE"
	IssueCodeMajorUpgrade     = "MAJOR_UPGRADE"
	IssueCodeLargePlan        = "LARGE_PLAN"
)

// SyncValidation aggregates the findings of plan validation.
type SyncValidation struct {
	// Issues are the individual findings, in plan order.
	Issues []ValidationIssue `json:"issues"`
}

// MaxSeverity returns the highest severity among the issues, or
// SeverityInfo when there are none.
func (v SyncValidation) MaxSeverity() IssueSeverity {
	max := SeverityInfo
	for _, issue := range v.Issues {
		if issue.Severity.AtLeast(max) {
			max = issue.Severity
		}
	}
	return max
}

// Blocking reports whether the validation result blocks execution.
// Fatal issues always block; Error issues block unless the caller
// explicitly overrides them.
func (v SyncValidation) Blocking(allowErrorOverride bool) bool {
	for _, issue := range v.Issues {
		if issue.Severity == SeverityFatal {
			return true
		}
		if issue.Severity == SeverityError && !allowErrorOverride {
			return true
		}
	}
	return false
}

// ByMinSeverity returns the issues at or above the given severity.
func (v SyncValidation) ByMinSeverity(min IssueSeverity) []ValidationIssue {
	out := make([]ValidationIssue, 0)
	for _, issue := range v.Issues {
		if issue.Severity.AtLeast(min) {
			out = append(out, issue)
		}
	}
	return out
}

// SyncPlan is the ordered set of changes that moves an environment from
// its base snapshot to the resolved target, plus everything planning
// learned along the way.
type SyncPlan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// Environment is the environment the plan targets.
	Environment string `json:"environment"`

	// BaseRevision is the snapshot revision the plan was computed against.
	// Execution must refuse the plan if the environment has moved past it.
	BaseRevision int64 `json:"base_revision"`

	// Strategy is the merge strategy used during planning.
	Strategy MergeStrategy `json:"strategy"`

	// Changes are the plan steps in execution order: installs and version
	// changes dependency-first, then removals dependents-first.
	Changes []SyncChange `json:"changes"`

	// Conflicts are the conflicts detected and their resolutions.
	Conflicts []Conflict `json:"conflicts"`

	// Validation is the result of validating the plan.
	Validation SyncValidation `json:"validation"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// IsEmpty reports whether the plan has no changes to apply.
func (p *SyncPlan) IsEmpty() bool {
	return len(p.Changes) == 0
}

// Counts returns the number of changes by kind.
func (p *SyncPlan) Counts() map[ChangeKind]int {
	counts := make(map[ChangeKind]int)
	for _, c := range p.Changes {
		counts[c.Kind]++
	}
	return counts
}
