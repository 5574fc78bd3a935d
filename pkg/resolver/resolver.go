// Package resolver turns a set of package requirements into a concrete
// dependency graph by searching the version universe with deterministic
// backtracking.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// DefaultMaxDepth caps the decision stack when no explicit limit is
// configured.
const DefaultMaxDepth = 200

// Config holds resolver tuning parameters.
type Config struct {
	// MaxDepth caps the depth of the decision stack. Zero means
	// DefaultMaxDepth.
	MaxDepth int
}

// Resolver performs deterministic backtracking resolution. The same
// requirements against the same provider always produce the same graph:
// packages are decided in lexicographic order and candidate versions are
// tried newest-first.
type Resolver struct {
	provider VersionProvider
	cache    Cache
	maxDepth int
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// New creates a resolver. The cache and metrics may be nil.
func New(provider VersionProvider, cache Cache, logger *telemetry.Logger, metrics *telemetry.Metrics, cfg Config) *Resolver {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Resolver{
		provider: provider,
		cache:    cache,
		maxDepth: maxDepth,
		logger:   logger.NewComponentLogger("resolver"),
		metrics:  metrics,
	}
}

// CacheKey returns the cache key for a requirement set. The key is
// order-independent: permutations of the same requirements hash
// identically.
func CacheKey(reqs []pyver.Requirement) string {
	canonical := make([]string, len(reqs))
	for i, req := range reqs {
		canonical[i] = req.String()
	}
	sort.Strings(canonical)

	sum := sha256.Sum256([]byte(strings.Join(canonical, "\n")))
	return "resolve:" + hex.EncodeToString(sum[:])
}

// frame is one decision on the explicit search stack: a package, the
// candidates not yet tried (newest first), the chosen version, and the
// constraint edges that choice introduced.
type frame struct {
	pkg        string
	candidates []pyver.Version
	chosen     pyver.Version
	introduced []Edge
}

// search carries the mutable state of one Resolve call.
type search struct {
	resolver *Resolver

	// constraints accumulates every requirement seen so far, keyed by
	// target package.
	constraints map[string][]Edge

	// selected maps decided packages to their chosen versions.
	selected map[string]pyver.Version

	// stack is the explicit decision stack; no recursion.
	stack []*frame

	// versionsMemo and depsMemo cache provider answers for the duration of
	// the call.
	versionsMemo map[string][]pyver.Version
	depsMemo     map[string][]pyver.Requirement

	// lastConflict describes the most recent dead end, for the NoSolution
	// message.
	lastConflict string
}

// Resolve computes a dependency graph satisfying the given requirements.
// On failure it returns a classified *Error; the search never partially
// succeeds.
func (r *Resolver) Resolve(ctx context.Context, reqs []pyver.Requirement) (*DependencyGraph, error) {
	// Hit/miss metrics are the cache implementation's concern; recording
	// them here as well would double-count every lookup.
	key := CacheKey(reqs)
	if r.cache != nil {
		if graph, ok := r.cache.Lookup(ctx, key); ok {
			r.logger.WithField("key", key).Debug("resolution cache hit")
			return graph, nil
		}
	}

	timer := telemetry.NewTimer()
	graph, err := r.resolve(ctx, reqs)
	if r.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(failureKind(err))
		}
		r.metrics.RecordResolution(outcome, timer.Duration())
	}
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Store(ctx, key, graph)
	}
	return graph, nil
}

func (r *Resolver) resolve(ctx context.Context, reqs []pyver.Requirement) (*DependencyGraph, error) {
	s := &search{
		resolver:     r,
		constraints:  make(map[string][]Edge),
		selected:     make(map[string]pyver.Version),
		versionsMemo: make(map[string][]pyver.Version),
		depsMemo:     make(map[string][]pyver.Requirement),
	}

	for _, req := range reqs {
		s.addConstraint(Edge{Dependent: "", Package: req.Name, Constraint: req.Constraint})
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(FailureProvider, "", "resolution cancelled", err)
		}

		pkg, ok := s.nextUndecided()
		if !ok {
			return s.buildGraph()
		}

		if len(s.stack) >= r.maxDepth {
			return nil, newError(FailureDepthExceeded, pkg,
				fmt.Sprintf("decision stack exceeded %d entries", r.maxDepth), nil)
		}

		candidates, err := s.candidatesFor(ctx, pkg)
		if err != nil {
			return nil, err
		}

		f := &frame{pkg: pkg, candidates: candidates}
		s.stack = append(s.stack, f)

		advanced, err := s.advance(ctx, f)
		if err != nil {
			return nil, err
		}
		if advanced {
			continue
		}

		// The fresh frame had no workable candidate: backtrack through
		// earlier decisions.
		if err := s.backtrack(ctx); err != nil {
			return nil, err
		}
	}
}

// nextUndecided returns the lexicographically smallest constrained package
// without a selection. Lexicographic order keeps the search deterministic.
func (s *search) nextUndecided() (string, bool) {
	best := ""
	for pkg := range s.constraints {
		if _, done := s.selected[pkg]; done {
			continue
		}
		if best == "" || pkg < best {
			best = pkg
		}
	}
	return best, best != ""
}

// candidatesFor returns the provider's versions of pkg that satisfy every
// accumulated constraint, newest first.
func (s *search) candidatesFor(ctx context.Context, pkg string) ([]pyver.Version, error) {
	versions, err := s.listVersions(ctx, pkg)
	if err != nil {
		return nil, err
	}

	candidates := make([]pyver.Version, 0, len(versions))
	for _, v := range versions {
		if s.satisfiesAll(pkg, v) {
			candidates = append(candidates, v)
		}
	}
	pyver.SortVersionsDesc(candidates)
	return candidates, nil
}

// satisfiesAll reports whether v satisfies every accumulated constraint on
// pkg.
func (s *search) satisfiesAll(pkg string, v pyver.Version) bool {
	for _, edge := range s.constraints[pkg] {
		if !edge.Constraint.Matches(v) {
			return false
		}
	}
	return true
}

// advance tries the frame's remaining candidates in order until one is
// consistent with the current selection, applying it. Returns false when
// the frame is exhausted.
func (s *search) advance(ctx context.Context, f *frame) (bool, error) {
	selfConflicts := 0
	rejections := 0

	for len(f.candidates) > 0 {
		v := f.candidates[0]
		f.candidates = f.candidates[1:]

		// Constraints may have tightened since the candidate list was
		// computed.
		if !s.satisfiesAll(f.pkg, v) {
			rejections++
			continue
		}

		deps, err := s.listDependencies(ctx, f.pkg, v)
		if err != nil {
			return false, err
		}

		conflict, self := s.findConflict(f.pkg, v, deps)
		if conflict != "" {
			rejections++
			if self {
				selfConflicts++
			}
			s.lastConflict = conflict
			continue
		}

		// Commit the decision: select the version, then record the edges
		// its requirements introduce.
		s.selected[f.pkg] = v
		f.chosen = v
		f.introduced = f.introduced[:0]
		for _, dep := range deps {
			edge := Edge{Dependent: f.pkg, Package: dep.Name, Constraint: dep.Constraint}
			s.addConstraint(edge)
			f.introduced = append(f.introduced, edge)
		}
		return true, nil
	}

	// Every candidate failed because the package's own requirements
	// re-entered it inconsistently. No earlier decision can repair that.
	if rejections > 0 && selfConflicts == rejections {
		return false, newError(FailureCycle, f.pkg,
			"requirement chain re-enters the package being decided", nil)
	}

	return false, nil
}

// findConflict checks a candidate's requirements against versions already
// selected. It returns a description of the first conflict, and whether
// the conflict re-enters the package currently being decided.
func (s *search) findConflict(pkg string, v pyver.Version, deps []pyver.Requirement) (string, bool) {
	for _, dep := range deps {
		if dep.Name == pkg {
			if !dep.Constraint.Matches(v) {
				return fmt.Sprintf("%s==%s requires %s", pkg, v, dep), true
			}
			continue
		}
		if sel, ok := s.selected[dep.Name]; ok && !dep.Constraint.Matches(sel) {
			return fmt.Sprintf("%s==%s requires %s but %s==%s is selected",
				pkg, v, dep, dep.Name, sel), false
		}
	}
	return "", false
}

// backtrack unwinds decisions until some earlier frame advances to its
// next candidate. An empty stack means the search space is exhausted.
func (s *search) backtrack(ctx context.Context) error {
	// The top frame is the one that just failed to advance; it holds no
	// selection.
	s.stack = s.stack[:len(s.stack)-1]

	for len(s.stack) > 0 {
		top := s.stack[len(s.stack)-1]
		s.undo(top)

		advanced, err := s.advance(ctx, top)
		if err != nil {
			return err
		}
		if advanced {
			return nil
		}
		s.stack = s.stack[:len(s.stack)-1]
	}

	msg := "no version assignment satisfies the requirement set"
	if s.lastConflict != "" {
		msg = fmt.Sprintf("%s (last conflict: %s)", msg, s.lastConflict)
	}
	return newError(FailureNoSolution, "", msg, nil)
}

// undo reverses a frame's decision: the selection and the constraint edges
// it introduced.
func (s *search) undo(f *frame) {
	delete(s.selected, f.pkg)
	for _, edge := range f.introduced {
		s.removeConstraint(edge)
	}
	f.introduced = f.introduced[:0]
}

func (s *search) addConstraint(edge Edge) {
	edge.Package = pyver.NormalizeName(edge.Package)
	s.constraints[edge.Package] = append(s.constraints[edge.Package], edge)
}

func (s *search) removeConstraint(edge Edge) {
	edges := s.constraints[edge.Package]
	for i := len(edges) - 1; i >= 0; i-- {
		e := edges[i]
		if e.Dependent == edge.Dependent && e.Constraint.String() == edge.Constraint.String() {
			s.constraints[edge.Package] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	if len(s.constraints[edge.Package]) == 0 {
		delete(s.constraints, edge.Package)
	}
}

// buildGraph assembles the final graph from the completed search and
// verifies its invariant.
func (s *search) buildGraph() (*DependencyGraph, error) {
	graph := NewDependencyGraph()
	for pkg, v := range s.selected {
		graph.Packages[pkg] = v
	}
	for _, edges := range s.constraints {
		graph.Edges = append(graph.Edges, edges...)
	}
	graph.normalize()

	if err := graph.Verify(); err != nil {
		return nil, newError(FailureNoSolution, "", "resolved graph failed verification", err)
	}
	return graph, nil
}

// listVersions memoizes provider version listings for the call.
func (s *search) listVersions(ctx context.Context, pkg string) ([]pyver.Version, error) {
	if versions, ok := s.versionsMemo[pkg]; ok {
		return versions, nil
	}
	versions, err := s.resolver.provider.ListVersions(ctx, pkg)
	if err != nil {
		return nil, newError(FailureProvider, pkg, "listing versions failed", err)
	}
	s.versionsMemo[pkg] = versions
	return versions, nil
}

// listDependencies memoizes provider dependency listings for the call.
func (s *search) listDependencies(ctx context.Context, pkg string, v pyver.Version) ([]pyver.Requirement, error) {
	key := pkg + "==" + v.String()
	if deps, ok := s.depsMemo[key]; ok {
		return deps, nil
	}
	deps, err := s.resolver.provider.Dependencies(ctx, pkg, v)
	if err != nil {
		return nil, newError(FailureProvider, pkg, "listing dependencies failed", err)
	}
	s.depsMemo[key] = deps
	return deps, nil
}
