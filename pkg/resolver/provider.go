package resolver

import (
	"context"
	"sort"
	"sync"

	"github.com/pyrite-env/pyrite/pkg/pyver"
)

// VersionProvider supplies the package universe the resolver searches:
// which versions of a package exist, and what each version requires. The
// resolver treats the provider as pure for the duration of one Resolve
// call.
type VersionProvider interface {
	// ListVersions returns every known version of the package, in any
	// order. An unknown package returns an empty slice, not an error.
	ListVersions(ctx context.Context, name string) ([]pyver.Version, error)

	// Dependencies returns the requirements declared by one specific
	// version of a package.
	Dependencies(ctx context.Context, name string, version pyver.Version) ([]pyver.Requirement, error)
}

// Cache stores resolved graphs keyed by a normalized requirement-set hash.
// Implementations must return the exact graph previously stored for the
// key; the resolver consults it before searching and populates it after a
// successful search.
type Cache interface {
	// Lookup returns the cached graph for the key, with a hit flag. Cache
	// failures degrade to a miss.
	Lookup(ctx context.Context, key string) (*DependencyGraph, bool)

	// Store saves a resolved graph under the key.
	Store(ctx context.Context, key string, graph *DependencyGraph)
}

// StaticProvider is an in-memory VersionProvider backed by a fixed package
// index. Used for tests and offline fixtures.
type StaticProvider struct {
	mu sync.RWMutex

	// index maps package name to version string to declared requirements.
	index map[string]map[string][]pyver.Requirement
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		index: make(map[string]map[string][]pyver.Requirement),
	}
}

// AddVersion registers a package version together with its declared
// requirements.
func (p *StaticProvider) AddVersion(name string, version pyver.Version, deps ...pyver.Requirement) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name = pyver.NormalizeName(name)
	if p.index[name] == nil {
		p.index[name] = make(map[string][]pyver.Requirement)
	}
	p.index[name][version.String()] = deps
}

// ListVersions implements VersionProvider.
func (p *StaticProvider) ListVersions(_ context.Context, name string) ([]pyver.Version, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	versions := make([]pyver.Version, 0, len(p.index[pyver.NormalizeName(name)]))
	for vs := range p.index[pyver.NormalizeName(name)] {
		versions = append(versions, pyver.MustParse(vs))
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Less(versions[j]) })
	return versions, nil
}

// Dependencies implements VersionProvider.
func (p *StaticProvider) Dependencies(_ context.Context, name string, version pyver.Version) ([]pyver.Requirement, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	deps := p.index[pyver.NormalizeName(name)][version.String()]
	out := make([]pyver.Requirement, len(deps))
	copy(out, deps)
	return out, nil
}
