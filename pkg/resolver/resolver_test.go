package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pyrite-env/pyrite/pkg/pyver"
)

func req(s string) pyver.Requirement {
	r, err := pyver.ParseRequirement(s)
	if err != nil {
		panic(err)
	}
	return r
}

func newTestResolver(provider VersionProvider, cache Cache) *Resolver {
	return New(provider, cache, nil, nil, Config{})
}

func TestResolveBacktracks(t *testing.T) {
	// B's newest version needs a newer A than A's newest alone would
	// suggest; the search must land on the assignment satisfying both.
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"))
	p.AddVersion("a", pyver.MustParse("1.5.0"))
	p.AddVersion("b", pyver.MustParse("1.0.0"))
	p.AddVersion("b", pyver.MustParse("1.2.0"), req("a>=1.5"))

	graph, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a>=1.0,<2.0"), req("b>=1.0")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if v, _ := graph.Selected("a"); v.String() != "1.5.0" {
		t.Errorf("a = %s, want 1.5.0", v)
	}
	if v, _ := graph.Selected("b"); v.String() != "1.2.0" {
		t.Errorf("b = %s, want 1.2.0", v)
	}
	if err := graph.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestResolvePrefersNewest(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"))
	p.AddVersion("a", pyver.MustParse("1.9.0"))
	p.AddVersion("a", pyver.MustParse("2.1.0"))

	graph, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a<2.0")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v, _ := graph.Selected("a"); v.String() != "1.9.0" {
		t.Errorf("a = %s, want 1.9.0", v)
	}
}

func TestResolveTransitive(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("web", pyver.MustParse("2.0.0"), req("tmpl>=1.0"), req("json>=1.0"))
	p.AddVersion("tmpl", pyver.MustParse("1.4.0"), req("json<2.0"))
	p.AddVersion("json", pyver.MustParse("1.8.0"))
	p.AddVersion("json", pyver.MustParse("2.2.0"))

	graph, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("web>=2.0")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if v, _ := graph.Selected("json"); v.String() != "1.8.0" {
		t.Errorf("json = %s, want 1.8.0 (held back by tmpl)", v)
	}
	deps := graph.DependenciesOf("web")
	if len(deps) != 2 || deps[0] != "json" || deps[1] != "tmpl" {
		t.Errorf("DependenciesOf(web) = %v", deps)
	}
	if dependents := graph.DependentsOf("json"); len(dependents) != 2 {
		t.Errorf("DependentsOf(json) = %v", dependents)
	}
}

func TestResolveNoSolution(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"))

	_, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a>=2.0")})
	if !IsNoSolution(err) {
		t.Fatalf("got %v, want NoSolution", err)
	}
}

func TestResolveUnknownPackage(t *testing.T) {
	p := NewStaticProvider()

	_, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("ghost>=1.0")})
	if !IsNoSolution(err) {
		t.Fatalf("got %v, want NoSolution", err)
	}
}

func TestResolveConflictingRoots(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"))
	p.AddVersion("a", pyver.MustParse("2.0.0"))

	_, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a<1.5"), req("a>=2.0")})
	if !IsNoSolution(err) {
		t.Fatalf("got %v, want NoSolution", err)
	}
}

func TestResolveCycle(t *testing.T) {
	// Every version of a requires a different version of a itself.
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"), req("a>=2.0"))
	p.AddVersion("a", pyver.MustParse("2.0.0"), req("a>=3.0"))

	_, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a>=1.0")})
	if !IsCycle(err) {
		t.Fatalf("got %v, want Cycle", err)
	}
}

func TestResolveSatisfiedSelfEdge(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"), req("a>=1.0"))

	graph, err := newTestResolver(p, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a>=1.0")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := graph.Selected("a"); !ok {
		t.Error("a not selected")
	}
}

func TestResolveDepthExceeded(t *testing.T) {
	// A linear chain deeper than the configured cap.
	p := NewStaticProvider()
	for i := 0; i < 10; i++ {
		p.AddVersion(fmt.Sprintf("p%02d", i), pyver.MustParse("1.0.0"),
			req(fmt.Sprintf("p%02d>=1.0", i+1)))
	}
	p.AddVersion("p10", pyver.MustParse("1.0.0"))

	r := New(p, nil, nil, nil, Config{MaxDepth: 5})
	_, err := r.Resolve(context.Background(), []pyver.Requirement{req("p00>=1.0")})
	if !IsDepthExceeded(err) {
		t.Fatalf("got %v, want DepthExceeded", err)
	}
}

type failingProvider struct{}

func (failingProvider) ListVersions(context.Context, string) ([]pyver.Version, error) {
	return nil, errors.New("index unreachable")
}

func (failingProvider) Dependencies(context.Context, string, pyver.Version) ([]pyver.Requirement, error) {
	return nil, errors.New("index unreachable")
}

func TestResolveProviderError(t *testing.T) {
	_, err := newTestResolver(failingProvider{}, nil).Resolve(context.Background(),
		[]pyver.Requirement{req("a>=1.0")})
	if !IsProviderError(err) {
		t.Fatalf("got %v, want ProviderError", err)
	}
}

func TestResolveDeterministic(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("web", pyver.MustParse("2.0.0"), req("tmpl>=1.0"), req("json>=1.0"))
	p.AddVersion("tmpl", pyver.MustParse("1.4.0"), req("json<2.0"))
	p.AddVersion("json", pyver.MustParse("1.8.0"))
	p.AddVersion("json", pyver.MustParse("2.2.0"))

	reqs := []pyver.Requirement{req("web>=2.0"), req("json>=1.0")}
	reversed := []pyver.Requirement{reqs[1], reqs[0]}

	var outputs [][]byte
	for _, rs := range [][]pyver.Requirement{reqs, reversed, reqs} {
		graph, err := newTestResolver(p, nil).Resolve(context.Background(), rs)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		data, err := json.Marshal(graph)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		outputs = append(outputs, data)
	}

	for i := 1; i < len(outputs); i++ {
		if !bytes.Equal(outputs[0], outputs[i]) {
			t.Errorf("run %d serialized differently:\n%s\n%s", i, outputs[0], outputs[i])
		}
	}
}

func TestCacheKeyOrderIndependent(t *testing.T) {
	a := []pyver.Requirement{req("a>=1.0"), req("b<2.0"), req("c==1.2.3")}
	b := []pyver.Requirement{a[2], a[0], a[1]}

	if CacheKey(a) != CacheKey(b) {
		t.Error("permuted requirement sets produced different keys")
	}

	c := []pyver.Requirement{req("a>=1.0"), req("b<2.0")}
	if CacheKey(a) == CacheKey(c) {
		t.Error("different requirement sets produced the same key")
	}
}

// memoryCache is a map-backed Cache for tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*DependencyGraph
	hits    int
	stores  int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*DependencyGraph)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (*DependencyGraph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	graph, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return graph, ok
}

func (c *memoryCache) Store(_ context.Context, key string, graph *DependencyGraph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = graph
	c.stores++
}

func TestResolveUsesCache(t *testing.T) {
	p := NewStaticProvider()
	p.AddVersion("a", pyver.MustParse("1.0.0"))

	cache := newMemoryCache()
	r := newTestResolver(p, cache)
	reqs := []pyver.Requirement{req("a>=1.0")}

	if _, err := r.Resolve(context.Background(), reqs); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if cache.stores != 1 {
		t.Fatalf("stores = %d, want 1", cache.stores)
	}

	graph, err := r.Resolve(context.Background(), reqs)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if cache.hits != 1 {
		t.Errorf("hits = %d, want 1", cache.hits)
	}
	if _, ok := graph.Selected("a"); !ok {
		t.Error("cached graph missing selection")
	}
}
