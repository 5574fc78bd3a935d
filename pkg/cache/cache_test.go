package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "k", []byte("value"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	data, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != "value" {
		t.Errorf("unexpected data: %q", data)
	}

	// The cache must hand back copies, not its internal buffer.
	data[0] = 'X'
	again, _, _ := c.Get(ctx, "k")
	if string(again) != "value" {
		t.Errorf("cache buffer was mutated through a returned slice: %q", again)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("deleted key should miss")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expired entry should miss")
	}
}

func TestMemoryCacheClosed(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Set(ctx, "k", []byte("v"), 0); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, _, err := c.Get(ctx, "k"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNullCacheNeverStores(t *testing.T) {
	c := NewNullCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k"); err != nil || ok {
		t.Errorf("null cache must always miss, got ok=%v err=%v", ok, err)
	}
}

func TestGraphCacheRoundTrip(t *testing.T) {
	backend := NewMemoryCache()
	defer backend.Close()
	gc := NewGraphCache(backend, 0, nil, nil)
	ctx := context.Background()

	graph := resolver.NewDependencyGraph()
	graph.Packages["alpha"] = pyver.MustParse("1.2.3")
	graph.Packages["beta"] = pyver.MustParse("2.0.0")
	graph.Edges = append(graph.Edges, resolver.Edge{
		Dependent:  "alpha",
		Package:    "beta",
		Constraint: pyver.MustParseConstraint(">=2.0"),
	})

	if _, ok := gc.Lookup(ctx, "key"); ok {
		t.Fatal("expected miss before store")
	}

	gc.Store(ctx, "key", graph)

	got, ok := gc.Lookup(ctx, "key")
	if !ok {
		t.Fatal("expected hit after store")
	}
	if v, _ := got.Selected("alpha"); v.String() != "1.2.3" {
		t.Errorf("alpha version lost in round trip: %s", v)
	}
	if len(got.Edges) != 1 || got.Edges[0].Package != "beta" {
		t.Errorf("edges lost in round trip: %+v", got.Edges)
	}
	if err := got.Verify(); err != nil {
		t.Errorf("round-tripped graph fails verification: %v", err)
	}
}

func TestGraphCacheDiscardsCorruptEntries(t *testing.T) {
	backend := NewMemoryCache()
	defer backend.Close()
	gc := NewGraphCache(backend, 0, nil, nil)
	ctx := context.Background()

	if err := backend.Set(ctx, "key", []byte("{not json"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := gc.Lookup(ctx, "key"); ok {
		t.Fatal("corrupt entry should be a miss")
	}
	if _, ok, _ := backend.Get(ctx, "key"); ok {
		t.Error("corrupt entry should be evicted")
	}
}

// The cache owns hit/miss accounting; the resolver must not record the
// same lookups again when both share one metrics instance.
func TestGraphCacheCountsLookupsOnce(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	backend := NewMemoryCache()
	defer backend.Close()
	gc := NewGraphCache(backend, 0, nil, metrics)

	provider := resolver.NewStaticProvider()
	provider.AddVersion("flask", pyver.MustParse("3.0.0"))
	res := resolver.New(provider, gc, nil, metrics, resolver.Config{})

	ctx := context.Background()
	reqs := []pyver.Requirement{pyver.NewRequirement("flask", pyver.MustParseConstraint(">=3.0.0"))}
	for i := 0; i < 2; i++ {
		if _, err := res.Resolve(ctx, reqs); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}

	snap := metrics.Snapshot()
	if snap.CacheLookups != 2 {
		t.Errorf("cache lookups = %d, want 2 (one miss, one hit)", snap.CacheLookups)
	}
	if snap.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %v, want 0.5", snap.CacheHitRate)
	}
}

// failingCache always errors, standing in for an unreachable backend.
type failingCache struct{ err error }

func (f *failingCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f *failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f *failingCache) Delete(context.Context, string) error { return f.err }
func (f *failingCache) Close() error                         { return nil }

func TestGraphCacheDegradesOnBackendFailure(t *testing.T) {
	gc := NewGraphCache(&failingCache{err: context.DeadlineExceeded}, 0, nil, nil)
	ctx := context.Background()

	if _, ok := gc.Lookup(ctx, "key"); ok {
		t.Error("backend failure must degrade to a miss")
	}
	// Store must not panic or propagate the failure.
	gc.Store(ctx, "key", resolver.NewDependencyGraph())
}
