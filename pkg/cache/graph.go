package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// GraphCache adapts a byte Cache into the resolver's graph cache,
// serializing graphs as JSON. Backend failures degrade to cache misses;
// a flaky cache must never fail a resolution.
type GraphCache struct {
	backend Cache
	ttl     time.Duration
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewGraphCache wraps a byte cache. A non-positive ttl stores graphs
// without expiration. logger and metrics may be nil.
func NewGraphCache(backend Cache, ttl time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *GraphCache {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &GraphCache{
		backend: backend,
		ttl:     ttl,
		logger:  logger.NewComponentLogger("cache"),
		metrics: metrics,
	}
}

// Lookup implements resolver.Cache.
func (c *GraphCache) Lookup(ctx context.Context, key string) (*resolver.DependencyGraph, bool) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).Warn("Cache lookup failed, treating as miss")
		c.recordLookup(false)
		return nil, false
	}
	if !ok {
		c.recordLookup(false)
		return nil, false
	}

	graph := resolver.NewDependencyGraph()
	if err := json.Unmarshal(data, graph); err != nil {
		c.logger.WithError(err).Warn("Discarding undecodable cache entry")
		_ = c.backend.Delete(ctx, key)
		c.recordLookup(false)
		return nil, false
	}
	c.recordLookup(true)
	return graph, true
}

// Store implements resolver.Cache.
func (c *GraphCache) Store(ctx context.Context, key string, graph *resolver.DependencyGraph) {
	data, err := json.Marshal(graph)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode graph for caching")
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.WithError(err).Warn("Cache store failed")
	}
}

func (c *GraphCache) recordLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(hit)
	}
}

// Ensure GraphCache implements the resolver's cache interface.
var _ resolver.Cache = (*GraphCache)(nil)
