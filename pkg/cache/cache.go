// Package cache provides the resolution cache backends for the Pyrite
// daemon: Redis for shared deployments, an in-memory cache for tests and
// single-process use, and a null cache for disabling caching entirely.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed cache.
var ErrClosed = errors.New("cache closed")

// Cache is a byte-oriented cache with per-entry TTL.
type Cache interface {
	// Get retrieves a value. The bool reports whether the key was found;
	// expired entries count as misses.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value. A non-positive ttl stores the entry without
	// expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
