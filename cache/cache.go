// Package cache provides a generic cache interface with in-memory, Redis and
// BadgerDB implementations.
//
// MemoryCache is fastest but process-local; BadgerCache persists across
// restarts but stays on one machine; RedisCache is shared between server
// instances and is the backend used in clustered deployments.
//
// Values are BSON-encoded for the persistent backends, so any type that
// round-trips through bson can be cached.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheClosed is returned when operating on a closed cache.
	ErrCacheClosed = errors.New("cache is closed")
)

// Cache is a generic document cache keyed by string ids.
type Cache[T any] interface {
	// Get retrieves a value. Returns ErrCacheMiss when absent or expired.
	Get(ctx context.Context, key string) (T, error)

	// Set stores a value with the given TTL (0 uses the default TTL).
	Set(ctx context.Context, key string, data T, ttl time.Duration) error

	// Delete removes a value. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every value this cache owns.
	Clear(ctx context.Context) error

	// Close releases the cache's resources.
	Close() error
}

// Options configures a cache implementation.
type Options struct {
	// DefaultTTL is applied when Set is called with ttl <= 0.
	// Zero means no expiration.
	DefaultTTL time.Duration

	// MaxItems bounds memory-based caches; 0 means unbounded.
	MaxItems int
}

// DefaultOptions returns the default cache options.
func DefaultOptions() *Options {
	return &Options{
		DefaultTTL: time.Hour,
		MaxItems:   10000,
	}
}
