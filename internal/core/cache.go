// Package core provides the ports and shared contracts for the courier delivery pipeline.
package core

import (
	"context"
	"time"
)

// CacheRepository defines the interface for caching operations.
// This follows the hexagonal architecture pattern where the core defines interfaces
// and the data layer provides implementations.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// SetTTL updates the TTL for an existing key.
	// Returns true if the key exists and TTL was updated.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	// This is useful for implementing distributed locks and deduplication.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// CacheTagIndex maintains the reverse index from invalidation tags to the
// cache entries that carry them.
type CacheTagIndex interface {
	// Tag records that the given cache entry carries each of the tags.
	// The index entries expire alongside the cache entry TTL.
	Tag(ctx context.Context, entryKey string, tags []string, ttl time.Duration) error

	// InvalidateTag deletes every cache entry tagged with exactly the given
	// tag and clears the tag's index. Returns the number of entries removed.
	InvalidateTag(ctx context.Context, tag string) (int64, error)
}
