// Package cache defines the port interface for caching query results.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching of semantic query
// results. Values are serialized JSON; keys embed the session identity so a
// restarted session never sees stale entries.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
