// Package cache is the response cache: normalized responses stored under a
// content-addressed fingerprint of the request, with TTL expiry and
// single-flight fill coalescing.
//
// Two byte-level backends are available:
//   - RedisCache  — shared across replicas, recommended for production.
//   - MemoryCache — in-process TTL map, zero external dependencies.
//
// Store wraps either backend with the typed GetOrCompute API used by the
// dispatch engine.
package cache

import (
	"context"
	"time"
)

// Cache is the byte-level storage backend.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
