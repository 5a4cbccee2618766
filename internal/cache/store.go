package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Store is the typed response cache used by the dispatch engine. It wraps a
// byte-level Cache with JSON (de)serialization and per-key single-flight fill
// coalescing: at most one concurrent filler runs per key, and every waiter
// observes the filler's result.
type Store struct {
	cache Cache
	sf    singleflight.Group
	ttl   time.Duration
}

// NewStore creates a Store over the given backend. ttl ≤ 0 defaults to 5m.
func NewStore(c Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{cache: c, ttl: ttl}
}

// Get returns the cached response for key, if present and fresh.
func (s *Store) Get(ctx context.Context, key string) (*providers.Response, bool) {
	data, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp providers.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		_ = s.cache.Delete(ctx, key)
		return nil, false
	}
	return &resp, true
}

// Put stores a response under key. Last write wins on concurrent puts.
func (s *Store) Put(ctx context.Context, key string, resp *providers.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, data, s.ttl)
}

// GetOrCompute returns the cached response for key, or runs fill to produce
// it. Concurrent callers for the same key share a single fill; the result is
// stored only on success. A failed fill surfaces only to the caller that ran
// it — it is never cached, and waiters retry with their own flight.
//
// The second return value reports whether the response came from the cache
// (true) or from fill (false).
func (s *Store) GetOrCompute(ctx context.Context, key string, fill func() (*providers.Response, error)) (*providers.Response, bool, error) {
	for {
		if resp, ok := s.Get(ctx, key); ok {
			return resp, true, nil
		}

		// ran is true only for the caller whose closure actually executed —
		// the flight winner. Waiters sharing the result count as cache hits.
		ran := false
		v, err, _ := s.sf.Do(key, func() (any, error) {
			// Re-check under the flight: another filler may have just completed.
			if resp, ok := s.Get(ctx, key); ok {
				return resp, nil
			}
			ran = true
			resp, err := fill()
			if err != nil {
				return nil, err
			}
			_ = s.Put(ctx, key, resp)
			return resp, nil
		})
		if err != nil {
			s.sf.Forget(key)
			if ran {
				return nil, false, err
			}
			// A waiter never inherits another caller's failure: retry with a
			// fresh flight (or its own fill) instead.
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			continue
		}

		return v.(*providers.Response), !ran, nil
	}
}
