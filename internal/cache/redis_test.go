package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestCache starts a miniredis server and returns a RedisCache backed by it.
func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisCache_GetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(t)

	key := "resp:abc"
	want := []byte(`{"id":"x"}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestRedisCache_TTLExpiry advances the miniredis clock past the TTL and
// confirms the key expires.
func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestRedisCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

// TestRedisCache_DegradesWhenDown verifies graceful degradation: Get misses
// and Set succeeds silently after the backend goes away.
func TestRedisCache_DegradesWhenDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expected miss when redis is down")
	}
	if err := c.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set should degrade silently, got %v", err)
	}
}
