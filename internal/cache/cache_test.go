package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "profile:u1", []byte("v1"), time.Minute)
		_ = cache.Set(ctx, "profile:u1", []byte("v2"), time.Minute)

		val, _ := cache.Get(ctx, "profile:u1")
		if string(val) != "v2" {
			t.Errorf("expected 'v2', got '%s'", string(val))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		ttlCache := NewLRUCache(10)
		ttlCache.now = func() time.Time { return clock }

		_ = ttlCache.Set(ctx, "expiring", []byte("temp"), 10*time.Second)

		val, _ := ttlCache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(11 * time.Second)

		val, _ = ttlCache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := ttlCache.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestInvalidationMessages(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		origin, key, ok := decodeInvalidation(encodeInvalidation("node-a", "profile:user|1"))
		if !ok || origin != "node-a" || key != "profile:user|1" {
			t.Errorf("unexpected decode: %q %q %v", origin, key, ok)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, payload := range []string{"", "no-separator", "|key", "origin|"} {
			if _, _, ok := decodeInvalidation(payload); ok {
				t.Errorf("expected %q to be rejected", payload)
			}
		}
	})
}

func TestTwoPhaseInvalidate(t *testing.T) {
	ctx := context.Background()
	local := NewLRUCache(10)
	c := newTwoPhase(local, nil, time.Minute)

	_ = local.Set(ctx, "profile:u1", []byte("stale"), time.Minute)
	_ = local.Set(ctx, "profile:u2", []byte("mine"), time.Minute)

	t.Run("OtherNodeDropsLocalCopy", func(t *testing.T) {
		c.invalidate(encodeInvalidation("other-node", "profile:u1"))
		if val, _ := local.Get(ctx, "profile:u1"); val != nil {
			t.Error("expected entry written elsewhere to be dropped")
		}
	})

	t.Run("OwnWritesIgnored", func(t *testing.T) {
		c.invalidate(encodeInvalidation(c.origin, "profile:u2"))
		if val, _ := local.Get(ctx, "profile:u2"); string(val) != "mine" {
			t.Error("expected own write to stay cached")
		}
	})

	t.Run("MalformedIgnored", func(t *testing.T) {
		c.invalidate("garbage")
		if val, _ := local.Get(ctx, "profile:u2"); val == nil {
			t.Error("malformed message must not drop entries")
		}
	})
}
