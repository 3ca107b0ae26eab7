package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// New creates the profile cache for cfg.
// "memory" returns an LRU cache.
// "redis" with two-phase returns a TwoPhaseCache (LRU in front of Redis).
// "redis" without two-phase returns a Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache keeps hot profiles in a local LRU (L1) in front of Redis
// (L2), which is shared by every node. Writes are announced on a Redis
// channel so other nodes drop their L1 copy and the next read goes to L2.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration

	// origin identifies this node in invalidation messages.
	origin string
	logger *slog.Logger
	stop   context.CancelFunc
	done   chan struct{}
}

// NewTwoPhaseCache creates a two-phase cache and starts listening for
// invalidations from other nodes.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	c := newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL)
	c.listen()
	return c, nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 30 * time.Second
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
		origin: uuid.New().String(),
		logger: slog.Default().With("component", "cache"),
	}
}

// Get reads L1 first, then L2, and fills L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes L1 and L2, then tells other nodes to drop their L1 copy.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// L1 never outlives L2
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.announce(ctx, key)
	return nil
}

// Delete removes the key from L1 and L2 on every node.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.remote.Delete(ctx, key); err != nil {
		return err
	}
	c.announce(ctx, key)
	return nil
}

// announce publishes an invalidation. A lost announcement only leaves a
// stale L1 entry until l1TTL expires.
func (c *TwoPhaseCache) announce(ctx context.Context, key string) {
	if err := c.remote.publishInvalidation(ctx, encodeInvalidation(c.origin, key)); err != nil {
		c.logger.Warn("failed to announce cache invalidation", "key", key, "error", err)
	}
}

func (c *TwoPhaseCache) listen() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan struct{})

	msgs := c.remote.subscribeInvalidations(ctx)
	go func() {
		defer close(c.done)
		for payload := range msgs {
			c.invalidate(payload)
		}
	}()
}

// invalidate applies an invalidation message from the channel. Messages
// this node published itself are ignored.
func (c *TwoPhaseCache) invalidate(payload string) {
	origin, key, ok := decodeInvalidation(payload)
	if !ok {
		c.logger.Warn("ignoring malformed cache invalidation", "payload", payload)
		return
	}
	if origin == c.origin {
		return
	}
	_ = c.local.Delete(context.Background(), key)
	metrics.CacheInvalidations.Inc()
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close stops the invalidation listener and closes both layers.
func (c *TwoPhaseCache) Close() error {
	if c.stop != nil {
		c.stop()
		<-c.done
	}
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

func encodeInvalidation(origin, key string) string {
	return origin + "|" + key
}

func decodeInvalidation(payload string) (origin, key string, ok bool) {
	origin, key, ok = strings.Cut(payload, "|")
	return origin, key, ok && origin != "" && key != ""
}
