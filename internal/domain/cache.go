package domain

import (
	"context"
	"time"
)

// Cache stores serialized user profiles. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the profile cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase keeps a local LRU in front of Redis. Writes on any
	// node invalidate the other nodes' local copies.
	EnableTwoPhase bool
}
