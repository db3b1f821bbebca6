package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU in front of Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string `koanf:"type" validate:"omitempty,oneof=memory redis none"`

	// Local LRU cache settings
	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	// Redis settings
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// RedisKeyPrefix namespaces keys when several deployments share a server.
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	// RedisTimeout bounds each dial, read and write so a slow Redis falls
	// through to the history store well inside the lookup timeout.
	RedisTimeout  time.Duration `koanf:"redis_timeout"`
	RedisPoolSize int           `koanf:"redis_pool_size"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase"` // If true, check local first, then Redis
}
