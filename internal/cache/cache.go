package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats describes local cache occupancy and effectiveness.
type Stats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// New creates the history record cache named by cfg.Type.
// "memory" returns an LRU cache local to the process; "redis" returns a
// Redis cache shared by replicas, or a TwoPhaseCache with a short-lived LRU
// in front of it when two-phase is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// Enabled reports whether the config asks for a cache at all.
func Enabled(cfg domain.CacheConfig) bool {
	return cfg.Type != "" && cfg.Type != "none"
}

// TwoPhaseCache keeps a short-lived local copy (L1) of records read from
// Redis (L2). L1 entries never outlive l1TTL, which bounds how stale a
// replica can be after another one invalidates a customer.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Second
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
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
		return nil, fmt.Errorf("L2: %w", err)
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2. L1 never outlives the requested ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}

	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes from both L1 and L2. L1 is cleared even when L2 fails.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if err := c.remote.Delete(ctx, key); err != nil {
		return fmt.Errorf("L2: %w", err)
	}
	return nil
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

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}
