package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KeyPrefix is the default namespace of every Redis key Kestrel writes.
const KeyPrefix = "kestrel:"

const (
	defaultRedisAddr    = "localhost:6379"
	defaultRedisTimeout = 100 * time.Millisecond
)

// RedisCache implements Cache using Redis.
// Used standalone and as L2 in two-phase caching, so history records are
// shared across kestrel replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to the Redis server in cfg and verifies it answers.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = defaultRedisAddr
	}
	timeout := cfg.RedisTimeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     cfg.RedisPoolSize,
		// A lookup that loses Redis falls back to the store rather than retrying.
		MaxRetries: -1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	c := NewRedisCacheFromClient(client)
	if cfg.RedisKeyPrefix != "" {
		c.prefix = cfg.RedisKeyPrefix
	}
	return c, nil
}

// NewRedisCacheFromClient wraps an existing client with the default prefix.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: KeyPrefix}
}

// Get retrieves a value from Redis. Returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value in Redis. A ttl <= 0 never expires.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
