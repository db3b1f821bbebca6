package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisCache(domain.CacheConfig{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, mr
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		c, mr := setupTestRedis(t)

		require.NoError(t, c.Set(ctx, "history:CUST-1", []byte(`{"location":"Paris"}`), time.Minute))

		val, err := c.Get(ctx, "history:CUST-1")
		require.NoError(t, err)
		assert.Equal(t, `{"location":"Paris"}`, string(val))

		// Keys are namespaced
		assert.True(t, mr.Exists("kestrel:history:CUST-1"))
	})

	t.Run("Miss", func(t *testing.T) {
		c, _ := setupTestRedis(t)

		val, err := c.Get(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("TTL", func(t *testing.T) {
		c, mr := setupTestRedis(t)

		require.NoError(t, c.Set(ctx, "short", []byte("v"), 30*time.Second))
		assert.Equal(t, 30*time.Second, mr.TTL("kestrel:short"))

		mr.FastForward(31 * time.Second)

		val, err := c.Get(ctx, "short")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		c, _ := setupTestRedis(t)

		require.NoError(t, c.Set(ctx, "gone", []byte("v"), time.Minute))
		require.NoError(t, c.Delete(ctx, "gone"))

		val, err := c.Get(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("ServerDown", func(t *testing.T) {
		c, mr := setupTestRedis(t)
		mr.Close()

		_, err := c.Get(ctx, "any")
		assert.Error(t, err)
		assert.Error(t, c.Ping(ctx))
	})

	t.Run("ConnectFailure", func(t *testing.T) {
		_, err := NewRedisCache(domain.CacheConfig{RedisAddr: "127.0.0.1:1", RedisTimeout: 50 * time.Millisecond})
		assert.Error(t, err)
	})

	t.Run("CustomKeyPrefix", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := NewRedisCache(domain.CacheConfig{RedisAddr: mr.Addr(), RedisKeyPrefix: "staging:"})
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.Set(ctx, "history:CUST-1", []byte("x"), time.Minute))
		assert.True(t, mr.Exists("staging:history:CUST-1"))
		assert.False(t, mr.Exists("kestrel:history:CUST-1"))
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	newCache := func(t *testing.T) (*TwoPhaseCache, *LRUCache) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		local := NewLRUCache(10)
		c := newTwoPhase(local, NewRedisCacheFromClient(client), time.Minute)
		t.Cleanup(func() { c.Close() })
		return c, local
	}

	t.Run("WritesBothTiers", func(t *testing.T) {
		c, local := newCache(t)

		require.NoError(t, c.Set(ctx, "both", []byte("v"), time.Minute))

		l1, _ := local.Get(ctx, "both")
		assert.Equal(t, "v", string(l1))
		assert.True(t, mr.Exists("kestrel:both"))
	})

	t.Run("PopulatesL1FromL2", func(t *testing.T) {
		c, local := newCache(t)

		require.NoError(t, mr.Set("kestrel:remote-only", "from-redis"))

		val, err := c.Get(ctx, "remote-only")
		require.NoError(t, err)
		assert.Equal(t, "from-redis", string(val))

		l1, _ := local.Get(ctx, "remote-only")
		assert.Equal(t, "from-redis", string(l1))
	})

	t.Run("DeleteBothTiers", func(t *testing.T) {
		c, local := newCache(t)

		require.NoError(t, c.Set(ctx, "del", []byte("v"), time.Minute))
		require.NoError(t, c.Delete(ctx, "del"))

		l1, _ := local.Get(ctx, "del")
		assert.Nil(t, l1)
		assert.False(t, mr.Exists("kestrel:del"))
	})

	t.Run("Ping", func(t *testing.T) {
		c, _ := newCache(t)
		assert.NoError(t, c.Ping(ctx))
	})

	t.Run("DeleteClearsL1WhenL2Down", func(t *testing.T) {
		down := miniredis.RunT(t)
		local := NewLRUCache(10)
		c := newTwoPhase(local, NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: down.Addr()})), time.Minute)
		defer c.Close()

		require.NoError(t, c.Set(ctx, "stale", []byte("v"), time.Minute))
		down.Close()

		assert.Error(t, c.Delete(ctx, "stale"))
		l1, _ := local.Get(ctx, "stale")
		assert.Nil(t, l1)
	})

	t.Run("NewFromConfig", func(t *testing.T) {
		c, err := New(domain.CacheConfig{
			Type:           "redis",
			RedisAddr:      mr.Addr(),
			EnableTwoPhase: true,
			LocalMaxSize:   10,
		})
		require.NoError(t, err)
		defer c.Close()

		_, ok := c.(*TwoPhaseCache)
		assert.True(t, ok, "expected TwoPhaseCache")
	})
}
