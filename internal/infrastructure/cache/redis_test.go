package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := &config.RedisConfig{
		URL:          mr.Addr(),
		DB:           0,
		PoolSize:     5,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	client, err := NewRedisClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return client, mr, cleanup
}

func TestNewRedisClient(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		client, _, cleanup := setupRedis(t)
		defer cleanup()
		assert.NotNil(t, client)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRedisClient(nil, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis config is required")
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisClient(&config.RedisConfig{URL: "localhost:6379"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("connection failure", func(t *testing.T) {
		cfg := &config.RedisConfig{
			URL:         "localhost:9999",
			DialTimeout: 100 * time.Millisecond,
		}
		_, err := NewRedisClient(cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis connection failed")
	})
}

func TestNewRedisResultCache_Validation(t *testing.T) {
	client, _, cleanup := setupRedis(t)
	defer cleanup()
	logger := zaptest.NewLogger(t)

	t.Run("nil client", func(t *testing.T) {
		_, err := NewRedisResultCache(nil, logger, time.Hour)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisResultCache(client, nil, time.Hour)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("negative ttl", func(t *testing.T) {
		_, err := NewRedisResultCache(client, logger, -time.Hour)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestRedisResultCache_RoundTrip(t *testing.T) {
	client, mr, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	c, err := NewRedisResultCache(client, zaptest.NewLogger(t), time.Hour)
	require.NoError(t, err)

	want := cachedResult(t, "3001")
	require.NoError(t, c.Set(ctx, "rk1", want))

	assert.True(t, mr.Exists("nfe:analysis:rk1"))
	assert.Equal(t, time.Hour, mr.TTL("nfe:analysis:rk1"))

	got, ok := c.Get(ctx, "rk1")
	require.True(t, ok)
	assert.True(t, got.AccessKey.Equal(want.AccessKey))
	assert.True(t, got.Issuer.Equal(want.Issuer))
	assert.Equal(t, want.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, want.RiskScore, got.RiskScore)
	assert.Equal(t, want.RiskLevel, got.RiskLevel)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestRedisResultCache_MissOnAbsent(t *testing.T) {
	client, _, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	c, err := NewRedisResultCache(client, zaptest.NewLogger(t), time.Hour)
	require.NoError(t, err)

	got, ok := c.Get(ctx, "never-stored")
	assert.False(t, ok)
	assert.Nil(t, got)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRedisResultCache_EntriesExpire(t *testing.T) {
	client, mr, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	c, err := NewRedisResultCache(client, zaptest.NewLogger(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "rk", cachedResult(t, "77")))
	_, ok := c.Get(ctx, "rk")
	require.True(t, ok)

	mr.FastForward(61 * time.Second)

	_, ok = c.Get(ctx, "rk")
	assert.False(t, ok)
}

func TestRedisResultCache_EvictsCorruptEntries(t *testing.T) {
	client, mr, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	c, err := NewRedisResultCache(client, zaptest.NewLogger(t), time.Hour)
	require.NoError(t, err)

	require.NoError(t, mr.Set("nfe:analysis:bad", "{not-json"))

	got, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("nfe:analysis:bad"), "undecodable entry should be deleted")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestRedisResultCache_StatsCountsEntries(t *testing.T) {
	client, _, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	c, err := NewRedisResultCache(client, zaptest.NewLogger(t), time.Hour)
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, key, cachedResult(t, "600")))
	}

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
}

func TestRedisRateLimiter(t *testing.T) {
	client, _, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	limiter := NewRedisRateLimiter(client, zaptest.NewLogger(t))

	t.Run("enforces the limit inside the window", func(t *testing.T) {
		const key = "client-a"

		for i := 0; i < 3; i++ {
			allowed, err := limiter.Allow(ctx, key, 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed, "request %d should pass", i+1)
		}

		allowed, err := limiter.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)

		count, err := limiter.Count(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 3, count, "denied request should not stay in the window")

		remaining, err := limiter.Remaining(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
	})

	t.Run("reset clears the window", func(t *testing.T) {
		const key = "client-b"

		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, key, 2, time.Minute)
			require.NoError(t, err)
		}
		allowed, err := limiter.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		require.False(t, allowed)

		require.NoError(t, limiter.Reset(ctx, key))

		allowed, err = limiter.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		const key = "client-c"

		allowed, err := limiter.Allow(ctx, key, 1, 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, allowed)

		allowed, err = limiter.Allow(ctx, key, 1, 50*time.Millisecond)
		require.NoError(t, err)
		require.False(t, allowed)

		time.Sleep(80 * time.Millisecond)

		allowed, err = limiter.Allow(ctx, key, 1, 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("remaining reflects unused budget", func(t *testing.T) {
		const key = "client-d"

		remaining, err := limiter.Remaining(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 5, remaining)

		_, err = limiter.Allow(ctx, key, 5, time.Minute)
		require.NoError(t, err)

		remaining, err = limiter.Remaining(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 4, remaining)
	})
}
