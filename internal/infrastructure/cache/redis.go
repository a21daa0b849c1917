package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

// NewRedisClient dials Redis per config and verifies the connection
// before handing the client out.
func NewRedisClient(cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis connected",
		zap.String("addr", cfg.URL),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))
	return client, nil
}

// RedisResultCache is the Redis-backed result cache: same read/write
// contract as the memory backend, with expiry delegated to Redis TTLs and
// eviction to the server's own policy. Read failures degrade to misses so
// a flaky Redis slows analyses down instead of failing them.
type RedisResultCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewRedisResultCache wraps an established client. TTL 0 stores entries
// without expiry.
func NewRedisResultCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) (*RedisResultCache, error) {
	if client == nil {
		return nil, errors.NewValidationError("NIL_CLIENT", "redis client is required")
	}
	if logger == nil {
		return nil, errors.NewValidationError("NIL_LOGGER", "logger is required")
	}
	if ttl < 0 {
		return nil, errors.NewValidationError("INVALID_CACHE_TTL", "ttl cannot be negative")
	}
	return &RedisResultCache{client: client, logger: logger, ttl: ttl}, nil
}

// Get returns the cached result for key. Transport errors and undecodable
// blobs count as misses; the latter are deleted.
func (c *RedisResultCache) Get(ctx context.Context, key string) (*fraud.AnalysisResult, bool) {
	data, err := c.client.Get(ctx, AnalysisPrefix+key).Bytes()
	if err != nil {
		c.misses.Add(1)
		if err != redis.Nil {
			c.logger.Warn("redis get failed, treating as miss",
				zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var result fraud.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.misses.Add(1)
		c.evictions.Add(1)
		c.client.Del(ctx, AnalysisPrefix+key)
		c.logger.Warn("evicted undecodable cache entry",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}

	c.hits.Add(1)
	return &result, true
}

// Set stores the result under key with the configured TTL.
func (c *RedisResultCache) Set(ctx context.Context, key string, result *fraud.AnalysisResult) error {
	if result == nil {
		return errors.NewValidationError("NIL_RESULT", "result cannot be nil")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.NewInternalError("failed to encode analysis result").WithCause(err)
	}
	if err := c.client.Set(ctx, AnalysisPrefix+key, payload, c.ttl).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to store analysis result").WithCause(err)
	}
	return nil
}

// Stats counts the live entries under the analysis prefix and reports the
// locally tracked hit/miss/eviction counters. Byte usage and access counts
// live server-side and are not reported.
func (c *RedisResultCache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, AnalysisPrefix+"*", 100).Result()
		if err != nil {
			return Stats{}, errors.NewExternalError("redis", "failed to scan cache entries").WithCause(err)
		}
		s.Entries += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return s, nil
}
