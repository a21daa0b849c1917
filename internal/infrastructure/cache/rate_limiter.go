package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter bounds request rates per caller key over a sliding window.
type RateLimiter interface {
	// Allow reports whether one more request fits under limit within the
	// window, recording it when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Count returns the requests currently inside the window.
	Count(ctx context.Context, key string, window time.Duration) (int, error)
	// Remaining returns how many requests are left in the current window.
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
	// Reset clears the counter for a key.
	Reset(ctx context.Context, key string) error
}

// redisRateLimiter keeps one sorted set per key, scored by request
// timestamp, so limits hold across every API replica sharing the Redis.
type redisRateLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRateLimiter builds the shared sliding-window limiter.
func NewRedisRateLimiter(client *redis.Client, logger *zap.Logger) RateLimiter {
	return &redisRateLimiter{client: client, logger: logger}
}

func (r *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	member := uuid.NewString()
	limitKey := RateLimitPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, limitKey, "-inf", windowFloor(now, window))
	countCmd := pipe.ZCard(ctx, limitKey)
	pipe.ZAdd(ctx, limitKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	// Keys outlive the window slightly so Count sees a full window.
	pipe.Expire(ctx, limitKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	// countCmd saw the set before this request was added.
	if countCmd.Val() >= int64(limit) {
		r.client.ZRem(ctx, limitKey, member)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("in_window", countCmd.Val()),
			zap.Int("limit", limit))
		return false, nil
	}
	return true, nil
}

func (r *redisRateLimiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	limitKey := RateLimitPrefix + key

	if err := r.client.ZRemRangeByScore(ctx, limitKey, "-inf", windowFloor(now, window)).Err(); err != nil {
		return 0, fmt.Errorf("rate limiter cleanup failed: %w", err)
	}
	count, err := r.client.ZCard(ctx, limitKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return int(count), nil
}

func (r *redisRateLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := r.Count(ctx, key, window)
	if err != nil {
		return 0, err
	}
	if remaining := limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (r *redisRateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}

// windowFloor is the oldest score still inside the window.
func windowFloor(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixNano(), 10)
}
