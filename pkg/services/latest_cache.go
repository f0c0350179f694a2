package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// LatestCache stores /latest responses per clamped lookback.
// Cache failures are logged and treated as misses.
type LatestCache interface {
	Get(ctx context.Context, lookbackDays int) (models.LatestResult, bool)
	Set(ctx context.Context, lookbackDays int, result models.LatestResult)
	Invalidate(ctx context.Context)
}

// NoopLatestCache never hits.
type NoopLatestCache struct{}

func (NoopLatestCache) Get(context.Context, int) (models.LatestResult, bool) { return nil, false }
func (NoopLatestCache) Set(context.Context, int, models.LatestResult)         {}
func (NoopLatestCache) Invalidate(context.Context)                            {}

const latestCachePrefix = "telemetry-mapper:latest:"

type redisLatestCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewLatestCache returns a Redis-backed cache, or a no-op cache when client is
// nil or ttl is not positive.
func NewLatestCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) LatestCache {
	if client == nil || ttl <= 0 {
		return NoopLatestCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisLatestCache{client: client, ttl: ttl, logger: logger.Named("latest-cache")}
}

func latestCacheKey(lookbackDays int) string {
	return latestCachePrefix + strconv.Itoa(lookbackDays)
}

func (c *redisLatestCache) Get(ctx context.Context, lookbackDays int) (models.LatestResult, bool) {
	data, err := c.client.Get(ctx, latestCacheKey(lookbackDays)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Latest cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var result models.LatestResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Warn("Discarding malformed latest cache entry", zap.Error(err))
		return nil, false
	}
	return result, true
}

func (c *redisLatestCache) Set(ctx context.Context, lookbackDays int, result models.LatestResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("Failed to encode latest result for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, latestCacheKey(lookbackDays), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Latest cache write failed", zap.Error(err))
	}
}

func (c *redisLatestCache) Invalidate(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, latestCachePrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("Latest cache scan failed", zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Latest cache invalidation failed", zap.Error(err))
	}
}
