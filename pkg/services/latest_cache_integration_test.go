//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/telemetry-mapper/pkg/config"
	"github.com/ekaya-inc/telemetry-mapper/pkg/database"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/testhelpers"
)

func TestRedisLatestCache_Integration(t *testing.T) {
	host, port := testhelpers.GetRedis(t)
	ctx := context.Background()

	client, err := database.NewRedisClient(ctx, &config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.FlushDB(ctx).Err())

	cache := NewLatestCache(client, time.Minute, zaptest.NewLogger(t))
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, ok := cache.Get(ctx, 30)
	assert.False(t, ok)

	cache.Set(ctx, 30, models.LatestResult{"node_5.04": {Value: 21.5, Timestamp: ts, Unit: "°C"}})
	cache.Set(ctx, 3650, models.LatestResult{"node_5.04": {Value: 21.5, Timestamp: ts}})

	got, ok := cache.Get(ctx, 30)
	require.True(t, ok)
	assert.Equal(t, 21.5, got["node_5.04"].Value)
	assert.True(t, ts.Equal(got["node_5.04"].Timestamp))

	ttl, err := client.TTL(ctx, latestCacheKey(30)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, client.Set(ctx, "unrelated", "keep", 0).Err())

	cache.Invalidate(ctx)

	_, ok = cache.Get(ctx, 30)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, 3650)
	assert.False(t, ok)
	assert.Equal(t, "keep", client.Get(ctx, "unrelated").Val())
}

func TestRedisLatestCache_MalformedEntryIsMiss(t *testing.T) {
	host, port := testhelpers.GetRedis(t)
	ctx := context.Background()

	client, err := database.NewRedisClient(ctx, &config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(ctx, latestCacheKey(7), "{not json", time.Minute).Err())

	_, ok := NewLatestCache(client, time.Minute, zaptest.NewLogger(t)).Get(ctx, 7)
	assert.False(t, ok)
}
