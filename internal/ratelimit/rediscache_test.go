package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *RedisCache {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return &RedisCache{client: client}
}

func TestRateLimitCheckAllowsUpToLimitThenRejects(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := c.RateLimitCheck(ctx, "user-1", "place_order", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := c.RateLimitCheck(ctx, "user-1", "place_order", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestRateLimitCheckTracksActionsAndUsersSeparately(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	allowed, err := c.RateLimitCheck(ctx, "user-1", "place_order", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = c.RateLimitCheck(ctx, "user-2", "place_order", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = c.RateLimitCheck(ctx, "user-1", "cancel_order", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestBlacklistRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	blacklisted, err := c.IsBlacklisted(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, blacklisted)

	require.NoError(t, c.AddToBlacklist(ctx, "user-1", "fraud review", time.Hour))
	blacklisted, err = c.IsBlacklisted(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, blacklisted)

	require.NoError(t, c.RemoveFromBlacklist(ctx, "user-1"))
	blacklisted, err = c.IsBlacklisted(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, blacklisted)
}
