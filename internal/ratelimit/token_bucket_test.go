package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTenantLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewTenantLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed, "first token should be granted")

	allowed, _, err = limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed, "second token should be granted")

	allowed, _, err = limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	require.False(t, allowed, "bucket should be empty")
}

func TestTenantLimiterIsolatesTenants(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewTenantLimiter(client, 1, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	require.False(t, allowed, "acme exhausted its bucket")

	allowed, _, err = limiter.Allow(ctx, "globex")
	require.NoError(t, err)
	require.True(t, allowed, "globex has its own bucket")

	// Refill cannot be tested with miniredis.FastForward because the Lua
	// script takes its clock from Go, not Redis.
}
