package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/brandsignal/batchworks/pkg/kv"
)

func newTestClient(t *testing.T) *kv.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewFromClient(rdb, "batchworks-test:")
}

func TestLock_AcquireReleaseIsLocked(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "submit-batch:acme", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(ctx, "submit-batch:acme", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a second acquire while held must fail")

	locked, err := c.IsLocked(ctx, "submit-batch:acme")
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, c.ReleaseLock(ctx, "submit-batch:acme"))

	ok, err = c.AcquireLock(ctx, "submit-batch:acme", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "acquire must succeed again after release")
}

func TestRateLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	c := newTestClient(t)
	limiter := kv.NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "openai", "key-1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed, "call %d should be allowed under the limit", i)
	}

	allowed, err := limiter.Allow(ctx, "openai", "key-1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed, "the 4th call must be blocked")

	info, err := limiter.WouldLimitWithInfo(ctx, "openai", "key-1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, info.Allowed)
	require.Equal(t, 3, info.Used)
}

func TestRateLimiter_DistinctExternalIDsAreIndependent(t *testing.T) {
	c := newTestClient(t)
	limiter := kv.NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "openai", "key-1", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "openai", "key-2", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed, "a different externalId must have its own window")
}
