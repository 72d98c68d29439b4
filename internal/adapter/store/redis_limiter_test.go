package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiter_AllowsUpToLimit(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := limiter.Check(ctx, "rate_limit:design:admin-1", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "call %d within limit", i+1)
		assert.Equal(t, 2-i, dec.Remaining)
	}

	dec, err := limiter.Check(ctx, "rate_limit:design:admin-1", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Zero(t, dec.Remaining)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, dec.RetryAfter, time.Hour)
}

func TestRedisLimiter_DeniedCallDoesNotConsume(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(ctx, "k", 2, time.Hour)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		dec, err := limiter.Check(ctx, "k", 2, time.Hour)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
	}

	// The stored counter never exceeds the limit.
	stored, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "2", stored)
}

func TestRedisLimiter_WindowReset(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	dec, err := limiter.Check(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = limiter.Check(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	mr.FastForward(time.Minute + time.Second)

	dec, err = limiter.Check(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "a fresh window admits again")
}

func TestRedisLimiter_ConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	const limit = 5
	const callers = 25

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := limiter.Check(ctx, "rate_limit:design:admin-1", limit, time.Hour)
			if assert.NoError(t, err) && dec.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load(),
		"check-and-increment is atomic per key; exactly limit calls pass")
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	dec, err := limiter.Check(ctx, "rate_limit:design:admin-1", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = limiter.Check(ctx, "rate_limit:design:admin-1", 1, time.Hour)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	dec, err = limiter.Check(ctx, "rate_limit:design:admin-2", 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "one caller's exhaustion never affects another")
}
