package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "tx-1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "tx-1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := l.Acquire(ctx, "tx-2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	again, err := l.Acquire(ctx, "tx-1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "tx-1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := l.Acquire(ctx, "tx-1", time.Minute)
	require.NoError(t, err)

	// освобождение протухшей блокировки не снимает новую
	stale()
	_, err = l.Acquire(ctx, "tx-1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)
	fresh()
}

func TestNoopRateLimiterAllows(t *testing.T) {
	ok, retry, err := NoopRateLimiter().Allow(context.Background(), "purchase", "user")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, retry)
}

func TestRedisRateLimiterDisabledWithoutClient(t *testing.T) {
	var r *RedisRateLimiter
	ok, _, err := r.Allow(context.Background(), "purchase", "user")
	require.NoError(t, err)
	assert.True(t, ok)
}
