package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "stategate:"), mr
}

func TestAcquireRelease(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "scope-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("stategate:lock:scope-1"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("stategate:lock:scope-1"))
}

func TestAcquireContention(t *testing.T) {
	locker, _ := setupLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = locker.Acquire(shortCtx, "shared", 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.WithinDuration(t, start.Add(300*time.Millisecond), time.Now(), 150*time.Millisecond)

	require.NoError(t, release(ctx))

	release2, err := locker.Acquire(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	_ = release2(ctx)
}

func TestLocksArePerScope(t *testing.T) {
	locker, _ := setupLocker(t)
	ctx := context.Background()

	release1, err := locker.Acquire(ctx, "scope-1", 5*time.Second)
	require.NoError(t, err)
	release2, err := locker.Acquire(ctx, "scope-2", 5*time.Second)
	require.NoError(t, err)

	_ = release1(ctx)
	_ = release2(ctx)
}

func TestReleaseIsValueChecked(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "scope-1", 50*time.Millisecond)
	require.NoError(t, err)

	// Simulate lease expiry and takeover by a second holder.
	mr.FastForward(100 * time.Millisecond)
	release2, err := locker.Acquire(ctx, "scope-1", 5*time.Second)
	require.NoError(t, err)

	// The stale holder's release must not delete the new holder's lock.
	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("stategate:lock:scope-1"))

	require.NoError(t, release2(ctx))
	assert.False(t, mr.Exists("stategate:lock:scope-1"))
}

func TestAcquireAfterExpiry(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "scope-1", 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release, err := locker.Acquire(acquireCtx, "scope-1", 5*time.Second)
	require.NoError(t, err)
	_ = release(ctx)
}
