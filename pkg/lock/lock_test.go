package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recur/pkg/billing"
)

func setupLockerTest(t *testing.T, wait time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, &Config{Prefix: "test", Wait: wait, RetryInterval: 10 * time.Millisecond}), mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	locker, mr := setupLockerTest(t, 0)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "invoice:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:invoice:1"))
	assert.Equal(t, time.Minute, mr.TTL("test:invoice:1"))

	_, err = locker.Acquire(ctx, "invoice:1", time.Minute)
	assert.ErrorIs(t, err, billing.ErrLockHeld)

	// other keys are independent
	releaseOther, err := locker.Acquire(ctx, "invoice:2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, releaseOther(ctx))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:invoice:1"))

	release, err = locker.Acquire(ctx, "invoice:1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	locker, mr := setupLockerTest(t, 0)
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "run:daily", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := locker.Acquire(ctx, "run:daily", time.Minute)
	require.NoError(t, err)

	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists("test:run:daily"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:run:daily"))
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	locker, _ := setupLockerTest(t, 2*time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "invoice:1", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		var r func(context.Context) error
		r, waitErr = locker.Acquire(ctx, "invoice:1", time.Minute)
		if waitErr == nil {
			waitErr = r(ctx)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, release(ctx))
	wg.Wait()
	assert.NoError(t, waitErr)
}

func TestRedisLocker_ContextCancelled(t *testing.T) {
	locker, _ := setupLockerTest(t, time.Minute)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "invoice:1", time.Minute)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(cctx, "invoice:1", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_RedisDown(t *testing.T) {
	locker, mr := setupLockerTest(t, 0)
	mr.Close()

	_, err := locker.Acquire(context.Background(), "invoice:1", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrLockHeld)
}
