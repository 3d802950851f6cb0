package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLockClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSessionLockAcquireAndRelease(t *testing.T) {
	mr, client := newLockClient(t)
	lock := NewSessionLock(client, time.Minute)
	key := ReconcileLockKey(uuid.New())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	_, err = lock.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockHeld)

	release()
	require.False(t, mr.Exists(key))

	release2, err := lock.Acquire(ctx, key)
	require.NoError(t, err)
	release2()
}

func TestSessionLockReleaseIgnoresStolenKey(t *testing.T) {
	mr, client := newLockClient(t)
	lock := NewSessionLock(client, time.Minute)
	key := ReconcileLockKey(uuid.New())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, key)
	require.NoError(t, err)

	// Lease expired and another holder took over; release must not delete
	// the new holder's key.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, client.Set(ctx, key, "other-holder", time.Minute).Err())

	release()
	require.True(t, mr.Exists(key))
	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	require.Equal(t, "other-holder", val)
}

func TestSessionLockNilIsNoOp(t *testing.T) {
	var lock *SessionLock
	release, err := lock.Acquire(context.Background(), "any")
	require.NoError(t, err)
	release()
}
