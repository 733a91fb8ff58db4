package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client)
}

func TestEnqueueDedupesByJobMarker(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	first, err := b.Enqueue(ctx, "evaluation_queue", "rt_app-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := b.Enqueue(ctx, "evaluation_queue", "rt_app-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second, "duplicate enqueue of an already-pending job must be a no-op")
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ok, err := b.Enqueue(ctx, "evaluation_queue", "rt_app-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	jobID, err := b.Dequeue(ctx, "evaluation_queue", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "rt_app-2", jobID)
}

func TestReleaseJobMarkerAllowsReenqueue(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "dlq_queue", "app-3_retry_1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.ReleaseJobMarker(ctx, "app-3_retry_1"))

	ok, err := b.Enqueue(ctx, "dlq_queue", "app-3_retry_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "marker release must allow a fresh enqueue")
}

func TestAcquireLockExclusivity(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	lock, err := b.AcquireLock(ctx, "process:app-1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lock)

	blocked, err := b.AcquireLock(ctx, "process:app-1", 5*time.Second)
	require.NoError(t, err)
	assert.Nil(t, blocked, "a second acquire on the same key must not succeed")

	require.NoError(t, lock.Release(ctx))

	reacquired, err := b.AcquireLock(ctx, "process:app-1", 5*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, reacquired, "lock must be acquirable again after release")
}

func TestLockReleaseIsCompareAndDelete(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	lock, err := b.AcquireLock(ctx, "process:app-2", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lock)

	// Simulate expiry + someone else grabbing the lock before our release runs.
	require.NoError(t, b.rdb.Del(ctx, "process:app-2").Err())
	other, err := b.AcquireLock(ctx, "process:app-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)

	err = lock.Release(ctx)
	assert.ErrorIs(t, err, ErrLockNotHeld, "stale lock must not delete another holder's key")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, "websocket:broadcast")
	defer sub.Close()

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "websocket:broadcast", []byte(`{"event":"status_changed"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"event":"status_changed"}`, msg.Payload)
}
