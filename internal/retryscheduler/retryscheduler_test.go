package retryscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/domain/application"
)

type fakeStore struct {
	mu             sync.Mutex
	retryable      []*application.FailedJob
	retried        map[string]string
	ignored        map[string]string
	webhookCutoff  time.Time
	webhookDeleted int64
}

func (f *fakeStore) SelectRetryableFailedJobs(ctx context.Context, limit int) ([]*application.FailedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryable, nil
}

func (f *fakeStore) MarkFailedJobRetried(ctx context.Context, id, reprocessedJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retried == nil {
		f.retried = map[string]string{}
	}
	f.retried[id] = reprocessedJobID
	return nil
}

func (f *fakeStore) MarkFailedJobIgnored(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ignored == nil {
		f.ignored = map[string]string{}
	}
	f.ignored[id] = reason
	return nil
}

func (f *fakeStore) DeleteWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookCutoff = cutoff
	return f.webhookDeleted, nil
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return bus.New(client)
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestRetrySweepReenqueuesUnderBudget(t *testing.T) {
	store := &fakeStore{retryable: []*application.FailedJob{
		{ID: "fj-1", QueueJobID: "rt_app-1", RetryCount: 1, MaxRetries: 3},
	}}
	b := newTestBus(t)
	s := New(store, b, nil)
	s.now = fixedClock(time.Unix(1700000000, 0))

	s.retrySweep(context.Background())

	require.Contains(t, store.retried, "fj-1")
	assert.Equal(t, application.RetryJobID("rt_app-1", 1700000000), store.retried["fj-1"])

	jobID, err := b.Dequeue(context.Background(), application.EvaluationQueueName, time.Second)
	require.NoError(t, err)
	assert.Equal(t, application.RetryJobID("rt_app-1", 1700000000), jobID)
}

func TestRetrySweepIgnoresExhaustedBudget(t *testing.T) {
	store := &fakeStore{retryable: []*application.FailedJob{
		{ID: "fj-2", QueueJobID: "rt_app-2", RetryCount: 3, MaxRetries: 3},
	}}
	b := newTestBus(t)
	s := New(store, b, nil)

	s.retrySweep(context.Background())

	assert.Equal(t, "max_retries exhausted", store.ignored["fj-2"])
	assert.Empty(t, store.retried)

	_, err := b.Dequeue(context.Background(), application.EvaluationQueueName, 50*time.Millisecond)
	require.NoError(t, err)
}

func TestWebhookRetentionSweepUsesThirtyDayWindow(t *testing.T) {
	store := &fakeStore{webhookDeleted: 4}
	b := newTestBus(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := New(store, b, nil)
	s.now = fixedClock(now)

	s.webhookRetentionSweep(context.Background())

	assert.Equal(t, now.Add(-webhookRetentionWindow), store.webhookCutoff)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	b := newTestBus(t)
	s := New(store, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
