package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/country"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
	"github.com/r3e-network/creditflow/internal/resilience"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
)

// fakeStore is an in-memory Store good enough to exercise the pipeline's
// transitions and outcomes without a live database.
type fakeStore struct {
	mu          sync.Mutex
	apps        map[string]*application.Application
	pendingJobs map[string]*application.PendingJob
	failedJobs  []*application.FailedJob
}

func newFakeStore(app *application.Application) *fakeStore {
	return &fakeStore{
		apps: map[string]*application.Application{app.ID: app},
		pendingJobs: map[string]*application.PendingJob{
			app.ID: {ID: "job-" + app.ID, ApplicationID: app.ID, Status: application.PendingJobStatusEnqueued},
		},
	}
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) FindApplication(ctx context.Context, id string, opts postgres.FindOptions) (*application.Application, *application.DecryptedPII, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[id]
	if !ok {
		return nil, nil, servererr.NotFound("application", id)
	}
	cp := *app
	var pii *application.DecryptedPII
	if opts.Decrypt {
		pii = &application.DecryptedPII{FullName: "Maria Garcia", Document: "12345678Z"}
	}
	return &cp, pii, nil
}

func (f *fakeStore) UpdateApplication(ctx context.Context, app *application.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *app
	f.apps[app.ID] = &cp
	return nil
}

func (f *fakeStore) FindLatestPendingJobForApplication(ctx context.Context, applicationID string) (*application.PendingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.pendingJobs[applicationID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) MarkPendingJobProcessing(ctx context.Context, id string) error {
	return nil
}

func (f *fakeStore) MarkPendingJobCompleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.pendingJobs {
		if job.ID == id {
			job.Status = application.PendingJobStatusCompleted
		}
	}
	return nil
}

func (f *fakeStore) MarkPendingJobFailed(ctx context.Context, id, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.pendingJobs {
		if job.ID == id {
			job.Status = application.PendingJobStatusFailed
			job.RetryCount++
		}
	}
	return nil
}

func (f *fakeStore) InsertFailedJob(ctx context.Context, job *application.FailedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedJobs = append(f.failedJobs, job)
	return nil
}

// fakeProvider lets each test dictate the banking-data outcome without
// relying on the deterministic mock's seeded randomness.
type fakeProvider struct {
	name  string
	fetch func(ctx context.Context) (provider.BankingData, error)
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) FetchBankingData(ctx context.Context, document, fullName string) (provider.BankingData, error) {
	return p.fetch(ctx)
}

func newTestPool(t *testing.T, app *application.Application, prov provider.Provider) (*Pool, *fakeStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.New(client)

	registry := country.NewRegistry()
	registry.WithProvider(app.Country, prov)

	store := newFakeStore(app)
	cfg := DefaultConfig()
	cfg.MaxTries = 2

	pool := New(store, b, registry, resilience.NewRegistry(resilience.DefaultConfig()), nil, cfg)
	return pool, store
}

func sampleApp(status application.Status) *application.Application {
	return &application.Application{
		ID:                  "app-1",
		Country:             application.CountryES,
		RequestedAmount:     decimal.NewFromInt(5000),
		MonthlyIncome:       decimal.NewFromInt(3000),
		Currency:            "EUR",
		Status:              status,
		CountrySpecificData: map[string]interface{}{},
		BankingData:         map[string]interface{}{},
		ValidationErrors:    []string{},
	}
}

func creditScore(score int) *int { return &score }

func TestProcessOnceApprovesCleanApplicant(t *testing.T) {
	app := sampleApp(application.StatusPending)
	prov := &fakeProvider{name: "mockbank-ES", fetch: func(ctx context.Context) (provider.BankingData, error) {
		return provider.BankingData{CreditScore: creditScore(700), HasDefaults: false}, nil
	}}
	pool, store := newTestPool(t, app, prov)

	err := pool.ProcessOnce(context.Background(), app.ID)
	require.NoError(t, err)

	got := store.apps[app.ID]
	assert.Equal(t, application.StatusApproved, got.Status)
	assert.Equal(t, application.PendingJobStatusCompleted, store.pendingJobs[app.ID].Status)
}

func TestProcessOnceRejectsOnDefaults(t *testing.T) {
	app := sampleApp(application.StatusPending)
	prov := &fakeProvider{name: "mockbank-ES", fetch: func(ctx context.Context) (provider.BankingData, error) {
		return provider.BankingData{CreditScore: creditScore(700), HasDefaults: true}, nil
	}}
	pool, store := newTestPool(t, app, prov)

	err := pool.ProcessOnce(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, application.StatusRejected, store.apps[app.ID].Status)
}

func TestProcessOnceSendsToReviewOnLowCreditScore(t *testing.T) {
	app := sampleApp(application.StatusPending)
	prov := &fakeProvider{name: "mockbank-ES", fetch: func(ctx context.Context) (provider.BankingData, error) {
		return provider.BankingData{CreditScore: creditScore(300), HasDefaults: false}, nil
	}}
	pool, store := newTestPool(t, app, prov)

	err := pool.ProcessOnce(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, application.StatusUnderReview, store.apps[app.ID].Status)
}

func TestProcessOnceAlreadyFinalIsIdempotentExit(t *testing.T) {
	app := sampleApp(application.StatusApproved)
	prov := &fakeProvider{name: "mockbank-ES", fetch: func(ctx context.Context) (provider.BankingData, error) {
		t.Fatal("provider must not be called for an already-final application")
		return provider.BankingData{}, nil
	}}
	pool, store := newTestPool(t, app, prov)

	err := pool.ProcessOnce(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, application.StatusApproved, store.apps[app.ID].Status)
}

func TestProcessOnceRecordsFailedJobAfterRetriesExhausted(t *testing.T) {
	app := sampleApp(application.StatusPending)
	var calls int
	prov := &fakeProvider{name: "mockbank-ES", fetch: func(ctx context.Context) (provider.BankingData, error) {
		calls++
		return provider.BankingData{}, &provider.ExternalServiceError{Provider: "mockbank-ES", Err: context.DeadlineExceeded}
	}}
	pool, store := newTestPool(t, app, prov)

	err := pool.ProcessOnce(context.Background(), app.ID)
	require.Error(t, err)
	assert.GreaterOrEqual(t, calls, 2, "worker must retry recoverable provider errors")

	require.Len(t, store.failedJobs, 1)
	assert.True(t, store.failedJobs[0].IsRetryable)
	assert.Equal(t, application.PendingJobStatusFailed, store.pendingJobs[app.ID].Status)
}

func TestApplicationIDFromJobID(t *testing.T) {
	assert.Equal(t, "abc-123", applicationIDFromJobID("rt_abc-123"))
	assert.Equal(t, "abc-123", applicationIDFromJobID("abc-123_retry_1700000000"))
}

func TestLockPreventsConcurrentProcessing(t *testing.T) {
	app := sampleApp(application.StatusPending)
	blocking := make(chan struct{})
	started := make(chan struct{})
	prov := &fakeProvider{name: "mockbank-ES", fetch: func(ctx context.Context) (provider.BankingData, error) {
		close(started)
		<-blocking
		return provider.BankingData{CreditScore: creditScore(700)}, nil
	}}
	pool, _ := newTestPool(t, app, prov)

	done := make(chan error, 1)
	go func() { done <- pool.ProcessOnce(context.Background(), app.ID) }()

	<-started
	lock, err := pool.bus.AcquireLock(context.Background(), lockKey(app.ID), time.Second)
	require.NoError(t, err)
	assert.Nil(t, lock, "lock must be held by the in-flight ProcessOnce call")

	close(blocking)
	require.NoError(t, <-done)
}
