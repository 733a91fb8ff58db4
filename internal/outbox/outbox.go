// Package outbox implements C9: the consumer side of the outbox pattern.
// Trigger T2 writes a pending_jobs row and calls pg_notify on every insert
// (§4.9); this package lifts PENDING rows into the Redis queue (C8) so the
// worker pool (C10) picks them up even when the application service's
// best-effort real-time enqueue was skipped or failed.
package outbox

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/platform/pgbus"
)

// pendingJobsChannel is the Postgres NOTIFY channel trigger T2 publishes on.
const pendingJobsChannel = "pending_jobs_channel"

// jobMarkerTTL bounds how long the dedup marker in internal/bus survives,
// matching appservice's real-time enqueue convention so both paths agree
// on how long a job id stays "claimed".
const jobMarkerTTL = 24 * time.Hour

// sweepBatchSize caps how many rows one sweep lifts, so a backlog after an
// outage doesn't try to enqueue thousands of rows in one pass.
const sweepBatchSize = 100

// Store is the subset of *postgres.Store the consumer depends on.
type Store interface {
	SelectPendingOutboxRows(ctx context.Context, limit int) ([]*application.PendingJob, error)
	MarkPendingJobEnqueued(ctx context.Context, id, queueJobID string) error
	MarkPendingJobEnqueueFailed(ctx context.Context, id, errMessage string) error
}

// Consumer polls for PENDING outbox rows on a cron cadence, plus an
// immediate wake on Postgres NOTIFY so a freshly-inserted row doesn't wait
// out a full tick under normal load (§4.9).
type Consumer struct {
	store Store
	bus   *bus.Bus
	wake  <-chan struct{}
	log   *logger.Logger
}

// New constructs a Consumer. wake may be nil, in which case the consumer
// relies on its cron tick alone.
func New(store Store, b *bus.Bus, wake <-chan struct{}, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewFromEnv("outbox")
	}
	return &Consumer{store: store, bus: b, wake: wake, log: log}
}

// Run blocks, polling every minute (§4.9's documented cadence) and on
// every wake signal, until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	sched := cron.New()
	tick := make(chan struct{}, 1)
	if _, err := sched.AddFunc("@every 1m", func() {
		select {
		case tick <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// Sweep once immediately so a process restart doesn't wait a full
	// minute before draining a backlog.
	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			c.sweep(ctx)
		case <-c.wake:
			c.sweep(ctx)
		}
	}
}

// sweep lifts up to 100 PENDING rows into the queue, one at a time, logging
// but not aborting on a single row's failure.
func (c *Consumer) sweep(ctx context.Context) {
	rows, err := c.store.SelectPendingOutboxRows(ctx, sweepBatchSize)
	if err != nil {
		c.log.WithError(err).Error("select pending outbox rows")
		return
	}
	for _, row := range rows {
		c.enqueueOne(ctx, row)
	}
}

func (c *Consumer) enqueueOne(ctx context.Context, row *application.PendingJob) {
	jobID := application.JobID(row.ApplicationID)

	_, err := c.bus.Enqueue(ctx, application.EvaluationQueueName, jobID, jobMarkerTTL)
	if err != nil {
		if markErr := c.store.MarkPendingJobEnqueueFailed(ctx, row.ID, err.Error()); markErr != nil {
			c.log.WithError(markErr).WithField("pending_job_id", row.ID).Error("mark enqueue failed")
		}
		c.log.WithError(err).WithField("pending_job_id", row.ID).Warn("enqueue outbox row failed")
		return
	}

	if err := c.store.MarkPendingJobEnqueued(ctx, row.ID, jobID); err != nil {
		c.log.WithError(err).WithField("pending_job_id", row.ID).Error("mark pending job enqueued")
	}
}

// Wake wraps a *pgbus.Bus's wake channel for the pendingJobsChannel, so
// cmd/scheduler's wiring code doesn't need to know the channel name.
func Wake(b *pgbus.Bus) <-chan struct{} {
	return b.Wake(pendingJobsChannel)
}
