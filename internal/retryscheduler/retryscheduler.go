// Package retryscheduler implements C11: the periodic sweep that
// re-enqueues retryable dead-letter rows, plus the webhook_events
// retention sweep (P10) that the expanded scope gives an owning
// component rather than leaving as an unenforced property.
package retryscheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/logger"
)

// jobMarkerTTL matches the other enqueue paths (C8, C9) so a re-enqueued
// retry's dedup marker behaves the same way.
const jobMarkerTTL = 24 * time.Hour

// webhookRetentionWindow is the 30-day window P10 documents.
const webhookRetentionWindow = 30 * 24 * time.Hour

// retrySweepBatchSize caps one tick's worth of re-enqueues.
const retrySweepBatchSize = 100

// Store is the subset of *postgres.Store the scheduler depends on.
type Store interface {
	SelectRetryableFailedJobs(ctx context.Context, limit int) ([]*application.FailedJob, error)
	MarkFailedJobRetried(ctx context.Context, id, reprocessedJobID string) error
	MarkFailedJobIgnored(ctx context.Context, id, reason string) error
	DeleteWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs the DLQ retry sweep (§4.9, documented 15-minute cadence)
// and the webhook retention sweep (P10, once a day) on independent cron
// entries inside one process.
type Scheduler struct {
	store Store
	bus   *bus.Bus
	log   *logger.Logger
	now   func() time.Time
}

// New constructs a Scheduler.
func New(store Store, b *bus.Bus, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewFromEnv("retryscheduler")
	}
	return &Scheduler{store: store, bus: b, log: log, now: time.Now}
}

// Run blocks until ctx is cancelled, driving both sweeps on their cron
// schedules.
func (s *Scheduler) Run(ctx context.Context) error {
	sched := cron.New()
	if _, err := sched.AddFunc("@every 15m", func() { s.retrySweep(ctx) }); err != nil {
		return err
	}
	if _, err := sched.AddFunc("@every 24h", func() { s.webhookRetentionSweep(ctx) }); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// retrySweep re-enqueues DLQ rows still under their retry budget, and
// retires rows that have exhausted it so they stop being selected on
// every future tick.
func (s *Scheduler) retrySweep(ctx context.Context) {
	jobs, err := s.store.SelectRetryableFailedJobs(ctx, retrySweepBatchSize)
	if err != nil {
		s.log.WithError(err).Error("select retryable failed jobs")
		return
	}
	for _, job := range jobs {
		s.retryOne(ctx, job)
	}
}

func (s *Scheduler) retryOne(ctx context.Context, job *application.FailedJob) {
	log := s.log.WithField("failed_job_id", job.ID)

	if job.RetryCount >= job.MaxRetries {
		if err := s.store.MarkFailedJobIgnored(ctx, job.ID, "max_retries exhausted"); err != nil {
			log.WithError(err).Error("mark failed job ignored")
		}
		return
	}

	epoch := s.now().Unix()
	reprocessedJobID := application.RetryJobID(job.QueueJobID, epoch)

	if _, err := s.bus.Enqueue(ctx, application.EvaluationQueueName, reprocessedJobID, jobMarkerTTL); err != nil {
		log.WithError(err).Warn("re-enqueue failed job failed")
		return
	}

	if err := s.store.MarkFailedJobRetried(ctx, job.ID, reprocessedJobID); err != nil {
		log.WithError(err).Error("mark failed job retried")
	}
}

// webhookRetentionSweep purges webhook_events rows past the retention
// window (P10).
func (s *Scheduler) webhookRetentionSweep(ctx context.Context) {
	cutoff := s.now().Add(-webhookRetentionWindow)
	deleted, err := s.store.DeleteWebhookEventsOlderThan(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Error("delete expired webhook events")
		return
	}
	if deleted > 0 {
		s.log.WithField("deleted", deleted).Info("purged expired webhook events")
	}
}
