// Command scheduler runs the two cron-driven background sweeps in one
// lightweight process: the outbox consumer (C9), which lifts PENDING
// pending_jobs rows into the Redis queue, and the retry scheduler (C11),
// which re-enqueues retryable dead-letter rows and purges expired webhook
// events. The outbox consumer also reacts immediately to Postgres NOTIFY
// via internal/platform/pgbus in addition to its cron cadence; the retry
// scheduler runs on its cron cadence alone.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/cipher"
	"github.com/r3e-network/creditflow/internal/config"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/outbox"
	"github.com/r3e-network/creditflow/internal/platform/database"
	"github.com/r3e-network/creditflow/internal/platform/pgbus"
	"github.com/r3e-network/creditflow/internal/retryscheduler"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
)

const pendingJobsChannel = "pending_jobs_channel"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New("scheduler", cfg.LogLevel, cfg.LogFormat)

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.DatabaseURL, database.PoolConfig{})
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}
	defer db.Close()

	c, err := cipher.New([]byte(cfg.EncryptionKey))
	if err != nil {
		log.WithError(err).Fatal("initialise cipher")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("parse REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	messageBus := bus.New(redisClient)

	store := postgres.New(db, c)

	notifyBus, err := pgbus.New(cfg.DatabaseURL, log, pendingJobsChannel)
	if err != nil {
		log.WithError(err).Warn("pgbus unavailable, falling back to cron-only cadence")
	}
	var wake <-chan struct{}
	if notifyBus != nil {
		defer notifyBus.Close()
		wake = notifyBus.Wake(pendingJobsChannel)
	}

	consumer := outbox.New(store, messageBus, wake, log)
	scheduler := retryscheduler.New(store, messageBus, log)

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("outbox consumer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("retry scheduler stopped")
		}
	}()

	log.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	wg.Wait()
}
