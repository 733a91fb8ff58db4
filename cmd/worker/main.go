// Command worker runs the evaluation pipeline (C10): it dequeues
// application ids from the Redis queue and drives each one through
// validation, provider fetch, and risk-rule evaluation under a
// per-application distributed lock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/cipher"
	"github.com/r3e-network/creditflow/internal/config"
	"github.com/r3e-network/creditflow/internal/country"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/platform/database"
	"github.com/r3e-network/creditflow/internal/resilience"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
	"github.com/r3e-network/creditflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New("worker", cfg.LogLevel, cfg.LogFormat)

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
	registry := country.NewRegistry()
	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: uint32(cfg.FailureThreshold),
		RecoveryTimeout:  cfg.RecoveryTimeout,
	})

	pool := worker.New(store, messageBus, registry, breakers, log, worker.Config{
		MaxJobs:         cfg.MaxJobs,
		ProviderTimeout: cfg.ProviderTimeout,
		MaxTries:        cfg.MaxTries,
	})

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	log.WithField("max_jobs", cfg.MaxJobs).Info("worker pool started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("worker pool shutdown timed out, exiting anyway")
	}
}
