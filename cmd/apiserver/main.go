// Command apiserver serves the §6 HTTP surface: application CRUD, the
// bank-confirmation webhook, and the application-update websocket. It
// wires the full internal/httpmw chain in front of internal/httpapi and
// starts internal/notify.Manager's hub and subscriber loops alongside the
// listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/creditflow/internal/appservice"
	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/cipher"
	"github.com/r3e-network/creditflow/internal/config"
	"github.com/r3e-network/creditflow/internal/country"
	"github.com/r3e-network/creditflow/internal/httpapi"
	"github.com/r3e-network/creditflow/internal/httpmw"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/notify"
	"github.com/r3e-network/creditflow/internal/platform/database"
	"github.com/r3e-network/creditflow/internal/platform/migrations"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
	"github.com/r3e-network/creditflow/internal/webhook"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to :8080)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New("apiserver", cfg.LogLevel, cfg.LogFormat)

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.DatabaseURL, database.PoolConfig{})
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Apply(cfg.DatabaseURL); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}

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
	service := appservice.New(store, c, registry, messageBus, log)
	webhookHandler := webhook.New(store, messageBus, cfg.WebhookSecret, cfg.MaxPayloadSizeMB, log)

	notifyManager := notify.New(log)

	handler := httpapi.New(service, webhookHandler, notifyManager, log)

	reg := prometheus.NewRegistry()
	metrics := httpmw.NewMetrics(reg)

	mw := []func(http.Handler) http.Handler{
		httpmw.RequestID,
		httpmw.SecurityHeaders,
		httpmw.CORS(httpmw.CORSConfig{AllowAll: cfg.Environment != config.EnvProduction}),
		httpmw.Recovery(log),
		httpmw.BodyLimit(int64(cfg.MaxPayloadSizeMB) * 1024 * 1024),
		httpmw.Timeout(cfg.JobTimeout),
		httpmw.Logging(log),
		httpmw.Auth(cfg.JWTSecret, log),
	}

	router := handler.Router(mw, metrics)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	go notifyManager.Run(ctx)
	go notifyManager.RunSubscriber(ctx, messageBus)

	go func() {
		log.WithField("addr", listenAddr).Info("apiserver listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}
