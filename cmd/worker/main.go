// Package main provides the standalone worker entry point for the sync
// orchestrator, for deployments that separate HTTP serving from processing.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketing-sync/internal/config"
	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/queue"
	"github.com/marketing-sync/internal/ratelimit"
	"github.com/marketing-sync/internal/reconcile"
	"github.com/marketing-sync/internal/service"
	"github.com/marketing-sync/internal/storage"
	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/upstream"
	"github.com/marketing-sync/internal/worker"
)

func main() {
	fmt.Println("Marketing Sync Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Repositories
	jobRepo := storage.NewJobRepository(postgres)
	ledgerRepo := storage.NewLedgerRepository(postgres)
	connRepo := storage.NewConnectionRepository(postgres)
	recordRepo := storage.NewRecordRepository(clickhouse)
	snapshots := storage.NewSnapshotCache(redis, cfg.Upstream.SnapshotTTL)

	q := queue.NewQueue(jobRepo)
	controller := ratelimit.NewController(snapshots, cfg.Upstream.RetryAfter)

	adsFetcher := upstream.NewPacedFetcher(
		upstream.NewAdsClient(cfg.Upstream.AdsBaseURL, cfg.Upstream.Timeout),
		float64(cfg.Upstream.RequestsPerSecond),
	)
	commerceFetcher := upstream.NewPacedFetcher(
		upstream.NewCommerceClient(cfg.Upstream.CommerceBaseURL, cfg.Upstream.Timeout),
		float64(cfg.Upstream.RequestsPerSecond),
	)

	pool := worker.NewPool(q, ledgerRepo, connRepo, worker.Config{
		BatchSize:         cfg.Sync.BatchSize,
		Concurrency:       cfg.Sync.Concurrency,
		MaxAttempts:       cfg.Sync.MaxAttempts,
		PollInterval:      cfg.Sync.PollInterval,
		VisibilityTimeout: cfg.Sync.VisibilityTimeout,
	})

	reconciler := reconcile.NewReconciler(recordRepo)
	reconcileOp := service.NewReconcileOperation(reconciler, ledgerRepo)
	adsOp := service.NewFetchOperation(controller, adsFetcher, recordRepo, ledgerRepo)
	commerceOp := service.NewFetchOperation(controller, commerceFetcher, recordRepo, ledgerRepo)

	for _, jobType := range []types.JobType{types.JobTypeRecentSync, types.JobTypeHistoricalBackfill, types.JobTypeDailySync} {
		pool.Register(types.PlatformAds, jobType, adsOp)
		pool.Register(types.PlatformCommerce, jobType, commerceOp)
	}
	pool.Register(types.PlatformAds, types.JobTypeReconcile, reconcileOp)
	pool.Register(types.PlatformCommerce, types.JobTypeReconcile, reconcileOp)

	scheduler := service.NewScheduler(q, connRepo, service.SchedulerConfig{
		DailyInterval:     cfg.Sync.DailyInterval,
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		Retention:         time.Duration(cfg.Sync.RetentionDays) * 24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	scheduler.Start(ctx)

	logger.Info("Worker running")

	// Wait for shutdown signal
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("Shutdown signal received")
	cancel()
	scheduler.Stop()
	pool.Stop()
}
