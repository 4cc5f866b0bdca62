// Package main provides the API server entry point for the sync orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketing-sync/internal/api"
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
	fmt.Println("Marketing Sync Orchestrator API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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

	// Queue and rate-limit controller
	q := queue.NewQueue(jobRepo)
	controller := ratelimit.NewController(snapshots, cfg.Upstream.RetryAfter)

	// Upstream clients, paced under the per-platform request budget
	adsFetcher := upstream.NewPacedFetcher(
		upstream.NewAdsClient(cfg.Upstream.AdsBaseURL, cfg.Upstream.Timeout),
		float64(cfg.Upstream.RequestsPerSecond),
	)
	commerceFetcher := upstream.NewPacedFetcher(
		upstream.NewCommerceClient(cfg.Upstream.CommerceBaseURL, cfg.Upstream.Timeout),
		float64(cfg.Upstream.RequestsPerSecond),
	)

	// Worker pool with per-(platform, type) operations
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

	// Sync service and scheduler
	syncService := service.NewSyncService(q, connRepo, ledgerRepo, service.SyncConfig{
		RecentWindowDays: cfg.Sync.RecentWindowDays,
		BackfillDays:     cfg.Sync.BackfillDays,
		ChunkSpanDays:    cfg.Sync.ChunkSpanDays,
		RecencyWindow:    cfg.Sync.RecencyWindow,
	})

	scheduler := service.NewScheduler(q, connRepo, service.SchedulerConfig{
		DailyInterval:     cfg.Sync.DailyInterval,
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		Retention:         time.Duration(cfg.Sync.RetentionDays) * 24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	// HTTP server
	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: 30 * time.Second,
	}, syncService, pool)

	server.RegisterHealthCheck("postgres", postgres.Ping)
	server.RegisterHealthCheck("clickhouse", clickhouse.Ping)
	server.RegisterHealthCheck("redis", redis.Ping)

	// Graceful shutdown on SIGINT/SIGTERM
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	<-done
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
}
