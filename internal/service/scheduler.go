package service

import (
	"context"
	"sync"
	"time"

	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/queue"
	"github.com/marketing-sync/internal/types"
)

// SchedulerConfig holds the periodic enqueue intervals.
type SchedulerConfig struct {
	DailyInterval     time.Duration
	ReconcileInterval time.Duration
	Retention         time.Duration
}

// Scheduler periodically enqueues daily_sync and reconcile jobs for every
// active connection and sweeps terminal jobs past retention. It only
// enqueues; the worker pool does the processing.
type Scheduler struct {
	queue       *queue.Queue
	connections ConnectionStore
	cfg         SchedulerConfig
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(q *queue.Queue, connections ConnectionStore, cfg SchedulerConfig) *Scheduler {
	if cfg.DailyInterval <= 0 {
		cfg.DailyInterval = 24 * time.Hour
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 6 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	return &Scheduler{
		queue:       q,
		connections: connections,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Start begins the periodic loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.runDaily(ctx)
	go s.runReconcile(ctx)

	logging.Info("Scheduler started")
}

// Stop cancels the periodic loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	logging.Info("Scheduler stopped")
}

func (s *Scheduler) runDaily(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DailyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnqueueDailySyncs(ctx)
		}
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnqueueReconciles(ctx)
			s.SweepTerminalJobs(ctx)
		}
	}
}

// EnqueueDailySyncs enqueues a daily_sync job per entity for every active
// connection, covering yesterday.
func (s *Scheduler) EnqueueDailySyncs(ctx context.Context) {
	conns, err := s.connections.ListActive(ctx)
	if err != nil {
		logging.WithError(err).Error("Failed to list connections for daily sync")
		return
	}

	today := types.Day(s.now())
	window := types.DateRange{Start: today.AddDate(0, 0, -1), End: today}

	enqueued := 0
	for _, conn := range conns {
		for _, entity := range types.EntitiesForPlatform(conn.PlatformType) {
			if _, err := s.queue.EnqueueDailySync(ctx, conn, entity, window); err != nil {
				logging.WithError(err).WithFields(map[string]interface{}{
					"connectionId": conn.ID,
					"entity":       entity,
				}).Error("Failed to enqueue daily sync")
				continue
			}
			enqueued++
		}
	}

	logging.WithField("jobs", enqueued).Info("Daily sync jobs enqueued")
}

// EnqueueReconciles enqueues a reconcile job for every active connection.
func (s *Scheduler) EnqueueReconciles(ctx context.Context) {
	conns, err := s.connections.ListActive(ctx)
	if err != nil {
		logging.WithError(err).Error("Failed to list connections for reconcile")
		return
	}

	enqueued := 0
	for _, conn := range conns {
		if _, err := s.queue.EnqueueReconcile(ctx, conn); err != nil {
			logging.WithError(err).WithField("connectionId", conn.ID).Error("Failed to enqueue reconcile")
			continue
		}
		enqueued++
	}

	logging.WithField("jobs", enqueued).Info("Reconcile jobs enqueued")
}

// SweepTerminalJobs deletes terminal jobs older than the retention window.
func (s *Scheduler) SweepTerminalJobs(ctx context.Context) {
	deleted, err := s.queue.SweepTerminal(ctx, s.cfg.Retention)
	if err != nil {
		logging.WithError(err).Error("Failed to sweep terminal jobs")
		return
	}
	if deleted > 0 {
		logging.WithField("deleted", deleted).Info("Terminal jobs swept")
	}
}
