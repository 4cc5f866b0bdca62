// Package service wires the orchestrator's use cases: triggering syncs,
// reporting status, and the sync operations the worker pool dispatches to.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/marketing-sync/internal/chunker"
	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/queue"
	"github.com/marketing-sync/internal/types"
)

// ConnectionStore is the connection surface the service needs.
type ConnectionStore interface {
	GetByID(ctx context.Context, id string) (*models.Connection, error)
	GetActive(ctx context.Context, brandID string, platform types.Platform) (*models.Connection, error)
	ListActive(ctx context.Context) ([]*models.Connection, error)
	SetSyncStatus(ctx context.Context, id string, syncStatus types.SyncState) error
	Revoke(ctx context.Context, id string) error
}

// LedgerStore is the ledger surface the service needs.
type LedgerStore interface {
	Upsert(ctx context.Context, key models.LedgerKey, patch models.LedgerPatch) error
	ListByConnection(ctx context.Context, connectionID string) ([]*models.ETLJob, error)
	UpdatedWithin(ctx context.Context, connectionID string, window time.Duration) (bool, error)
}

// SyncConfig holds the sync planning knobs the service needs.
type SyncConfig struct {
	RecentWindowDays int
	BackfillDays     int
	ChunkSpanDays    int
	RecencyWindow    time.Duration
}

// TriggerResult summarizes what a trigger-sync call enqueued.
type TriggerResult struct {
	Triggered      bool   `json:"triggered"`
	Skipped        bool   `json:"skipped"`
	SkipReason     string `json:"skipReason,omitempty"`
	ConnectionID   string `json:"connectionId,omitempty"`
	RecentJobID    string `json:"recentJobId,omitempty"`
	HistoricalJobs int    `json:"historicalJobs"`
	TotalJobs      int    `json:"totalJobs"`
}

// StatusResult is the sync-status payload the UI polls.
type StatusResult struct {
	BrandID    string           `json:"brandId"`
	Platform   types.Platform   `json:"platform"`
	SyncStatus types.SyncState  `json:"syncStatus"`
	Ledger     []*models.ETLJob `json:"ledger"`
}

// SyncService coordinates connection lookup, chunk planning and job
// enqueueing for the API layer and the scheduler.
type SyncService struct {
	queue       *queue.Queue
	connections ConnectionStore
	ledger      LedgerStore
	cfg         SyncConfig
	now         func() time.Time
}

// NewSyncService creates a sync service.
func NewSyncService(q *queue.Queue, connections ConnectionStore, ledger LedgerStore, cfg SyncConfig) *SyncService {
	if cfg.RecentWindowDays <= 0 {
		cfg.RecentWindowDays = 7
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = 365
	}
	if cfg.ChunkSpanDays <= 0 {
		cfg.ChunkSpanDays = 30
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = time.Hour
	}

	return &SyncService{
		queue:       q,
		connections: connections,
		ledger:      ledger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// TriggerSync enqueues a recent_sync job plus the chunked historical backfill
// for a brand's active connection. Unless force is set, a connection whose
// ledger was touched inside the recency window is treated as already fresh
// and nothing is enqueued. Returns immediately with a job-count summary.
func (s *SyncService) TriggerSync(ctx context.Context, brandID string, platform types.Platform, force bool) (*TriggerResult, error) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"brandId":  brandID,
		"platform": platform,
		"force":    force,
	})

	conn, err := s.connections.GetActive(ctx, brandID, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}
	if conn == nil {
		return nil, &types.ServiceError{
			Code:    "connection_not_found",
			Message: fmt.Sprintf("no active %s connection for brand %s", platform, brandID),
		}
	}

	if !force {
		fresh, err := s.ledger.UpdatedWithin(ctx, conn.ID, s.cfg.RecencyWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to check sync recency: %w", err)
		}
		if fresh {
			log.Info("Sync skipped, ledger is fresh")
			return &TriggerResult{
				Skipped:      true,
				SkipReason:   "recently_synced",
				ConnectionID: conn.ID,
			}, nil
		}
	}

	if err := s.connections.SetSyncStatus(ctx, conn.ID, types.SyncStateStarting); err != nil {
		return nil, fmt.Errorf("failed to mark sync starting: %w", err)
	}

	recentJobID, err := s.queue.EnqueueRecentSync(ctx, conn, s.cfg.RecentWindowDays)
	if err != nil {
		return nil, err
	}

	full := chunker.BackfillRange(s.now(), s.cfg.BackfillDays)
	historicalJobs := 0
	for _, entity := range types.EntitiesForPlatform(platform) {
		chunks, err := chunker.Plan(entity, full, s.cfg.ChunkSpanDays)
		if err != nil {
			return nil, err
		}

		if err := s.seedLedger(ctx, conn, entity); err != nil {
			return nil, err
		}

		n, err := s.queue.EnqueueHistorical(ctx, conn, chunks)
		if err != nil {
			return nil, err
		}
		historicalJobs += n
	}

	if err := s.connections.SetSyncStatus(ctx, conn.ID, types.SyncStateSyncing); err != nil {
		return nil, fmt.Errorf("failed to mark sync in progress: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"recentJobId":    recentJobID,
		"historicalJobs": historicalJobs,
	}).Info("Sync triggered")

	return &TriggerResult{
		Triggered:      true,
		ConnectionID:   conn.ID,
		RecentJobID:    recentJobID,
		HistoricalJobs: historicalJobs,
		TotalJobs:      historicalJobs + 1,
	}, nil
}

// seedLedger creates the pending ledger row for an entity's backfill so the
// UI sees 0% immediately instead of a missing row.
func (s *SyncService) seedLedger(ctx context.Context, conn *models.Connection, entity types.Entity) error {
	pending := types.LedgerStatusPending
	zero := 0
	startedAt := s.now().UTC()

	err := s.ledger.Upsert(ctx, models.LedgerKey{
		BrandID:      conn.BrandID,
		ConnectionID: conn.ID,
		Entity:       entity,
		JobType:      types.JobTypeHistoricalBackfill,
	}, models.LedgerPatch{
		Status:      &pending,
		ProgressPct: &zero,
		StartedAt:   &startedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to seed ledger for entity %s: %w", entity, err)
	}

	return nil
}

// SyncStatus returns the coarse connection status plus every ledger row for
// the brand's connection on a platform. Revoked connections still report,
// so the UI can show the last known state.
func (s *SyncService) SyncStatus(ctx context.Context, brandID string, platform types.Platform) (*StatusResult, error) {
	conn, err := s.connections.GetActive(ctx, brandID, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}
	if conn == nil {
		return nil, &types.ServiceError{
			Code:    "connection_not_found",
			Message: fmt.Sprintf("no active %s connection for brand %s", platform, brandID),
		}
	}

	ledger, err := s.ledger.ListByConnection(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	return &StatusResult{
		BrandID:    brandID,
		Platform:   platform,
		SyncStatus: conn.SyncStatus,
		Ledger:     ledger,
	}, nil
}

// RevokeConnection marks a connection revoked and drops its waiting jobs.
// In-flight jobs are allowed to finish but can no longer flip the connection
// to completed.
func (s *SyncService) RevokeConnection(ctx context.Context, connectionID string) (int, error) {
	if err := s.connections.Revoke(ctx, connectionID); err != nil {
		return 0, err
	}

	dropped, err := s.queue.DropWaitingForConnection(ctx, connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to drop waiting jobs: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"connectionId": connectionID,
		"droppedJobs":  dropped,
	}).Info("Connection revoked")

	return dropped, nil
}
