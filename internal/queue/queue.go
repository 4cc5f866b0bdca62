// Package queue manages the per-platform job queues. It owns job creation,
// priority assignment and the typed enqueue helpers; persistence is delegated
// to an injected JobStore.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marketing-sync/internal/chunker"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

// JobStore is the persistence contract the queue runs on. The Postgres
// implementation backs production; tests substitute an in-memory one.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	CreateBatch(ctx context.Context, jobs []*models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	DequeueWaiting(ctx context.Context, platform types.Platform, limit int) ([]*models.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Requeue(ctx context.Context, id string, reason string) error
	Defer(ctx context.Context, id string, reason string) error
	ListByStatus(ctx context.Context, platform types.Platform, status types.JobStatus) ([]*models.Job, error)
	FailWaitingByConnection(ctx context.Context, connectionID string, reason string) (int, error)
	CountOutstandingHistorical(ctx context.Context, connectionID string) (int, error)
	CountOutstandingHistoricalByEntity(ctx context.Context, connectionID string, entity types.Entity) (int, error)
	RequeueStuckActive(ctx context.Context, olderThan time.Duration) (int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Dequeue priorities by job type. Recent syncs and reconciles drain before
// historical backfill so UI-visible data always lands first.
const (
	PriorityRecentSync = 100
	PriorityReconcile  = 90
	PriorityDailySync  = 50
	PriorityHistorical = 10
)

// PriorityFor returns the dequeue priority for a job type.
func PriorityFor(jobType types.JobType) int {
	switch jobType {
	case types.JobTypeRecentSync:
		return PriorityRecentSync
	case types.JobTypeReconcile:
		return PriorityReconcile
	case types.JobTypeDailySync:
		return PriorityDailySync
	case types.JobTypeHistoricalBackfill:
		return PriorityHistorical
	default:
		return 0
	}
}

// Queue is one logical job queue per platform, multiplexed over a shared
// store keyed by the platform column.
type Queue struct {
	store JobStore
}

// NewQueue creates a queue over the given store.
func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// Enqueue inserts a job in waiting status and returns its ID. The ID and
// priority are assigned here when the caller left them unset.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority == 0 {
		job.Priority = PriorityFor(job.Type)
	}
	job.Status = types.JobStatusWaiting

	if err := q.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", job.Type, err)
	}

	return job.ID, nil
}

// EnqueueRecentSync enqueues one recent_sync job covering a small trailing
// window for every entity of the connection's platform.
func (q *Queue) EnqueueRecentSync(ctx context.Context, conn *models.Connection, windowDays int) (string, error) {
	payload, err := models.EncodePayload(models.RecentSyncPayload{
		Entities:   types.EntitiesForPlatform(conn.PlatformType),
		WindowDays: windowDays,
	})
	if err != nil {
		return "", err
	}

	return q.Enqueue(ctx, &models.Job{
		Platform:     conn.PlatformType,
		Type:         types.JobTypeRecentSync,
		BrandID:      conn.BrandID,
		ConnectionID: conn.ID,
		Payload:      payload,
	})
}

// EnqueueHistorical enqueues one job per chunk of a backfill plan as a single
// batch, so the whole sequence becomes visible atomically and in chunk order.
func (q *Queue) EnqueueHistorical(ctx context.Context, conn *models.Connection, chunks []chunker.Chunk) (int, error) {
	jobs := make([]*models.Job, 0, len(chunks))
	for _, chunk := range chunks {
		payload, err := models.EncodePayload(models.HistoricalBackfillPayload{
			Entity:      chunk.Entity,
			Window:      chunk.Window,
			ChunkNumber: chunk.Number,
			TotalChunks: chunk.Total,
		})
		if err != nil {
			return 0, err
		}

		jobs = append(jobs, &models.Job{
			ID:           uuid.New().String(),
			Platform:     conn.PlatformType,
			Type:         types.JobTypeHistoricalBackfill,
			BrandID:      conn.BrandID,
			ConnectionID: conn.ID,
			Payload:      payload,
			Priority:     PriorityHistorical,
			ChunkNumber:  chunk.Number,
			Status:       types.JobStatusWaiting,
		})
	}

	if err := q.store.CreateBatch(ctx, jobs); err != nil {
		return 0, fmt.Errorf("failed to enqueue historical chunks: %w", err)
	}

	return len(jobs), nil
}

// EnqueueDailySync enqueues a daily refresh of one entity.
func (q *Queue) EnqueueDailySync(ctx context.Context, conn *models.Connection, entity types.Entity, window types.DateRange) (string, error) {
	payload, err := models.EncodePayload(models.DailySyncPayload{Entity: entity, Window: window})
	if err != nil {
		return "", err
	}

	return q.Enqueue(ctx, &models.Job{
		Platform:     conn.PlatformType,
		Type:         types.JobTypeDailySync,
		BrandID:      conn.BrandID,
		ConnectionID: conn.ID,
		Payload:      payload,
	})
}

// EnqueueReconcile enqueues a reconciliation pass for a brand.
func (q *Queue) EnqueueReconcile(ctx context.Context, conn *models.Connection) (string, error) {
	payload, err := models.EncodePayload(models.ReconcilePayload{})
	if err != nil {
		return "", err
	}

	return q.Enqueue(ctx, &models.Job{
		Platform:     conn.PlatformType,
		Type:         types.JobTypeReconcile,
		BrandID:      conn.BrandID,
		ConnectionID: conn.ID,
		Payload:      payload,
	})
}

// DequeueWaiting claims up to limit waiting jobs for a platform.
func (q *Queue) DequeueWaiting(ctx context.Context, platform types.Platform, limit int) ([]*models.Job, error) {
	return q.store.DequeueWaiting(ctx, platform, limit)
}

// MarkCompleted transitions a job to completed.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	return q.store.MarkCompleted(ctx, id)
}

// MarkFailed transitions a job to failed.
func (q *Queue) MarkFailed(ctx context.Context, id string, reason string) error {
	return q.store.MarkFailed(ctx, id, reason)
}

// Requeue returns a job to waiting with an incremented attempt count.
func (q *Queue) Requeue(ctx context.Context, id string, reason string) error {
	return q.store.Requeue(ctx, id, reason)
}

// Defer returns a job to waiting without touching its attempt count. Used for
// rate-limit deferrals, which must not consume the hard-failure retry budget.
func (q *Queue) Defer(ctx context.Context, id string, reason string) error {
	return q.store.Defer(ctx, id, reason)
}

// ListWaiting lists a platform's waiting jobs in dequeue order.
func (q *Queue) ListWaiting(ctx context.Context, platform types.Platform) ([]*models.Job, error) {
	return q.store.ListByStatus(ctx, platform, types.JobStatusWaiting)
}

// ListActive lists a platform's active jobs.
func (q *Queue) ListActive(ctx context.Context, platform types.Platform) ([]*models.Job, error) {
	return q.store.ListByStatus(ctx, platform, types.JobStatusActive)
}

// DropWaitingForConnection fails every waiting job of a revoked connection
// with reason connection_invalid. The jobs are never dispatched or retried.
func (q *Queue) DropWaitingForConnection(ctx context.Context, connectionID string) (int, error) {
	return q.store.FailWaitingByConnection(ctx, connectionID, "connection_invalid")
}

// OutstandingHistorical counts a connection's unfinished historical jobs.
func (q *Queue) OutstandingHistorical(ctx context.Context, connectionID string) (int, error) {
	return q.store.CountOutstandingHistorical(ctx, connectionID)
}

// OutstandingHistoricalForEntity counts a connection's unfinished historical
// jobs for one entity. Zero means that entity's chunk sequence is settled,
// even while sibling entities are still backfilling.
func (q *Queue) OutstandingHistoricalForEntity(ctx context.Context, connectionID string, entity types.Entity) (int, error) {
	return q.store.CountOutstandingHistoricalByEntity(ctx, connectionID, entity)
}

// RequeueStuck returns jobs stuck in active beyond the visibility timeout.
func (q *Queue) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.RequeueStuckActive(ctx, olderThan)
}

// SweepTerminal deletes terminal jobs older than the retention cutoff.
func (q *Queue) SweepTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-retention))
}
