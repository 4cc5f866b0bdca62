package service

import (
	"context"
	"fmt"
	"time"

	"github.com/marketing-sync/internal/chunker"
	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/ratelimit"
	"github.com/marketing-sync/internal/reconcile"
	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/upstream"
	"github.com/marketing-sync/internal/worker"
)

// RecordStore is the persistence surface sync operations write fetched
// records to.
type RecordStore interface {
	UpsertRecords(ctx context.Context, brandID string, platform types.Platform, records []upstream.Record) (int64, error)
}

// FetchOperation is the generic fetch-and-upsert operation behind
// recent_sync, historical_backfill and daily_sync jobs. All upstream calls
// go through the rate-limit controller, so a rate-limited window either
// serves cached data or defers the job, never fails it.
type FetchOperation struct {
	controller *ratelimit.Controller
	fetcher    upstream.Fetcher
	records    RecordStore
	ledger     worker.LedgerStore
	now        func() time.Time
}

// NewFetchOperation creates the sync operation for one platform.
func NewFetchOperation(controller *ratelimit.Controller, fetcher upstream.Fetcher, records RecordStore, ledger worker.LedgerStore) *FetchOperation {
	return &FetchOperation{
		controller: controller,
		fetcher:    fetcher,
		records:    records,
		ledger:     ledger,
		now:        time.Now,
	}
}

// entityWindow is one fetch unit of a job: an entity and its date window.
type entityWindow struct {
	entity types.Entity
	window types.DateRange
}

// Run executes one job: fetch each entity window through the controller,
// upsert the records, and report progress to the ledger.
func (o *FetchOperation) Run(ctx context.Context, job *models.Job, conn *models.Connection) (*worker.Result, error) {
	units, err := o.unitsFor(job)
	if err != nil {
		return nil, err
	}

	result := &worker.Result{}
	for _, unit := range units {
		key := models.LedgerKey{
			BrandID:      job.BrandID,
			ConnectionID: job.ConnectionID,
			Entity:       unit.entity,
			JobType:      job.Type,
		}

		if err := o.markProcessing(ctx, key); err != nil {
			return nil, err
		}

		fetch, err := o.controller.CallUpstream(ctx, o.fetcher, conn.ID, unit.entity, conn.Credentials, unit.window)
		if err != nil {
			return nil, err
		}

		if fetch.Deferred {
			result.Deferred = true
			result.RetryAfterSeconds = fetch.RetryAfterSeconds
			result.Warning = fetch.Warning
			return result, nil
		}

		written, err := o.records.UpsertRecords(ctx, job.BrandID, job.Platform, fetch.Records)
		if err != nil {
			return nil, fmt.Errorf("failed to store %s records: %w", unit.entity, err)
		}

		result.RowsWritten += written
		if fetch.Cached {
			result.Cached = true
			result.Warning = fetch.Warning
		}

		if err := o.reportProgress(ctx, job, key, written); err != nil {
			return nil, err
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"jobId":  job.ID,
			"entity": unit.entity,
			"window": unit.window.String(),
			"rows":   written,
			"source": fetch.Source,
		}).Info("Entity window synced")
	}

	return result, nil
}

// unitsFor expands a job payload into its entity windows.
func (o *FetchOperation) unitsFor(job *models.Job) ([]entityWindow, error) {
	switch job.Type {
	case types.JobTypeRecentSync:
		payload, err := models.RecentSyncPayloadOf(job)
		if err != nil {
			return nil, err
		}
		// Trailing window of WindowDays whole days ending today, inclusive.
		today := types.Day(o.now())
		window := types.DateRange{Start: today.AddDate(0, 0, -(payload.WindowDays - 1)), End: today.AddDate(0, 0, 1)}
		units := make([]entityWindow, 0, len(payload.Entities))
		for _, entity := range payload.Entities {
			units = append(units, entityWindow{entity: entity, window: window})
		}
		return units, nil

	case types.JobTypeHistoricalBackfill:
		payload, err := models.HistoricalPayloadOf(job)
		if err != nil {
			return nil, err
		}
		return []entityWindow{{entity: payload.Entity, window: payload.Window}}, nil

	case types.JobTypeDailySync:
		payload, err := models.DailySyncPayloadOf(job)
		if err != nil {
			return nil, err
		}
		return []entityWindow{{entity: payload.Entity, window: payload.Window}}, nil

	default:
		return nil, fmt.Errorf("fetch operation cannot run job type %s", job.Type)
	}
}

func (o *FetchOperation) markProcessing(ctx context.Context, key models.LedgerKey) error {
	processing := types.LedgerStatusProcessing
	startedAt := o.now().UTC()
	if err := o.ledger.Upsert(ctx, key, models.LedgerPatch{
		Status:    &processing,
		StartedAt: &startedAt,
	}); err != nil {
		return fmt.Errorf("failed to mark ledger processing: %w", err)
	}
	return nil
}

// reportProgress writes the per-unit ledger update. A historical chunk
// reports its chunk percentage and stays processing; the final chunk of the
// sequence is closed out by the worker pool. Recent and daily jobs complete
// their row in one step.
func (o *FetchOperation) reportProgress(ctx context.Context, job *models.Job, key models.LedgerKey, written int64) error {
	patch := models.LedgerPatch{RowsWritten: &written}

	if job.Type == types.JobTypeHistoricalBackfill {
		payload, err := models.HistoricalPayloadOf(job)
		if err != nil {
			return err
		}
		pct := chunker.ProgressPct(payload.ChunkNumber, payload.TotalChunks)
		patch.ProgressPct = &pct
	} else {
		completed := types.LedgerStatusCompleted
		hundred := 100
		completedAt := o.now().UTC()
		patch.Status = &completed
		patch.ProgressPct = &hundred
		patch.CompletedAt = &completedAt
	}

	if err := o.ledger.Upsert(ctx, key, patch); err != nil {
		return fmt.Errorf("failed to report ledger progress: %w", err)
	}
	return nil
}

// ReconcileOperation runs the reconciliation pass as a queued job.
type ReconcileOperation struct {
	reconciler *reconcile.Reconciler
	ledger     worker.LedgerStore
	now        func() time.Time
}

// NewReconcileOperation creates the reconcile job operation.
func NewReconcileOperation(reconciler *reconcile.Reconciler, ledger worker.LedgerStore) *ReconcileOperation {
	return &ReconcileOperation{reconciler: reconciler, ledger: ledger, now: time.Now}
}

// Run reconciles the job's brand and completes its ledger row. When the
// connection records a last sync completion, the pass is skipped if the
// brand's aggregates are already fresher than that sync.
func (o *ReconcileOperation) Run(ctx context.Context, job *models.Job, conn *models.Connection) (*worker.Result, error) {
	var err error
	if conn != nil && conn.LastSyncedAt != nil {
		err = o.reconciler.ReconcileIfStale(ctx, job.BrandID, *conn.LastSyncedAt)
	} else {
		err = o.reconciler.Reconcile(ctx, job.BrandID)
	}
	if err != nil {
		return nil, err
	}

	completed := types.LedgerStatusCompleted
	hundred := 100
	completedAt := o.now().UTC()
	err = o.ledger.Upsert(ctx, models.LedgerKey{
		BrandID:      job.BrandID,
		ConnectionID: job.ConnectionID,
		JobType:      job.Type,
	}, models.LedgerPatch{
		Status:      &completed,
		ProgressPct: &hundred,
		CompletedAt: &completedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete reconcile ledger row: %w", err)
	}

	return &worker.Result{}, nil
}
