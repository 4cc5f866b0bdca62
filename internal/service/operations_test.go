package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketing-sync/internal/chunker"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/ratelimit"
	"github.com/marketing-sync/internal/reconcile"
	"github.com/marketing-sync/internal/storage"
	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/upstream"
)

type fetchStub struct {
	platform types.Platform
	records  []upstream.Record
	err      error
	windows  []types.DateRange
}

func (f *fetchStub) Platform() types.Platform { return f.platform }

func (f *fetchStub) FetchRange(ctx context.Context, entity types.Entity, creds models.Credentials, window types.DateRange) ([]upstream.Record, error) {
	f.windows = append(f.windows, window)
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type operationFixture struct {
	op      *FetchOperation
	fetcher *fetchStub
	records *storage.MemoryRecordStore
	ledger  *storage.MemoryLedgerStore
	conn    *models.Connection
	now     time.Time
}

func setupOperation(t *testing.T, fetcher *fetchStub) *operationFixture {
	t.Helper()

	records := storage.NewMemoryRecordStore()
	ledger := storage.NewMemoryLedgerStore()
	controller := ratelimit.NewController(storage.NewMemorySnapshotStore(), 60*time.Second)

	op := NewFetchOperation(controller, fetcher, records, ledger)
	now := time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)
	op.now = func() time.Time { return now }

	return &operationFixture{
		op:      op,
		fetcher: fetcher,
		records: records,
		ledger:  ledger,
		conn: &models.Connection{
			ID:           "conn-1",
			BrandID:      "brand-1",
			PlatformType: fetcher.platform,
			Status:       types.ConnectionActive,
		},
		now: now,
	}
}

func historicalJob(t *testing.T, f *operationFixture, chunk chunker.Chunk) *models.Job {
	t.Helper()

	payload, err := models.EncodePayload(models.HistoricalBackfillPayload{
		Entity:      chunk.Entity,
		Window:      chunk.Window,
		ChunkNumber: chunk.Number,
		TotalChunks: chunk.Total,
	})
	require.NoError(t, err)

	return &models.Job{
		ID:           "job-chunk",
		Platform:     f.conn.PlatformType,
		Type:         types.JobTypeHistoricalBackfill,
		BrandID:      f.conn.BrandID,
		ConnectionID: f.conn.ID,
		Payload:      payload,
		ChunkNumber:  chunk.Number,
	}
}

func adsRecords(n int) []upstream.Record {
	records := make([]upstream.Record, n)
	for i := range records {
		records[i] = upstream.Record{
			Entity:     types.EntityCampaigns,
			NaturalKey: "campaign-" + string(rune('a'+i)),
			Date:       time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
			Amount:     float64(i) * 1.5,
		}
	}
	return records
}

func TestRecentSyncCompletesEachEntityRow(t *testing.T) {
	ctx := context.Background()
	fetcher := &fetchStub{platform: types.PlatformAds, records: adsRecords(4)}
	f := setupOperation(t, fetcher)

	payload, err := models.EncodePayload(models.RecentSyncPayload{
		Entities:   types.EntitiesForPlatform(types.PlatformAds),
		WindowDays: 7,
	})
	require.NoError(t, err)

	job := &models.Job{
		ID:           "job-recent",
		Platform:     types.PlatformAds,
		Type:         types.JobTypeRecentSync,
		BrandID:      f.conn.BrandID,
		ConnectionID: f.conn.ID,
		Payload:      payload,
	}

	result, err := f.op.Run(ctx, job, f.conn)
	require.NoError(t, err)
	assert.False(t, result.Deferred)
	assert.Equal(t, int64(8), result.RowsWritten)

	// A 7-day window ending today covers the 15th back through the 9th.
	require.Len(t, fetcher.windows, 2)
	assert.Equal(t, time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC), fetcher.windows[0].Start)
	assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), fetcher.windows[0].End)

	for _, entity := range types.EntitiesForPlatform(types.PlatformAds) {
		row, err := f.ledger.Read(ctx, models.LedgerKey{
			BrandID:      f.conn.BrandID,
			ConnectionID: f.conn.ID,
			Entity:       entity,
			JobType:      types.JobTypeRecentSync,
		})
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, types.LedgerStatusCompleted, row.Status)
		assert.Equal(t, 100, row.ProgressPct)
		assert.NotNil(t, row.CompletedAt)
	}
}

func TestHistoricalChunksReportMonotonicProgress(t *testing.T) {
	ctx := context.Background()
	fetcher := &fetchStub{platform: types.PlatformAds, records: adsRecords(2)}
	f := setupOperation(t, fetcher)

	full := types.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	chunks, err := chunker.Plan(types.EntityCampaigns, full, 30)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	key := models.LedgerKey{
		BrandID:      f.conn.BrandID,
		ConnectionID: f.conn.ID,
		Entity:       types.EntityCampaigns,
		JobType:      types.JobTypeHistoricalBackfill,
	}

	// Chunks land out of order: 2 first, then 1, then 3. The visible
	// percentage only ever moves forward.
	_, err = f.op.Run(ctx, historicalJob(t, f, chunks[1]), f.conn)
	require.NoError(t, err)
	row, err := f.ledger.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 67, row.ProgressPct)
	assert.Equal(t, types.LedgerStatusProcessing, row.Status)

	_, err = f.op.Run(ctx, historicalJob(t, f, chunks[0]), f.conn)
	require.NoError(t, err)
	row, err = f.ledger.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 67, row.ProgressPct)

	_, err = f.op.Run(ctx, historicalJob(t, f, chunks[2]), f.conn)
	require.NoError(t, err)
	row, err = f.ledger.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 100, row.ProgressPct)

	// The row stays processing until the worker pool confirms the whole
	// sequence has drained.
	assert.Equal(t, types.LedgerStatusProcessing, row.Status)
}

func TestRateLimitedChunkDefers(t *testing.T) {
	ctx := context.Background()
	fetcher := &fetchStub{
		platform: types.PlatformCommerce,
		err:      &upstream.StatusError{StatusCode: 429, Body: "Too Many Requests"},
	}
	f := setupOperation(t, fetcher)

	full := types.DateRange{
		Start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	chunks, err := chunker.Plan(types.EntityOrders, full, 30)
	require.NoError(t, err)

	result, err := f.op.Run(ctx, historicalJob(t, f, chunks[0]), f.conn)
	require.NoError(t, err)
	assert.True(t, result.Deferred)
	assert.Equal(t, 60, result.RetryAfterSeconds)
	assert.Zero(t, result.RowsWritten)

	// The row was marked processing before the fetch and keeps that state
	// for the retry.
	row, err := f.ledger.Read(ctx, models.LedgerKey{
		BrandID:      f.conn.BrandID,
		ConnectionID: f.conn.ID,
		Entity:       types.EntityOrders,
		JobType:      types.JobTypeHistoricalBackfill,
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.LedgerStatusProcessing, row.Status)
}

func TestDailySyncWritesRecordsAndCompletes(t *testing.T) {
	ctx := context.Background()
	fetcher := &fetchStub{platform: types.PlatformCommerce, records: []upstream.Record{
		{Entity: types.EntityOrders, NaturalKey: "order-1", Date: time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), Amount: 42},
	}}
	f := setupOperation(t, fetcher)
	f.conn.PlatformType = types.PlatformCommerce

	payload, err := models.EncodePayload(models.DailySyncPayload{
		Entity: types.EntityOrders,
		Window: types.DateRange{
			Start: time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	job := &models.Job{
		ID:           "job-daily",
		Platform:     types.PlatformCommerce,
		Type:         types.JobTypeDailySync,
		BrandID:      f.conn.BrandID,
		ConnectionID: f.conn.ID,
		Payload:      payload,
	}

	result, err := f.op.Run(ctx, job, f.conn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowsWritten)

	count, err := f.records.CountRecords(ctx, f.conn.BrandID, types.EntityOrders)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	row, err := f.ledger.Read(ctx, models.LedgerKey{
		BrandID:      f.conn.BrandID,
		ConnectionID: f.conn.ID,
		Entity:       types.EntityOrders,
		JobType:      types.JobTypeDailySync,
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.LedgerStatusCompleted, row.Status)
}

type reconcileRecordsStub struct {
	dedups       int
	recomputes   int
	aggregatedAt time.Time
}

func (s *reconcileRecordsStub) Deduplicate(ctx context.Context, brandID string) error {
	s.dedups++
	return nil
}

func (s *reconcileRecordsStub) RecomputeAggregates(ctx context.Context, brandID string) error {
	s.recomputes++
	return nil
}

func (s *reconcileRecordsStub) LastAggregatedAt(ctx context.Context, brandID string) (time.Time, error) {
	return s.aggregatedAt, nil
}

func reconcileJob(t *testing.T) *models.Job {
	t.Helper()

	payload, err := models.EncodePayload(models.ReconcilePayload{})
	require.NoError(t, err)
	return &models.Job{
		ID:           "job-reconcile",
		Platform:     types.PlatformAds,
		Type:         types.JobTypeReconcile,
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		Payload:      payload,
	}
}

func TestReconcileOperationSkipsWhenAggregatesFresh(t *testing.T) {
	ctx := context.Background()
	lastSynced := time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)

	records := &reconcileRecordsStub{aggregatedAt: lastSynced.Add(time.Minute)}
	ledger := storage.NewMemoryLedgerStore()
	op := NewReconcileOperation(reconcile.NewReconciler(records), ledger)

	conn := &models.Connection{ID: "conn-1", BrandID: "brand-1", LastSyncedAt: &lastSynced}
	_, err := op.Run(ctx, reconcileJob(t), conn)
	require.NoError(t, err)

	// Aggregates already cover the last sync, so the repair pass is skipped
	// but the job's ledger row still completes.
	assert.Equal(t, 0, records.dedups)
	assert.Equal(t, 0, records.recomputes)

	row, err := ledger.Read(ctx, models.LedgerKey{
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		JobType:      types.JobTypeReconcile,
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.LedgerStatusCompleted, row.Status)
}

func TestReconcileOperationRunsWhenAggregatesStale(t *testing.T) {
	ctx := context.Background()
	lastSynced := time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)

	records := &reconcileRecordsStub{aggregatedAt: lastSynced.Add(-time.Hour)}
	ledger := storage.NewMemoryLedgerStore()
	op := NewReconcileOperation(reconcile.NewReconciler(records), ledger)

	conn := &models.Connection{ID: "conn-1", BrandID: "brand-1", LastSyncedAt: &lastSynced}
	_, err := op.Run(ctx, reconcileJob(t), conn)
	require.NoError(t, err)

	assert.Equal(t, 1, records.dedups)
	assert.Equal(t, 1, records.recomputes)
}

func TestReconcileOperationCompletesLedgerRow(t *testing.T) {
	ctx := context.Background()

	records := storage.NewMemoryRecordStore()
	ledger := storage.NewMemoryLedgerStore()

	_, err := records.UpsertRecords(ctx, "brand-1", types.PlatformAds, adsRecords(3))
	require.NoError(t, err)

	op := NewReconcileOperation(reconcile.NewReconciler(records), ledger)

	payload, err := models.EncodePayload(models.ReconcilePayload{})
	require.NoError(t, err)
	job := &models.Job{
		ID:           "job-reconcile",
		Platform:     types.PlatformAds,
		Type:         types.JobTypeReconcile,
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		Payload:      payload,
	}

	_, err = op.Run(ctx, job, &models.Connection{ID: "conn-1", BrandID: "brand-1"})
	require.NoError(t, err)

	aggregatedAt, err := records.LastAggregatedAt(ctx, "brand-1")
	require.NoError(t, err)
	assert.False(t, aggregatedAt.IsZero())

	row, err := ledger.Read(ctx, models.LedgerKey{
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		JobType:      types.JobTypeReconcile,
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.LedgerStatusCompleted, row.Status)
	assert.Equal(t, 100, row.ProgressPct)
}
