package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketing-sync/internal/chunker"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/storage"
	"github.com/marketing-sync/internal/types"
)

func testConnection(platform types.Platform) *models.Connection {
	return &models.Connection{
		ID:           "conn-1",
		BrandID:      "brand-1",
		PlatformType: platform,
		Status:       types.ConnectionActive,
		SyncStatus:   types.SyncStateIdle,
	}
}

func TestEnqueueAssignsIDAndPriority(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemoryJobStore())
	conn := testConnection(types.PlatformAds)

	id, err := q.EnqueueRecentSync(ctx, conn, 7)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waiting, err := q.ListWaiting(ctx, types.PlatformAds)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, PriorityRecentSync, waiting[0].Priority)
	assert.Equal(t, types.JobStatusWaiting, waiting[0].Status)

	payload, err := models.RecentSyncPayloadOf(waiting[0])
	require.NoError(t, err)
	assert.Equal(t, 7, payload.WindowDays)
	assert.Equal(t, []types.Entity{types.EntityCampaigns, types.EntityAdInsights}, payload.Entities)
}

func TestDequeuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemoryJobStore())
	conn := testConnection(types.PlatformCommerce)

	full := types.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	chunks, err := chunker.Plan(types.EntityOrders, full, 30)
	require.NoError(t, err)

	// Historical chunks enqueued first, recent sync after. Recent sync must
	// still come off the queue first.
	n, err := q.EnqueueHistorical(ctx, conn, chunks)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = q.EnqueueRecentSync(ctx, conn, 7)
	require.NoError(t, err)

	jobs, err := q.DequeueWaiting(ctx, types.PlatformCommerce, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	assert.Equal(t, types.JobTypeRecentSync, jobs[0].Type)
	for i, job := range jobs[1:] {
		assert.Equal(t, types.JobTypeHistoricalBackfill, job.Type)
		assert.Equal(t, i+1, job.ChunkNumber)
	}
}

func TestDequeueHistoricalChunkOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemoryJobStore())
	conn := testConnection(types.PlatformAds)

	full := types.DateRange{
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	chunks, err := chunker.Plan(types.EntityAdInsights, full, 30)
	require.NoError(t, err)

	_, err = q.EnqueueHistorical(ctx, conn, chunks)
	require.NoError(t, err)

	// Partial dequeues must hand chunks out in non-decreasing chunk order.
	first, err := q.DequeueWaiting(ctx, types.PlatformAds, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, first[0].ChunkNumber)
	assert.Equal(t, 2, first[1].ChunkNumber)

	second, err := q.DequeueWaiting(ctx, types.PlatformAds, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, 3, second[0].ChunkNumber)
	assert.Equal(t, 4, second[1].ChunkNumber)
}

func TestDequeueIsolatesPlatforms(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryJobStore()
	q := NewQueue(store)

	_, err := q.EnqueueRecentSync(ctx, testConnection(types.PlatformAds), 7)
	require.NoError(t, err)

	commerce := testConnection(types.PlatformCommerce)
	commerce.ID = "conn-2"
	_, err = q.EnqueueRecentSync(ctx, commerce, 7)
	require.NoError(t, err)

	jobs, err := q.DequeueWaiting(ctx, types.PlatformAds, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.PlatformAds, jobs[0].Platform)

	// The commerce job is untouched by the ads dequeue.
	waiting, err := q.ListWaiting(ctx, types.PlatformCommerce)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
}

func TestRequeueIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryJobStore()
	q := NewQueue(store)

	id, err := q.EnqueueRecentSync(ctx, testConnection(types.PlatformAds), 7)
	require.NoError(t, err)

	jobs, err := q.DequeueWaiting(ctx, types.PlatformAds, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.Requeue(ctx, id, "upstream timeout"))

	job, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusWaiting, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "upstream timeout", *job.LastError)
}

func TestDeferKeepsAttemptCount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryJobStore()
	q := NewQueue(store)

	id, err := q.EnqueueRecentSync(ctx, testConnection(types.PlatformAds), 7)
	require.NoError(t, err)

	jobs, err := q.DequeueWaiting(ctx, types.PlatformAds, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Requeue(ctx, id, "upstream timeout"))

	// A deferral parks the job back in waiting without spending an attempt.
	_, err = q.DequeueWaiting(ctx, types.PlatformAds, 1)
	require.NoError(t, err)
	require.NoError(t, q.Defer(ctx, id, "rate_limited"))

	job, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusWaiting, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "rate_limited", *job.LastError)
}

func TestDropWaitingForConnection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryJobStore()
	q := NewQueue(store)
	conn := testConnection(types.PlatformAds)

	full := types.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	chunks, err := chunker.Plan(types.EntityCampaigns, full, 30)
	require.NoError(t, err)
	_, err = q.EnqueueHistorical(ctx, conn, chunks)
	require.NoError(t, err)

	// One chunk goes active; the remaining two are still waiting when the
	// connection is revoked.
	active, err := q.DequeueWaiting(ctx, types.PlatformAds, 1)
	require.NoError(t, err)
	require.Len(t, active, 1)

	dropped, err := q.DropWaitingForConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	failed, err := store.ListByStatus(ctx, types.PlatformAds, types.JobStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, job := range failed {
		require.NotNil(t, job.LastError)
		assert.Equal(t, "connection_invalid", *job.LastError)
	}

	// The in-flight job is untouched.
	stillActive, err := store.ListByStatus(ctx, types.PlatformAds, types.JobStatusActive)
	require.NoError(t, err)
	require.Len(t, stillActive, 1)
}

func TestOutstandingHistorical(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemoryJobStore())
	conn := testConnection(types.PlatformCommerce)

	full := types.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	chunks, err := chunker.Plan(types.EntityOrders, full, 30)
	require.NoError(t, err)
	_, err = q.EnqueueHistorical(ctx, conn, chunks)
	require.NoError(t, err)

	count, err := q.OutstandingHistorical(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	jobs, err := q.DequeueWaiting(ctx, types.PlatformCommerce, 3)
	require.NoError(t, err)
	for _, job := range jobs[:2] {
		require.NoError(t, q.MarkCompleted(ctx, job.ID))
	}

	// Active jobs still count as outstanding.
	count, err = q.OutstandingHistorical(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, q.MarkCompleted(ctx, jobs[2].ID))
	count, err = q.OutstandingHistorical(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOutstandingHistoricalCountsPerEntity(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemoryJobStore())
	conn := testConnection(types.PlatformCommerce)

	full := types.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	orderChunks, err := chunker.Plan(types.EntityOrders, full, 30)
	require.NoError(t, err)
	_, err = q.EnqueueHistorical(ctx, conn, orderChunks)
	require.NoError(t, err)
	productChunks, err := chunker.Plan(types.EntityProducts, full, 60)
	require.NoError(t, err)
	_, err = q.EnqueueHistorical(ctx, conn, productChunks)
	require.NoError(t, err)

	count, err := q.OutstandingHistoricalForEntity(ctx, conn.ID, types.EntityOrders)
	require.NoError(t, err)
	assert.Equal(t, len(orderChunks), count)

	// Draining one entity's chunks leaves the sibling's count untouched.
	jobs, err := q.DequeueWaiting(ctx, types.PlatformCommerce, 10)
	require.NoError(t, err)
	for _, job := range jobs {
		payload, err := models.HistoricalPayloadOf(job)
		require.NoError(t, err)
		if payload.Entity == types.EntityOrders {
			require.NoError(t, q.MarkCompleted(ctx, job.ID))
		}
	}

	count, err = q.OutstandingHistoricalForEntity(ctx, conn.ID, types.EntityOrders)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = q.OutstandingHistoricalForEntity(ctx, conn.ID, types.EntityProducts)
	require.NoError(t, err)
	assert.Equal(t, len(productChunks), count)
}

func TestSweepTerminalKeepsRecentJobs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryJobStore()
	q := NewQueue(store)

	id, err := q.EnqueueRecentSync(ctx, testConnection(types.PlatformAds), 7)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, id, "boom"))

	// Freshly failed jobs survive the retention sweep.
	deleted, err := q.SweepTerminal(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, err = store.GetByID(ctx, id)
	require.NoError(t, err)
}
