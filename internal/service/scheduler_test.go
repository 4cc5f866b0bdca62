package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/queue"
	"github.com/marketing-sync/internal/storage"
	"github.com/marketing-sync/internal/types"
)

func setupScheduler(t *testing.T) (*Scheduler, *queue.Queue, *storage.MemoryConnectionStore) {
	t.Helper()

	jobs := storage.NewMemoryJobStore()
	connections := storage.NewMemoryConnectionStore()
	q := queue.NewQueue(jobs)

	s := NewScheduler(q, connections, SchedulerConfig{})
	s.now = func() time.Time { return time.Date(2024, 5, 15, 3, 0, 0, 0, time.UTC) }
	return s, q, connections
}

func TestEnqueueDailySyncsCoversYesterdayPerEntity(t *testing.T) {
	ctx := context.Background()
	s, q, connections := setupScheduler(t)

	require.NoError(t, connections.Create(ctx, &models.Connection{
		ID: "conn-ads", BrandID: "brand-1", PlatformType: types.PlatformAds, Status: types.ConnectionActive,
	}))
	require.NoError(t, connections.Create(ctx, &models.Connection{
		ID: "conn-commerce", BrandID: "brand-1", PlatformType: types.PlatformCommerce, Status: types.ConnectionActive,
	}))

	s.EnqueueDailySyncs(ctx)

	adsJobs, err := q.ListWaiting(ctx, types.PlatformAds)
	require.NoError(t, err)
	commerceJobs, err := q.ListWaiting(ctx, types.PlatformCommerce)
	require.NoError(t, err)
	assert.Len(t, adsJobs, 2)
	assert.Len(t, commerceJobs, 2)

	payload, err := models.DailySyncPayloadOf(adsJobs[0])
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), payload.Window.Start)
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), payload.Window.End)
}

func TestEnqueueDailySyncsSkipsRevokedConnections(t *testing.T) {
	ctx := context.Background()
	s, q, connections := setupScheduler(t)

	require.NoError(t, connections.Create(ctx, &models.Connection{
		ID: "conn-ads", BrandID: "brand-1", PlatformType: types.PlatformAds, Status: types.ConnectionActive,
	}))
	require.NoError(t, connections.Revoke(ctx, "conn-ads"))

	s.EnqueueDailySyncs(ctx)

	adsJobs, err := q.ListWaiting(ctx, types.PlatformAds)
	require.NoError(t, err)
	assert.Empty(t, adsJobs)
}

func TestEnqueueReconcilesOnePerConnection(t *testing.T) {
	ctx := context.Background()
	s, q, connections := setupScheduler(t)

	require.NoError(t, connections.Create(ctx, &models.Connection{
		ID: "conn-ads", BrandID: "brand-1", PlatformType: types.PlatformAds, Status: types.ConnectionActive,
	}))

	s.EnqueueReconciles(ctx)

	adsJobs, err := q.ListWaiting(ctx, types.PlatformAds)
	require.NoError(t, err)
	require.Len(t, adsJobs, 1)
	assert.Equal(t, types.JobTypeReconcile, adsJobs[0].Type)
}
