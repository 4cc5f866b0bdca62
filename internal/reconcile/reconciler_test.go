package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordStoreStub struct {
	dedups       int
	recomputes   int
	aggregatedAt time.Time
	freshnessErr error
}

func (s *recordStoreStub) Deduplicate(ctx context.Context, brandID string) error {
	s.dedups++
	return nil
}

func (s *recordStoreStub) RecomputeAggregates(ctx context.Context, brandID string) error {
	s.recomputes++
	s.aggregatedAt = time.Now().UTC()
	return nil
}

func (s *recordStoreStub) LastAggregatedAt(ctx context.Context, brandID string) (time.Time, error) {
	if s.freshnessErr != nil {
		return time.Time{}, s.freshnessErr
	}
	return s.aggregatedAt, nil
}

func TestReconcileRunsBothPhases(t *testing.T) {
	ctx := context.Background()
	records := &recordStoreStub{}

	require.NoError(t, NewReconciler(records).Reconcile(ctx, "brand-1"))
	assert.Equal(t, 1, records.dedups)
	assert.Equal(t, 1, records.recomputes)
}

func TestReconcileIfStaleSkipsFreshAggregates(t *testing.T) {
	ctx := context.Background()
	lastSync := time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)

	// Aggregates computed after the sync finished: nothing to repair.
	records := &recordStoreStub{aggregatedAt: lastSync.Add(time.Minute)}
	require.NoError(t, NewReconciler(records).ReconcileIfStale(ctx, "brand-1", lastSync))
	assert.Equal(t, 0, records.dedups)
	assert.Equal(t, 0, records.recomputes)

	// Aggregates computed exactly at the sync boundary still count as fresh.
	records = &recordStoreStub{aggregatedAt: lastSync}
	require.NoError(t, NewReconciler(records).ReconcileIfStale(ctx, "brand-1", lastSync))
	assert.Equal(t, 0, records.recomputes)
}

func TestReconcileIfStaleRunsOnStaleAggregates(t *testing.T) {
	ctx := context.Background()
	lastSync := time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)

	records := &recordStoreStub{aggregatedAt: lastSync.Add(-time.Hour)}
	require.NoError(t, NewReconciler(records).ReconcileIfStale(ctx, "brand-1", lastSync))
	assert.Equal(t, 1, records.dedups)
	assert.Equal(t, 1, records.recomputes)

	// A brand never aggregated reports the zero time and always reconciles.
	records = &recordStoreStub{}
	require.NoError(t, NewReconciler(records).ReconcileIfStale(ctx, "brand-1", lastSync))
	assert.Equal(t, 1, records.recomputes)
}

func TestReconcileIfStalePropagatesFreshnessError(t *testing.T) {
	ctx := context.Background()

	records := &recordStoreStub{freshnessErr: errors.New("clickhouse unreachable")}
	err := NewReconciler(records).ReconcileIfStale(ctx, "brand-1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate freshness")
	assert.Equal(t, 0, records.dedups)
}
