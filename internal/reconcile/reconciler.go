// Package reconcile implements the periodic repair pass over synced records:
// duplicate removal and aggregate recomputation. It is idempotent and safe to
// run while syncs are in flight.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/marketing-sync/internal/logging"
)

// RecordStore is the record surface the reconciler repairs.
type RecordStore interface {
	Deduplicate(ctx context.Context, brandID string) error
	RecomputeAggregates(ctx context.Context, brandID string) error
	LastAggregatedAt(ctx context.Context, brandID string) (time.Time, error)
}

// Reconciler removes duplicate rows left behind by retried upserts and
// rebuilds derived aggregates from the canonical rows. It never deletes
// canonical data.
type Reconciler struct {
	records RecordStore
}

// NewReconciler creates a reconciler over the given record store.
func NewReconciler(records RecordStore) *Reconciler {
	return &Reconciler{records: records}
}

// Reconcile runs one full pass for a brand.
func (r *Reconciler) Reconcile(ctx context.Context, brandID string) error {
	log := logging.FromContext(ctx).WithField("brandId", brandID)

	if err := r.records.Deduplicate(ctx, brandID); err != nil {
		return fmt.Errorf("reconcile failed for brand %s: %w", brandID, err)
	}
	if err := r.records.RecomputeAggregates(ctx, brandID); err != nil {
		return fmt.Errorf("reconcile failed for brand %s: %w", brandID, err)
	}

	log.Info("Reconciliation pass completed")
	return nil
}

// ReconcileIfStale runs a pass only when the brand's aggregates are older
// than the most recent sync completion. Callers use it opportunistically
// before reporting a computed aggregate.
func (r *Reconciler) ReconcileIfStale(ctx context.Context, brandID string, lastSyncCompleted time.Time) error {
	computedAt, err := r.records.LastAggregatedAt(ctx, brandID)
	if err != nil {
		return fmt.Errorf("failed to check aggregate freshness for brand %s: %w", brandID, err)
	}

	if !computedAt.Before(lastSyncCompleted) {
		return nil
	}

	return r.Reconcile(ctx, brandID)
}
