package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/upstream"
)

// RecordRepository stores fetched upstream rows in ClickHouse. Writes are
// append-only on a ReplacingMergeTree keyed by the record's natural key, so
// refetching the same window is idempotent once the table is deduplicated.
type RecordRepository struct {
	db *ClickHouseDB
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *ClickHouseDB) *RecordRepository {
	return &RecordRepository{db: db}
}

// UpsertRecords writes a batch of records for a brand and returns the number
// written. Duplicate natural keys from retried jobs collapse at merge time.
func (r *RecordRepository) UpsertRecords(ctx context.Context, brandID string, platform types.Platform, records []upstream.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO sync_records (brand_id, platform, entity, natural_key, record_date, amount, raw, ingested_at)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare record batch: %w", err)
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if err := batch.Append(
			brandID,
			string(platform),
			string(rec.Entity),
			rec.NaturalKey,
			rec.Date,
			rec.Amount,
			string(rec.Raw),
			now,
		); err != nil {
			return 0, fmt.Errorf("failed to append record %s: %w", rec.NaturalKey, err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send record batch: %w", err)
	}

	return int64(len(records)), nil
}

// Deduplicate forces merge-time deduplication of a brand's records. Safe to
// run concurrently with ongoing inserts; it never touches canonical rows
// beyond collapsing exact natural-key duplicates.
func (r *RecordRepository) Deduplicate(ctx context.Context, brandID string) error {
	// ReplacingMergeTree drops older duplicates on merge; OPTIMIZE forces
	// the merge instead of waiting for a background cycle.
	query := `OPTIMIZE TABLE sync_records FINAL`
	if err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to deduplicate records: %w", err)
	}

	return nil
}

// RecomputeAggregates rebuilds the daily aggregates for a brand from the
// canonical deduplicated rows.
func (r *RecordRepository) RecomputeAggregates(ctx context.Context, brandID string) error {
	query := `
		INSERT INTO daily_aggregates (brand_id, platform, entity, day, total_amount, record_count, computed_at)
		SELECT
			brand_id,
			platform,
			entity,
			record_date AS day,
			sum(amount) AS total_amount,
			count() AS record_count,
			now() AS computed_at
		FROM sync_records FINAL
		WHERE brand_id = ?
		GROUP BY brand_id, platform, entity, record_date
	`

	if err := r.db.Exec(ctx, query, brandID); err != nil {
		return fmt.Errorf("failed to recompute aggregates: %w", err)
	}

	return nil
}

// LastAggregatedAt returns when a brand's aggregates were last recomputed.
// The zero time means they never were.
func (r *RecordRepository) LastAggregatedAt(ctx context.Context, brandID string) (time.Time, error) {
	query := `SELECT max(computed_at) FROM daily_aggregates WHERE brand_id = ?`

	var computedAt time.Time
	row := r.db.Conn().QueryRow(ctx, query, brandID)
	if err := row.Scan(&computedAt); err != nil {
		return time.Time{}, fmt.Errorf("failed to read aggregate freshness: %w", err)
	}

	return computedAt, nil
}

// CountRecords returns the deduplicated row count for a brand and entity.
func (r *RecordRepository) CountRecords(ctx context.Context, brandID string, entity types.Entity) (uint64, error) {
	query := `SELECT count() FROM sync_records FINAL WHERE brand_id = ? AND entity = ?`

	var count uint64
	row := r.db.Conn().QueryRow(ctx, query, brandID, string(entity))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}

	return count, nil
}
