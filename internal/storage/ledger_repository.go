package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marketing-sync/internal/models"
)

// LedgerRepository persists ETL progress rows. Every write is a single
// atomic upsert keyed by (brand, connection, entity, job_type) so concurrent
// chunk completions can never lose updates. Progress and row counters only
// move up and a terminal status is never reverted to a non-terminal one.
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Upsert merges a partial patch into the ledger row, creating it if absent.
// Nil patch fields leave the stored value untouched. updated_at always
// refreshes so the recency guard sees every touch.
func (r *LedgerRepository) Upsert(ctx context.Context, key models.LedgerKey, patch models.LedgerPatch) error {
	query := `
		INSERT INTO etl_jobs (
			brand_id, connection_id, entity, job_type, status, progress_pct,
			rows_written, total_rows, error_message, started_at, completed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, COALESCE($5, 'pending'), COALESCE($6, 0), COALESCE($7, 0), $8, $9, $10, $11, NOW())
		ON CONFLICT (brand_id, connection_id, entity, job_type) DO UPDATE SET
			status = CASE
				WHEN etl_jobs.status IN ('completed', 'failed')
				     AND COALESCE($5, etl_jobs.status) IN ('pending', 'processing')
				THEN etl_jobs.status
				ELSE COALESCE($5, etl_jobs.status)
			END,
			progress_pct  = GREATEST(etl_jobs.progress_pct, COALESCE($6, etl_jobs.progress_pct)),
			rows_written  = GREATEST(etl_jobs.rows_written, COALESCE($7, etl_jobs.rows_written)),
			total_rows    = COALESCE($8, etl_jobs.total_rows),
			error_message = COALESCE($9, etl_jobs.error_message),
			started_at    = COALESCE(etl_jobs.started_at, $10),
			completed_at  = COALESCE($11, etl_jobs.completed_at),
			updated_at    = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		key.BrandID,
		key.ConnectionID,
		key.Entity,
		key.JobType,
		patch.Status,
		patch.ProgressPct,
		patch.RowsWritten,
		patch.TotalRows,
		patch.ErrorMessage,
		patch.StartedAt,
		patch.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger row: %w", err)
	}

	return nil
}

const ledgerColumns = `
	brand_id, connection_id, entity, job_type, status, progress_pct,
	rows_written, total_rows, error_message, started_at, completed_at, updated_at
`

// Read retrieves a single ledger row, or nil when no row exists for the key.
func (r *LedgerRepository) Read(ctx context.Context, key models.LedgerKey) (*models.ETLJob, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM etl_jobs
		WHERE brand_id = $1 AND connection_id = $2 AND entity = $3 AND job_type = $4
	`

	row, err := scanLedgerRow(r.db.Pool().QueryRow(ctx, query, key.BrandID, key.ConnectionID, key.Entity, key.JobType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger row: %w", err)
	}

	return row, nil
}

// ListByConnection retrieves every ledger row for a connection, newest first.
func (r *LedgerRepository) ListByConnection(ctx context.Context, connectionID string) ([]*models.ETLJob, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM etl_jobs
		WHERE connection_id = $1
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger rows: %w", err)
	}
	defer rows.Close()

	var ledger []*models.ETLJob
	for rows.Next() {
		row, err := scanLedgerRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		ledger = append(ledger, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return ledger, nil
}

// UpdatedWithin reports whether any ledger row for the connection was touched
// inside the recency window. Backs the skip-redundant-sync guard.
func (r *LedgerRepository) UpdatedWithin(ctx context.Context, connectionID string, window time.Duration) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM etl_jobs
			WHERE connection_id = $1 AND updated_at > NOW() - $2::interval
		)
	`

	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	var fresh bool
	if err := r.db.Pool().QueryRow(ctx, query, connectionID, interval).Scan(&fresh); err != nil {
		return false, fmt.Errorf("failed to check ledger recency: %w", err)
	}

	return fresh, nil
}

func scanLedgerRow(row rowScanner) (*models.ETLJob, error) {
	var job models.ETLJob
	err := row.Scan(
		&job.BrandID,
		&job.ConnectionID,
		&job.Entity,
		&job.JobType,
		&job.Status,
		&job.ProgressPct,
		&job.RowsWritten,
		&job.TotalRows,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
