package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

// JobRepository persists sync jobs in Postgres. Dequeueing uses
// FOR UPDATE SKIP LOCKED so concurrent workers never hand out the same job.
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, platform, type, brand_id, connection_id, payload, priority,
	chunk_number, attempts, status, last_error, created_at, updated_at
`

// Create inserts a new job in waiting status.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO sync_jobs (
			id, platform, type, brand_id, connection_id, payload, priority,
			chunk_number, attempts, status, last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`

	_, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.Platform,
		job.Type,
		job.BrandID,
		job.ConnectionID,
		job.Payload,
		job.Priority,
		job.ChunkNumber,
		job.Attempts,
		job.Status,
		job.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// CreateBatch inserts multiple jobs in one transaction so a historical chunk
// sequence becomes visible atomically and in order.
func (r *JobRepository) CreateBatch(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	query := `
		INSERT INTO sync_jobs (
			id, platform, type, brand_id, connection_id, payload, priority,
			chunk_number, attempts, status, last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`

	for _, job := range jobs {
		if _, err := tx.Exec(ctx, query,
			job.ID,
			job.Platform,
			job.Type,
			job.BrandID,
			job.ConnectionID,
			job.Payload,
			job.Priority,
			job.ChunkNumber,
			job.Attempts,
			job.Status,
			job.LastError,
		); err != nil {
			return fmt.Errorf("failed to create job %s in batch: %w", job.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job batch: %w", err)
	}

	return nil
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// DequeueWaiting atomically claims up to limit waiting jobs for a platform and
// marks them active. High-priority job types drain first; within a priority,
// chunk order then enqueue order decide, so historical sequences become
// eligible in non-decreasing chunk order.
func (r *JobRepository) DequeueWaiting(ctx context.Context, platform types.Platform, limit int) ([]*models.Job, error) {
	query := `
		UPDATE sync_jobs
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE platform = $2 AND status = $3
			ORDER BY priority DESC, chunk_number ASC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Pool().Query(ctx, query, types.JobStatusActive, platform, types.JobStatusWaiting, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not honor the inner ORDER BY; restore dequeue order.
	sortJobs(jobs)
	return jobs, nil
}

// MarkCompleted transitions a job to completed.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, types.JobStatusCompleted, nil)
}

// MarkFailed transitions a job to failed with the error text preserved.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.setStatus(ctx, id, types.JobStatusFailed, &reason)
}

func (r *JobRepository) setStatus(ctx context.Context, id string, status types.JobStatus, lastError *string) error {
	query := `
		UPDATE sync_jobs
		SET status = $2, last_error = COALESCE($3, last_error), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// Requeue returns an active job to waiting with an incremented attempt count.
func (r *JobRepository) Requeue(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE sync_jobs
		SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, types.JobStatusWaiting, reason)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// Defer returns a job to waiting without incrementing attempts, so rate-limit
// deferrals never eat into the hard-failure retry budget.
func (r *JobRepository) Defer(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE sync_jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, types.JobStatusWaiting, reason)
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// ListByStatus retrieves jobs for a platform in a given status.
func (r *JobRepository) ListByStatus(ctx context.Context, platform types.Platform, status types.JobStatus) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE platform = $1 AND status = $2
		ORDER BY priority DESC, chunk_number ASC, created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, platform, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// FailWaitingByConnection drops every waiting job for a revoked connection.
// Returns the number of jobs dropped.
func (r *JobRepository) FailWaitingByConnection(ctx context.Context, connectionID string, reason string) (int, error) {
	query := `
		UPDATE sync_jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE connection_id = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, connectionID, types.JobStatusFailed, reason, types.JobStatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("failed to drop waiting jobs for connection: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// CountOutstandingHistorical counts a connection's historical jobs that are
// not yet terminal. Zero means the backfill sequence is fully settled.
func (r *JobRepository) CountOutstandingHistorical(ctx context.Context, connectionID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sync_jobs
		WHERE connection_id = $1 AND type = $2 AND status IN ($3, $4)
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query,
		connectionID, types.JobTypeHistoricalBackfill,
		types.JobStatusWaiting, types.JobStatusActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding historical jobs: %w", err)
	}

	return count, nil
}

// CountOutstandingHistoricalByEntity counts non-terminal historical jobs for
// one entity of a connection, matched against the chunk payload.
func (r *JobRepository) CountOutstandingHistoricalByEntity(ctx context.Context, connectionID string, entity types.Entity) (int, error) {
	query := `
		SELECT COUNT(*) FROM sync_jobs
		WHERE connection_id = $1 AND type = $2 AND status IN ($3, $4)
		  AND payload->>'entity' = $5
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query,
		connectionID, types.JobTypeHistoricalBackfill,
		types.JobStatusWaiting, types.JobStatusActive, string(entity),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding historical jobs for entity %s: %w", entity, err)
	}

	return count, nil
}

// RequeueStuckActive returns jobs stuck in active beyond the visibility
// timeout to waiting, typically after a worker crash.
func (r *JobRepository) RequeueStuckActive(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE sync_jobs
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval
	`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	result, err := r.db.Pool().Exec(ctx, query, types.JobStatusWaiting, types.JobStatusActive, interval)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// DeleteTerminalBefore removes completed and failed jobs older than the cutoff.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM sync_jobs
		WHERE status IN ($1, $2) AND updated_at < $3
	`

	result, err := r.db.Pool().Exec(ctx, query, types.JobStatusCompleted, types.JobStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}

	return int(result.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.Platform,
		&job.Type,
		&job.BrandID,
		&job.ConnectionID,
		&job.Payload,
		&job.Priority,
		&job.ChunkNumber,
		&job.Attempts,
		&job.Status,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobLess(jobs[i], jobs[j])
	})
}

func jobLess(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.ChunkNumber != b.ChunkNumber {
		return a.ChunkNumber < b.ChunkNumber
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
