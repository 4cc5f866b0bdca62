package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/upstream"
)

// In-memory store implementations. They mirror the semantics of the Postgres,
// Redis and ClickHouse repositories closely enough for the queue, worker and
// service tests to substitute them without changing behavior.

// MemoryJobStore is an in-memory job queue with the same dequeue ordering and
// claim semantics as JobRepository.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	seq  int
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*models.Job)}
}

// Create inserts a new job.
func (s *MemoryJobStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(job)
}

// CreateBatch inserts multiple jobs atomically.
func (s *MemoryJobStore) CreateBatch(ctx context.Context, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if err := s.createLocked(job); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryJobStore) createLocked(job *models.Job) error {
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}

	now := time.Now().UTC()
	stored := *job
	if stored.CreatedAt.IsZero() {
		// Sequence-derived timestamps keep enqueue order stable even when
		// two inserts land in the same wall-clock instant.
		stored.CreatedAt = now.Add(time.Duration(s.seq) * time.Nanosecond)
	}
	stored.UpdatedAt = now
	s.seq++
	s.jobs[job.ID] = &stored
	return nil
}

// GetByID retrieves a job by ID.
func (s *MemoryJobStore) GetByID(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	c := *job
	return &c, nil
}

// DequeueWaiting claims up to limit waiting jobs for a platform and marks
// them active, ordered by priority, chunk number, then enqueue time.
func (s *MemoryJobStore) DequeueWaiting(ctx context.Context, platform types.Platform, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var waiting []*models.Job
	for _, job := range s.jobs {
		if job.Platform == platform && job.Status == types.JobStatusWaiting {
			waiting = append(waiting, job)
		}
	}

	sort.Slice(waiting, func(i, j int) bool {
		return jobLess(waiting[i], waiting[j])
	})

	if limit < len(waiting) {
		waiting = waiting[:limit]
	}

	claimed := make([]*models.Job, 0, len(waiting))
	now := time.Now().UTC()
	for _, job := range waiting {
		job.Status = types.JobStatusActive
		job.UpdatedAt = now
		c := *job
		claimed = append(claimed, &c)
	}

	return claimed, nil
}

// MarkCompleted transitions a job to completed.
func (s *MemoryJobStore) MarkCompleted(ctx context.Context, id string) error {
	return s.setStatus(id, types.JobStatusCompleted, nil)
}

// MarkFailed transitions a job to failed with the error text preserved.
func (s *MemoryJobStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.setStatus(id, types.JobStatusFailed, &reason)
}

func (s *MemoryJobStore) setStatus(id string, status types.JobStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.Status = status
	if lastError != nil {
		job.LastError = lastError
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// Requeue returns a job to waiting with an incremented attempt count.
func (s *MemoryJobStore) Requeue(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.Status = types.JobStatusWaiting
	job.Attempts++
	job.LastError = &reason
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// Defer returns a job to waiting without incrementing attempts.
func (s *MemoryJobStore) Defer(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.Status = types.JobStatusWaiting
	job.LastError = &reason
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ListByStatus retrieves jobs for a platform in a given status.
func (s *MemoryJobStore) ListByStatus(ctx context.Context, platform types.Platform, status types.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if job.Platform == platform && job.Status == status {
			c := *job
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return jobLess(out[i], out[j])
	})
	return out, nil
}

// FailWaitingByConnection drops every waiting job for a connection.
func (s *MemoryJobStore) FailWaitingByConnection(ctx context.Context, connectionID string, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	now := time.Now().UTC()
	for _, job := range s.jobs {
		if job.ConnectionID == connectionID && job.Status == types.JobStatusWaiting {
			job.Status = types.JobStatusFailed
			r := reason
			job.LastError = &r
			job.UpdatedAt = now
			dropped++
		}
	}
	return dropped, nil
}

// CountOutstandingHistorical counts non-terminal historical jobs for a
// connection.
func (s *MemoryJobStore) CountOutstandingHistorical(ctx context.Context, connectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.ConnectionID == connectionID && job.Type == types.JobTypeHistoricalBackfill && !job.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// CountOutstandingHistoricalByEntity counts non-terminal historical jobs for
// one entity of a connection.
func (s *MemoryJobStore) CountOutstandingHistoricalByEntity(ctx context.Context, connectionID string, entity types.Entity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.ConnectionID != connectionID || job.Type != types.JobTypeHistoricalBackfill || job.Status.Terminal() {
			continue
		}
		payload, err := models.HistoricalPayloadOf(job)
		if err != nil {
			continue
		}
		if payload.Entity == entity {
			count++
		}
	}
	return count, nil
}

// RequeueStuckActive returns long-active jobs to waiting.
func (s *MemoryJobStore) RequeueStuckActive(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	requeued := 0
	for _, job := range s.jobs {
		if job.Status == types.JobStatusActive && job.UpdatedAt.Before(cutoff) {
			job.Status = types.JobStatusWaiting
			job.Attempts++
			job.UpdatedAt = time.Now().UTC()
			requeued++
		}
	}
	return requeued, nil
}

// DeleteTerminalBefore removes terminal jobs older than the cutoff.
func (s *MemoryJobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryLedgerStore is an in-memory ETL ledger with the same monotonic merge
// semantics as LedgerRepository.
type MemoryLedgerStore struct {
	mu   sync.Mutex
	rows map[models.LedgerKey]*models.ETLJob
}

// NewMemoryLedgerStore creates an empty in-memory ledger.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{rows: make(map[models.LedgerKey]*models.ETLJob)}
}

// Upsert merges a partial patch into the ledger row, creating it if absent.
func (s *MemoryLedgerStore) Upsert(ctx context.Context, key models.LedgerKey, patch models.LedgerPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		row = &models.ETLJob{
			BrandID:      key.BrandID,
			ConnectionID: key.ConnectionID,
			Entity:       key.Entity,
			JobType:      key.JobType,
			Status:       types.LedgerStatusPending,
		}
		s.rows[key] = row
	}

	if patch.Status != nil {
		// A terminal status is never reverted by a later non-terminal patch.
		if !(row.Status.Terminal() && !patch.Status.Terminal()) {
			row.Status = *patch.Status
		}
	}
	if patch.ProgressPct != nil && *patch.ProgressPct > row.ProgressPct {
		row.ProgressPct = *patch.ProgressPct
	}
	if patch.RowsWritten != nil && *patch.RowsWritten > row.RowsWritten {
		row.RowsWritten = *patch.RowsWritten
	}
	if patch.TotalRows != nil {
		row.TotalRows = patch.TotalRows
	}
	if patch.ErrorMessage != nil {
		row.ErrorMessage = patch.ErrorMessage
	}
	if patch.StartedAt != nil && row.StartedAt == nil {
		row.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		row.CompletedAt = patch.CompletedAt
	}
	row.UpdatedAt = time.Now().UTC()

	return nil
}

// Read retrieves a single ledger row, or nil when absent.
func (s *MemoryLedgerStore) Read(ctx context.Context, key models.LedgerKey) (*models.ETLJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	c := *row
	return &c, nil
}

// ListByConnection retrieves every ledger row for a connection.
func (s *MemoryLedgerStore) ListByConnection(ctx context.Context, connectionID string) ([]*models.ETLJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ETLJob
	for _, row := range s.rows {
		if row.ConnectionID == connectionID {
			c := *row
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdatedWithin reports whether any row for the connection was touched inside
// the recency window.
func (s *MemoryLedgerStore) UpdatedWithin(ctx context.Context, connectionID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	for _, row := range s.rows {
		if row.ConnectionID == connectionID && row.UpdatedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// MemoryConnectionStore is an in-memory connection registry.
type MemoryConnectionStore struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
}

// NewMemoryConnectionStore creates an empty in-memory connection store.
func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{conns: make(map[string]*models.Connection)}
}

// Create inserts a new connection.
func (s *MemoryConnectionStore) Create(ctx context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[conn.ID]; exists {
		return fmt.Errorf("connection already exists: %s", conn.ID)
	}
	c := *conn
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.conns[conn.ID] = &c
	return nil
}

// GetByID retrieves a connection by ID.
func (s *MemoryConnectionStore) GetByID(ctx context.Context, id string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrConnectionNotFound, id)
	}
	c := *conn
	return &c, nil
}

// GetActive retrieves the newest active connection for a brand and platform,
// or nil when the brand has none.
func (s *MemoryConnectionStore) GetActive(ctx context.Context, brandID string, platform types.Platform) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *models.Connection
	for _, conn := range s.conns {
		if conn.BrandID == brandID && conn.PlatformType == platform && conn.Status == types.ConnectionActive {
			if newest == nil || conn.CreatedAt.After(newest.CreatedAt) {
				newest = conn
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	c := *newest
	return &c, nil
}

// ListActive retrieves every active connection across all brands.
func (s *MemoryConnectionStore) ListActive(ctx context.Context) ([]*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Connection
	for _, conn := range s.conns {
		if conn.Status == types.ConnectionActive {
			c := *conn
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetSyncStatus updates the sync status of an active connection. Revoked
// connections are left untouched.
func (s *MemoryConnectionStore) SetSyncStatus(ctx context.Context, id string, syncStatus types.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrConnectionNotFound, id)
	}
	if conn.Status != types.ConnectionActive {
		return nil
	}
	conn.SyncStatus = syncStatus
	now := time.Now().UTC()
	if syncStatus == types.SyncStateCompleted || syncStatus == types.SyncStateFailed {
		conn.LastSyncedAt = &now
	}
	conn.UpdatedAt = now
	return nil
}

// Revoke marks a connection revoked.
func (s *MemoryConnectionStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrConnectionNotFound, id)
	}
	conn.Status = types.ConnectionRevoked
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

// MemoryRecordStore is an in-memory stand-in for the ClickHouse record
// repository. It deduplicates on natural key at write time, which matches
// what the real table converges to after a merge.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]map[string]upstream.Record // brandID -> naturalKey -> record
	aggAt   map[string]time.Time
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]map[string]upstream.Record),
		aggAt:   make(map[string]time.Time),
	}
}

// UpsertRecords writes a batch of records for a brand.
func (s *MemoryRecordStore) UpsertRecords(ctx context.Context, brandID string, platform types.Platform, records []upstream.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.records[brandID]
	if !ok {
		byKey = make(map[string]upstream.Record)
		s.records[brandID] = byKey
	}
	for _, rec := range records {
		byKey[rec.NaturalKey] = rec
	}
	return int64(len(records)), nil
}

// Deduplicate is a no-op; the map is always deduplicated.
func (s *MemoryRecordStore) Deduplicate(ctx context.Context, brandID string) error {
	return nil
}

// RecomputeAggregates records the recompute time for freshness checks.
func (s *MemoryRecordStore) RecomputeAggregates(ctx context.Context, brandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggAt[brandID] = time.Now().UTC()
	return nil
}

// LastAggregatedAt returns when a brand's aggregates were last recomputed.
func (s *MemoryRecordStore) LastAggregatedAt(ctx context.Context, brandID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggAt[brandID], nil
}

// CountRecords returns the deduplicated record count for a brand and entity.
func (s *MemoryRecordStore) CountRecords(ctx context.Context, brandID string, entity types.Entity) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count uint64
	for _, rec := range s.records[brandID] {
		if rec.Entity == entity {
			count++
		}
	}
	return count, nil
}

// MemorySnapshotStore is an in-memory snapshot cache.
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]upstream.Record
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string][]upstream.Record)}
}

// Put stores the records for a query key.
func (s *MemorySnapshotStore) Put(ctx context.Context, key string, records []upstream.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]upstream.Record, len(records))
	copy(stored, records)
	s.snapshots[key] = stored
	return nil
}

// Get retrieves the snapshot for a query key.
func (s *MemorySnapshotStore) Get(ctx context.Context, key string) ([]upstream.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.snapshots[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]upstream.Record, len(records))
	copy(out, records)
	return out, true, nil
}
