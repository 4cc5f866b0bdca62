// Package worker runs the job-processing pool. It drains the per-platform
// queues, dispatches jobs to sync operations by (platform, type), and settles
// the ETL ledger and connection status from each job's outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/queue"
	"github.com/marketing-sync/internal/types"
)

// LedgerStore is the ledger surface the pool writes outcomes to.
type LedgerStore interface {
	Upsert(ctx context.Context, key models.LedgerKey, patch models.LedgerPatch) error
	Read(ctx context.Context, key models.LedgerKey) (*models.ETLJob, error)
}

// ConnectionStore is the connection surface the pool re-validates against.
type ConnectionStore interface {
	GetByID(ctx context.Context, id string) (*models.Connection, error)
	SetSyncStatus(ctx context.Context, id string, syncStatus types.SyncState) error
}

// Result is what a sync operation reports back on success.
type Result struct {
	RowsWritten int64
	// Deferred means the upstream rate-limited the call and no snapshot
	// could mask it. The job goes back to waiting rather than failing.
	Deferred          bool
	RetryAfterSeconds int
	Cached            bool
	Warning           string
}

// Operation executes one job against its upstream and data stores. The
// connection passed in has already been validated as active.
type Operation interface {
	Run(ctx context.Context, job *models.Job, conn *models.Connection) (*Result, error)
}

// DispatchKey routes a job to its operation.
type DispatchKey struct {
	Platform types.Platform
	Type     types.JobType
}

// Outcome is the settled result of one processed job.
type Outcome struct {
	JobID  string          `json:"id"`
	Status types.JobStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// Config holds pool tuning knobs.
type Config struct {
	BatchSize         int
	Concurrency       int
	MaxAttempts       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// Pool processes jobs from every platform queue under independent
// concurrency budgets, so one platform's backlog cannot starve the other.
type Pool struct {
	queue       *queue.Queue
	ledger      LedgerStore
	connections ConnectionStore
	ops         map[DispatchKey]Operation
	cfg         Config

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a worker pool. Operations are registered with Register
// before Start.
func NewPool(q *queue.Queue, ledger LedgerStore, connections ConnectionStore, cfg Config) *Pool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Minute
	}

	return &Pool{
		queue:       q,
		ledger:      ledger,
		connections: connections,
		ops:         make(map[DispatchKey]Operation),
		cfg:         cfg,
	}
}

// Register binds an operation to a (platform, jobType) pair.
func (p *Pool) Register(platform types.Platform, jobType types.JobType, op Operation) {
	p.ops[DispatchKey{Platform: platform, Type: jobType}] = op
}

// Start begins background processing. Calling it twice is a no-op; the
// second call never spawns duplicate consumers.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for _, platform := range types.AllPlatforms {
		p.wg.Add(1)
		go p.runPlatform(ctx, platform)
	}

	logging.WithField("platforms", len(types.AllPlatforms)).Info("Worker pool started")
}

// Stop cancels background processing and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if !p.started.Load() {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started.Store(false)
	logging.Info("Worker pool stopped")
}

// runPlatform is one platform's consume loop.
func (p *Pool) runPlatform(ctx context.Context, platform types.Platform) {
	defer p.wg.Done()

	log := logging.WithField("platform", platform)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.RequeueStuck(ctx, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to requeue stuck jobs")
			}

			jobs, err := p.queue.DequeueWaiting(ctx, platform, p.cfg.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("Failed to dequeue jobs")
				}
				continue
			}
			if len(jobs) == 0 {
				continue
			}

			p.ProcessBatch(ctx, jobs, p.cfg.Concurrency)
		}
	}
}

// ProcessBatch processes up to concurrency jobs in parallel and settles every
// job independently. One job's panic or failure never cancels its siblings;
// the returned outcomes cover the whole batch even if every job failed.
func (p *Pool) ProcessBatch(ctx context.Context, jobs []*models.Job, concurrency int) []Outcome {
	if concurrency <= 0 {
		concurrency = 1
	}

	outcomes := make([]Outcome, len(jobs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job *models.Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if r := recover(); r != nil {
					reason := fmt.Sprintf("panic: %v", r)
					logging.WithFields(map[string]interface{}{
						"jobId": job.ID,
						"panic": r,
					}).Error("Job panicked")
					_ = p.queue.MarkFailed(ctx, job.ID, reason)
					outcomes[i] = Outcome{JobID: job.ID, Status: types.JobStatusFailed, Error: reason}
				}
			}()

			outcomes[i] = p.processJob(ctx, job)
		}(i, job)
	}

	wg.Wait()
	return outcomes
}

// Drain synchronously dequeues and processes up to maxJobs jobs across all
// platforms. Backs the manual process endpoint for environments without a
// standing background worker.
func (p *Pool) Drain(ctx context.Context, maxJobs int) []Outcome {
	if maxJobs <= 0 {
		maxJobs = p.cfg.BatchSize
	}

	var outcomes []Outcome
	remaining := maxJobs
	for _, platform := range types.AllPlatforms {
		if remaining <= 0 {
			break
		}

		jobs, err := p.queue.DequeueWaiting(ctx, platform, remaining)
		if err != nil {
			logging.WithError(err).WithField("platform", platform).Error("Failed to dequeue jobs for drain")
			continue
		}
		if len(jobs) == 0 {
			continue
		}

		outcomes = append(outcomes, p.ProcessBatch(ctx, jobs, p.cfg.Concurrency)...)
		remaining -= len(jobs)
	}

	return outcomes
}

// processJob runs one job end to end and settles its queue, ledger and
// connection state.
func (p *Pool) processJob(ctx context.Context, job *models.Job) Outcome {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    job.ID,
		"jobType":  job.Type,
		"platform": job.Platform,
		"brandId":  job.BrandID,
	})

	// Re-validate the connection right before execution. A missing or
	// revoked connection drops the job with no retry; a transient lookup
	// error returns it to waiting instead.
	conn, err := p.connections.GetByID(ctx, job.ConnectionID)
	if err != nil {
		if errors.Is(err, models.ErrConnectionNotFound) {
			log.Warn("Connection missing, dropping job")
			_ = p.queue.MarkFailed(ctx, job.ID, "connection_invalid")
			return Outcome{JobID: job.ID, Status: types.JobStatusFailed, Error: "connection_invalid"}
		}
		log.WithError(err).Warn("Connection lookup failed, deferring job")
		_ = p.queue.Defer(ctx, job.ID, "connection_lookup_failed")
		return Outcome{JobID: job.ID, Status: types.JobStatusWaiting, Error: "connection_lookup_failed"}
	}
	if !conn.Active() {
		log.Warn("Connection no longer active, dropping job")
		_ = p.queue.MarkFailed(ctx, job.ID, "connection_invalid")
		return Outcome{JobID: job.ID, Status: types.JobStatusFailed, Error: "connection_invalid"}
	}

	op, ok := p.ops[DispatchKey{Platform: job.Platform, Type: job.Type}]
	if !ok {
		// Unknown type is fatal for this job only, never for the queue.
		reason := fmt.Sprintf("no operation registered for platform %s job type %s", job.Platform, job.Type)
		log.Error(reason)
		_ = p.queue.MarkFailed(ctx, job.ID, reason)
		return Outcome{JobID: job.ID, Status: types.JobStatusFailed, Error: reason}
	}

	result, err := op.Run(ctx, job, conn)
	if err != nil {
		return p.settleFailure(ctx, job, err)
	}

	if result != nil && result.Deferred {
		// Rate limited with nothing cached to serve. Back to waiting, with
		// the attempt count untouched so deferrals never consume the
		// hard-failure retry budget.
		log.WithField("retryAfterSeconds", result.RetryAfterSeconds).Info("Job deferred by rate limit")
		_ = p.queue.Defer(ctx, job.ID, "rate_limited")
		return Outcome{JobID: job.ID, Status: types.JobStatusWaiting, Error: "rate_limited"}
	}

	if err := p.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.WithError(err).Error("Failed to mark job completed")
	}

	p.settleHistoricalCompletion(ctx, job)

	log.Info("Job completed")
	return Outcome{JobID: job.ID, Status: types.JobStatusCompleted}
}

// settleFailure re-enqueues a hard failure up to the attempt cap, then marks
// the job, its ledger rows and the connection failed with the error text
// preserved verbatim.
func (p *Pool) settleFailure(ctx context.Context, job *models.Job, opErr error) Outcome {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    job.ID,
		"attempts": job.Attempts,
	}).WithError(opErr)

	if job.Attempts+1 < p.cfg.MaxAttempts {
		log.Warn("Job failed, re-enqueueing")
		_ = p.queue.Requeue(ctx, job.ID, opErr.Error())
		return Outcome{JobID: job.ID, Status: types.JobStatusWaiting, Error: opErr.Error()}
	}

	log.Error("Job failed permanently")
	_ = p.queue.MarkFailed(ctx, job.ID, opErr.Error())

	failed := types.LedgerStatusFailed
	msg := opErr.Error()
	now := time.Now().UTC()
	for _, key := range ledgerKeysFor(job) {
		// Entities the job already completed before the failure keep their
		// terminal row; only non-terminal rows are marked failed.
		row, err := p.ledger.Read(ctx, key)
		if err == nil && row != nil && row.Status.Terminal() {
			continue
		}
		if err := p.ledger.Upsert(ctx, key, models.LedgerPatch{
			Status:       &failed,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}); err != nil {
			log.WithError(err).Error("Failed to mark ledger row failed")
		}
	}

	if err := p.connections.SetSyncStatus(ctx, job.ConnectionID, types.SyncStateFailed); err != nil {
		log.WithError(err).Error("Failed to mark connection sync failed")
	}

	return Outcome{JobID: job.ID, Status: types.JobStatusFailed, Error: opErr.Error()}
}

// settleHistoricalCompletion closes out a backfill entity once the last chunk
// of that entity's sequence settles: the entity's ledger row goes to
// completed/100. Each entity runs its own chunk sequence, so sibling entities
// still backfilling are untouched. The connection flips to completed only
// when no historical job remains for the whole connection; that update is
// guarded on active status, so a revocation that happened mid-flight is
// never overwritten.
func (p *Pool) settleHistoricalCompletion(ctx context.Context, job *models.Job) {
	if job.Type != types.JobTypeHistoricalBackfill {
		return
	}

	payload, err := models.HistoricalPayloadOf(job)
	if err != nil {
		logging.WithError(err).WithField("jobId", job.ID).Error("Failed to decode chunk payload")
		return
	}

	entityOutstanding, err := p.queue.OutstandingHistoricalForEntity(ctx, job.ConnectionID, payload.Entity)
	if err != nil {
		logging.WithError(err).WithField("jobId", job.ID).Error("Failed to check outstanding chunks for entity")
		return
	}
	if entityOutstanding > 0 {
		return
	}

	completed := types.LedgerStatusCompleted
	hundred := 100
	now := time.Now().UTC()
	key := models.LedgerKey{
		BrandID:      job.BrandID,
		ConnectionID: job.ConnectionID,
		Entity:       payload.Entity,
		JobType:      job.Type,
	}
	if err := p.ledger.Upsert(ctx, key, models.LedgerPatch{
		Status:      &completed,
		ProgressPct: &hundred,
		CompletedAt: &now,
	}); err != nil {
		logging.WithError(err).WithField("jobId", job.ID).Error("Failed to complete ledger row")
	}

	connOutstanding, err := p.queue.OutstandingHistorical(ctx, job.ConnectionID)
	if err != nil {
		logging.WithError(err).WithField("jobId", job.ID).Error("Failed to check outstanding historical jobs")
		return
	}
	if connOutstanding > 0 {
		return
	}

	if err := p.connections.SetSyncStatus(ctx, job.ConnectionID, types.SyncStateCompleted); err != nil {
		logging.WithError(err).WithField("connectionId", job.ConnectionID).Error("Failed to complete connection sync status")
	}
}

// ledgerKeysFor derives the ledger rows a job reports against. A recent_sync
// job covers every entity in its payload; chunked and daily jobs cover one.
func ledgerKeysFor(job *models.Job) []models.LedgerKey {
	base := models.LedgerKey{
		BrandID:      job.BrandID,
		ConnectionID: job.ConnectionID,
		JobType:      job.Type,
	}

	switch job.Type {
	case types.JobTypeRecentSync:
		payload, err := models.RecentSyncPayloadOf(job)
		if err != nil {
			return nil
		}
		keys := make([]models.LedgerKey, 0, len(payload.Entities))
		for _, entity := range payload.Entities {
			key := base
			key.Entity = entity
			keys = append(keys, key)
		}
		return keys

	case types.JobTypeHistoricalBackfill:
		payload, err := models.HistoricalPayloadOf(job)
		if err != nil {
			return nil
		}
		base.Entity = payload.Entity
		return []models.LedgerKey{base}

	case types.JobTypeDailySync:
		payload, err := models.DailySyncPayloadOf(job)
		if err != nil {
			return nil
		}
		base.Entity = payload.Entity
		return []models.LedgerKey{base}

	default:
		return []models.LedgerKey{base}
	}
}
