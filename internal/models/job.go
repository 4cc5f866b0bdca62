package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketing-sync/internal/types"
)

// Job is one unit of sync work owned by the job queue.
type Job struct {
	ID           string          `json:"id"`
	Platform     types.Platform  `json:"platform"`
	Type         types.JobType   `json:"type"`
	BrandID      string          `json:"brandId"`
	ConnectionID string          `json:"connectionId"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	ChunkNumber  int             `json:"chunkNumber"` // 0 for non-chunked jobs
	Attempts     int             `json:"attempts"`
	Status       types.JobStatus `json:"status"`
	LastError    *string         `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// RecentSyncPayload covers a small trailing window for immediate UI value.
type RecentSyncPayload struct {
	Entities   []types.Entity `json:"entities"`
	WindowDays int            `json:"windowDays"`
}

// HistoricalBackfillPayload is one bounded chunk of a full backfill range.
type HistoricalBackfillPayload struct {
	Entity      types.Entity    `json:"entity"`
	Window      types.DateRange `json:"window"`
	ChunkNumber int             `json:"chunkNumber"`
	TotalChunks int             `json:"totalChunks"`
}

// DailySyncPayload refreshes a single recent day for an entity.
type DailySyncPayload struct {
	Entity types.Entity    `json:"entity"`
	Window types.DateRange `json:"window"`
}

// ReconcilePayload carries no parameters; the brand comes from the job row.
type ReconcilePayload struct{}

// EncodePayload serializes a typed payload for storage on a Job.
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	return data, nil
}

// RecentSyncPayloadOf decodes the payload of a recent_sync job.
func RecentSyncPayloadOf(job *Job) (*RecentSyncPayload, error) {
	if job.Type != types.JobTypeRecentSync {
		return nil, fmt.Errorf("job %s is %s, not %s", job.ID, job.Type, types.JobTypeRecentSync)
	}
	var p RecentSyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode recent_sync payload for job %s: %w", job.ID, err)
	}
	return &p, nil
}

// HistoricalPayloadOf decodes the payload of a historical_backfill job.
func HistoricalPayloadOf(job *Job) (*HistoricalBackfillPayload, error) {
	if job.Type != types.JobTypeHistoricalBackfill {
		return nil, fmt.Errorf("job %s is %s, not %s", job.ID, job.Type, types.JobTypeHistoricalBackfill)
	}
	var p HistoricalBackfillPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode historical_backfill payload for job %s: %w", job.ID, err)
	}
	return &p, nil
}

// DailySyncPayloadOf decodes the payload of a daily_sync job.
func DailySyncPayloadOf(job *Job) (*DailySyncPayload, error) {
	if job.Type != types.JobTypeDailySync {
		return nil, fmt.Errorf("job %s is %s, not %s", job.ID, job.Type, types.JobTypeDailySync)
	}
	var p DailySyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode daily_sync payload for job %s: %w", job.ID, err)
	}
	return &p, nil
}
