package models

import (
	"time"

	"github.com/marketing-sync/internal/types"
)

// LedgerKey identifies one ETL ledger row.
type LedgerKey struct {
	BrandID      string         `json:"brandId"`
	ConnectionID string         `json:"connectionId"`
	Entity       types.Entity   `json:"entity"`
	JobType      types.JobType  `json:"jobType"`
}

// ETLJob is the progress record the UI polls while sync is in flight.
// ProgressPct is monotonically non-decreasing within a job's lifetime and a
// terminal status is never reverted by a later update.
type ETLJob struct {
	BrandID      string             `json:"brandId"`
	ConnectionID string             `json:"connectionId"`
	Entity       types.Entity       `json:"entity"`
	JobType      types.JobType      `json:"jobType"`
	Status       types.LedgerStatus `json:"status"`
	ProgressPct  int                `json:"progressPct"`
	RowsWritten  int64              `json:"rowsWritten"`
	TotalRows    *int64             `json:"totalRows,omitempty"`
	ErrorMessage *string            `json:"errorMessage,omitempty"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	CompletedAt  *time.Time         `json:"completedAt,omitempty"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Key returns the ledger key for this row.
func (j *ETLJob) Key() LedgerKey {
	return LedgerKey{
		BrandID:      j.BrandID,
		ConnectionID: j.ConnectionID,
		Entity:       j.Entity,
		JobType:      j.JobType,
	}
}

// LedgerPatch is a partial update merged into a ledger row. Nil fields leave
// the existing value untouched; progress and row counters only ever move up.
type LedgerPatch struct {
	Status       *types.LedgerStatus
	ProgressPct  *int
	RowsWritten  *int64
	TotalRows    *int64
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
