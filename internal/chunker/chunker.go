// Package chunker plans historical backfill ranges as bounded sub-range chunks.
package chunker

import (
	"fmt"
	"math"
	"time"

	"github.com/marketing-sync/internal/types"
)

// Chunk is one bounded sub-range of a backfill, processed as one job.
type Chunk struct {
	Entity      types.Entity    `json:"entity"`
	Window      types.DateRange `json:"window"`
	Number      int             `json:"number"` // 1-based
	Total       int             `json:"total"`
}

// Plan splits a full backfill range into contiguous, non-overlapping chunks of
// at most spanDays days each. The union of the returned windows equals the
// input range exactly. A zero-length or single-day range produces one chunk.
//
// The span is a fixed policy, not adaptive: it is sized so expected row volume
// per chunk stays well under the upstream per-call ceiling, trading a little
// efficiency for predictable progress reporting.
func Plan(entity types.Entity, full types.DateRange, spanDays int) ([]Chunk, error) {
	if err := full.Validate(); err != nil {
		return nil, fmt.Errorf("chunk planning failed: %w", err)
	}
	if spanDays <= 0 {
		return nil, fmt.Errorf("chunk planning failed: span must be positive, got %d days", spanDays)
	}

	days := full.Days()
	if days <= 0 {
		// Zero-length or single-day ranges still yield exactly one chunk so a
		// backfill always produces at least one job.
		return []Chunk{{Entity: entity, Window: full, Number: 1, Total: 1}}, nil
	}

	total := (days + spanDays - 1) / spanDays
	chunks := make([]Chunk, 0, total)

	start := full.Start
	for i := 1; i <= total; i++ {
		end := start.AddDate(0, 0, spanDays)
		if end.After(full.End) {
			end = full.End
		}

		chunks = append(chunks, Chunk{
			Entity: entity,
			Window: types.DateRange{Start: start, End: end},
			Number: i,
			Total:  total,
		})

		start = end
	}

	return chunks, nil
}

// ProgressPct computes the ledger percentage for a completed chunk. Progress
// is reported by whichever chunk completes; the ledger keeps the maximum, so
// out-of-order completions never regress the visible percentage.
func ProgressPct(chunkNumber, totalChunks int) int {
	if totalChunks <= 0 {
		return 0
	}
	if chunkNumber >= totalChunks {
		return 100
	}
	if chunkNumber < 0 {
		return 0
	}
	return int(math.Round(float64(chunkNumber) / float64(totalChunks) * 100))
}

// BackfillRange returns the full historical window ending today for a
// configured number of days.
func BackfillRange(now time.Time, backfillDays int) types.DateRange {
	end := types.Day(now)
	return types.DateRange{Start: end.AddDate(0, 0, -backfillDays), End: end}
}
