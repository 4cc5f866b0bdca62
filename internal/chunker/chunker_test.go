package chunker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketing-sync/internal/types"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPlan(t *testing.T) {
	t.Run("90 days with 30 day span yields 3 chunks", func(t *testing.T) {
		full := types.DateRange{Start: day(2024, 1, 1), End: day(2024, 3, 31)}
		require.Equal(t, 90, full.Days())

		chunks, err := Plan(types.EntityOrders, full, 30)
		require.NoError(t, err)
		require.Len(t, chunks, 3)

		for i, c := range chunks {
			assert.Equal(t, i+1, c.Number)
			assert.Equal(t, 3, c.Total)
			assert.Equal(t, types.EntityOrders, c.Entity)
			assert.Equal(t, 30, c.Window.Days())
		}

		assert.Equal(t, full.Start, chunks[0].Window.Start)
		assert.Equal(t, full.End, chunks[2].Window.End)
	})

	t.Run("uneven range clips the last chunk", func(t *testing.T) {
		full := types.DateRange{Start: day(2024, 1, 1), End: day(2024, 3, 11)}
		require.Equal(t, 70, full.Days())

		chunks, err := Plan(types.EntityAdInsights, full, 30)
		require.NoError(t, err)
		require.Len(t, chunks, 3)

		assert.Equal(t, 30, chunks[0].Window.Days())
		assert.Equal(t, 30, chunks[1].Window.Days())
		assert.Equal(t, 10, chunks[2].Window.Days())
		assert.Equal(t, full.End, chunks[2].Window.End)
	})

	t.Run("zero length range yields exactly one chunk", func(t *testing.T) {
		d := day(2024, 6, 1)
		chunks, err := Plan(types.EntityCampaigns, types.DateRange{Start: d, End: d}, 30)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, 1, chunks[0].Number)
		assert.Equal(t, 1, chunks[0].Total)
	})

	t.Run("single day range yields exactly one chunk", func(t *testing.T) {
		full := types.DateRange{Start: day(2024, 6, 1), End: day(2024, 6, 2)}
		chunks, err := Plan(types.EntityCampaigns, full, 30)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, full, chunks[0].Window)
	})

	t.Run("inverted range is rejected at plan time", func(t *testing.T) {
		full := types.DateRange{Start: day(2024, 6, 2), End: day(2024, 6, 1)}
		_, err := Plan(types.EntityOrders, full, 30)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid date range")
	})

	t.Run("non-positive span is rejected", func(t *testing.T) {
		full := types.DateRange{Start: day(2024, 1, 1), End: day(2024, 2, 1)}
		_, err := Plan(types.EntityOrders, full, 0)
		require.Error(t, err)
	})
}

func TestProgressPct(t *testing.T) {
	tests := []struct {
		name   string
		number int
		total  int
		want   int
	}{
		{"first of three", 1, 3, 33},
		{"second of three", 2, 3, 67},
		{"final chunk is always 100", 3, 3, 100},
		{"single chunk", 1, 1, 100},
		{"half", 5, 10, 50},
		{"zero total", 1, 0, 0},
		{"number beyond total clamps to 100", 4, 3, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProgressPct(tt.number, tt.total))
		})
	}
}

func TestBackfillRange(t *testing.T) {
	now := time.Date(2024, 6, 15, 13, 45, 0, 0, time.UTC)
	r := BackfillRange(now, 365)

	assert.Equal(t, day(2024, 6, 15), r.End)
	assert.Equal(t, 365, r.Days())
}

// Properties over arbitrary ranges and spans: chunks are contiguous,
// non-overlapping, cover the input exactly, and totalChunks = ceil(days/span).
func TestPlanProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	base := day(2020, 1, 1)

	properties.Property("chunks partition the full range", prop.ForAll(
		func(days, span int) bool {
			full := types.DateRange{Start: base, End: base.AddDate(0, 0, days)}
			chunks, err := Plan(types.EntityOrders, full, span)
			if err != nil {
				return false
			}

			if chunks[0].Window.Start != full.Start {
				return false
			}
			if chunks[len(chunks)-1].Window.End != full.End {
				return false
			}
			for i := 1; i < len(chunks); i++ {
				// Contiguity doubles as non-overlap for sorted windows.
				if !chunks[i].Window.Start.Equal(chunks[i-1].Window.End) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 2000),
		gen.IntRange(1, 120),
	))

	properties.Property("total equals ceil(days/span)", prop.ForAll(
		func(days, span int) bool {
			full := types.DateRange{Start: base, End: base.AddDate(0, 0, days)}
			chunks, err := Plan(types.EntityOrders, full, span)
			if err != nil {
				return false
			}

			want := (days + span - 1) / span
			if len(chunks) != want {
				return false
			}
			for i, c := range chunks {
				if c.Number != i+1 || c.Total != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 2000),
		gen.IntRange(1, 120),
	))

	properties.Property("chunk windows never exceed the span", prop.ForAll(
		func(days, span int) bool {
			full := types.DateRange{Start: base, End: base.AddDate(0, 0, days)}
			chunks, err := Plan(types.EntityOrders, full, span)
			if err != nil {
				return false
			}
			for _, c := range chunks {
				if c.Window.Days() > span || c.Window.Days() <= 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 2000),
		gen.IntRange(1, 120),
	))

	properties.TestingRun(t)
}
