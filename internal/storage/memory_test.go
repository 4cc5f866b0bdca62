package storage

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

func ledgerKey() models.LedgerKey {
	return models.LedgerKey{
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		Entity:       types.EntityCampaigns,
		JobType:      types.JobTypeHistoricalBackfill,
	}
}

func TestLedgerUpsertCreatesPendingRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	zero := 0
	pending := types.LedgerStatusPending
	require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{Status: &pending, ProgressPct: &zero}))

	row, err := store.Read(ctx, ledgerKey())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.LedgerStatusPending, row.Status)
	assert.Equal(t, 0, row.ProgressPct)
	assert.False(t, row.UpdatedAt.IsZero())
}

func TestLedgerProgressNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	for _, pct := range []int{67, 33, 100, 50} {
		p := pct
		require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{ProgressPct: &p}))
	}

	row, err := store.Read(ctx, ledgerKey())
	require.NoError(t, err)
	assert.Equal(t, 100, row.ProgressPct)
}

func TestLedgerTerminalStatusIsSticky(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	completed := types.LedgerStatusCompleted
	hundred := 100
	require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{Status: &completed, ProgressPct: &hundred}))

	// A straggler chunk reporting processing must not reopen the row.
	processing := types.LedgerStatusProcessing
	require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{Status: &processing}))

	row, err := store.Read(ctx, ledgerKey())
	require.NoError(t, err)
	assert.Equal(t, types.LedgerStatusCompleted, row.Status)

	// A terminal-to-terminal transition is allowed.
	failed := types.LedgerStatusFailed
	require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{Status: &failed}))
	row, err = store.Read(ctx, ledgerKey())
	require.NoError(t, err)
	assert.Equal(t, types.LedgerStatusFailed, row.Status)
}

func TestLedgerCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	completed := types.LedgerStatusCompleted
	hundred := 100
	rows := int64(1200)
	completedAt := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	patch := models.LedgerPatch{
		Status:      &completed,
		ProgressPct: &hundred,
		RowsWritten: &rows,
		CompletedAt: &completedAt,
	}

	require.NoError(t, store.Upsert(ctx, ledgerKey(), patch))
	first, err := store.Read(ctx, ledgerKey())
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, ledgerKey(), patch))
	second, err := store.Read(ctx, ledgerKey())
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ProgressPct, second.ProgressPct)
	assert.Equal(t, first.RowsWritten, second.RowsWritten)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

func TestLedgerStartedAtIsFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	first := time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)
	require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{StartedAt: &first}))
	require.NoError(t, store.Upsert(ctx, ledgerKey(), models.LedgerPatch{StartedAt: &later}))

	row, err := store.Read(ctx, ledgerKey())
	require.NoError(t, err)
	require.NotNil(t, row.StartedAt)
	assert.Equal(t, first, *row.StartedAt)
}

func TestLedgerProgressMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("applying percentages in any order yields their maximum", prop.ForAll(
		func(pcts []int) bool {
			ctx := context.Background()
			store := NewMemoryLedgerStore()

			max := 0
			for _, pct := range pcts {
				p := pct
				if err := store.Upsert(ctx, ledgerKey(), models.LedgerPatch{ProgressPct: &p}); err != nil {
					return false
				}
				if pct > max {
					max = pct
				}
			}

			row, err := store.Read(ctx, ledgerKey())
			if err != nil || row == nil {
				return false
			}
			return row.ProgressPct == max
		},
		gen.SliceOfN(10, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestConnectionSetSyncStatusIgnoresRevoked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConnectionStore()

	conn := &models.Connection{
		ID:           "conn-1",
		BrandID:      "brand-1",
		PlatformType: types.PlatformAds,
		Status:       types.ConnectionActive,
		SyncStatus:   types.SyncStateSyncing,
	}
	require.NoError(t, store.Create(ctx, conn))
	require.NoError(t, store.Revoke(ctx, conn.ID))

	// An in-flight job finishing after revocation cannot flip the state.
	require.NoError(t, store.SetSyncStatus(ctx, conn.ID, types.SyncStateCompleted))

	got, err := store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionRevoked, got.Status)
	assert.NotEqual(t, types.SyncStateCompleted, got.SyncStatus)
}

func TestConnectionGetActivePrefersNewest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConnectionStore()

	older := &models.Connection{
		ID: "conn-old", BrandID: "brand-1", PlatformType: types.PlatformAds,
		Status: types.ConnectionActive, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	newer := &models.Connection{
		ID: "conn-new", BrandID: "brand-1", PlatformType: types.PlatformAds,
		Status: types.ConnectionActive, CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	got, err := store.GetActive(ctx, "brand-1", types.PlatformAds)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conn-new", got.ID)
}

func TestConnectionGetActiveReturnsNilWhenMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConnectionStore()

	got, err := store.GetActive(ctx, "brand-404", types.PlatformAds)
	require.NoError(t, err)
	assert.Nil(t, got)
}
