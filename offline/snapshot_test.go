package offline_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
)

func invoice(id string, updated time.Time) billing.Invoice {
	return billing.Invoice{
		ID:           billing.InvoiceID(id),
		UserID:       "user-1",
		CustomerName: "Sari",
		Items: []billing.LineItem{{
			Description: "Nasi goreng",
			Quantity:    decimal.NewFromInt(3),
			UnitPrice:   billing.NewAmountFromInt(20000, billing.CurrencyIDR),
		}},
		Status:    billing.InvoiceDraft,
		IssuedAt:  updated,
		UpdatedAt: updated,
	}
}

func TestLocal_MutationsUpdateSnapshotAndQueue(t *testing.T) {
	// GIVEN: A fresh device
	// WHEN: The user saves settings and an invoice
	// THEN: Both are in the snapshot, both are queued in order, notify fired twice
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		q := offline.NewQueue(store, &recorder{})
		notified := 0
		local := offline.NewLocal(store, q, func() { notified++ })

		require.NoError(t, local.SaveSettings(ctx, billing.Settings{UserID: "user-1", BusinessName: "Warung Sari", Currency: billing.CurrencyIDR}))
		saved, err := local.SaveInvoice(ctx, invoice("inv-1", time.Time{}))
		require.NoError(t, err)
		assert.True(t, saved.Total.Value.Equal(decimal.NewFromInt(60000)))
		assert.False(t, saved.UpdatedAt.IsZero())

		snap, err := local.Snapshot(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, snap.Settings)
		assert.Equal(t, "Warung Sari", snap.Settings.BusinessName)
		require.Len(t, snap.Invoices, 1)
		assert.False(t, snap.Invoices[0].Synced)
		assert.Len(t, snap.Unsynced(), 1)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, offline.EntitySettings, pending[0].EntityType)
		assert.Equal(t, offline.EntityInvoice, pending[1].EntityType)
		assert.Equal(t, 2, notified)
	})
}

func TestLocal_RejectsMissingIDs(t *testing.T) {
	store := offline.NewMemory()
	local := offline.NewLocal(store, offline.NewQueue(store, &recorder{}), nil)

	_, err := local.SaveInvoice(context.Background(), billing.Invoice{UserID: "user-1"})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
	assert.ErrorIs(t, local.SaveSettings(context.Background(), billing.Settings{}), billing.ErrInvalidInput)
}

func TestSnapshot_MergeInvoiceLastWriteWins(t *testing.T) {
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		t0 := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveInvoice(ctx, invoice("inv-1", t0.Add(time.Hour))))

		// Older remote copy loses against a newer local edit.
		older := invoice("inv-1", t0)
		older.CustomerName = "Remote"
		changed, err := store.MergeInvoice(ctx, older)
		require.NoError(t, err)
		assert.False(t, changed)

		// Newer remote copy wins and is marked synced.
		newer := invoice("inv-1", t0.Add(2*time.Hour))
		newer.CustomerName = "Remote"
		newer.Number = 4
		changed, err = store.MergeInvoice(ctx, newer)
		require.NoError(t, err)
		assert.True(t, changed)

		snap, err := store.LoadSnapshot(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, snap.Invoices, 1)
		assert.Equal(t, "Remote", snap.Invoices[0].CustomerName)
		assert.True(t, snap.Invoices[0].Synced)
		assert.Equal(t, int64(4), snap.Invoices[0].Number)
	})
}

func TestSnapshot_MarkSyncedKeepsNewerLocalEdit(t *testing.T) {
	// GIVEN: An invoice edited locally after the version the server confirmed
	// WHEN: The older confirmation arrives
	// THEN: The number is recorded but the invoice stays unsynced
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		t0 := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveInvoice(ctx, invoice("inv-1", t0.Add(time.Minute))))
		confirmed := invoice("inv-1", t0)
		confirmed.Number = 12
		confirmed.Display = "INV-000012"
		require.NoError(t, store.MarkInvoiceSynced(ctx, confirmed))

		snap, err := store.LoadSnapshot(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, snap.Invoices, 1)
		assert.Equal(t, int64(12), snap.Invoices[0].Number)
		assert.Equal(t, "INV-000012", snap.Invoices[0].Display)
		assert.False(t, snap.Invoices[0].Synced)

		// Re-saving locally keeps the assigned number.
		again := invoice("inv-1", t0.Add(2*time.Minute))
		require.NoError(t, store.SaveInvoice(ctx, again))
		snap, err = store.LoadSnapshot(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(12), snap.Invoices[0].Number)
	})
}

func TestSnapshot_SaveSettingsKeepsStoreID(t *testing.T) {
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		require.NoError(t, store.ReplaceSettings(ctx, billing.Settings{UserID: "user-1", StoreID: "store-1", BusinessName: "A"}))
		require.NoError(t, store.SaveSettings(ctx, billing.Settings{UserID: "user-1", BusinessName: "B"}))

		snap, err := store.LoadSnapshot(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, billing.StoreID("store-1"), snap.Settings.StoreID)
		assert.Equal(t, "B", snap.Settings.BusinessName)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	// GIVEN: Items queued in a file-backed device store
	// WHEN: The app restarts
	// THEN: The items are still pending, in order, with their attempt counts
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")

	store, err := offline.OpenSQLite(path)
	require.NoError(t, err)
	q := offline.NewQueue(store, &recorder{})
	enqueueN(t, q, 2)
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.NoError(t, store.RecordFailure(ctx, pending[0].ID, 2, "timeout", time.Now().Add(time.Minute)))
	require.NoError(t, store.Close())

	store, err = offline.OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "inv-1", pending[0].EntityID)
	assert.Equal(t, 2, pending[0].AttemptCount)
	assert.Equal(t, "timeout", pending[0].LastError)
	assert.JSONEq(t, `{"n":1}`, string(pending[0].Payload))

	assert.ErrorIs(t, store.Park(ctx, "missing", "x"), offline.ErrItemNotFound)
}
