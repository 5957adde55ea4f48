package offline

import (
	"context"
	"sort"
	"time"

	"github.com/warp/invoice-engine/billing"
)

// QueueStore is the Local Queue Store. Implementations must be durable
// across restarts except where documented otherwise (Memory).
type QueueStore interface {
	// Append persists the item and assigns its Seq.
	Append(ctx context.Context, item SyncQueueItem) (SyncQueueItem, error)

	// Pending returns the items that are not parked, ordered by Seq.
	Pending(ctx context.Context) ([]SyncQueueItem, error)

	// Parked returns parked items ordered by Seq.
	Parked(ctx context.Context) ([]SyncQueueItem, error)

	// RecordFailure stores a failed attempt for the item.
	RecordFailure(ctx context.Context, id string, attempts int, lastError string, next time.Time) error

	// Park moves the item aside; later drains skip it.
	Park(ctx context.Context, id string, reason string) error

	// Remove deletes a confirmed item. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error

	// Len counts every item, parked included.
	Len(ctx context.Context) (int, error)
}

// LocalInvoice is an invoice in the device snapshot.
type LocalInvoice struct {
	billing.Invoice
	// Synced is true once the remote store has confirmed this version.
	Synced bool `json:"synced"`
}

// Snapshot is the device's working copy for one user.
type Snapshot struct {
	Settings *billing.Settings
	Invoices []LocalInvoice
}

// Unsynced returns invoices the remote has not confirmed.
func (s Snapshot) Unsynced() []LocalInvoice {
	var result []LocalInvoice
	for _, inv := range s.Invoices {
		if !inv.Synced {
			result = append(result, inv)
		}
	}
	return result
}

// SnapshotStore persists the LocalSnapshot.
type SnapshotStore interface {
	// LoadSnapshot returns an empty snapshot for an unknown user.
	LoadSnapshot(ctx context.Context, userID billing.UserID) (Snapshot, error)

	// SaveSettings records a user edit. A known StoreID is never cleared.
	SaveSettings(ctx context.Context, s billing.Settings) error

	// ReplaceSettings overwrites settings with the remote copy.
	ReplaceSettings(ctx context.Context, s billing.Settings) error

	// SaveInvoice records a user edit and marks the invoice unsynced.
	SaveInvoice(ctx context.Context, inv billing.Invoice) error

	// MergeInvoice applies a downloaded invoice: it wins when the local copy
	// is missing or not newer. Returns whether the local copy changed.
	MergeInvoice(ctx context.Context, inv billing.Invoice) (bool, error)

	// MarkInvoiceSynced records the server-assigned number. The invoice is
	// marked synced unless it was edited after the confirmed version.
	MarkInvoiceSynced(ctx context.Context, inv billing.Invoice) error
}

// Store is a device database holding both the queue and the snapshot.
type Store interface {
	QueueStore
	SnapshotStore
	Close() error
}

// mergeSynced applies the confirmed server fields to a local invoice.
func mergeSynced(local *LocalInvoice, confirmed billing.Invoice) {
	local.Number = confirmed.Number
	local.DailyCounter = confirmed.DailyCounter
	local.Display = confirmed.Display
	if local.StoreID == "" {
		local.StoreID = confirmed.StoreID
	}
	if !local.UpdatedAt.After(confirmed.UpdatedAt) {
		local.Synced = true
	}
}

func sortLocalInvoices(invoices []LocalInvoice) {
	sort.Slice(invoices, func(i, j int) bool {
		a, b := invoices[i], invoices[j]
		if !a.IssuedAt.Equal(b.IssuedAt) {
			return a.IssuedAt.Before(b.IssuedAt)
		}
		return a.ID < b.ID
	})
}
