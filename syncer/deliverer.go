package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
)

// Remote is the system of record as seen from a device. invoicing.Service
// implements it in-process and apiclient.Client implements it over HTTP.
type Remote interface {
	SaveSettings(ctx context.Context, userID billing.UserID, s billing.Settings) (billing.Settings, error)
	GetSettings(ctx context.Context, userID billing.UserID) (*billing.Settings, error)
	SaveInvoice(ctx context.Context, userID billing.UserID, inv billing.Invoice) (billing.Invoice, error)
	ListInvoices(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error)
}

// RemoteDeliverer sends queue items to a Remote and records the confirmed
// state in the device snapshot.
type RemoteDeliverer struct {
	remote    Remote
	snapshots offline.SnapshotStore
}

func NewRemoteDeliverer(remote Remote, snapshots offline.SnapshotStore) *RemoteDeliverer {
	return &RemoteDeliverer{remote: remote, snapshots: snapshots}
}

func (d *RemoteDeliverer) Deliver(ctx context.Context, item offline.SyncQueueItem) error {
	switch item.EntityType {
	case offline.EntitySettings:
		return d.deliverSettings(ctx, item)
	case offline.EntityInvoice:
		return d.deliverInvoice(ctx, item)
	default:
		return fmt.Errorf("unknown entity type %q: %w", item.EntityType, offline.ErrUnprocessable)
	}
}

func (d *RemoteDeliverer) deliverSettings(ctx context.Context, item offline.SyncQueueItem) error {
	var s billing.Settings
	if err := json.Unmarshal(item.Payload, &s); err != nil {
		return fmt.Errorf("decode settings %s: %v: %w", item.ID, err, offline.ErrUnprocessable)
	}

	stored, err := d.remote.SaveSettings(ctx, s.UserID, s)
	if err != nil {
		return classify(err)
	}
	return d.recordStoreID(ctx, stored)
}

func (d *RemoteDeliverer) deliverInvoice(ctx context.Context, item offline.SyncQueueItem) error {
	var inv billing.Invoice
	if err := json.Unmarshal(item.Payload, &inv); err != nil {
		return fmt.Errorf("decode invoice %s: %v: %w", item.ID, err, offline.ErrUnprocessable)
	}

	if inv.StoreID == "" {
		snap, err := d.snapshots.LoadSnapshot(ctx, inv.UserID)
		if err != nil {
			return err
		}
		if snap.Settings == nil || snap.Settings.StoreID == "" {
			// Retried until the settings item ahead of it provisions a store.
			return billing.ErrStoreNotProvisioned
		}
		inv.StoreID = snap.Settings.StoreID
	}

	stored, err := d.remote.SaveInvoice(ctx, inv.UserID, inv)
	if err != nil {
		return classify(err)
	}
	return d.snapshots.MarkInvoiceSynced(ctx, stored)
}

// recordStoreID copies the remote store identity into the local settings
// without touching fields the user may have edited since.
func (d *RemoteDeliverer) recordStoreID(ctx context.Context, stored billing.Settings) error {
	snap, err := d.snapshots.LoadSnapshot(ctx, stored.UserID)
	if err != nil {
		return err
	}
	if snap.Settings == nil {
		return d.snapshots.ReplaceSettings(ctx, stored)
	}
	if snap.Settings.StoreID == stored.StoreID {
		return nil
	}
	local := *snap.Settings
	local.StoreID = stored.StoreID
	return d.snapshots.ReplaceSettings(ctx, local)
}

// classify maps remote errors onto the queue's error classes.
func classify(err error) error {
	switch {
	case errors.Is(err, offline.ErrUnauthorized), errors.Is(err, offline.ErrUnprocessable):
		return err
	case errors.Is(err, billing.ErrStoreNotProvisioned):
		return err
	case errors.Is(err, billing.ErrForbidden), errors.Is(err, billing.ErrInvalidInput):
		// Rejected for this entity only; the session itself is still good.
		return fmt.Errorf("%v: %w", err, offline.ErrUnprocessable)
	default:
		return err
	}
}
