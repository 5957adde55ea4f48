package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/invoice-engine/billing"
)

// Local applies user actions. Every mutation succeeds locally and is queued
// for delivery; nothing here waits on the network.
type Local struct {
	snapshots SnapshotStore
	queue     *Queue
	notify    func()
	now       func() time.Time
}

// NewLocal wires user actions to a snapshot and a queue. notify, when set,
// is called after each mutation so a running session can flush early.
func NewLocal(snapshots SnapshotStore, queue *Queue, notify func()) *Local {
	return &Local{
		snapshots: snapshots,
		queue:     queue,
		notify:    notify,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SaveSettings records a settings edit.
func (l *Local) SaveSettings(ctx context.Context, s billing.Settings) error {
	if s.UserID == "" {
		return &billing.ValidationError{Field: "user_id", Message: "required"}
	}
	s.UpdatedAt = l.now()
	if err := l.snapshots.SaveSettings(ctx, s); err != nil {
		return fmt.Errorf("save local settings: %w", err)
	}
	if _, err := l.queue.Enqueue(ctx, EntitySettings, string(s.UserID), s); err != nil {
		return err
	}
	l.mutated()
	return nil
}

// SaveInvoice records an invoice edit. Numbers are assigned by the server.
func (l *Local) SaveInvoice(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	if inv.ID == "" || inv.UserID == "" {
		return inv, &billing.ValidationError{Field: "id", Message: "invoice and user id are required"}
	}
	now := l.now()
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = now
	}
	if inv.Status == "" {
		inv.Status = billing.InvoiceDraft
	}
	inv.UpdatedAt = now
	if inv.Total.IsZero() && len(inv.Items) > 0 {
		inv.Total = inv.ComputeTotal(inv.Items[0].UnitPrice.Currency)
	}

	if err := l.snapshots.SaveInvoice(ctx, inv); err != nil {
		return inv, fmt.Errorf("save local invoice: %w", err)
	}
	if _, err := l.queue.Enqueue(ctx, EntityInvoice, string(inv.ID), inv); err != nil {
		return inv, err
	}
	l.mutated()
	return inv, nil
}

// Snapshot returns the working copy for a user.
func (l *Local) Snapshot(ctx context.Context, userID billing.UserID) (Snapshot, error) {
	return l.snapshots.LoadSnapshot(ctx, userID)
}

func (l *Local) mutated() {
	if l.notify != nil {
		l.notify()
	}
}
