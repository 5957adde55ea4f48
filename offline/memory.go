package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/invoice-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var _ Store = (*Memory)(nil)

type Memory struct {
	mu       sync.Mutex
	nextSeq  int64
	items    map[string]SyncQueueItem
	settings map[billing.UserID]billing.Settings
	invoices map[billing.InvoiceID]LocalInvoice
}

func NewMemory() *Memory {
	return &Memory{
		items:    make(map[string]SyncQueueItem),
		settings: make(map[billing.UserID]billing.Settings),
		invoices: make(map[billing.InvoiceID]LocalInvoice),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// QUEUE
// =============================================================================

func (m *Memory) Append(_ context.Context, item SyncQueueItem) (SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	item.Seq = m.nextSeq
	m.items[item.ID] = item
	return item, nil
}

func (m *Memory) Pending(_ context.Context) ([]SyncQueueItem, error) {
	return m.itemsWhere(func(it SyncQueueItem) bool { return !it.Parked }), nil
}

func (m *Memory) Parked(_ context.Context) ([]SyncQueueItem, error) {
	return m.itemsWhere(func(it SyncQueueItem) bool { return it.Parked }), nil
}

func (m *Memory) itemsWhere(keep func(SyncQueueItem) bool) []SyncQueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []SyncQueueItem
	for _, it := range m.items {
		if keep(it) {
			result = append(result, it)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (m *Memory) RecordFailure(_ context.Context, id string, attempts int, lastError string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	it.AttemptCount = attempts
	it.LastError = lastError
	it.NextAttemptAt = next
	m.items[id] = it
	return nil
}

func (m *Memory) Park(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	it.Parked = true
	it.LastError = reason
	m.items[id] = it
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func (m *Memory) LoadSnapshot(_ context.Context, userID billing.UserID) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap Snapshot
	if s, ok := m.settings[userID]; ok {
		snap.Settings = &s
	}
	for _, inv := range m.invoices {
		if inv.UserID == userID {
			snap.Invoices = append(snap.Invoices, inv)
		}
	}
	sortLocalInvoices(snap.Invoices)
	return snap, nil
}

func (m *Memory) SaveSettings(_ context.Context, s billing.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.settings[s.UserID]; ok && s.StoreID == "" {
		s.StoreID = existing.StoreID
	}
	m.settings[s.UserID] = s
	return nil
}

func (m *Memory) ReplaceSettings(_ context.Context, s billing.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.UserID] = s
	return nil
}

func (m *Memory) SaveInvoice(_ context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.invoices[inv.ID]; ok && inv.Number == 0 {
		inv.Number = existing.Number
		inv.DailyCounter = existing.DailyCounter
		inv.Display = existing.Display
	}
	m.invoices[inv.ID] = LocalInvoice{Invoice: inv}
	return nil
}

func (m *Memory) MergeInvoice(_ context.Context, inv billing.Invoice) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.invoices[inv.ID]; ok && existing.UpdatedAt.After(inv.UpdatedAt) {
		return false, nil
	}
	m.invoices[inv.ID] = LocalInvoice{Invoice: inv, Synced: true}
	return true, nil
}

func (m *Memory) MarkInvoiceSynced(_ context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, ok := m.invoices[inv.ID]
	if !ok {
		m.invoices[inv.ID] = LocalInvoice{Invoice: inv, Synced: true}
		return nil
	}
	mergeSynced(&local, inv)
	m.invoices[inv.ID] = local
	return nil
}
