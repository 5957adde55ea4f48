// Package store provides in-memory billing.RemoteStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/invoice-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var _ billing.RemoteStore = (*Memory)(nil)

type Memory struct {
	mu            sync.RWMutex
	settings      map[billing.UserID]billing.Settings
	invoices      map[billing.InvoiceID]billing.Invoice
	sequences     map[billing.StoreID]billing.StoreSequence
	transactions  map[billing.TransactionID]billing.Transaction
	subscriptions map[billing.UserID]billing.Subscription
	revenue       map[billing.TransactionID]billing.RevenueEntry
	pricing       *billing.PricingConfig
	templates     map[string]billing.Template
	deadLetters   map[string]billing.DeadLetter
}

func NewMemory() *Memory {
	return &Memory{
		settings:      make(map[billing.UserID]billing.Settings),
		invoices:      make(map[billing.InvoiceID]billing.Invoice),
		sequences:     make(map[billing.StoreID]billing.StoreSequence),
		transactions:  make(map[billing.TransactionID]billing.Transaction),
		subscriptions: make(map[billing.UserID]billing.Subscription),
		revenue:       make(map[billing.TransactionID]billing.RevenueEntry),
		templates:     make(map[string]billing.Template),
		deadLetters:   make(map[string]billing.DeadLetter),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// SETTINGS + INVOICES
// =============================================================================

func (m *Memory) UpsertSettings(_ context.Context, s billing.Settings) (billing.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.settings[s.UserID]; ok {
		s.StoreID = existing.StoreID
	} else {
		s.StoreID = billing.StoreID(uuid.NewString())
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.settings[s.UserID] = s

	seq, ok := m.sequences[s.StoreID]
	if !ok {
		seq = billing.StoreSequence{StoreID: s.StoreID, NextInvoiceNumber: 1}
	}
	seq.ResetCounterDaily = s.ResetCounterDaily
	m.sequences[s.StoreID] = seq
	return s, nil
}

func (m *Memory) GetSettings(_ context.Context, userID billing.UserID) (*billing.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) UpsertInvoice(_ context.Context, inv billing.Invoice) (billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.invoices[inv.ID]; ok && existing.Number != 0 {
		inv.Number = existing.Number
		inv.DailyCounter = existing.DailyCounter
		inv.Display = existing.Display
	}
	m.invoices[inv.ID] = inv
	return inv, nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (m *Memory) ListInvoices(_ context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Invoice
	for _, inv := range m.invoices {
		if inv.UserID == userID {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Number != result[j].Number {
			return result[i].Number < result[j].Number
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

// NextSequence performs the increment under the write lock, which is the
// in-memory equivalent of a single UPDATE ... RETURNING.
func (m *Memory) NextSequence(_ context.Context, storeID billing.StoreID, day string) (billing.SequenceNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[storeID]
	if !ok {
		return billing.SequenceNumber{}, billing.ErrNotFound
	}

	number := seq.NextInvoiceNumber
	seq.NextInvoiceNumber++
	if seq.ResetCounterDaily && billing.DayAfter(day, seq.LastResetDate) {
		seq.DailyCounter = 1
		seq.LastResetDate = day
	} else {
		seq.DailyCounter++
	}
	m.sequences[storeID] = seq

	return billing.SequenceNumber{
		StoreID:       storeID,
		InvoiceNumber: number,
		DailyCounter:  seq.DailyCounter,
		Day:           day,
	}, nil
}

func (m *Memory) GetSequence(_ context.Context, storeID billing.StoreID) (*billing.StoreSequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.sequences[storeID]
	if !ok {
		return nil, nil
	}
	return &seq, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) CreateTransaction(_ context.Context, tx billing.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.transactions {
		if existing.GatewayInvoiceID == tx.GatewayInvoiceID {
			return billing.ErrDuplicateTransaction
		}
	}
	if tx.Status == "" {
		tx.Status = billing.TxPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	m.transactions[tx.ID] = tx
	return nil
}

func (m *Memory) FindTransaction(_ context.Context, ids ...string) (*billing.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(ids), nil
}

func (m *Memory) findLocked(ids []string) *billing.Transaction {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if tx, ok := m.transactions[billing.TransactionID(id)]; ok {
			return &tx
		}
		for _, tx := range m.transactions {
			if tx.Matches(id) {
				return &tx
			}
		}
	}
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, userID billing.UserID) (billing.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriptionLocked(userID), nil
}

func (m *Memory) subscriptionLocked(userID billing.UserID) billing.Subscription {
	if sub, ok := m.subscriptions[userID]; ok {
		return sub
	}
	return billing.Subscription{UserID: userID, Tier: billing.TierFree}
}

func (m *Memory) RevenueFor(_ context.Context, userID billing.UserID) ([]billing.RevenueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.RevenueEntry
	for _, e := range m.revenue {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RecordedAt.Before(result[j].RecordedAt) })
	return result, nil
}

// WithPaymentTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithPaymentTx(ctx context.Context, fn func(billing.PaymentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&paymentTxView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	transactions  map[billing.TransactionID]billing.Transaction
	subscriptions map[billing.UserID]billing.Subscription
	revenue       map[billing.TransactionID]billing.RevenueEntry
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		transactions:  make(map[billing.TransactionID]billing.Transaction, len(m.transactions)),
		subscriptions: make(map[billing.UserID]billing.Subscription, len(m.subscriptions)),
		revenue:       make(map[billing.TransactionID]billing.RevenueEntry, len(m.revenue)),
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.subscriptions {
		s.subscriptions[k] = v
	}
	for k, v := range m.revenue {
		s.revenue[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.transactions = s.transactions
	m.subscriptions = s.subscriptions
	m.revenue = s.revenue
}

// paymentTxView operates on the parent while its write lock is held.
type paymentTxView struct {
	parent *Memory
}

func (v *paymentTxView) FindTransaction(_ context.Context, ids ...string) (*billing.Transaction, error) {
	return v.parent.findLocked(ids), nil
}

func (v *paymentTxView) GetSubscription(_ context.Context, userID billing.UserID) (billing.Subscription, error) {
	return v.parent.subscriptionLocked(userID), nil
}

func (v *paymentTxView) TransitionTransaction(_ context.Context, id billing.TransactionID, from, to billing.TxStatus, gatewayTxID, paymentMethod string, at time.Time) (bool, error) {
	tx, ok := v.parent.transactions[id]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	if gatewayTxID != "" {
		tx.GatewayTransactionID = gatewayTxID
	}
	if paymentMethod != "" {
		tx.PaymentMethod = paymentMethod
	}
	settled := at
	tx.SettledAt = &settled
	v.parent.transactions[id] = tx
	return true, nil
}

func (v *paymentTxView) UpgradeSubscription(_ context.Context, userID billing.UserID, tier billing.Tier, at time.Time) error {
	v.parent.subscriptions[userID] = billing.Subscription{UserID: userID, Tier: tier, UpdatedAt: at}
	return nil
}

func (v *paymentTxView) RecordRevenue(_ context.Context, entry billing.RevenueEntry) error {
	if _, ok := v.parent.revenue[entry.TransactionID]; ok {
		return billing.ErrDuplicateRevenue
	}
	v.parent.revenue[entry.TransactionID] = entry
	return nil
}

// =============================================================================
// ADMIN
// =============================================================================

func (m *Memory) SavePricing(_ context.Context, p billing.PricingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pricing != nil {
		p.Version = m.pricing.Version + 1
	} else if p.Version == 0 {
		p.Version = 1
	}
	m.pricing = &p
	return nil
}

func (m *Memory) GetPricing(_ context.Context) (*billing.PricingConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pricing == nil {
		return nil, nil
	}
	p := *m.pricing
	return &p, nil
}

func (m *Memory) SaveTemplate(_ context.Context, t billing.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (*billing.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

func (m *Memory) RecordDeadLetter(_ context.Context, dl billing.DeadLetter) (billing.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.deadLetters[dl.PaymentID]; ok {
		existing.Attempts++
		existing.LastError = dl.LastError
		existing.NextAttemptAt = dl.NextAttemptAt
		existing.UpdatedAt = dl.UpdatedAt
		existing.Status = billing.DeadLetterOpen
		if dl.AlternateID != "" {
			existing.AlternateID = dl.AlternateID
		}
		m.deadLetters[dl.PaymentID] = existing
		return existing, nil
	}
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.Attempts == 0 {
		dl.Attempts = 1
	}
	dl.Status = billing.DeadLetterOpen
	m.deadLetters[dl.PaymentID] = dl
	return dl, nil
}

func (m *Memory) ResolveDeadLetter(_ context.Context, paymentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.deadLetters[paymentID]
	if !ok {
		return nil
	}
	dl.Status = billing.DeadLetterResolved
	dl.UpdatedAt = at
	m.deadLetters[paymentID] = dl
	return nil
}

func (m *Memory) DueDeadLetters(_ context.Context, now time.Time, limit int) ([]billing.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.DeadLetter
	for _, dl := range m.deadLetters {
		if dl.Status == billing.DeadLetterOpen && !dl.NextAttemptAt.After(now) {
			result = append(result, dl)
		}
	}
	sortDeadLetters(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) ListDeadLetters(_ context.Context, status billing.DeadLetterStatus) ([]billing.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.DeadLetter
	for _, dl := range m.deadLetters {
		if status == "" || dl.Status == status {
			result = append(result, dl)
		}
	}
	sortDeadLetters(result)
	return result, nil
}

func sortDeadLetters(dls []billing.DeadLetter) {
	sort.Slice(dls, func(i, j int) bool { return dls[i].CreatedAt.Before(dls[j].CreatedAt) })
}
