/*
store.go - Persistence interfaces for the remote relational store

PURPOSE:
  Defines the boundary between the engine and the system of record. The
  remote store is the only place shared mutable state lives: the
  Transaction row and the StoreSequence row. Both are mutated only through
  the atomic operations declared here.

KEY INTERFACES:
  SettingsStore:   Idempotent per-user settings upsert (provisions a store)
  InvoiceStore:    Idempotent per-invoice upsert
  SequenceStore:   Atomic increment-and-fetch of the invoice counters
  PaymentStore:    Transaction lookup by any of its identifiers
  PaymentTxStore:  Atomic multi-table payment application
  AdminStore:      Pricing and templates (publicly cached data)
  DeadLetterStore: Failed reconciliations pending redrive

ATOMICITY:
  WithPaymentTx runs fn inside one database transaction. The reconciler
  performs the tier upgrade, the revenue record and the status transition
  inside it, so either all three effects appear or none do.

COMPARE-AND-SET:
  TransitionTransaction only moves a row that is still in the expected
  state and reports whether it did. Callers never read a status, decide,
  and write it back.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for testing and dev
  - store/sqlite/sqlite.go: SQLite (mattn/go-sqlite3)
  - store/postgres/postgres.go: PostgreSQL (lib/pq)

SEE ALSO:
  - payment/reconciler.go: Uses PaymentTxStore
  - sequence/allocator.go: Uses SequenceStore
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// DOCUMENT STORES
// =============================================================================

type SettingsStore interface {
	// UpsertSettings writes settings keyed by UserID. The first write creates
	// the user's store and its sequence row; the returned Settings carries
	// the StoreID.
	UpsertSettings(ctx context.Context, s Settings) (Settings, error)

	// GetSettings returns nil, nil when the user has no settings.
	GetSettings(ctx context.Context, userID UserID) (*Settings, error)
}

type InvoiceStore interface {
	// UpsertInvoice writes an invoice keyed by ID. An existing row keeps its
	// Number, DailyCounter and Display; the stored invoice is returned.
	UpsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)

	// GetInvoice returns nil, nil when the invoice does not exist.
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	ListInvoices(ctx context.Context, userID UserID) ([]Invoice, error)
}

// =============================================================================
// SEQUENCE STORE - Atomic counters
// =============================================================================

type SequenceStore interface {
	// NextSequence atomically increments the store's counters and returns
	// the allocated values. day is YYYY-MM-DD. When the sequence resets
	// daily and day is after the last reset date, the daily counter
	// restarts at 1 in the same statement.
	NextSequence(ctx context.Context, storeID StoreID, day string) (SequenceNumber, error)

	// GetSequence returns nil, nil when the store has no sequence row.
	GetSequence(ctx context.Context, storeID StoreID) (*StoreSequence, error)
}

// =============================================================================
// PAYMENT STORES
// =============================================================================

// PaymentReader is the read side available both outside and inside a
// payment transaction.
type PaymentReader interface {
	// FindTransaction returns the first transaction whose id,
	// gateway_invoice_id or gateway_transaction_id equals any of ids.
	// Empty ids are ignored. Returns nil, nil when nothing matches.
	FindTransaction(ctx context.Context, ids ...string) (*Transaction, error)

	// GetSubscription returns the free tier when the user has no row.
	GetSubscription(ctx context.Context, userID UserID) (Subscription, error)
}

type PaymentStore interface {
	PaymentReader

	// CreateTransaction inserts a pending transaction. Returns
	// ErrDuplicateTransaction if the gateway invoice id already exists.
	CreateTransaction(ctx context.Context, tx Transaction) error

	// RevenueFor returns the revenue entries recorded for a user.
	RevenueFor(ctx context.Context, userID UserID) ([]RevenueEntry, error)
}

// PaymentTx is the write side of a payment transaction. Every call is part
// of the same database transaction.
type PaymentTx interface {
	PaymentReader

	// TransitionTransaction moves the row from -> to and records the
	// gateway transaction id and payment method when non-empty. Returns
	// false when the row was not in state from.
	TransitionTransaction(ctx context.Context, id TransactionID, from, to TxStatus, gatewayTxID, paymentMethod string, at time.Time) (bool, error)

	// UpgradeSubscription sets the user's tier.
	UpgradeSubscription(ctx context.Context, userID UserID, tier Tier, at time.Time) error

	// RecordRevenue inserts the revenue entry for a transaction. A second
	// entry for the same transaction returns ErrDuplicateRevenue.
	RecordRevenue(ctx context.Context, entry RevenueEntry) error
}

type PaymentTxStore interface {
	PaymentStore

	// WithPaymentTx executes fn within a transaction.
	// If fn returns error, or ctx is done, the transaction is rolled back.
	WithPaymentTx(ctx context.Context, fn func(PaymentTx) error) error
}

// =============================================================================
// ADMIN + DEAD LETTER STORES
// =============================================================================

type AdminStore interface {
	SavePricing(ctx context.Context, p PricingConfig) error
	// GetPricing returns nil, nil when no pricing is configured.
	GetPricing(ctx context.Context) (*PricingConfig, error)
	SaveTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

type DeadLetterStore interface {
	// RecordDeadLetter upserts by PaymentID. An existing open row gets its
	// attempts incremented and its error and next attempt replaced.
	RecordDeadLetter(ctx context.Context, dl DeadLetter) (DeadLetter, error)

	// ResolveDeadLetter marks the row for paymentID resolved.
	ResolveDeadLetter(ctx context.Context, paymentID string, at time.Time) error

	// DueDeadLetters returns open rows whose next attempt is at or before now.
	DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]DeadLetter, error)

	ListDeadLetters(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error)
}

// =============================================================================
// REMOTE STORE - Everything the server needs
// =============================================================================

type RemoteStore interface {
	SettingsStore
	InvoiceStore
	SequenceStore
	PaymentTxStore
	AdminStore
	DeadLetterStore

	Close() error
}
