/*
Package sqlite provides a SQLite-backed implementation of billing.RemoteStore.

PURPOSE:
  The remote relational store: system of record for settings, invoices,
  payment transactions, subscriptions and the per-store invoice counters.
  The same SQL runs on PostgreSQL with placeholder changes only, see
  store/postgres.

KEY TABLES:
  settings:         One row per user, owns store_id
  store_sequences:  Invoice counters, mutated only by UPDATE ... RETURNING
  invoices:         Idempotent per id, number assigned once
  transactions:     Payment attempts, status moved by compare-and-set
  subscriptions:    Current tier per user
  revenue:          One row per completed transaction (PRIMARY KEY guard)
  pricing/templates: Admin configuration behind the public cache
  dead_letters:     Failed reconciliations awaiting redrive

ATOMIC OPERATIONS:
  - NextSequence is a single UPDATE ... RETURNING statement. The daily reset
    is a CASE inside the same statement, so two racing callers cannot both
    reset the counter.
  - TransitionTransaction is UPDATE ... WHERE status = from; rows affected
    tells the caller whether it won.
  - WithPaymentTx wraps the reconciler's writes in one sql.Tx bound to the
    caller's context; a context timeout rolls everything back.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, SQLite
  allows one writer at a time and ":memory:" databases are per connection.

USAGE:
  store, err := sqlite.New("./data/invoices.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interfaces implemented here
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/invoice-engine/billing"
)

var _ billing.RemoteStore = (*Store)(nil)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements billing.RemoteStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		user_id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL UNIQUE,
		business_name TEXT NOT NULL,
		address TEXT,
		currency TEXT NOT NULL,
		tax_rate TEXT,
		invoice_prefix TEXT,
		reset_counter_daily INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Shared mutable counters: only ever mutated by NextSequence
	CREATE TABLE IF NOT EXISTS store_sequences (
		store_id TEXT PRIMARY KEY,
		next_invoice_number INTEGER NOT NULL DEFAULT 1,
		daily_counter INTEGER NOT NULL DEFAULT 0,
		reset_counter_daily INTEGER NOT NULL DEFAULT 0,
		last_reset_date TEXT
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		number INTEGER NOT NULL DEFAULT 0,
		daily_counter INTEGER NOT NULL DEFAULT 0,
		display TEXT,
		customer_name TEXT NOT NULL,
		items_json TEXT NOT NULL,
		total_value TEXT NOT NULL,
		total_currency TEXT NOT NULL,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id);

	-- CRITICAL: an invoice number is never issued twice within a store
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_store_number
		ON invoices(store_id, number) WHERE number > 0;

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		gateway_invoice_id TEXT NOT NULL UNIQUE,
		gateway_transaction_id TEXT,
		amount_value TEXT NOT NULL,
		amount_currency TEXT NOT NULL,
		tier TEXT NOT NULL,
		status TEXT NOT NULL,
		user_id TEXT NOT NULL,
		payment_method TEXT,
		created_at TEXT NOT NULL,
		settled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_gateway_tx
		ON transactions(gateway_transaction_id) WHERE gateway_transaction_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revenue (
		transaction_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_currency TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_revenue_user ON revenue(user_id);

	CREATE TABLE IF NOT EXISTS pricing (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL UNIQUE,
		alternate_id TEXT,
		outcome TEXT NOT NULL,
		payment_method TEXT,
		source TEXT NOT NULL,
		last_error TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'open',
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_due
		ON dead_letters(status, next_attempt_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SETTINGS STORE
// =============================================================================

// UpsertSettings writes settings and provisions the store's sequence row.
func (s *Store) UpsertSettings(ctx context.Context, st billing.Settings) (billing.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	// store_id is generated once; the conflict branch never overwrites it.
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO settings (user_id, store_id, business_name, address, currency, tax_rate,
		                      invoice_prefix, reset_counter_daily, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			business_name = excluded.business_name,
			address = excluded.address,
			currency = excluded.currency,
			tax_rate = excluded.tax_rate,
			invoice_prefix = excluded.invoice_prefix,
			reset_counter_daily = excluded.reset_counter_daily,
			updated_at = excluded.updated_at
	`,
		st.UserID, uuid.NewString(), st.BusinessName, nullString(st.Address), st.Currency,
		nullString(st.TaxRate), nullString(st.InvoicePrefix), boolInt(st.ResetCounterDaily),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		return st, fmt.Errorf("failed to upsert settings: %w", err)
	}

	if err := sqlTx.QueryRowContext(ctx,
		"SELECT store_id FROM settings WHERE user_id = ?", st.UserID,
	).Scan(&st.StoreID); err != nil {
		return st, fmt.Errorf("failed to read store id: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO store_sequences (store_id, reset_counter_daily)
		VALUES (?, ?)
		ON CONFLICT(store_id) DO UPDATE SET reset_counter_daily = excluded.reset_counter_daily
	`, st.StoreID, boolInt(st.ResetCounterDaily))
	if err != nil {
		return st, fmt.Errorf("failed to provision sequence: %w", err)
	}

	return st, sqlTx.Commit()
}

// GetSettings retrieves settings by user.
func (s *Store) GetSettings(ctx context.Context, userID billing.UserID) (*billing.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st                              billing.Settings
		address, taxRate, invoicePrefix sql.NullString
		resetDaily                      int
		updatedAt                       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, store_id, business_name, address, currency, tax_rate,
		       invoice_prefix, reset_counter_daily, updated_at
		FROM settings WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.StoreID, &st.BusinessName, &address, &st.Currency,
		&taxRate, &invoicePrefix, &resetDaily, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st.Address = address.String
	st.TaxRate = taxRate.String
	st.InvoicePrefix = invoicePrefix.String
	st.ResetCounterDaily = resetDaily == 1
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// =============================================================================
// INVOICE STORE
// =============================================================================

// UpsertInvoice writes an invoice. An already numbered row keeps its number.
func (s *Store) UpsertInvoice(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemsJSON, err := json.Marshal(inv.Items)
	if err != nil {
		return inv, fmt.Errorf("failed to encode invoice items: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return inv, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO invoices (id, user_id, store_id, number, daily_counter, display, customer_name,
		                      items_json, total_value, total_currency, status, issued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_name = excluded.customer_name,
			items_json = excluded.items_json,
			total_value = excluded.total_value,
			total_currency = excluded.total_currency,
			status = excluded.status,
			issued_at = excluded.issued_at,
			updated_at = excluded.updated_at,
			number = CASE WHEN invoices.number = 0 THEN excluded.number ELSE invoices.number END,
			daily_counter = CASE WHEN invoices.number = 0 THEN excluded.daily_counter ELSE invoices.daily_counter END,
			display = CASE WHEN invoices.number = 0 THEN excluded.display ELSE invoices.display END
	`,
		inv.ID, inv.UserID, inv.StoreID, inv.Number, inv.DailyCounter, nullString(inv.Display),
		inv.CustomerName, string(itemsJSON), inv.Total.Value.String(), inv.Total.Currency,
		inv.Status, formatTime(inv.IssuedAt), formatTime(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return inv, &billing.SequenceError{StoreID: inv.StoreID, Day: billing.DayOf(inv.IssuedAt, nil), Cause: err}
		}
		return inv, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	stored, err := getInvoice(ctx, sqlTx, inv.ID)
	if err != nil {
		return inv, err
	}
	if stored == nil {
		return inv, fmt.Errorf("invoice %s vanished after upsert", inv.ID)
	}
	return *stored, sqlTx.Commit()
}

// GetInvoice retrieves an invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoice(ctx, s.db, id)
}

// ListInvoices returns a user's invoices ordered by number.
func (s *Store) ListInvoices(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, invoiceSelect+" WHERE user_id = ? ORDER BY number ASC, id ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

const invoiceSelect = `
	SELECT id, user_id, store_id, number, daily_counter, display, customer_name,
	       items_json, total_value, total_currency, status, issued_at, updated_at
	FROM invoices`

func getInvoice(ctx context.Context, q querier, id billing.InvoiceID) (*billing.Invoice, error) {
	rows, err := q.QueryContext(ctx, invoiceSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	inv, err := scanInvoice(rows)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var (
		inv                  billing.Invoice
		display              sql.NullString
		itemsJSON            string
		totalValue, currency string
		issuedAt, updatedAt  string
	)
	err := rows.Scan(&inv.ID, &inv.UserID, &inv.StoreID, &inv.Number, &inv.DailyCounter, &display,
		&inv.CustomerName, &itemsJSON, &totalValue, &currency, &inv.Status, &issuedAt, &updatedAt)
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.Display = display.String
	if err := json.Unmarshal([]byte(itemsJSON), &inv.Items); err != nil {
		return inv, fmt.Errorf("failed to decode invoice items: %w", err)
	}
	inv.Total = parseAmount(totalValue, currency)
	inv.IssuedAt = parseTime(issuedAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return inv, nil
}

// =============================================================================
// SEQUENCE STORE
// =============================================================================

// nextSequenceSQL increments and returns in one statement. SET expressions
// see the pre-update row, so last_reset_date and daily_counter agree.
const nextSequenceSQL = `
	UPDATE store_sequences
	SET next_invoice_number = next_invoice_number + 1,
	    daily_counter = CASE
	        WHEN reset_counter_daily = 1 AND (last_reset_date IS NULL OR last_reset_date < ?1) THEN 1
	        ELSE daily_counter + 1 END,
	    last_reset_date = CASE
	        WHEN reset_counter_daily = 1 AND (last_reset_date IS NULL OR last_reset_date < ?1) THEN ?1
	        ELSE last_reset_date END
	WHERE store_id = ?2
	RETURNING next_invoice_number - 1, daily_counter`

// NextSequence atomically allocates the next invoice number for a store.
func (s *Store) NextSequence(ctx context.Context, storeID billing.StoreID, day string) (billing.SequenceNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := billing.SequenceNumber{StoreID: storeID, Day: day}
	err := s.db.QueryRowContext(ctx, nextSequenceSQL, day, storeID).Scan(&n.InvoiceNumber, &n.DailyCounter)
	if err == sql.ErrNoRows {
		return n, billing.ErrNotFound
	}
	if err != nil {
		return n, fmt.Errorf("failed to increment sequence: %w", err)
	}
	return n, nil
}

// GetSequence retrieves a store's counters.
func (s *Store) GetSequence(ctx context.Context, storeID billing.StoreID) (*billing.StoreSequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		seq        billing.StoreSequence
		resetDaily int
		lastReset  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, next_invoice_number, daily_counter, reset_counter_daily, last_reset_date
		FROM store_sequences WHERE store_id = ?
	`, storeID).Scan(&seq.StoreID, &seq.NextInvoiceNumber, &seq.DailyCounter, &resetDaily, &lastReset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seq.ResetCounterDaily = resetDaily == 1
	seq.LastResetDate = lastReset.String
	return &seq, nil
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

// CreateTransaction inserts a pending transaction.
func (s *Store) CreateTransaction(ctx context.Context, tx billing.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Status == "" {
		tx.Status = billing.TxPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, gateway_invoice_id, gateway_transaction_id, amount_value,
		                          amount_currency, tier, status, user_id, payment_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.GatewayInvoiceID, nullString(tx.GatewayTransactionID), tx.Amount.Value.String(),
		tx.Amount.Currency, tx.Tier, tx.Status, tx.UserID, nullString(tx.PaymentMethod),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// FindTransaction looks a transaction up by any of its identifiers.
func (s *Store) FindTransaction(ctx context.Context, ids ...string) (*billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findTransaction(ctx, s.db, ids)
}

// GetSubscription returns the user's tier, free when absent.
func (s *Store) GetSubscription(ctx context.Context, userID billing.UserID) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSubscription(ctx, s.db, userID)
}

// RevenueFor returns the revenue recorded for a user.
func (s *Store) RevenueFor(ctx context.Context, userID billing.UserID) ([]billing.RevenueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, user_id, amount_value, amount_currency, recorded_at
		FROM revenue WHERE user_id = ? ORDER BY recorded_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue: %w", err)
	}
	defer rows.Close()

	var entries []billing.RevenueEntry
	for rows.Next() {
		var (
			e               billing.RevenueEntry
			value, currency string
			recordedAt      string
		)
		if err := rows.Scan(&e.TransactionID, &e.UserID, &value, &currency, &recordedAt); err != nil {
			return nil, err
		}
		e.Amount = parseAmount(value, currency)
		e.RecordedAt = parseTime(recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const transactionSelect = `
	SELECT id, gateway_invoice_id, gateway_transaction_id, amount_value, amount_currency,
	       tier, status, user_id, payment_method, created_at, settled_at
	FROM transactions`

func findTransaction(ctx context.Context, q querier, ids []string) (*billing.Transaction, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		rows, err := q.QueryContext(ctx, transactionSelect+`
			WHERE id = ?1 OR gateway_invoice_id = ?1 OR gateway_transaction_id = ?1
			LIMIT 1`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to query transaction: %w", err)
		}
		tx, found, err := scanFirstTransaction(rows)
		if err != nil {
			return nil, err
		}
		if found {
			return &tx, nil
		}
	}
	return nil, nil
}

func scanFirstTransaction(rows *sql.Rows) (billing.Transaction, bool, error) {
	defer rows.Close()

	var (
		tx                  billing.Transaction
		gatewayTxID, method sql.NullString
		value, currency     string
		createdAt           string
		settledAt           sql.NullString
	)
	if !rows.Next() {
		return tx, false, rows.Err()
	}
	err := rows.Scan(&tx.ID, &tx.GatewayInvoiceID, &gatewayTxID, &value, &currency,
		&tx.Tier, &tx.Status, &tx.UserID, &method, &createdAt, &settledAt)
	if err != nil {
		return tx, false, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.GatewayTransactionID = gatewayTxID.String
	tx.PaymentMethod = method.String
	tx.Amount = parseAmount(value, currency)
	tx.CreatedAt = parseTime(createdAt)
	if settledAt.Valid {
		t := parseTime(settledAt.String)
		tx.SettledAt = &t
	}
	return tx, true, nil
}

func getSubscription(ctx context.Context, q querier, userID billing.UserID) (billing.Subscription, error) {
	sub := billing.Subscription{UserID: userID, Tier: billing.TierFree}
	var updatedAt string
	err := q.QueryRowContext(ctx,
		"SELECT tier, updated_at FROM subscriptions WHERE user_id = ?", userID,
	).Scan(&sub.Tier, &updatedAt)
	if err == sql.ErrNoRows {
		return sub, nil
	}
	if err != nil {
		return sub, err
	}
	sub.UpdatedAt = parseTime(updatedAt)
	return sub, nil
}

// =============================================================================
// PAYMENT TRANSACTION (billing.PaymentTxStore interface)
// =============================================================================

// WithPaymentTx executes fn within a database transaction.
func (s *Store) WithPaymentTx(ctx context.Context, fn func(billing.PaymentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&paymentTx{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type paymentTx struct {
	tx *sql.Tx
}

func (p *paymentTx) FindTransaction(ctx context.Context, ids ...string) (*billing.Transaction, error) {
	return findTransaction(ctx, p.tx, ids)
}

func (p *paymentTx) GetSubscription(ctx context.Context, userID billing.UserID) (billing.Subscription, error) {
	return getSubscription(ctx, p.tx, userID)
}

func (p *paymentTx) TransitionTransaction(ctx context.Context, id billing.TransactionID, from, to billing.TxStatus, gatewayTxID, paymentMethod string, at time.Time) (bool, error) {
	res, err := p.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?,
		    gateway_transaction_id = COALESCE(?, gateway_transaction_id),
		    payment_method = COALESCE(?, payment_method),
		    settled_at = ?
		WHERE id = ? AND status = ?
	`, to, nullString(gatewayTxID), nullString(paymentMethod), formatTime(at), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *paymentTx) UpgradeSubscription(ctx context.Context, userID billing.UserID, tier billing.Tier, at time.Time) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, tier, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at
	`, userID, tier, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to upgrade subscription: %w", err)
	}
	return nil
}

func (p *paymentTx) RecordRevenue(ctx context.Context, e billing.RevenueEntry) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO revenue (transaction_id, user_id, amount_value, amount_currency, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.TransactionID, e.UserID, e.Amount.Value.String(), e.Amount.Currency, formatTime(e.RecordedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateRevenue
		}
		return fmt.Errorf("failed to record revenue: %w", err)
	}
	return nil
}

// =============================================================================
// ADMIN STORE
// =============================================================================

// SavePricing replaces the pricing document and bumps its version.
func (s *Store) SavePricing(ctx context.Context, p billing.PricingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	configJSON, err := json.Marshal(p.Tiers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pricing (id, version, config_json, updated_at) VALUES (1, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = pricing.version + 1,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, string(configJSON), formatTime(p.UpdatedAt))
	return err
}

// GetPricing retrieves the pricing document.
func (s *Store) GetPricing(ctx context.Context) (*billing.PricingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                     billing.PricingConfig
		configJSON, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT version, config_json, updated_at FROM pricing WHERE id = 1",
	).Scan(&p.Version, &configJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &p.Tiers); err != nil {
		return nil, fmt.Errorf("failed to decode pricing: %w", err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// SaveTemplate upserts a template.
func (s *Store) SaveTemplate(ctx context.Context, t billing.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, t.Body, formatTime(t.UpdatedAt))
	return err
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id string) (*billing.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		t         billing.Template
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, body, updated_at FROM templates WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &t.Body, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// =============================================================================
// DEAD LETTER STORE
// =============================================================================

// RecordDeadLetter upserts a dead letter keyed by payment id.
func (s *Store) RecordDeadLetter(ctx context.Context, dl billing.DeadLetter) (billing.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = now
	}
	if dl.UpdatedAt.IsZero() {
		dl.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, payment_id, alternate_id, outcome, payment_method, source,
		                          last_error, attempts, status, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 'open', ?, ?, ?)
		ON CONFLICT(payment_id) DO UPDATE SET
			alternate_id = COALESCE(excluded.alternate_id, dead_letters.alternate_id),
			last_error = excluded.last_error,
			attempts = dead_letters.attempts + 1,
			status = 'open',
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at
	`,
		dl.ID, dl.PaymentID, nullString(dl.AlternateID), dl.Outcome, nullString(dl.PaymentMethod),
		dl.Source, dl.LastError, formatTime(dl.NextAttemptAt), formatTime(dl.CreatedAt),
		formatTime(dl.UpdatedAt),
	)
	if err != nil {
		return dl, fmt.Errorf("failed to record dead letter: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, deadLetterSelect+" WHERE payment_id = ?", dl.PaymentID)
	if err != nil {
		return dl, err
	}
	stored, err := scanDeadLetters(rows)
	if err != nil {
		return dl, err
	}
	if len(stored) == 0 {
		return dl, fmt.Errorf("dead letter %s vanished after upsert", billing.MaskID(dl.PaymentID))
	}
	return stored[0], nil
}

// ResolveDeadLetter marks a dead letter resolved.
func (s *Store) ResolveDeadLetter(ctx context.Context, paymentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE dead_letters SET status = 'resolved', updated_at = ? WHERE payment_id = ?",
		formatTime(at), paymentID,
	)
	return err
}

// DueDeadLetters returns open dead letters ready for redrive.
func (s *Store) DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]billing.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, deadLetterSelect+`
		WHERE status = 'open' AND next_attempt_at <= ?
		ORDER BY created_at ASC LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

// ListDeadLetters returns dead letters, optionally filtered by status.
func (s *Store) ListDeadLetters(ctx context.Context, status billing.DeadLetterStatus) ([]billing.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := deadLetterSelect
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY created_at ASC", args...)
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

const deadLetterSelect = `
	SELECT id, payment_id, alternate_id, outcome, payment_method, source, last_error,
	       attempts, status, next_attempt_at, created_at, updated_at
	FROM dead_letters`

func scanDeadLetters(rows *sql.Rows) ([]billing.DeadLetter, error) {
	defer rows.Close()

	var result []billing.DeadLetter
	for rows.Next() {
		var (
			dl                            billing.DeadLetter
			alternateID, method           sql.NullString
			nextAttempt, created, updated string
		)
		if err := rows.Scan(&dl.ID, &dl.PaymentID, &alternateID, &dl.Outcome, &method, &dl.Source,
			&dl.LastError, &dl.Attempts, &dl.Status, &nextAttempt, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.AlternateID = alternateID.String
		dl.PaymentMethod = method.String
		dl.NextAttemptAt = parseTime(nextAttempt)
		dl.CreatedAt = parseTime(created)
		dl.UpdatedAt = parseTime(updated)
		result = append(result, dl)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseAmount(value, currency string) billing.Amount {
	a, err := billing.ParseAmount(value, billing.Currency(currency))
	if err != nil {
		return billing.Amount{Currency: billing.Currency(currency)}
	}
	return a
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
