// Package postgres implements billing.RemoteStore on PostgreSQL via lib/pq.
//
// The schema mirrors store/sqlite with native column types (NUMERIC, DATE,
// TIMESTAMPTZ, JSONB). Row locks taken by UPDATE serialize sequence
// allocation and transaction transitions, so no process-level lock is held.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/warp/invoice-engine/billing"
)

var _ billing.RemoteStore = (*Store)(nil)

const defaultOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store is created lazily: the connection and schema are set up on first use.
type Store struct {
	dsn     string
	openDB  sqlOpenFunc
	timeout time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New returns a store for dsn. No connection is made until the first call.
func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn: %w", billing.ErrInvalidInput)
	}
	return &Store{dsn: dsn, openDB: sql.Open, timeout: defaultOperationTimeout}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("failed to migrate database: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

// begin readies the store and bounds ctx by the operation timeout unless
// the caller already set a deadline.
func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.ensureReady(ctx); err != nil {
		return ctx, func() {}, err
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, cancel, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	user_id TEXT PRIMARY KEY,
	store_id TEXT NOT NULL UNIQUE,
	business_name TEXT NOT NULL,
	address TEXT,
	currency TEXT NOT NULL,
	tax_rate TEXT,
	invoice_prefix TEXT,
	reset_counter_daily BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS store_sequences (
	store_id TEXT PRIMARY KEY,
	next_invoice_number BIGINT NOT NULL DEFAULT 1,
	daily_counter BIGINT NOT NULL DEFAULT 0,
	reset_counter_daily BOOLEAN NOT NULL DEFAULT FALSE,
	last_reset_date DATE
);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	store_id TEXT NOT NULL,
	number BIGINT NOT NULL DEFAULT 0,
	daily_counter BIGINT NOT NULL DEFAULT 0,
	display TEXT,
	customer_name TEXT NOT NULL,
	items JSONB NOT NULL,
	total_value NUMERIC NOT NULL,
	total_currency TEXT NOT NULL,
	status TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_store_number ON invoices(store_id, number) WHERE number > 0;

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	gateway_invoice_id TEXT NOT NULL UNIQUE,
	gateway_transaction_id TEXT,
	amount_value NUMERIC NOT NULL,
	amount_currency TEXT NOT NULL,
	tier TEXT NOT NULL,
	status TEXT NOT NULL,
	user_id TEXT NOT NULL,
	payment_method TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	settled_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transactions_gateway_tx ON transactions(gateway_transaction_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	user_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS revenue (
	transaction_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount_value NUMERIC NOT NULL,
	amount_currency TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pricing (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	tiers JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
	next_attempt_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_due ON dead_letters(status, next_attempt_at);
`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// =============================================================================
// SETTINGS + INVOICES
// =============================================================================

func (s *Store) UpsertSettings(ctx context.Context, st billing.Settings) (billing.Settings, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return st, err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer sqlTx.Rollback()

	err = sqlTx.QueryRowContext(ctx, `
		INSERT INTO settings (user_id, store_id, business_name, address, currency, tax_rate,
		                      invoice_prefix, reset_counter_daily, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			business_name = EXCLUDED.business_name,
			address = EXCLUDED.address,
			currency = EXCLUDED.currency,
			tax_rate = EXCLUDED.tax_rate,
			invoice_prefix = EXCLUDED.invoice_prefix,
			reset_counter_daily = EXCLUDED.reset_counter_daily,
			updated_at = EXCLUDED.updated_at
		RETURNING store_id`,
		st.UserID, uuid.NewString(), st.BusinessName, nullString(st.Address), st.Currency,
		nullString(st.TaxRate), nullString(st.InvoicePrefix), st.ResetCounterDaily, st.UpdatedAt,
	).Scan(&st.StoreID)
	if err != nil {
		return st, fmt.Errorf("failed to upsert settings: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO store_sequences (store_id, reset_counter_daily) VALUES ($1, $2)
		ON CONFLICT (store_id) DO UPDATE SET reset_counter_daily = EXCLUDED.reset_counter_daily`,
		st.StoreID, st.ResetCounterDaily)
	if err != nil {
		return st, fmt.Errorf("failed to provision sequence: %w", err)
	}
	return st, sqlTx.Commit()
}

func (s *Store) GetSettings(ctx context.Context, userID billing.UserID) (*billing.Settings, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	var (
		st                              billing.Settings
		address, taxRate, invoicePrefix sql.NullString
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, store_id, business_name, address, currency, tax_rate,
		       invoice_prefix, reset_counter_daily, updated_at
		FROM settings WHERE user_id = $1`, userID,
	).Scan(&st.UserID, &st.StoreID, &st.BusinessName, &address, &st.Currency, &taxRate,
		&invoicePrefix, &st.ResetCounterDaily, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Address = address.String
	st.TaxRate = taxRate.String
	st.InvoicePrefix = invoicePrefix.String
	return &st, nil
}

const invoiceColumns = `id, user_id, store_id, number, daily_counter, display, customer_name,
	items, total_value, total_currency, status, issued_at, updated_at`

func (s *Store) UpsertInvoice(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return inv, err
	}
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return inv, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			items = EXCLUDED.items,
			total_value = EXCLUDED.total_value,
			total_currency = EXCLUDED.total_currency,
			status = EXCLUDED.status,
			issued_at = EXCLUDED.issued_at,
			updated_at = EXCLUDED.updated_at,
			number = CASE WHEN invoices.number = 0 THEN EXCLUDED.number ELSE invoices.number END,
			daily_counter = CASE WHEN invoices.number = 0 THEN EXCLUDED.daily_counter ELSE invoices.daily_counter END,
			display = CASE WHEN invoices.number = 0 THEN EXCLUDED.display ELSE invoices.display END
		RETURNING `+invoiceColumns,
		inv.ID, inv.UserID, inv.StoreID, inv.Number, inv.DailyCounter, nullString(inv.Display),
		inv.CustomerName, items, inv.Total.Value.String(), inv.Total.Currency, inv.Status,
		inv.IssuedAt, inv.UpdatedAt,
	)
	stored, err := scanInvoice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return inv, &billing.SequenceError{StoreID: inv.StoreID, Day: billing.DayOf(inv.IssuedAt, nil), Cause: err}
		}
		return inv, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return stored, nil
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE user_id = $1 ORDER BY number ASC, id ASC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row scanner) (billing.Invoice, error) {
	var (
		inv             billing.Invoice
		display         sql.NullString
		items           []byte
		value, currency string
	)
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.StoreID, &inv.Number, &inv.DailyCounter, &display,
		&inv.CustomerName, &items, &value, &currency, &inv.Status, &inv.IssuedAt, &inv.UpdatedAt); err != nil {
		return inv, err
	}
	inv.Display = display.String
	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return inv, fmt.Errorf("failed to decode invoice items: %w", err)
	}
	inv.Total = parseAmount(value, currency)
	return inv, nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

const nextSequenceSQL = `
	UPDATE store_sequences
	SET next_invoice_number = next_invoice_number + 1,
	    daily_counter = CASE
	        WHEN reset_counter_daily AND (last_reset_date IS NULL OR last_reset_date < $1::date) THEN 1
	        ELSE daily_counter + 1 END,
	    last_reset_date = CASE
	        WHEN reset_counter_daily AND (last_reset_date IS NULL OR last_reset_date < $1::date) THEN $1::date
	        ELSE last_reset_date END
	WHERE store_id = $2
	RETURNING next_invoice_number - 1, daily_counter`

func (s *Store) NextSequence(ctx context.Context, storeID billing.StoreID, day string) (billing.SequenceNumber, error) {
	n := billing.SequenceNumber{StoreID: storeID, Day: day}
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return n, err
	}
	err = s.db.QueryRowContext(ctx, nextSequenceSQL, day, storeID).Scan(&n.InvoiceNumber, &n.DailyCounter)
	if errors.Is(err, sql.ErrNoRows) {
		return n, billing.ErrNotFound
	}
	if err != nil {
		return n, fmt.Errorf("failed to increment sequence: %w", err)
	}
	return n, nil
}

func (s *Store) GetSequence(ctx context.Context, storeID billing.StoreID) (*billing.StoreSequence, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	var (
		seq       billing.StoreSequence
		lastReset sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT store_id, next_invoice_number, daily_counter, reset_counter_daily, last_reset_date
		FROM store_sequences WHERE store_id = $1`, storeID,
	).Scan(&seq.StoreID, &seq.NextInvoiceNumber, &seq.DailyCounter, &seq.ResetCounterDaily, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastReset.Valid {
		seq.LastResetDate = lastReset.Time.Format(billing.DayLayout)
	}
	return &seq, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) CreateTransaction(ctx context.Context, tx billing.Transaction) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	if tx.Status == "" {
		tx.Status = billing.TxPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, gateway_invoice_id, gateway_transaction_id, amount_value,
		                          amount_currency, tier, status, user_id, payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tx.ID, tx.GatewayInvoiceID, nullString(tx.GatewayTransactionID), tx.Amount.Value.String(),
		tx.Amount.Currency, tx.Tier, tx.Status, tx.UserID, nullString(tx.PaymentMethod), tx.CreatedAt,
	)
	if isUniqueViolation(err) {
		return billing.ErrDuplicateTransaction
	}
	return err
}

func (s *Store) FindTransaction(ctx context.Context, ids ...string) (*billing.Transaction, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return findTransaction(ctx, s.db, ids)
}

func (s *Store) GetSubscription(ctx context.Context, userID billing.UserID) (billing.Subscription, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return billing.Subscription{}, err
	}
	return getSubscription(ctx, s.db, userID)
}

func (s *Store) RevenueFor(ctx context.Context, userID billing.UserID) ([]billing.RevenueEntry, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, user_id, amount_value, amount_currency, recorded_at
		FROM revenue WHERE user_id = $1 ORDER BY recorded_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.RevenueEntry
	for rows.Next() {
		var (
			e               billing.RevenueEntry
			value, currency string
		)
		if err := rows.Scan(&e.TransactionID, &e.UserID, &value, &currency, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Amount = parseAmount(value, currency)
		result = append(result, e)
	}
	return result, rows.Err()
}

func findTransaction(ctx context.Context, q querier, ids []string) (*billing.Transaction, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		var (
			tx                  billing.Transaction
			gatewayTxID, method sql.NullString
			value, currency     string
			settledAt           sql.NullTime
		)
		err := q.QueryRowContext(ctx, `
			SELECT id, gateway_invoice_id, gateway_transaction_id, amount_value, amount_currency,
			       tier, status, user_id, payment_method, created_at, settled_at
			FROM transactions
			WHERE id = $1 OR gateway_invoice_id = $1 OR gateway_transaction_id = $1
			LIMIT 1`, id,
		).Scan(&tx.ID, &tx.GatewayInvoiceID, &gatewayTxID, &value, &currency, &tx.Tier, &tx.Status,
			&tx.UserID, &method, &tx.CreatedAt, &settledAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tx.GatewayTransactionID = gatewayTxID.String
		tx.PaymentMethod = method.String
		tx.Amount = parseAmount(value, currency)
		if settledAt.Valid {
			t := settledAt.Time
			tx.SettledAt = &t
		}
		return &tx, nil
	}
	return nil, nil
}

func getSubscription(ctx context.Context, q querier, userID billing.UserID) (billing.Subscription, error) {
	sub := billing.Subscription{UserID: userID, Tier: billing.TierFree}
	err := q.QueryRowContext(ctx, "SELECT tier, updated_at FROM subscriptions WHERE user_id = $1", userID).
		Scan(&sub.Tier, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, nil
	}
	return sub, err
}

// WithPaymentTx runs fn in one transaction bound to ctx. A cancelled ctx
// aborts the transaction and nothing is committed.
func (s *Store) WithPaymentTx(ctx context.Context, fn func(billing.PaymentTx) error) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
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
		SET status = $1,
		    gateway_transaction_id = COALESCE($2, gateway_transaction_id),
		    payment_method = COALESCE($3, payment_method),
		    settled_at = $4
		WHERE id = $5 AND status = $6`,
		to, nullString(gatewayTxID), nullString(paymentMethod), at, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *paymentTx) UpgradeSubscription(ctx context.Context, userID billing.UserID, tier billing.Tier, at time.Time) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, tier, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at`,
		userID, tier, at)
	return err
}

func (p *paymentTx) RecordRevenue(ctx context.Context, e billing.RevenueEntry) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO revenue (transaction_id, user_id, amount_value, amount_currency, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.TransactionID, e.UserID, e.Amount.Value.String(), e.Amount.Currency, e.RecordedAt)
	if isUniqueViolation(err) {
		return billing.ErrDuplicateRevenue
	}
	return err
}

// =============================================================================
// ADMIN
// =============================================================================

func (s *Store) SavePricing(ctx context.Context, p billing.PricingConfig) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	tiers, err := json.Marshal(p.Tiers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pricing (id, version, tiers, updated_at) VALUES (1, 1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			version = pricing.version + 1,
			tiers = EXCLUDED.tiers,
			updated_at = EXCLUDED.updated_at`, tiers, p.UpdatedAt)
	return err
}

func (s *Store) GetPricing(ctx context.Context) (*billing.PricingConfig, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	var (
		p     billing.PricingConfig
		tiers []byte
	)
	err = s.db.QueryRowContext(ctx, "SELECT version, tiers, updated_at FROM pricing WHERE id = 1").
		Scan(&p.Version, &tiers, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tiers, &p.Tiers); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveTemplate(ctx context.Context, t billing.Template) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, body, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Body, t.UpdatedAt)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*billing.Template, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	var t billing.Template
	err = s.db.QueryRowContext(ctx, "SELECT id, name, body, updated_at FROM templates WHERE id = $1", id).
		Scan(&t.ID, &t.Name, &t.Body, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

const deadLetterColumns = `id, payment_id, alternate_id, outcome, payment_method, source, last_error,
	attempts, status, next_attempt_at, created_at, updated_at`

func (s *Store) RecordDeadLetter(ctx context.Context, dl billing.DeadLetter) (billing.DeadLetter, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return dl, err
	}
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

	rows, err := s.db.QueryContext(ctx, `
		INSERT INTO dead_letters (id, payment_id, alternate_id, outcome, payment_method, source,
		                          last_error, attempts, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, 'open', $8, $9, $10)
		ON CONFLICT (payment_id) DO UPDATE SET
			alternate_id = COALESCE(EXCLUDED.alternate_id, dead_letters.alternate_id),
			last_error = EXCLUDED.last_error,
			attempts = dead_letters.attempts + 1,
			status = 'open',
			next_attempt_at = EXCLUDED.next_attempt_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+deadLetterColumns,
		dl.ID, dl.PaymentID, nullString(dl.AlternateID), dl.Outcome, nullString(dl.PaymentMethod),
		dl.Source, dl.LastError, dl.NextAttemptAt, dl.CreatedAt, dl.UpdatedAt)
	if err != nil {
		return dl, fmt.Errorf("failed to record dead letter: %w", err)
	}
	stored, err := scanDeadLetters(rows)
	if err != nil {
		return dl, err
	}
	if len(stored) == 0 {
		return dl, fmt.Errorf("dead letter %s not returned", billing.MaskID(dl.PaymentID))
	}
	return stored[0], nil
}

func (s *Store) ResolveDeadLetter(ctx context.Context, paymentID string, at time.Time) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE dead_letters SET status = 'resolved', updated_at = $1 WHERE payment_id = $2", at, paymentID)
	return err
}

func (s *Store) DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]billing.DeadLetter, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+deadLetterColumns+` FROM dead_letters
		WHERE status = 'open' AND next_attempt_at <= $1
		ORDER BY created_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

func (s *Store) ListDeadLetters(ctx context.Context, status billing.DeadLetterStatus) ([]billing.DeadLetter, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+deadLetterColumns+` FROM dead_letters
		WHERE $1::text = '' OR status = $1::text ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

func scanDeadLetters(rows *sql.Rows) ([]billing.DeadLetter, error) {
	defer rows.Close()

	var result []billing.DeadLetter
	for rows.Next() {
		var (
			dl                  billing.DeadLetter
			alternateID, method sql.NullString
		)
		if err := rows.Scan(&dl.ID, &dl.PaymentID, &alternateID, &dl.Outcome, &method, &dl.Source,
			&dl.LastError, &dl.Attempts, &dl.Status, &dl.NextAttemptAt, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
			return nil, err
		}
		dl.AlternateID = alternateID.String
		dl.PaymentMethod = method.String
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

func parseAmount(value, currency string) billing.Amount {
	a, err := billing.ParseAmount(value, billing.Currency(currency))
	if err != nil {
		return billing.Amount{Currency: billing.Currency(currency)}
	}
	return a
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
