/*
Package billing provides the core domain types of the invoicing engine.

PURPOSE:
  Domain types shared by the remote store, the offline client, the payment
  reconciliation path and the invoice sequence allocator. Nothing in this
  package performs I/O; persistence lives behind the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal money value with a currency (never float64)
  - Settings / Invoice: The user-owned documents synced from devices
  - Transaction: The remote row recording one payment attempt
  - Subscription / Tier: What a completed payment upgrades
  - StoreSequence: Per-store invoice numbering counters

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every money value
  2. Type Safety: Distinct ID types so a UserID is never passed as a StoreID
  3. Terminal states: A Transaction leaves pending exactly once

SEE ALSO:
  - store.go: Persistence interfaces
  - errors.go: Sentinel and structured errors
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyIDR Currency = "IDR"
)

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: currency}
}

// ParseAmount parses a decimal string. An empty currency is left empty.
func ParseAmount(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d, Currency: currency}, nil
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Currency == b.Currency && a.Value.Equal(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(2) + " " + string(a.Currency) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type StoreID string
type InvoiceID string
type TransactionID string

// =============================================================================
// SETTINGS - Per-user business profile, one store per user
// =============================================================================

// Settings is keyed by UserID. Writes are idempotent upserts; the first write
// provisions the user's store and its sequence row.
type Settings struct {
	UserID            UserID    `json:"user_id"`
	StoreID           StoreID   `json:"store_id,omitempty"`
	BusinessName      string    `json:"business_name"`
	Address           string    `json:"address,omitempty"`
	Currency          Currency  `json:"currency"`
	TaxRate           string    `json:"tax_rate,omitempty"`
	InvoicePrefix     string    `json:"invoice_prefix,omitempty"`
	ResetCounterDaily bool      `json:"reset_counter_daily"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// =============================================================================
// INVOICE
// =============================================================================

type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   Amount          `json:"unit_price"`
}

func (li LineItem) Total() Amount { return li.UnitPrice.Mul(li.Quantity) }

type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceSent  InvoiceStatus = "sent"
	InvoicePaid  InvoiceStatus = "paid"
	InvoiceVoid  InvoiceStatus = "void"
)

// Invoice numbers are assigned by the server on first write. Number == 0
// means "not yet assigned".
type Invoice struct {
	ID           InvoiceID     `json:"id"`
	UserID       UserID        `json:"user_id"`
	StoreID      StoreID       `json:"store_id,omitempty"`
	Number       int64         `json:"number,omitempty"`
	DailyCounter int64         `json:"daily_counter,omitempty"`
	Display      string        `json:"display,omitempty"`
	CustomerName string        `json:"customer_name"`
	Items        []LineItem    `json:"items"`
	Total        Amount        `json:"total"`
	Status       InvoiceStatus `json:"status"`
	IssuedAt     time.Time     `json:"issued_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ComputeTotal sums the line items in the invoice's currency.
func (inv Invoice) ComputeTotal(currency Currency) Amount {
	total := Amount{Value: decimal.Zero, Currency: currency}
	for _, li := range inv.Items {
		total = total.Add(li.Total())
	}
	return total
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierBusiness:
		return true
	}
	return false
}

// Rank orders tiers from free upwards. Unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 1
	case TierPro:
		return 2
	case TierBusiness:
		return 3
	}
	return 0
}

type Subscription struct {
	UserID    UserID    `json:"user_id"`
	Tier      Tier      `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// TRANSACTION - One payment attempt, system of record for payment outcome
// =============================================================================

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s TxStatus) Terminal() bool { return s == TxCompleted || s == TxFailed }

// Transaction is created pending when a payment invoice is requested and
// transitions to completed or failed exactly once.
//
// The gateway refers to the same payment by two ids depending on the
// delivery path: the invoice ("product") id returned at creation and the
// transaction id assigned once the customer pays.
type Transaction struct {
	ID                   TransactionID `json:"id"`
	GatewayInvoiceID     string        `json:"gateway_invoice_id"`
	GatewayTransactionID string        `json:"gateway_transaction_id,omitempty"`
	Amount               Amount        `json:"amount"`
	Tier                 Tier          `json:"tier"`
	Status               TxStatus      `json:"status"`
	UserID               UserID        `json:"user_id"`
	PaymentMethod        string        `json:"payment_method,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	SettledAt            *time.Time    `json:"settled_at,omitempty"`
}

// Matches reports whether id refers to this transaction under any of its keys.
func (t Transaction) Matches(id string) bool {
	if id == "" {
		return false
	}
	return string(t.ID) == id || t.GatewayInvoiceID == id || t.GatewayTransactionID == id
}

// RevenueEntry records the amount of a completed transaction. At most one
// entry exists per transaction.
type RevenueEntry struct {
	TransactionID TransactionID `json:"transaction_id"`
	UserID        UserID        `json:"user_id"`
	Amount        Amount        `json:"amount"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// =============================================================================
// STORE SEQUENCE - Shared mutable counter, only mutated atomically
// =============================================================================

type StoreSequence struct {
	StoreID           StoreID `json:"store_id"`
	NextInvoiceNumber int64   `json:"next_invoice_number"`
	DailyCounter      int64   `json:"daily_counter"`
	ResetCounterDaily bool    `json:"reset_counter_daily"`
	LastResetDate     string  `json:"last_reset_date,omitempty"` // YYYY-MM-DD
}

// SequenceNumber is the result of one atomic allocation.
type SequenceNumber struct {
	StoreID       StoreID `json:"store_id"`
	InvoiceNumber int64   `json:"invoice_number"`
	DailyCounter  int64   `json:"daily_counter"`
	Day           string  `json:"day"`
}

// =============================================================================
// ADMIN CONFIGURATION - Publicly cached data
// =============================================================================

type TierPrice struct {
	Tier        Tier   `json:"tier"`
	Price       Amount `json:"price"`
	Description string `json:"description,omitempty"`
}

type PricingConfig struct {
	Version   int         `json:"version"`
	Tiers     []TierPrice `json:"tiers"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PriceFor returns the configured price for a tier.
func (p PricingConfig) PriceFor(tier Tier) (TierPrice, bool) {
	for _, tp := range p.Tiers {
		if tp.Tier == tier {
			return tp, true
		}
	}
	return TierPrice{}, false
}

type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// DEAD LETTER - Reconciliations that failed and must be re-driven
// =============================================================================

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type DeadLetterStatus string

const (
	DeadLetterOpen     DeadLetterStatus = "open"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// DeadLetter is keyed by PaymentID; recording the same payment again bumps
// Attempts instead of adding a row.
type DeadLetter struct {
	ID            string           `json:"id"`
	PaymentID     string           `json:"payment_id"`
	AlternateID   string           `json:"alternate_id,omitempty"`
	Outcome       Outcome          `json:"outcome"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	Source        string           `json:"source"`
	LastError     string           `json:"last_error"`
	Attempts      int              `json:"attempts"`
	Status        DeadLetterStatus `json:"status"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
