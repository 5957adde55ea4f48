/*
service.go - Server-side settings and invoice writes

PURPOSE:
  The remote half of the sync engine. Devices push settings and invoices
  here; the service enforces ownership, provisions the store on the first
  settings write and assigns invoice numbers on the first invoice write.

IDEMPOTENCY:
  Every write is an upsert keyed by the entity id. A device that retries a
  delivery after a lost response gets back the same stored row, and an
  invoice that already has a number is never renumbered.

NUMBERING:
  A new invoice gets its number from sequence.Allocator inside the request.
  If allocation fails the invoice is not written and the error is returned
  to the caller; a numberless invoice is never persisted.

SEE ALSO:
  - sequence/allocator.go: Counter allocation
  - syncer/deliverer.go: Client side of these writes
  - api/handlers.go: HTTP surface
*/
package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/sequence"
)

// Store is the persistence the service needs.
type Store interface {
	billing.SettingsStore
	billing.InvoiceStore
	billing.SequenceStore
}

type Service struct {
	store Store
	alloc *sequence.Allocator
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store, alloc *sequence.Allocator, log zerolog.Logger) *Service {
	if alloc == nil {
		alloc = sequence.NewAllocator(store, sequence.WithLogger(log))
	}
	return &Service{
		store: store,
		alloc: alloc,
		log:   log.With().Str("component", "invoicing").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

// SaveSettings upserts the caller's settings. The first write provisions the
// store and its counter row.
func (s *Service) SaveSettings(ctx context.Context, userID billing.UserID, in billing.Settings) (billing.Settings, error) {
	if userID == "" {
		return billing.Settings{}, billing.ErrForbidden
	}
	if in.UserID != "" && in.UserID != userID {
		return billing.Settings{}, billing.ErrForbidden
	}
	in.UserID = userID
	if err := validateSettings(in); err != nil {
		return billing.Settings{}, err
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = s.now()
	}

	if in.StoreID != "" {
		existing, err := s.store.GetSettings(ctx, userID)
		if err != nil {
			return billing.Settings{}, err
		}
		if existing != nil && existing.StoreID != in.StoreID {
			return billing.Settings{}, billing.ErrForbidden
		}
	}

	stored, err := s.store.UpsertSettings(ctx, in)
	if err != nil {
		return billing.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	s.log.Debug().Str("user", billing.MaskID(string(userID))).Str("store", billing.MaskID(string(stored.StoreID))).Msg("settings saved")
	return stored, nil
}

// GetSettings returns nil, nil when the caller has not saved settings yet.
func (s *Service) GetSettings(ctx context.Context, userID billing.UserID) (*billing.Settings, error) {
	if userID == "" {
		return nil, billing.ErrForbidden
	}
	return s.store.GetSettings(ctx, userID)
}

func validateSettings(in billing.Settings) error {
	if in.BusinessName == "" {
		return &billing.ValidationError{Field: "business_name", Message: "required"}
	}
	switch in.Currency {
	case billing.CurrencyUSD, billing.CurrencyEUR, billing.CurrencyIDR:
	default:
		return &billing.ValidationError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", in.Currency)}
	}
	if in.TaxRate != "" {
		rate, err := decimal.NewFromString(in.TaxRate)
		if err != nil || rate.IsNegative() {
			return &billing.ValidationError{Field: "tax_rate", Message: "must be a non-negative decimal"}
		}
	}
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

// SaveInvoice upserts an invoice owned by userID and returns the stored row.
func (s *Service) SaveInvoice(ctx context.Context, userID billing.UserID, in billing.Invoice) (billing.Invoice, error) {
	if userID == "" {
		return billing.Invoice{}, billing.ErrForbidden
	}
	if in.ID == "" {
		return billing.Invoice{}, &billing.ValidationError{Field: "id", Message: "required"}
	}
	if in.UserID != "" && in.UserID != userID {
		return billing.Invoice{}, billing.ErrForbidden
	}
	in.UserID = userID

	settings, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return billing.Invoice{}, err
	}
	if settings == nil {
		return billing.Invoice{}, billing.ErrStoreNotProvisioned
	}
	if in.StoreID != "" && in.StoreID != settings.StoreID {
		return billing.Invoice{}, billing.ErrForbidden
	}
	in.StoreID = settings.StoreID

	existing, err := s.store.GetInvoice(ctx, in.ID)
	if err != nil {
		return billing.Invoice{}, err
	}
	if existing != nil && existing.UserID != userID {
		return billing.Invoice{}, billing.ErrForbidden
	}

	now := s.now()
	if in.IssuedAt.IsZero() {
		in.IssuedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	if in.Status == "" {
		in.Status = billing.InvoiceDraft
	}
	if len(in.Items) > 0 {
		in.Total = in.ComputeTotal(settings.Currency)
	}

	if existing != nil && existing.Number > 0 {
		in.Number = existing.Number
		in.DailyCounter = existing.DailyCounter
		in.Display = existing.Display
	} else {
		n, err := s.alloc.NextNumber(ctx, settings.StoreID, in.IssuedAt)
		if err != nil {
			return billing.Invoice{}, err
		}
		in.Number = n.InvoiceNumber
		in.DailyCounter = n.DailyCounter
		in.Display = sequence.Format(settings.InvoicePrefix, n.InvoiceNumber)
	}

	stored, err := s.store.UpsertInvoice(ctx, in)
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("save invoice %s: %w", in.ID, err)
	}
	return stored, nil
}

func (s *Service) GetInvoice(ctx context.Context, userID billing.UserID, id billing.InvoiceID) (*billing.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, billing.ErrNotFound
	}
	if inv.UserID != userID {
		return nil, billing.ErrForbidden
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	if userID == "" {
		return nil, billing.ErrForbidden
	}
	return s.store.ListInvoices(ctx, userID)
}

// NextNumber allocates a number for one of the caller's stores without
// writing an invoice. The display form uses the store's prefix.
func (s *Service) NextNumber(ctx context.Context, userID billing.UserID, storeID billing.StoreID, date time.Time) (billing.SequenceNumber, string, error) {
	settings, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return billing.SequenceNumber{}, "", err
	}
	if settings == nil {
		return billing.SequenceNumber{}, "", billing.ErrStoreNotProvisioned
	}
	if storeID != "" && storeID != settings.StoreID {
		return billing.SequenceNumber{}, "", billing.ErrForbidden
	}
	n, err := s.alloc.NextNumber(ctx, settings.StoreID, date)
	if err != nil {
		return n, "", err
	}
	return n, sequence.Format(settings.InvoicePrefix, n.InvoiceNumber), nil
}

// GetSequence exposes the caller's counter row.
func (s *Service) GetSequence(ctx context.Context, userID billing.UserID) (*billing.StoreSequence, error) {
	settings, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, billing.ErrStoreNotProvisioned
	}
	seq, err := s.store.GetSequence(ctx, settings.StoreID)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, billing.ErrNotFound
	}
	return seq, nil
}
