// Package sequence issues per-store invoice numbers.
//
// Allocation is delegated to billing.SequenceStore.NextSequence, a single
// increment-and-return in the remote store. The allocator never reads the
// counter, computes the next value and writes it back; two invoices created
// for the same store at the same instant are the normal case.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/billing"
)

// DefaultPrefix is used when a store has no invoice prefix configured.
const DefaultPrefix = "INV"

type Allocator struct {
	store billing.SequenceStore
	loc   *time.Location
	log   zerolog.Logger
}

type Option func(*Allocator)

// WithLocation sets the time zone that decides which calendar day an
// invoice belongs to for daily resets. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(a *Allocator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(a *Allocator) { a.log = log.With().Str("component", "sequence").Logger() }
}

func NewAllocator(store billing.SequenceStore, opts ...Option) *Allocator {
	a := &Allocator{store: store, loc: time.UTC, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NextNumber allocates the next number for storeID. Any failure is returned
// as a *billing.SequenceError and must fail invoice creation.
func (a *Allocator) NextNumber(ctx context.Context, storeID billing.StoreID, invoiceDate time.Time) (billing.SequenceNumber, error) {
	if invoiceDate.IsZero() {
		invoiceDate = time.Now()
	}
	day := billing.DayOf(invoiceDate, a.loc)

	n, err := a.store.NextSequence(ctx, storeID, day)
	if err != nil {
		a.log.Error().Str("store", billing.MaskID(string(storeID))).Str("day", day).Err(err).Msg("sequence allocation failed")
		return n, &billing.SequenceError{StoreID: storeID, Day: day, Cause: err}
	}
	return n, nil
}

// Format renders the display number, e.g. Format("INV", 42) = "INV-000042".
func Format(prefix string, n int64) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-%06d", prefix, n)
}
