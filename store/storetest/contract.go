// Package storetest holds the behavioural contract every billing.RemoteStore
// implementation must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) billing.RemoteStore

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SettingsProvisionStore", func(t *testing.T) { testSettingsProvisionStore(t, newStore(t)) })
	t.Run("InvoiceKeepsNumber", func(t *testing.T) { testInvoiceKeepsNumber(t, newStore(t)) })
	t.Run("SequenceIncrements", func(t *testing.T) { testSequenceIncrements(t, newStore(t)) })
	t.Run("SequenceDailyReset", func(t *testing.T) { testSequenceDailyReset(t, newStore(t)) })
	t.Run("SequenceConcurrentUnique", func(t *testing.T) { testSequenceConcurrentUnique(t, newStore(t)) })
	t.Run("SequenceMissingStore", func(t *testing.T) { testSequenceMissingStore(t, newStore(t)) })
	t.Run("TransactionLookup", func(t *testing.T) { testTransactionLookup(t, newStore(t)) })
	t.Run("PaymentTxCompareAndSet", func(t *testing.T) { testPaymentTxCompareAndSet(t, newStore(t)) })
	t.Run("PaymentTxRollback", func(t *testing.T) { testPaymentTxRollback(t, newStore(t)) })
	t.Run("DeadLetters", func(t *testing.T) { testDeadLetters(t, newStore(t)) })
	t.Run("Admin", func(t *testing.T) { testAdmin(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

var day1 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func provision(t *testing.T, s billing.RemoteStore, user billing.UserID, resetDaily bool) billing.Settings {
	t.Helper()
	st, err := s.UpsertSettings(context.Background(), billing.Settings{
		UserID:            user,
		BusinessName:      "Warung " + string(user),
		Currency:          billing.CurrencyIDR,
		ResetCounterDaily: resetDaily,
		UpdatedAt:         day1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, st.StoreID)
	return st
}

func pendingTx(id, gatewayInvoice string, user billing.UserID) billing.Transaction {
	return billing.Transaction{
		ID:               billing.TransactionID(id),
		GatewayInvoiceID: gatewayInvoice,
		Amount:           billing.NewAmountFromInt(99000, billing.CurrencyIDR),
		Tier:             billing.TierPro,
		Status:           billing.TxPending,
		UserID:           user,
		CreatedAt:        day1,
	}
}

// =============================================================================
// SETTINGS + INVOICES
// =============================================================================

func testSettingsProvisionStore(t *testing.T, s billing.RemoteStore) {
	// GIVEN: A user with no settings
	// WHEN: Settings are written twice
	// THEN: The store id is stable and a sequence row exists
	ctx := context.Background()

	missing, err := s.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := provision(t, s, "user-1", false)
	second, err := s.UpsertSettings(ctx, billing.Settings{
		UserID:            "user-1",
		BusinessName:      "Renamed",
		Currency:          billing.CurrencyIDR,
		ResetCounterDaily: true,
		UpdatedAt:         day1.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, first.StoreID, second.StoreID)

	got, err := s.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Renamed", got.BusinessName)
	assert.True(t, got.ResetCounterDaily)

	seq, err := s.GetSequence(ctx, first.StoreID)
	require.NoError(t, err)
	require.NotNil(t, seq)
	assert.Equal(t, int64(1), seq.NextInvoiceNumber)
	assert.True(t, seq.ResetCounterDaily)
}

func testInvoiceKeepsNumber(t *testing.T, s billing.RemoteStore) {
	// GIVEN: A numbered invoice
	// WHEN: The same invoice is written again with a different number
	// THEN: The stored number is unchanged but content is updated
	ctx := context.Background()
	st := provision(t, s, "user-1", false)

	inv := billing.Invoice{
		ID:           "inv-1",
		UserID:       "user-1",
		StoreID:      st.StoreID,
		Number:       7,
		DailyCounter: 1,
		Display:      "INV-000007",
		CustomerName: "Budi",
		Items: []billing.LineItem{{
			Description: "Kopi",
			Quantity:    decimal.NewFromInt(2),
			UnitPrice:   billing.NewAmountFromInt(15000, billing.CurrencyIDR),
		}},
		Total:     billing.NewAmountFromInt(30000, billing.CurrencyIDR),
		Status:    billing.InvoiceDraft,
		IssuedAt:  day1,
		UpdatedAt: day1,
	}
	stored, err := s.UpsertInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.Number)

	inv.Number = 99
	inv.Display = "INV-000099"
	inv.CustomerName = "Budi Santoso"
	inv.UpdatedAt = day1.Add(time.Minute)
	stored, err = s.UpsertInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.Number)
	assert.Equal(t, "INV-000007", stored.Display)
	assert.Equal(t, "Budi Santoso", stored.CustomerName)

	list, err := s.ListInvoices(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Total.Value.Equal(decimal.NewFromInt(30000)))
	require.Len(t, list[0].Items, 1)
	assert.Equal(t, "Kopi", list[0].Items[0].Description)
}

// =============================================================================
// SEQUENCES
// =============================================================================

func testSequenceIncrements(t *testing.T, s billing.RemoteStore) {
	ctx := context.Background()
	st := provision(t, s, "user-1", false)

	for want := int64(1); want <= 3; want++ {
		n, err := s.NextSequence(ctx, st.StoreID, "2025-03-10")
		require.NoError(t, err)
		assert.Equal(t, want, n.InvoiceNumber)
		assert.Equal(t, want, n.DailyCounter)
	}

	// Without daily reset the counter keeps growing across days.
	n, err := s.NextSequence(ctx, st.StoreID, "2025-03-11")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.InvoiceNumber)
	assert.Equal(t, int64(4), n.DailyCounter)
}

func testSequenceDailyReset(t *testing.T, s billing.RemoteStore) {
	// GIVEN: A store that resets its counter daily
	// WHEN: Numbers are allocated across midnight
	// THEN: The daily counter resets exactly once, the invoice number never does
	ctx := context.Background()
	st := provision(t, s, "user-1", true)

	var got []billing.SequenceNumber
	for _, day := range []string{"2025-03-10", "2025-03-10", "2025-03-11", "2025-03-11", "2025-03-11"} {
		n, err := s.NextSequence(ctx, st.StoreID, day)
		require.NoError(t, err)
		got = append(got, n)
	}

	counters := make([]int64, len(got))
	numbers := make([]int64, len(got))
	for i, n := range got {
		counters[i] = n.DailyCounter
		numbers[i] = n.InvoiceNumber
	}
	assert.Equal(t, []int64{1, 2, 1, 2, 3}, counters)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, numbers)

	seq, err := s.GetSequence(ctx, st.StoreID)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", seq.LastResetDate)
	assert.Equal(t, int64(6), seq.NextInvoiceNumber)
}

func testSequenceConcurrentUnique(t *testing.T, s billing.RemoteStore) {
	// GIVEN: Many concurrent allocations against one store
	// THEN: Every invoice number is distinct and contiguous
	ctx := context.Background()
	st := provision(t, s, "user-1", false)

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[int64]bool)
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextSequence(ctx, st.StoreID, "2025-03-10")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if numbers[n.InvoiceNumber] {
				errs = append(errs, fmt.Errorf("duplicate number %d", n.InvoiceNumber))
			}
			numbers[n.InvoiceNumber] = true
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, numbers, workers)
	for n := int64(1); n <= workers; n++ {
		assert.True(t, numbers[n], "missing number %d", n)
	}
}

func testSequenceMissingStore(t *testing.T, s billing.RemoteStore) {
	_, err := s.NextSequence(context.Background(), "no-such-store", "2025-03-10")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func testTransactionLookup(t *testing.T, s billing.RemoteStore) {
	// GIVEN: A pending transaction
	// THEN: It is found by its own id and by its gateway invoice id,
	// and a second insert with the same gateway invoice id is rejected
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, pendingTx("tx-1", "gw-inv-1", "user-1")))

	err := s.CreateTransaction(ctx, pendingTx("tx-2", "gw-inv-1", "user-1"))
	assert.ErrorIs(t, err, billing.ErrDuplicateTransaction)

	for _, id := range []string{"tx-1", "gw-inv-1"} {
		got, err := s.FindTransaction(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got, "lookup by %s", id)
		assert.Equal(t, billing.TransactionID("tx-1"), got.ID)
		assert.Equal(t, billing.TxPending, got.Status)
	}

	got, err := s.FindTransaction(ctx, "", "unknown", "gw-inv-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	none, err := s.FindTransaction(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, none)

	sub, err := s.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierFree, sub.Tier)
}

func testPaymentTxCompareAndSet(t *testing.T, s billing.RemoteStore) {
	// GIVEN: A pending transaction
	// WHEN: Two transactions try to complete it in turn
	// THEN: Only the first transition wins; its effects are committed once
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, pendingTx("tx-1", "gw-inv-1", "user-1")))
	settled := day1.Add(time.Minute)

	apply := func() (bool, error) {
		var won bool
		err := s.WithPaymentTx(ctx, func(tx billing.PaymentTx) error {
			ok, err := tx.TransitionTransaction(ctx, "tx-1", billing.TxPending, billing.TxCompleted, "gw-tx-1", "QRIS", settled)
			if err != nil {
				return err
			}
			won = ok
			if !ok {
				return nil
			}
			if err := tx.UpgradeSubscription(ctx, "user-1", billing.TierPro, settled); err != nil {
				return err
			}
			return tx.RecordRevenue(ctx, billing.RevenueEntry{
				TransactionID: "tx-1",
				UserID:        "user-1",
				Amount:        billing.NewAmountFromInt(99000, billing.CurrencyIDR),
				RecordedAt:    settled,
			})
		})
		return won, err
	}

	won, err := apply()
	require.NoError(t, err)
	assert.True(t, won)

	won, err = apply()
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.FindTransaction(ctx, "gw-tx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, billing.TxCompleted, got.Status)
	assert.Equal(t, "QRIS", got.PaymentMethod)
	require.NotNil(t, got.SettledAt)

	sub, err := s.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierPro, sub.Tier)

	revenue, err := s.RevenueFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, revenue, 1)

	err = s.WithPaymentTx(ctx, func(tx billing.PaymentTx) error {
		return tx.RecordRevenue(ctx, billing.RevenueEntry{TransactionID: "tx-1", UserID: "user-1",
			Amount: billing.NewAmountFromInt(1, billing.CurrencyIDR), RecordedAt: settled})
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateRevenue)
}

func testPaymentTxRollback(t *testing.T, s billing.RemoteStore) {
	// GIVEN: A payment transaction whose function fails after writing
	// THEN: None of its writes are visible
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, pendingTx("tx-1", "gw-inv-1", "user-1")))
	boom := errors.New("boom")

	err := s.WithPaymentTx(ctx, func(tx billing.PaymentTx) error {
		if err := tx.UpgradeSubscription(ctx, "user-1", billing.TierBusiness, day1); err != nil {
			return err
		}
		if _, err := tx.TransitionTransaction(ctx, "tx-1", billing.TxPending, billing.TxCompleted, "", "", day1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TxPending, got.Status)

	sub, err := s.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierFree, sub.Tier)
}

// =============================================================================
// DEAD LETTERS + ADMIN
// =============================================================================

func testDeadLetters(t *testing.T, s billing.RemoteStore) {
	ctx := context.Background()
	dl := billing.DeadLetter{
		PaymentID:     "gw-inv-1",
		AlternateID:   "gw-tx-1",
		Outcome:       billing.OutcomeSuccess,
		Source:        "webhook",
		LastError:     "timeout",
		NextAttemptAt: day1,
	}

	first, err := s.RecordDeadLetter(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)

	dl.LastError = "timeout again"
	dl.NextAttemptAt = day1.Add(time.Minute)
	second, err := s.RecordDeadLetter(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "timeout again", second.LastError)

	due, err := s.DueDeadLetters(ctx, day1, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueDeadLetters(ctx, day1.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "gw-tx-1", due[0].AlternateID)

	require.NoError(t, s.ResolveDeadLetter(ctx, "gw-inv-1", day1.Add(3*time.Minute)))
	open, err := s.ListDeadLetters(ctx, billing.DeadLetterOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := s.ListDeadLetters(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, billing.DeadLetterResolved, all[0].Status)
}

func testAdmin(t *testing.T, s billing.RemoteStore) {
	ctx := context.Background()

	none, err := s.GetPricing(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	pricing := billing.PricingConfig{Tiers: []billing.TierPrice{
		{Tier: billing.TierPro, Price: billing.NewAmountFromInt(99000, billing.CurrencyIDR)},
	}}
	require.NoError(t, s.SavePricing(ctx, pricing))
	require.NoError(t, s.SavePricing(ctx, pricing))

	got, err := s.GetPricing(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Version)
	tp, ok := got.PriceFor(billing.TierPro)
	require.True(t, ok)
	assert.True(t, tp.Price.Value.Equal(decimal.NewFromInt(99000)))

	require.NoError(t, s.SaveTemplate(ctx, billing.Template{ID: "receipt", Name: "Receipt", Body: "{{.Total}}"}))
	tmpl, err := s.GetTemplate(ctx, "receipt")
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	assert.Equal(t, "{{.Total}}", tmpl.Body)
}
