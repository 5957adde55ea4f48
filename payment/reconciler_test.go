package payment_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/payment"
	"github.com/warp/invoice-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func paymentBackends(t *testing.T, fn func(t *testing.T, s payment.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemory()) })
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func pendingTx(t *testing.T, s billing.PaymentStore, id, gatewayID string) billing.Transaction {
	t.Helper()
	tx := billing.Transaction{
		ID:               billing.TransactionID(id),
		GatewayInvoiceID: gatewayID,
		Amount:           billing.NewAmountFromInt(99000, billing.CurrencyIDR),
		Tier:             billing.TierPro,
		Status:           billing.TxPending,
		UserID:           "user-1",
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.CreateTransaction(context.Background(), tx))
	return tx
}

func success(paymentID, alternateID string) payment.ReconcileInput {
	return payment.ReconcileInput{
		PaymentID:     paymentID,
		AlternateID:   alternateID,
		Outcome:       billing.OutcomeSuccess,
		PaymentMethod: "QRIS",
		Source:        "test",
	}
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestReconciler_SuccessAppliesOnce(t *testing.T) {
	// GIVEN: A pending transaction
	// WHEN: The same success is reconciled twice
	// THEN: One tier upgrade, one revenue entry, and the second call is a no-op
	paymentBackends(t, func(t *testing.T, s payment.Store) {
		ctx := context.Background()
		pendingTx(t, s, "tx-1", "gw-1")
		r := payment.NewReconciler(s, time.Second, zerolog.Nop())

		first, err := r.Reconcile(ctx, success("gw-1", "pay-1"))
		require.NoError(t, err)
		assert.True(t, first.Applied)
		assert.False(t, first.AlreadyApplied)
		assert.Equal(t, billing.TxCompleted, first.Transaction.Status)
		assert.Equal(t, "pay-1", first.Transaction.GatewayTransactionID)
		assert.Equal(t, "QRIS", first.Transaction.PaymentMethod)
		assert.Equal(t, billing.TierPro, first.Subscription.Tier)

		second, err := r.Reconcile(ctx, success("gw-1", "pay-1"))
		require.NoError(t, err)
		assert.False(t, second.Applied)
		assert.True(t, second.AlreadyApplied)

		revenue, err := s.RevenueFor(ctx, "user-1")
		require.NoError(t, err)
		assert.Len(t, revenue, 1)
	})
}

func TestReconciler_LooksUpByAnyIdentifier(t *testing.T) {
	// Once settled, the gateway transaction id alone finds the row.
	paymentBackends(t, func(t *testing.T, s payment.Store) {
		ctx := context.Background()
		pendingTx(t, s, "tx-1", "gw-1")
		r := payment.NewReconciler(s, time.Second, zerolog.Nop())

		_, err := r.Reconcile(ctx, success("gw-1", "pay-1"))
		require.NoError(t, err)

		res, err := r.Reconcile(ctx, success("pay-1", ""))
		require.NoError(t, err)
		assert.True(t, res.AlreadyApplied)
		assert.Equal(t, billing.TransactionID("tx-1"), res.Transaction.ID)

		res, err = r.Reconcile(ctx, success("unknown", "tx-1"))
		require.NoError(t, err)
		assert.True(t, res.AlreadyApplied)
	})
}

func TestReconciler_LatePaymentNeverDowngrades(t *testing.T) {
	// GIVEN: A user with a pending business payment and a pending pro payment
	// WHEN: Business settles first and the pro success arrives late
	// THEN: The user stays on business and both payments are booked as
	// revenue
	paymentBackends(t, func(t *testing.T, s payment.Store) {
		ctx := context.Background()
		pendingTx(t, s, "tx-pro", "gw-pro")
		require.NoError(t, s.CreateTransaction(ctx, billing.Transaction{
			ID:               "tx-biz",
			GatewayInvoiceID: "gw-biz",
			Amount:           billing.NewAmountFromInt(249000, billing.CurrencyIDR),
			Tier:             billing.TierBusiness,
			Status:           billing.TxPending,
			UserID:           "user-1",
			CreatedAt:        time.Now().UTC(),
		}))
		r := payment.NewReconciler(s, time.Second, zerolog.Nop())

		res, err := r.Reconcile(ctx, success("gw-biz", "pay-biz"))
		require.NoError(t, err)
		assert.Equal(t, billing.TierBusiness, res.Subscription.Tier)

		late, err := r.Reconcile(ctx, success("gw-pro", "pay-pro"))
		require.NoError(t, err)
		assert.True(t, late.Applied)
		assert.Equal(t, billing.TxCompleted, late.Transaction.Status)
		assert.Equal(t, billing.TierBusiness, late.Subscription.Tier)

		revenue, err := s.RevenueFor(ctx, "user-1")
		require.NoError(t, err)
		assert.Len(t, revenue, 2)
	})
}

func TestReconciler_FailureLeavesSubscription(t *testing.T) {
	paymentBackends(t, func(t *testing.T, s payment.Store) {
		ctx := context.Background()
		pendingTx(t, s, "tx-1", "gw-1")
		r := payment.NewReconciler(s, time.Second, zerolog.Nop())

		in := success("gw-1", "")
		in.Outcome = billing.OutcomeFailure
		res, err := r.Reconcile(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, billing.TxFailed, res.Transaction.Status)
		assert.Equal(t, billing.TierFree, res.Subscription.Tier)

		// A late success for a failed payment changes nothing.
		late, err := r.Reconcile(ctx, success("gw-1", ""))
		require.NoError(t, err)
		assert.True(t, late.AlreadyApplied)
		assert.Equal(t, billing.TxFailed, late.Transaction.Status)

		revenue, err := s.RevenueFor(ctx, "user-1")
		require.NoError(t, err)
		assert.Empty(t, revenue)
	})
}

func TestReconciler_UnknownPayment(t *testing.T) {
	r := payment.NewReconciler(store.NewMemory(), time.Second, zerolog.Nop())

	_, err := r.Reconcile(context.Background(), success("nope", ""))

	assert.ErrorIs(t, err, payment.ErrTransactionNotFound)
	var rerr *payment.ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.NotContains(t, rerr.Error(), "nope", "payment ids are masked")
}

func TestReconciler_ConcurrentCallsApplyOnce(t *testing.T) {
	// Without the coordinator in front, the compare-and-set alone must hold.
	paymentBackends(t, func(t *testing.T, s payment.Store) {
		ctx := context.Background()
		pendingTx(t, s, "tx-1", "gw-1")
		r := payment.NewReconciler(s, 5*time.Second, zerolog.Nop())

		var (
			wg      sync.WaitGroup
			applied atomic.Int32
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := r.Reconcile(ctx, success("gw-1", "pay-1"))
				if assert.NoError(t, err) && res.Applied {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), applied.Load())
		revenue, err := s.RevenueFor(ctx, "user-1")
		require.NoError(t, err)
		assert.Len(t, revenue, 1)
	})
}

// =============================================================================
// TIMEOUT
// =============================================================================

// stallingStore blocks the status write until the context expires, after the
// tier upgrade and revenue record already ran inside the transaction.
type stallingStore struct {
	*store.Memory
}

func (s stallingStore) WithPaymentTx(ctx context.Context, fn func(billing.PaymentTx) error) error {
	return s.Memory.WithPaymentTx(ctx, func(ptx billing.PaymentTx) error {
		return fn(stallingTx{ptx})
	})
}

type stallingTx struct {
	billing.PaymentTx
}

func (stallingTx) TransitionTransaction(ctx context.Context, _ billing.TransactionID, _, _ billing.TxStatus, _, _ string, _ time.Time) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestReconciler_TimeoutRollsBack(t *testing.T) {
	// GIVEN: A remote transaction that stalls on its final write
	// WHEN: The timeout fires
	// THEN: ErrReconcileTimeout, and neither the row, the tier nor revenue changed
	ctx := context.Background()
	mem := store.NewMemory()
	pendingTx(t, mem, "tx-1", "gw-1")
	r := payment.NewReconciler(stallingStore{mem}, 50*time.Millisecond, zerolog.Nop())

	_, err := r.Reconcile(ctx, success("gw-1", ""))
	require.ErrorIs(t, err, payment.ErrReconcileTimeout)

	tx, err := mem.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TxPending, tx.Status)
	sub, err := mem.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierFree, sub.Tier)
	revenue, err := mem.RevenueFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, revenue)

	// The next attempt re-checks and applies.
	res, err := payment.NewReconciler(mem, time.Second, zerolog.Nop()).Reconcile(ctx, success("gw-1", ""))
	require.NoError(t, err)
	assert.True(t, res.Applied)
}
