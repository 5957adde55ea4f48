package payment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/payment"
	"github.com/warp/invoice-engine/retry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeGateway hands out sequential invoice ids and reports whatever status
// the test sets.
type fakeGateway struct {
	mu       sync.Mutex
	created  int
	statuses map[string]payment.GatewayStatus
	checkErr error
	checks   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]payment.GatewayStatus)}
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req payment.CreateInvoiceRequest) (payment.GatewayInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	id := fmt.Sprintf("gw-%d", g.created)
	g.statuses[id] = payment.GatewayStatus{InvoiceID: id, Status: "PENDING"}
	return payment.GatewayInvoice{ID: id, PaymentURL: "https://pay.example/" + id}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, id string) (payment.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if g.checkErr != nil {
		return payment.GatewayStatus{}, g.checkErr
	}
	return g.statuses[id], nil
}

func (g *fakeGateway) settle(id, txID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = payment.GatewayStatus{InvoiceID: id, TransactionID: txID, Status: status, PaymentMethod: "QRIS"}
}

type harness struct {
	svc     *payment.Service
	store   *store.Memory
	gateway *fakeGateway
	metrics *payment.Metrics
}

func newHarness(t *testing.T, st payment.Store, mem *store.Memory) *harness {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SavePricing(ctx, billing.PricingConfig{Tiers: []billing.TierPrice{
		{Tier: billing.TierPro, Price: billing.NewAmountFromInt(99000, billing.CurrencyIDR)},
		{Tier: billing.TierBusiness, Price: billing.NewAmountFromInt(249000, billing.CurrencyIDR)},
	}}))

	gw := newFakeGateway()
	coord := payment.NewCoordinator()
	metrics := payment.NewMetrics(prometheus.NewRegistry(), coord)
	svc := payment.NewService(st, gw, coord,
		payment.NewReconciler(st, time.Second, zerolog.Nop()),
		payment.WithMetrics(metrics),
		payment.WithRedriveBackoff(retry.Config{InitialWait: time.Nanosecond, MaxWait: time.Nanosecond, Multiplier: 1}))
	return &harness{svc: svc, store: mem, gateway: gw, metrics: metrics}
}

func newTestHarness(t *testing.T) *harness {
	mem := store.NewMemory()
	return newHarness(t, mem, mem)
}

func (h *harness) invoice(t *testing.T, tier billing.Tier) payment.PaymentInvoice {
	t.Helper()
	inv, err := h.svc.CreatePaymentInvoice(context.Background(), "user-1", tier)
	require.NoError(t, err)
	return inv
}

func succeeded(productID, txID string) payment.Event {
	return payment.PaymentSucceeded{PaymentRef: payment.PaymentRef{
		Event: "payment.success", ProductID: productID, TransactionID: txID, Status: "SUCCESS", PaymentMethod: "QRIS",
	}}
}

// =============================================================================
// CREATE PAYMENT INVOICE
// =============================================================================

func TestService_CreatePaymentInvoice(t *testing.T) {
	h := newTestHarness(t)

	inv := h.invoice(t, billing.TierBusiness)

	assert.Equal(t, "gw-1", inv.Transaction.GatewayInvoiceID)
	assert.Equal(t, billing.TxPending, inv.Transaction.Status)
	assert.Equal(t, "https://pay.example/gw-1", inv.PaymentURL)
	assert.True(t, inv.Transaction.Amount.Equal(billing.NewAmountFromInt(249000, billing.CurrencyIDR)))

	stored, err := h.store.FindTransaction(context.Background(), "gw-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, inv.Transaction.ID, stored.ID)
}

func TestService_CreatePaymentInvoiceValidation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreatePaymentInvoice(ctx, "user-1", billing.TierFree)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = h.svc.CreatePaymentInvoice(ctx, "user-1", "platinum")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	empty := payment.NewService(store.NewMemory(), newFakeGateway(), nil, nil)
	_, err = empty.CreatePaymentInvoice(ctx, "user-1", billing.TierPro)
	assert.ErrorIs(t, err, payment.ErrPricingNotConfigured)
}

// =============================================================================
// WEBHOOK
// =============================================================================

func TestService_DuplicateWebhooksApplyOnce(t *testing.T) {
	// GIVEN: A pending pro payment
	// WHEN: The gateway delivers the same success webhook twice, 50ms apart
	// THEN: One upgrade, one revenue entry; the second is a no-op success
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.invoice(t, billing.TierPro)
	ev := succeeded(inv.Transaction.GatewayInvoiceID, "pay-1")

	first, err := h.svc.HandleWebhook(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, first.Reconciled)
	assert.True(t, first.Reconciled.Applied)

	time.Sleep(50 * time.Millisecond)
	second, err := h.svc.HandleWebhook(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	sub, err := h.svc.Subscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierPro, sub.Tier)
	revenue, err := h.store.RevenueFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, revenue, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues("success", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues("success", "duplicate")))
}

func TestService_WebhookAfterRestartIsNoOp(t *testing.T) {
	// A fresh coordinator (process restart) lets the webhook through; the
	// transaction row still prevents a second credit.
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.invoice(t, billing.TierPro)
	ev := succeeded(inv.Transaction.GatewayInvoiceID, "pay-1")
	_, err := h.svc.HandleWebhook(ctx, ev)
	require.NoError(t, err)

	restarted := payment.NewService(h.store, h.gateway, nil, nil)
	res, err := restarted.HandleWebhook(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, res.Reconciled)
	assert.True(t, res.Reconciled.AlreadyApplied)

	revenue, err := h.store.RevenueFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, revenue, 1)
}

func TestService_WebhookIgnoresPendingAndUnknown(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	res, err := h.svc.HandleWebhook(ctx, payment.PaymentPending{PaymentRef: payment.PaymentRef{ProductID: "gw-1", Status: "PENDING"}})
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	res, err = h.svc.HandleWebhook(ctx, payment.Unrecognized{Event: "refund.created"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

// flakyStore fails the next n payment transactions.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
}

func (s *flakyStore) WithPaymentTx(ctx context.Context, fn func(billing.PaymentTx) error) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.Memory.WithPaymentTx(ctx, fn)
}

func TestService_FailedReconciliationIsDeadLetteredAndRedriven(t *testing.T) {
	// GIVEN: A pending payment and a store that fails the next two writes
	// WHEN: The success webhook arrives and the redrive runs twice
	// THEN: The error is returned, a dead letter is recorded and bumped by
	// the failed redrive, and the second redrive applies the payment and
	// resolves the letter
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem}
	h := newHarness(t, flaky, mem)
	pendingTx(t, mem, "tx-late", "gw-late")
	flaky.failures.Store(2)

	_, err := h.svc.HandleWebhook(ctx, succeeded("gw-late", "pay-9"))
	require.Error(t, err)

	open, err := h.svc.ListDeadLetters(ctx, billing.DeadLetterOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "gw-late", open[0].PaymentID)
	assert.Equal(t, "pay-9", open[0].AlternateID)
	assert.Equal(t, 1, open[0].Attempts)

	report, err := h.svc.RedriveDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	open, err = h.svc.ListDeadLetters(ctx, billing.DeadLetterOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Attempts)

	report, err = h.svc.RedriveDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	open, err = h.svc.ListDeadLetters(ctx, billing.DeadLetterOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	sub, err := h.svc.Subscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierPro, sub.Tier)
}

func TestService_WebhookForUnknownPaymentLeavesNoDeadLetter(t *testing.T) {
	// GIVEN: No transaction rows at all
	// WHEN: 100 signed success webhooks arrive with made-up ids
	// THEN: Each is acknowledged as ignored, no dead letter is open, and
	// the redrive pass has nothing to do
	ctx := context.Background()
	h := newTestHarness(t)

	for i := 0; i < 100; i++ {
		res, err := h.svc.HandleWebhook(ctx, succeeded(fmt.Sprintf("gw-x%d", i), fmt.Sprintf("pay-x%d", i)))
		require.NoError(t, err)
		assert.True(t, res.Ignored)
	}

	open, err := h.svc.ListDeadLetters(ctx, billing.DeadLetterOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	report, err := h.svc.RedriveDue(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Equal(t, 100.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues("success", "unknown")))
}

func TestService_RedriveDropsLetterWithNoTransaction(t *testing.T) {
	// GIVEN: An open dead letter whose payment matches no transaction
	// WHEN: The redrive runs twice
	// THEN: The first pass closes it as dropped and the second finds
	// nothing due
	ctx := context.Background()
	h := newTestHarness(t)
	past := time.Now().Add(-time.Minute)
	_, err := h.store.RecordDeadLetter(ctx, billing.DeadLetter{
		ID: "dl-1", PaymentID: "gw-gone", Outcome: billing.OutcomeSuccess, Source: "webhook",
		LastError: "transaction not found", Status: billing.DeadLetterOpen,
		NextAttemptAt: past, CreatedAt: past, UpdatedAt: past,
	})
	require.NoError(t, err)

	report, err := h.svc.RedriveDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Dropped)

	open, err := h.svc.ListDeadLetters(ctx, billing.DeadLetterOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	report, err = h.svc.RedriveDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
}

// =============================================================================
// VERIFY
// =============================================================================

func TestService_VerifyReconcilesFromGateway(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.invoice(t, billing.TierPro)

	_, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))
	require.ErrorIs(t, err, payment.ErrPaymentPending)
	rec, _ := h.svc.Coordinator().State(inv.Transaction.GatewayInvoiceID)
	assert.Equal(t, payment.StateIdle, rec.State, "pending releases the slot")

	h.gateway.settle("gw-1", "pay-1", "PAID")
	res, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))
	require.NoError(t, err)
	assert.Equal(t, billing.TierPro, res.Subscription.Tier)
	assert.Equal(t, billing.TxCompleted, res.Transaction.Status)

	// Settled rows answer without asking the gateway.
	checks := h.gateway.checks
	res, err = h.svc.Verify(ctx, "user-1", "pay-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, checks, h.gateway.checks)
}

func TestService_VerifyFailedPayment(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.invoice(t, billing.TierPro)
	h.gateway.settle("gw-1", "", "EXPIRED")

	_, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))

	assert.ErrorIs(t, err, payment.ErrPaymentFailed)
	sub, err := h.svc.Subscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierFree, sub.Tier)
}

func TestService_VerifyRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.invoice(t, billing.TierPro)
	h.gateway.checkErr = &payment.GatewayError{StatusCode: 429, Body: "slow down"}

	_, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))

	assert.ErrorIs(t, err, payment.ErrRateLimited)
	rec, _ := h.svc.Coordinator().State("gw-1")
	assert.Equal(t, payment.StateIdle, rec.State)
}

func TestService_VerifyOwnership(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.invoice(t, billing.TierPro)

	_, err := h.svc.Verify(ctx, "user-2", string(inv.Transaction.ID))
	assert.ErrorIs(t, err, billing.ErrForbidden)

	_, err = h.svc.Verify(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

// blockingStore parks the first payment transaction until released.
type blockingStore struct {
	*store.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) WithPaymentTx(ctx context.Context, fn func(billing.PaymentTx) error) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Memory.WithPaymentTx(ctx, fn)
}

func TestService_VerifyDuringInFlightWebhookAsksToWait(t *testing.T) {
	// GIVEN: A webhook for P1 blocked inside reconciliation
	// WHEN: The client calls verify for P1
	// THEN: Verify answers "please wait" without reconciling; after the
	// webhook finishes, verify reports the upgrade
	ctx := context.Background()
	mem := store.NewMemory()
	blocking := &blockingStore{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, blocking, mem)
	inv := h.invoice(t, billing.TierPro)
	h.gateway.settle("gw-1", "pay-1", "SUCCESS")

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.HandleWebhook(ctx, succeeded("gw-1", "pay-1"))
		done <- err
	}()
	<-blocking.entered

	_, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))
	require.ErrorIs(t, err, payment.ErrVerificationInProgress)
	assert.Equal(t, 0, h.gateway.checks, "verify did not run the reconciliation path")

	close(blocking.release)
	require.NoError(t, <-done)

	res, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))
	require.NoError(t, err)
	assert.Equal(t, billing.TierPro, res.Subscription.Tier)

	revenue, err := mem.RevenueFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, revenue, 1)
}

func TestService_WebhookByInternalIDDuringVerifyIsDuplicate(t *testing.T) {
	// GIVEN: A verify for P1 blocked inside reconciliation
	// WHEN: A success webhook names P1 only by its internal transaction id
	// THEN: The webhook is answered as a duplicate and the payment is
	// credited once
	ctx := context.Background()
	mem := store.NewMemory()
	blocking := &blockingStore{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, blocking, mem)
	inv := h.invoice(t, billing.TierPro)
	h.gateway.settle("gw-1", "pay-1", "SUCCESS")

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Verify(ctx, "user-1", string(inv.Transaction.ID))
		done <- err
	}()
	<-blocking.entered

	res, err := h.svc.HandleWebhook(ctx, payment.PaymentSucceeded{PaymentRef: payment.PaymentRef{
		Event: "payment.success", TransactionID: string(inv.Transaction.ID), Status: "SUCCESS",
	}})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	close(blocking.release)
	require.NoError(t, <-done)

	revenue, err := mem.RevenueFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, revenue, 1)
}
