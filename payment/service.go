/*
service.go - Payment entry points: invoice creation, webhook, verify, redrive

ENTRY POINTS:
  CreatePaymentInvoice: price lookup -> gateway invoice -> pending row
  HandleWebhook:        gateway push; always acknowledged by the caller
  Verify:               client poll; asks the gateway, then reconciles
  Redrive:              re-runs a dead-lettered reconciliation

All three reconciling paths go through Coordinator.Start first, so a webhook
racing a verify call for the same payment reconciles once. The loser sees
ErrVerificationInProgress (verify) or a duplicate result (webhook).

DEAD LETTERS:
  A reconciliation error is recorded in the dead-letter store with the
  masked error. The webhook is still acknowledged; the redrive scheduler
  owns the retry so it never compounds with the gateway's own retries.
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/retry"
)

var (
	// ErrVerificationInProgress is the "please wait" answer: another caller
	// is reconciling this payment right now.
	ErrVerificationInProgress = errors.New("payment verification in progress")

	// ErrPaymentPending means the gateway has not settled the payment yet.
	ErrPaymentPending = errors.New("payment still pending")

	// ErrPaymentFailed means the gateway reported the payment as failed.
	ErrPaymentFailed = errors.New("payment failed")

	ErrPricingNotConfigured = errors.New("pricing not configured")
)

// Store is the persistence the payment service needs.
type Store interface {
	billing.PaymentTxStore
	billing.AdminStore
	billing.DeadLetterStore
}

type Service struct {
	store      Store
	gateway    Gateway
	coord      *Coordinator
	reconciler *Reconciler
	metrics    *Metrics
	redrive    retry.Config
	log        zerolog.Logger
	now        func() time.Time
}

type ServiceOption func(*Service)

func WithMetrics(m *Metrics) ServiceOption { return func(s *Service) { s.metrics = m } }

// WithRedriveBackoff sets the spacing between dead-letter attempts.
func WithRedriveBackoff(cfg retry.Config) ServiceOption { return func(s *Service) { s.redrive = cfg } }

func WithServiceLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = log.With().Str("component", "payments").Logger() }
}

func WithServiceClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

func NewService(store Store, gateway Gateway, coord *Coordinator, reconciler *Reconciler, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		gateway:    gateway,
		coord:      coord,
		reconciler: reconciler,
		redrive:    retry.Config{InitialWait: time.Minute, MaxWait: time.Hour, Multiplier: 2},
		log:        zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.coord == nil {
		s.coord = NewCoordinator()
	}
	if s.reconciler == nil {
		s.reconciler = NewReconciler(store, DefaultReconcileTimeout, s.log)
	}
	return s
}

func (s *Service) Coordinator() *Coordinator { return s.coord }

// =============================================================================
// CREATE PAYMENT INVOICE
// =============================================================================

type PaymentInvoice struct {
	Transaction billing.Transaction `json:"transaction"`
	PaymentURL  string              `json:"payment_url"`
	ExpiresAt   time.Time           `json:"expires_at,omitempty"`
}

// CreatePaymentInvoice asks the gateway for an invoice for tier and records
// the pending transaction.
func (s *Service) CreatePaymentInvoice(ctx context.Context, userID billing.UserID, tier billing.Tier) (PaymentInvoice, error) {
	if userID == "" {
		return PaymentInvoice{}, billing.ErrForbidden
	}
	if !tier.Valid() || tier == billing.TierFree {
		return PaymentInvoice{}, &billing.ValidationError{Field: "tier", Message: fmt.Sprintf("cannot purchase tier %q", tier)}
	}

	pricing, err := s.store.GetPricing(ctx)
	if err != nil {
		return PaymentInvoice{}, err
	}
	if pricing == nil {
		return PaymentInvoice{}, ErrPricingNotConfigured
	}
	price, ok := pricing.PriceFor(tier)
	if !ok {
		return PaymentInvoice{}, &billing.ValidationError{Field: "tier", Message: fmt.Sprintf("no price for tier %q", tier)}
	}

	txID := billing.TransactionID(uuid.NewString())
	inv, err := s.gateway.CreateInvoice(ctx, CreateInvoiceRequest{
		ReferenceID: string(txID),
		Amount:      price.Price,
		Description: fmt.Sprintf("%s subscription", tier),
		CustomerID:  string(userID),
	})
	if err != nil {
		return PaymentInvoice{}, fmt.Errorf("create gateway invoice: %w", err)
	}

	tx := billing.Transaction{
		ID:               txID,
		GatewayInvoiceID: inv.ID,
		Amount:           price.Price,
		Tier:             tier,
		Status:           billing.TxPending,
		UserID:           userID,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return PaymentInvoice{}, err
	}
	s.log.Info().
		Str("tx", billing.MaskID(string(tx.ID))).
		Str("user", billing.MaskID(string(userID))).
		Str("tier", string(tier)).
		Msg("payment invoice created")
	return PaymentInvoice{Transaction: tx, PaymentURL: inv.PaymentURL, ExpiresAt: inv.ExpiresAt}, nil
}

// =============================================================================
// WEBHOOK
// =============================================================================

type WebhookResult struct {
	Kind string `json:"kind"`
	// Duplicate is true when another caller held the payment.
	Duplicate bool `json:"duplicate,omitempty"`
	// Ignored is true for pending and unrecognized events.
	Ignored    bool             `json:"ignored,omitempty"`
	Reconciled *ReconcileResult `json:"-"`
}

// HandleWebhook processes one parsed event. Events naming no stored
// transaction are ignored. A returned error is a reconciliation failure that
// has been dead-lettered; the HTTP layer still acknowledges receipt.
func (s *Service) HandleWebhook(ctx context.Context, ev Event) (WebhookResult, error) {
	var (
		ref     PaymentRef
		outcome billing.Outcome
	)
	switch e := ev.(type) {
	case PaymentSucceeded:
		ref, outcome = e.PaymentRef, billing.OutcomeSuccess
	case PaymentFailed:
		ref, outcome = e.PaymentRef, billing.OutcomeFailure
	case PaymentPending:
		s.metrics.webhook("pending", "ignored")
		s.log.Debug().Str("payment", billing.MaskID(e.ProductID)).Msg("webhook: payment pending")
		return WebhookResult{Kind: "pending", Ignored: true}, nil
	case Unrecognized:
		s.metrics.webhook("unrecognized", "ignored")
		s.log.Warn().Str("event", e.Event).Str("status", e.Status).Str("reason", e.Reason).Msg("webhook: unrecognized event")
		return WebhookResult{Kind: "unrecognized", Ignored: true}, nil
	default:
		return WebhookResult{}, fmt.Errorf("unsupported event type %T", ev)
	}

	kind := string(outcome)
	in := ReconcileInput{
		PaymentID:     ref.Key().PaymentID,
		AlternateID:   ref.Key().AlternateID,
		Outcome:       outcome,
		PaymentMethod: ref.PaymentMethod,
		Source:        "webhook",
	}

	// Key the slot on the stored row so webhook and verify share one entry
	// whichever of the ids the gateway sent.
	tx, err := s.store.FindTransaction(ctx, ref.ProductID, ref.TransactionID)
	if err != nil {
		s.metrics.webhook(kind, "error")
		s.recordDeadLetter(ctx, in, err, 0)
		return WebhookResult{Kind: kind}, err
	}
	if tx == nil {
		s.metrics.webhook(kind, "unknown")
		s.log.Warn().
			Str("payment", billing.MaskID(ref.ProductID)).
			Str("alternate", billing.MaskID(ref.TransactionID)).
			Msg("webhook: no transaction for payment")
		return WebhookResult{Kind: kind, Ignored: true}, nil
	}
	in.PaymentID = tx.GatewayInvoiceID
	in.AlternateID = webhookAlternate(*tx, ref)

	res, err := s.reconcileGuarded(ctx, in, 0)
	switch {
	case errors.Is(err, ErrVerificationInProgress):
		s.metrics.webhook(kind, "duplicate")
		return WebhookResult{Kind: kind, Duplicate: true}, nil
	case err != nil:
		s.metrics.webhook(kind, "error")
		return WebhookResult{Kind: kind}, err
	}
	s.metrics.webhook(kind, "ok")
	return WebhookResult{Kind: kind, Reconciled: &res}, nil
}

// webhookAlternate returns the gateway transaction id carried by ref, or the
// one already stored on tx.
func webhookAlternate(tx billing.Transaction, ref PaymentRef) string {
	for _, id := range []string{ref.TransactionID, ref.ProductID} {
		if id != "" && id != string(tx.ID) && id != tx.GatewayInvoiceID {
			return id
		}
	}
	return tx.GatewayTransactionID
}

// =============================================================================
// VERIFY
// =============================================================================

type VerifyResult struct {
	Transaction    billing.Transaction  `json:"transaction"`
	Subscription   billing.Subscription `json:"subscription"`
	AlreadyApplied bool                 `json:"already_applied"`
}

// Verify is the client-triggered check for a payment the caller owns.
// paymentID may be any of the transaction's ids.
func (s *Service) Verify(ctx context.Context, userID billing.UserID, paymentID string) (VerifyResult, error) {
	result, err := s.verify(ctx, userID, paymentID)
	switch {
	case err == nil:
		s.metrics.verified("ok")
	case errors.Is(err, ErrVerificationInProgress), errors.Is(err, ErrPaymentPending):
		s.metrics.verified("wait")
	case errors.Is(err, ErrRateLimited):
		s.metrics.verified("rate_limited")
	case errors.Is(err, ErrPaymentFailed):
		s.metrics.verified("failed")
	default:
		s.metrics.verified("error")
	}
	return result, err
}

func (s *Service) verify(ctx context.Context, userID billing.UserID, paymentID string) (VerifyResult, error) {
	if paymentID == "" {
		return VerifyResult{}, &billing.ValidationError{Field: "paymentId", Message: "required"}
	}
	tx, err := s.store.FindTransaction(ctx, paymentID)
	if err != nil {
		return VerifyResult{}, err
	}
	if tx == nil {
		return VerifyResult{}, billing.ErrNotFound
	}
	if tx.UserID != userID {
		return VerifyResult{}, billing.ErrForbidden
	}
	if tx.Status.Terminal() {
		return s.settledResult(ctx, *tx)
	}

	key := Key{PaymentID: tx.GatewayInvoiceID, AlternateID: tx.GatewayTransactionID}
	if !s.coord.Start(key) {
		if rec, ok := s.coord.State(key.PaymentID); ok && rec.State == StateVerified {
			return s.reread(ctx, tx.ID)
		}
		return VerifyResult{}, ErrVerificationInProgress
	}

	status, err := s.gateway.CheckStatus(ctx, tx.GatewayInvoiceID)
	if err != nil {
		s.coord.Release(key)
		return VerifyResult{}, fmt.Errorf("check payment status: %w", err)
	}
	if status.TransactionID != "" {
		key.AlternateID = status.TransactionID
	}

	var outcome billing.Outcome
	switch status.Kind() {
	case StatusSucceeded:
		outcome = billing.OutcomeSuccess
	case StatusFailed:
		outcome = billing.OutcomeFailure
	default:
		s.coord.Release(key)
		return VerifyResult{}, ErrPaymentPending
	}

	in := ReconcileInput{
		PaymentID:     key.PaymentID,
		AlternateID:   key.AlternateID,
		Outcome:       outcome,
		PaymentMethod: status.PaymentMethod,
		Source:        "verify",
	}
	res, err := s.reconcileHeld(ctx, key, in, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	return s.settledResult(ctx, res.Transaction)
}

func (s *Service) reread(ctx context.Context, id billing.TransactionID) (VerifyResult, error) {
	tx, err := s.store.FindTransaction(ctx, string(id))
	if err != nil {
		return VerifyResult{}, err
	}
	if tx == nil {
		return VerifyResult{}, billing.ErrNotFound
	}
	if !tx.Status.Terminal() {
		return VerifyResult{}, ErrVerificationInProgress
	}
	return s.settledResult(ctx, *tx)
}

func (s *Service) settledResult(ctx context.Context, tx billing.Transaction) (VerifyResult, error) {
	if tx.Status == billing.TxFailed {
		return VerifyResult{Transaction: tx}, ErrPaymentFailed
	}
	sub, err := s.store.GetSubscription(ctx, tx.UserID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Transaction: tx, Subscription: sub, AlreadyApplied: true}, nil
}

// =============================================================================
// RECONCILE + DEAD LETTERS
// =============================================================================

// reconcileGuarded takes the coordinator slot for in and reconciles.
func (s *Service) reconcileGuarded(ctx context.Context, in ReconcileInput, priorAttempts int) (ReconcileResult, error) {
	key := in.Key()
	if !s.coord.Start(key) {
		return ReconcileResult{}, ErrVerificationInProgress
	}
	return s.reconcileHeld(ctx, key, in, priorAttempts)
}

// reconcileHeld runs with the coordinator slot for key already taken.
func (s *Service) reconcileHeld(ctx context.Context, key Key, in ReconcileInput, priorAttempts int) (ReconcileResult, error) {
	started := time.Now()
	res, err := s.reconciler.Reconcile(ctx, in)
	elapsed := time.Since(started).Seconds()

	if err != nil {
		s.coord.Fail(key, err)
		s.metrics.reconciled(in.Source, "error", elapsed)
		if errors.Is(err, ErrTransactionNotFound) {
			// No row will ever match; retrying cannot help.
			if s.resolveDeadLetter(ctx, in.PaymentID) && priorAttempts > 0 {
				s.metrics.deadLetter("dropped")
			}
			return res, err
		}
		s.recordDeadLetter(ctx, in, err, priorAttempts)
		return res, err
	}

	s.coord.Complete(key)
	result := "applied"
	if res.AlreadyApplied {
		result = "noop"
	}
	s.metrics.reconciled(in.Source, result, elapsed)
	// Any path that succeeds closes an open dead letter for the payment.
	if s.resolveDeadLetter(ctx, in.PaymentID) && priorAttempts > 0 {
		s.metrics.deadLetter("resolved")
	}
	return res, nil
}

func (s *Service) recordDeadLetter(ctx context.Context, in ReconcileInput, cause error, priorAttempts int) {
	// The request context may be the thing that expired.
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	dl, err := s.store.RecordDeadLetter(ctx, billing.DeadLetter{
		ID:            uuid.NewString(),
		PaymentID:     in.PaymentID,
		AlternateID:   in.AlternateID,
		Outcome:       in.Outcome,
		PaymentMethod: in.PaymentMethod,
		Source:        in.Source,
		LastError:     cause.Error(),
		Status:        billing.DeadLetterOpen,
		NextAttemptAt: now.Add(s.redrive.Backoff(priorAttempts + 1)),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		s.log.Error().Str("payment", billing.MaskID(in.PaymentID)).Err(err).Msg("could not record dead letter")
		return
	}
	s.metrics.deadLetter("recorded")
	s.log.Warn().
		Str("payment", billing.MaskID(in.PaymentID)).
		Int("attempts", dl.Attempts).
		Time("next_attempt", dl.NextAttemptAt).
		Msg("reconciliation dead-lettered")
}

func (s *Service) resolveDeadLetter(ctx context.Context, paymentID string) bool {
	if err := s.store.ResolveDeadLetter(ctx, paymentID, s.now()); err != nil {
		s.log.Error().Str("payment", billing.MaskID(paymentID)).Err(err).Msg("could not resolve dead letter")
		return false
	}
	return true
}

// Redrive re-runs one dead-lettered reconciliation. A payment another
// caller is verifying returns ErrVerificationInProgress and is left for the
// next pass.
func (s *Service) Redrive(ctx context.Context, dl billing.DeadLetter) (ReconcileResult, error) {
	in := ReconcileInput{
		PaymentID:     dl.PaymentID,
		AlternateID:   dl.AlternateID,
		Outcome:       dl.Outcome,
		PaymentMethod: dl.PaymentMethod,
		Source:        "redrive",
	}
	attempts := dl.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return s.reconcileGuarded(ctx, in, attempts)
}

type RedriveReport struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Dropped counts letters closed because no transaction matches them.
	Dropped int `json:"dropped"`
}

// RedriveDue re-runs up to limit dead letters whose next attempt is due.
func (s *Service) RedriveDue(ctx context.Context, limit int) (RedriveReport, error) {
	due, err := s.store.DueDeadLetters(ctx, s.now(), limit)
	if err != nil {
		return RedriveReport{}, err
	}
	var report RedriveReport
	for _, dl := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++
		_, err := s.Redrive(ctx, dl)
		switch {
		case err == nil:
			report.Resolved++
		case errors.Is(err, ErrVerificationInProgress):
			report.Skipped++
		case errors.Is(err, ErrTransactionNotFound):
			report.Dropped++
		default:
			report.Failed++
		}
	}
	return report, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, status billing.DeadLetterStatus) ([]billing.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, status)
}

func (s *Service) Subscription(ctx context.Context, userID billing.UserID) (billing.Subscription, error) {
	return s.store.GetSubscription(ctx, userID)
}
