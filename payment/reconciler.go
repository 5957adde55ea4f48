/*
reconciler.go - Applies a verified payment outcome exactly once

PURPOSE:
  Turns "the gateway says payment X succeeded/failed" into remote store
  effects. Safe to call any number of times for the same payment: the
  transaction row is re-read on every call and only a pending row is acted
  on.

SUCCESS PATH (one database transaction):
  1. Upgrade the user's subscription tier
  2. Record revenue (unique per transaction)
  3. Compare-and-set the row pending -> completed
  The status write is last. If it finds the row no longer pending another
  caller won; the transaction rolls back and the call is a no-op.

FAILURE PATH:
  Compare-and-set pending -> failed. The subscription is not touched.

TIMEOUT:
  The whole call is bounded by Timeout. On expiry the database transaction
  rolls back, the row keeps its state and ErrReconcileTimeout is returned.
  The next attempt re-checks the row before acting.
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/billing"
)

// DefaultReconcileTimeout bounds one reconciliation.
const DefaultReconcileTimeout = 10 * time.Second

var (
	ErrReconcileTimeout    = errors.New("reconciliation timed out")
	ErrTransactionNotFound = errors.New("transaction not found")

	// errLostRace aborts the database transaction when the CAS found the
	// row already settled.
	errLostRace = errors.New("transaction no longer pending")
)

// ReconcileError wraps a reconciliation failure with the masked payment id.
type ReconcileError struct {
	PaymentID string
	Err       error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile payment %s: %v", billing.MaskID(e.PaymentID), e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

type ReconcileInput struct {
	PaymentID     string
	AlternateID   string
	Outcome       billing.Outcome
	PaymentMethod string
	// Source names the entry point (webhook, verify, redrive) for logs.
	Source string
}

func (in ReconcileInput) Key() Key { return Key{PaymentID: in.PaymentID, AlternateID: in.AlternateID} }

type ReconcileResult struct {
	Transaction billing.Transaction
	// Applied is true when this call changed the row.
	Applied bool
	// AlreadyApplied is true when the row was already settled.
	AlreadyApplied bool
	Subscription   billing.Subscription
}

type Reconciler struct {
	store   billing.PaymentTxStore
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewReconciler(store billing.PaymentTxStore, timeout time.Duration, log zerolog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultReconcileTimeout
	}
	return &Reconciler{
		store:   store,
		timeout: timeout,
		log:     log.With().Str("component", "reconciler").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies in.Outcome to the transaction named by either id.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.reconcile(ctx, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrReconcileTimeout, r.timeout)
		}
		r.log.Error().
			Str("payment", billing.MaskID(in.PaymentID)).
			Str("alternate", billing.MaskID(in.AlternateID)).
			Str("outcome", string(in.Outcome)).
			Str("source", in.Source).
			Err(err).
			Msg("reconciliation failed")
		return result, &ReconcileError{PaymentID: in.PaymentID, Err: err}
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	tx, err := r.store.FindTransaction(ctx, in.PaymentID, in.AlternateID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if tx == nil {
		return ReconcileResult{}, ErrTransactionNotFound
	}

	log := r.log.With().
		Str("tx", billing.MaskID(string(tx.ID))).
		Str("user", billing.MaskID(string(tx.UserID))).
		Str("source", in.Source).
		Logger()

	if tx.Status.Terminal() {
		log.Debug().Str("status", string(tx.Status)).Msg("transaction already settled")
		return r.settled(ctx, *tx)
	}

	gatewayTxID := alternateOf(*tx, in)
	at := r.now()

	switch in.Outcome {
	case billing.OutcomeSuccess:
		err = r.store.WithPaymentTx(ctx, func(ptx billing.PaymentTx) error {
			current, err := ptx.GetSubscription(ctx, tx.UserID)
			if err != nil {
				return err
			}
			// A late payment for a lower tier still books revenue but never
			// downgrades the user.
			if tx.Tier.Rank() > current.Tier.Rank() {
				if err := ptx.UpgradeSubscription(ctx, tx.UserID, tx.Tier, at); err != nil {
					return err
				}
			} else {
				log.Info().Str("tier", string(tx.Tier)).Str("current", string(current.Tier)).Msg("keeping higher tier")
			}
			err = ptx.RecordRevenue(ctx, billing.RevenueEntry{
				TransactionID: tx.ID,
				UserID:        tx.UserID,
				Amount:        tx.Amount,
				RecordedAt:    at,
			})
			if errors.Is(err, billing.ErrDuplicateRevenue) {
				return errLostRace
			}
			if err != nil {
				return err
			}
			return r.compareAndSet(ctx, ptx, tx.ID, billing.TxCompleted, gatewayTxID, in.PaymentMethod, at)
		})
	case billing.OutcomeFailure:
		err = r.store.WithPaymentTx(ctx, func(ptx billing.PaymentTx) error {
			return r.compareAndSet(ctx, ptx, tx.ID, billing.TxFailed, gatewayTxID, in.PaymentMethod, at)
		})
	default:
		return ReconcileResult{}, &billing.ValidationError{Field: "outcome", Message: fmt.Sprintf("unknown outcome %q", in.Outcome)}
	}

	if errors.Is(err, errLostRace) {
		log.Info().Msg("transaction settled concurrently, nothing to do")
		current, ferr := r.store.FindTransaction(ctx, string(tx.ID))
		if ferr != nil {
			return ReconcileResult{}, ferr
		}
		if current == nil {
			return ReconcileResult{}, ErrTransactionNotFound
		}
		return r.settled(ctx, *current)
	}
	if err != nil {
		return ReconcileResult{}, err
	}

	settled, err := r.store.FindTransaction(ctx, string(tx.ID))
	if err != nil {
		return ReconcileResult{}, err
	}
	if settled == nil {
		return ReconcileResult{}, ErrTransactionNotFound
	}
	sub, err := r.store.GetSubscription(ctx, tx.UserID)
	if err != nil {
		return ReconcileResult{}, err
	}
	log.Info().Str("status", string(settled.Status)).Str("tier", string(sub.Tier)).Msg("payment reconciled")
	return ReconcileResult{Transaction: *settled, Applied: true, Subscription: sub}, nil
}

func (r *Reconciler) compareAndSet(ctx context.Context, ptx billing.PaymentTx, id billing.TransactionID, to billing.TxStatus, gatewayTxID, method string, at time.Time) error {
	ok, err := ptx.TransitionTransaction(ctx, id, billing.TxPending, to, gatewayTxID, method, at)
	if err != nil {
		return err
	}
	if !ok {
		return errLostRace
	}
	return nil
}

func (r *Reconciler) settled(ctx context.Context, tx billing.Transaction) (ReconcileResult, error) {
	sub, err := r.store.GetSubscription(ctx, tx.UserID)
	if err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{Transaction: tx, AlreadyApplied: true, Subscription: sub}, nil
}

// alternateOf picks the input id that is the gateway's transaction id, i.e.
// the one the row does not already know as its own id or invoice id.
func alternateOf(tx billing.Transaction, in ReconcileInput) string {
	for _, id := range []string{in.AlternateID, in.PaymentID} {
		if id != "" && id != string(tx.ID) && id != tx.GatewayInvoiceID {
			return id
		}
	}
	return ""
}
