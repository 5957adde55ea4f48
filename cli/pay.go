package cli

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/invoice-engine/apiclient"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/payment"
)

// NewPayCommand creates the pay command.
func NewPayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "pay <tier>",
		Short:        "Start a subscription payment and print the payment link",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.User == "" {
				return errNoUser
			}
			client := apiclient.New(rootOpts.APIURL, rootOpts.Token, billing.UserID(rootOpts.User))
			inv, err := client.CreatePaymentInvoice(cmd.Context(), billing.Tier(args[0]))
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(inv, func(w io.Writer) {
				out.Line("Payment:   %s", inv.Transaction.GatewayInvoiceID)
				out.Line("Amount:    %s", inv.Transaction.Amount)
				out.Line("Pay at:    %s", inv.PaymentURL)
				out.Line("Then run:  invoicectl verify %s", inv.Transaction.GatewayInvoiceID)
			})
		},
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var wait, poll time.Duration
	cmd := &cobra.Command{
		Use:   "verify <payment-id>",
		Short: "Confirm a payment and apply the subscription",
		Long: `Ask the server to check a payment with the gateway.

Verifying twice is safe: a payment is applied at most once. With --wait the
command keeps asking while the payment is pending.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.User == "" {
				return errNoUser
			}
			client := apiclient.New(rootOpts.APIURL, rootOpts.Token, billing.UserID(rootOpts.User))
			res, err := verifyUntilSettled(cmd.Context(), client, args[0], wait, poll)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(res, func(w io.Writer) {
				out.Line("Tier:      %s", res.Subscription.Tier)
				out.Line("Status:    %s", res.Transaction.Status)
				if res.AlreadyApplied {
					out.Line("already applied")
				}
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep polling a pending payment for this long")
	cmd.Flags().DurationVar(&poll, "poll", 3*time.Second, "delay between polls")
	return cmd
}

type verifier interface {
	Verify(ctx context.Context, paymentID string) (apiclient.VerifyResponse, error)
}

// verifyUntilSettled retries "please wait" answers until wait elapses.
// Rate limiting is treated the same way.
func verifyUntilSettled(ctx context.Context, c verifier, paymentID string, wait, poll time.Duration) (apiclient.VerifyResponse, error) {
	deadline := time.Now().Add(wait)
	for {
		res, err := c.Verify(ctx, paymentID)
		if err == nil || !retryable(err) || !time.Now().Add(poll).Before(deadline) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, payment.ErrPaymentPending) ||
		errors.Is(err, payment.ErrVerificationInProgress) ||
		errors.Is(err, payment.ErrRateLimited)
}
