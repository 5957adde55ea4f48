package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
)

// NewInvoiceCommand creates the invoice command group.
func NewInvoiceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Create and list invoices in the workspace",
	}
	cmd.AddCommand(newInvoiceAddCommand(rootOpts))
	cmd.AddCommand(newInvoiceListCommand(rootOpts))
	return cmd
}

type invoiceFlags struct {
	id       string
	customer string
	items    []string
	status   string
}

func newInvoiceAddCommand(rootOpts *RootOptions) *cobra.Command {
	f := &invoiceFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or edit an invoice offline",
		Long: `Create or edit an invoice in the workspace.

Items are given as description:quantity:unit_price, priced in the
workspace currency. Passing --id of an existing invoice edits it; its
number, once assigned, never changes.`,
		Example:      `  invoicectl invoice add --customer "Ani" --item "Kopi susu:2:18000" --item "Roti:1:12000"`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			snap, err := ws.sync.Local().Snapshot(ctx, ws.user)
			if err != nil {
				return err
			}
			settings, err := ws.settings(snap)
			if err != nil {
				return err
			}

			inv := billing.Invoice{ID: billing.InvoiceID(f.id), UserID: ws.user}
			if inv.ID == "" {
				inv.ID = billing.InvoiceID(uuid.NewString())
			} else if existing := findInvoice(snap, inv.ID); existing != nil {
				inv = existing.Invoice
			}
			if f.customer != "" {
				inv.CustomerName = f.customer
			}
			if f.status != "" {
				inv.Status = billing.InvoiceStatus(f.status)
			}
			if len(f.items) > 0 {
				inv.Items = inv.Items[:0]
				for _, raw := range f.items {
					item, err := parseItem(raw, settings.Currency)
					if err != nil {
						return err
					}
					inv.Items = append(inv.Items, item)
				}
				inv.Total = inv.ComputeTotal(settings.Currency)
			}

			saved, err := ws.sync.Local().SaveInvoice(ctx, inv)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(saved, func(w io.Writer) {
				out.Line("%s  %s  %s  queued for sync", saved.ID, displayNumber(saved), saved.Total)
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "invoice id (generated when empty)")
	cmd.Flags().StringVar(&f.customer, "customer", "", "customer name")
	cmd.Flags().StringArrayVar(&f.items, "item", nil, "line item description:quantity:unit_price (repeatable)")
	cmd.Flags().StringVar(&f.status, "status", "", "draft|sent|paid|void")
	return cmd
}

func newInvoiceListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List workspace invoices",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			snap, err := ws.sync.Local().Snapshot(cmd.Context(), ws.user)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(snap.Invoices, func(w io.Writer) { printInvoices(w, snap.Invoices) })
		},
	}
}

// parseItem reads description:quantity:unit_price. The description may
// itself contain colons; quantity and price are the last two fields.
func parseItem(raw string, currency billing.Currency) (billing.LineItem, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return billing.LineItem{}, &billing.ValidationError{Field: "item", Message: fmt.Sprintf("%q: want description:quantity:unit_price", raw)}
	}
	n := len(parts)
	desc := strings.TrimSpace(strings.Join(parts[:n-2], ":"))
	if desc == "" {
		return billing.LineItem{}, &billing.ValidationError{Field: "item", Message: fmt.Sprintf("%q: description required", raw)}
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(parts[n-2]))
	if err != nil || !qty.IsPositive() {
		return billing.LineItem{}, &billing.ValidationError{Field: "item", Message: fmt.Sprintf("%q: quantity must be a positive number", raw)}
	}
	price, err := billing.ParseAmount(strings.TrimSpace(parts[n-1]), currency)
	if err != nil || price.Value.IsNegative() {
		return billing.LineItem{}, &billing.ValidationError{Field: "item", Message: fmt.Sprintf("%q: unit price must be a non-negative number", raw)}
	}
	return billing.LineItem{Description: desc, Quantity: qty, UnitPrice: price}, nil
}

func findInvoice(snap offline.Snapshot, id billing.InvoiceID) *offline.LocalInvoice {
	for i := range snap.Invoices {
		if snap.Invoices[i].ID == id {
			return &snap.Invoices[i]
		}
	}
	return nil
}

func displayNumber(inv billing.Invoice) string {
	if inv.Display != "" {
		return inv.Display
	}
	return "(unnumbered)"
}

func printInvoices(w io.Writer, invoices []offline.LocalInvoice) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tID\tCUSTOMER\tTOTAL\tSTATUS\tSYNCED")
	for _, inv := range invoices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			displayNumber(inv.Invoice), inv.ID, inv.CustomerName, inv.Total, inv.Status, inv.Synced)
	}
	tw.Flush()
}
