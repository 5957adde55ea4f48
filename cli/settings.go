package cli

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/warp/invoice-engine/billing"
)

// NewSettingsCommand creates the settings command group.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or edit business settings",
	}
	cmd.AddCommand(newSettingsShowCommand(rootOpts))
	cmd.AddCommand(newSettingsSetCommand(rootOpts))
	return cmd
}

func newSettingsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "show",
		Short:        "Print the workspace settings",
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
			s, err := ws.settings(snap)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(s, func(w io.Writer) { printSettings(out, s) })
		},
	}
}

type settingsFlags struct {
	business string
	address  string
	currency string
	taxRate  string
	prefix   string
	daily    bool
}

func newSettingsSetCommand(rootOpts *RootOptions) *cobra.Command {
	f := &settingsFlags{}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Edit the workspace settings",
		Long: `Edit the workspace settings. Only flags that are passed change;
the edit is queued and reaches the server on the next sync.`,
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
			s := billing.Settings{UserID: ws.user, Currency: billing.CurrencyUSD}
			if snap.Settings != nil {
				s = *snap.Settings
			}
			applySettingsFlags(cmd, f, &s)
			if s.BusinessName == "" {
				return &billing.ValidationError{Field: "business_name", Message: "required (--business)"}
			}
			if err := ws.sync.Local().SaveSettings(ctx, s); err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(s, func(w io.Writer) {
				printSettings(out, s)
				out.Line("queued for sync")
			})
		},
	}
	cmd.Flags().StringVar(&f.business, "business", "", "business name")
	cmd.Flags().StringVar(&f.address, "address", "", "business address")
	cmd.Flags().StringVar(&f.currency, "currency", "", "currency (USD|EUR|IDR)")
	cmd.Flags().StringVar(&f.taxRate, "tax-rate", "", "tax rate as a decimal, e.g. 0.11")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "invoice number prefix")
	cmd.Flags().BoolVar(&f.daily, "reset-daily", false, "reset the daily counter at midnight")
	return cmd
}

func applySettingsFlags(cmd *cobra.Command, f *settingsFlags, s *billing.Settings) {
	changed := cmd.Flags().Changed
	if changed("business") {
		s.BusinessName = f.business
	}
	if changed("address") {
		s.Address = f.address
	}
	if changed("currency") {
		s.Currency = billing.Currency(f.currency)
	}
	if changed("tax-rate") {
		s.TaxRate = f.taxRate
	}
	if changed("prefix") {
		s.InvoicePrefix = f.prefix
	}
	if changed("reset-daily") {
		s.ResetCounterDaily = f.daily
	}
}

func printSettings(out *OutputFormatter, s billing.Settings) {
	store := string(s.StoreID)
	if store == "" {
		store = "(not provisioned yet)"
	}
	out.Line("Business:  %s", s.BusinessName)
	if s.Address != "" {
		out.Line("Address:   %s", s.Address)
	}
	out.Line("Currency:  %s", s.Currency)
	if s.TaxRate != "" {
		out.Line("Tax rate:  %s", s.TaxRate)
	}
	out.Line("Prefix:    %s", s.InvoicePrefix)
	out.Line("Daily:     %t", s.ResetCounterDaily)
	out.Line("Store:     %s", store)
}
