// Package cli implements invoicectl, the device-side command line client.
// Edits go to a local SQLite workspace first and reach the server through
// the sync queue, so every command except pay and verify works offline.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	APIURL  string
	Token   string
	User    string
	DB      string
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for invoicectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "invoicectl",
		Short: "Offline-first invoice workspace",
		Long: `Create invoices offline and sync them to the invoice server.

Invoice numbers are assigned by the server when an invoice is first synced.
Until then the invoice lives in the local workspace and the sync queue.`,
		SilenceErrors: true, // main prints the error once
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", envOr("INVOICE_API_URL", "http://localhost:8080"), "invoice server URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("INVOICE_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.User, "user", os.Getenv("INVOICE_USER"), "user id the token belongs to")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", envOr("INVOICE_DEVICE_DB", "invoicectl.db"), "local workspace database")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewInvoiceCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPayCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
