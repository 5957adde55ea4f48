package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/invoice-engine/syncer"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the workspace with the server once",
		Long: `Upload queued edits, download the server copy, then flush the queue.

Invoices are numbered by the server in the order they were created on this
device. Edits the server rejects are parked and reported in the status.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			session, err := ws.sync.Start(ctx, ws.user)
			if err != nil {
				return err
			}
			defer session.Stop()

			if _, err := session.SyncNow(ctx); err != nil {
				return err
			}
			status, err := session.Status(ctx)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(status, func(w io.Writer) { printStatus(out, status) })
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:          "watch",
		Short:        "Keep a sync session running until interrupted",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := ws.sync.Start(ctx, ws.user)
			if err != nil {
				return err
			}
			defer session.Stop()

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return watch(ctx, session, every, out)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 30*time.Second, "how often to print the sync status")
	return cmd
}

func watch(ctx context.Context, session *syncer.Session, every time.Duration, out *OutputFormatter) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		status, err := session.Status(ctx)
		if err != nil {
			return err
		}
		if err := out.Print(status, func(w io.Writer) { printStatus(out, status) }); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// statusView is the offline status: no session, so only the queue counts.
type statusView struct {
	State    syncer.State `json:"state"`
	Pending  int          `json:"pending"`
	Parked   int          `json:"parked"`
	Unsynced int          `json:"unsynced_invoices"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show queued and parked edits without contacting the server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			pending, parked, err := ws.sync.Queue().Counts(ctx)
			if err != nil {
				return err
			}
			snap, err := ws.sync.Local().Snapshot(ctx, ws.user)
			if err != nil {
				return err
			}
			view := statusView{State: ws.sync.State(), Pending: pending, Parked: parked, Unsynced: len(snap.Unsynced())}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Print(view, func(w io.Writer) {
				out.Line("State:     %s", view.State)
				out.Line("Pending:   %d", view.Pending)
				out.Line("Parked:    %d", view.Parked)
				out.Line("Unsynced:  %d invoice(s)", view.Unsynced)
			})
		},
	}
}

func printStatus(out *OutputFormatter, s syncer.Status) {
	out.Line("State:     %s", s.State)
	out.Line("Online:    %t", s.Online)
	out.Line("Pending:   %d", s.Pending)
	out.Line("Parked:    %d", s.Parked)
	if !s.LastSyncedAt.IsZero() {
		out.Line("Synced at: %s", s.LastSyncedAt.Format(time.RFC3339))
	}
	if s.LastError != "" {
		out.Line("Error:     %s", s.LastError)
	}
}
