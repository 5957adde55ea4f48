package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/apiclient"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
	"github.com/warp/invoice-engine/syncer"
)

var errNoUser = errors.New("no user: pass --user or set INVOICE_USER")

// workspace is one open device database plus the orchestrator over it.
type workspace struct {
	user   billing.UserID
	store  *offline.SQLiteStore
	client *apiclient.Client
	sync   *syncer.Orchestrator
	log    zerolog.Logger
}

func openWorkspace(opts *RootOptions, errOut io.Writer) (*workspace, error) {
	if opts.User == "" {
		return nil, errNoUser
	}
	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: errOut}).Level(level).With().Timestamp().Logger()

	st, err := offline.OpenSQLite(opts.DB)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", opts.DB, err)
	}
	user := billing.UserID(opts.User)
	client := apiclient.New(opts.APIURL, opts.Token, user, apiclient.WithLogger(log))
	return &workspace{
		user:   user,
		store:  st,
		client: client,
		sync:   syncer.New(client, st, syncer.DefaultConfig(), log),
		log:    log,
	}, nil
}

func (w *workspace) Close() error { return w.store.Close() }

// settings returns the local settings or an error telling the user to
// create them first.
func (w *workspace) settings(snap offline.Snapshot) (billing.Settings, error) {
	if snap.Settings == nil {
		return billing.Settings{}, fmt.Errorf("no settings in workspace: run 'invoicectl settings set' first")
	}
	return *snap.Settings, nil
}
