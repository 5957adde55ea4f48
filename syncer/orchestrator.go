/*
orchestrator.go - Login-time reconciliation between a device and the remote

LIFECYCLE:
  Unsynced --Start--> Uploading --> Downloading --> Merged --> Steady
      ^                   |              |                       |
      +------ failure ----+--------------+        Stop ----------+

UPLOAD PHASE:
  Local settings are written first so the remote has a store to number
  invoices against. Every invoice the remote has not confirmed is then
  enqueued if the queue does not already carry it, and the queue is
  flushed. Without a store id the invoice upload is skipped.

DOWNLOAD PHASE:
  The remote settings replace the local copy, then any settings edit still
  waiting in the queue is re-applied on top. Remote invoices are merged
  last-write-wins, except invoices with a pending queue item: those are
  kept as the user left them.

STEADY STATE:
  A session drains the queue on a fixed interval and whenever a local
  mutation or a network transition calls Notify/SetOnline.

ONCE PER LOGIN:
  Start is serialized. A second Start for the same user returns the running
  session; reconciliation is not repeated until Stop.
*/
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
	"github.com/warp/invoice-engine/retry"
)

type State string

const (
	StateUnsynced    State = "unsynced"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
	StateMerged      State = "merged"
	StateSteady      State = "steady"
)

// ErrSessionActive is returned when Start is called for a different user
// while a session is running.
var ErrSessionActive = errors.New("sync session already active for another user")

type Config struct {
	// Interval between steady-state drains. Default 30s.
	Interval time.Duration `yaml:"interval"`
	// Backoff for failed queue items.
	Backoff retry.Config `yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Backoff:  retry.Config{InitialWait: time.Second, MaxWait: 5 * time.Minute, Multiplier: 2},
	}
}

type Orchestrator struct {
	remote Remote
	store  offline.Store
	queue  *offline.Queue
	local  *offline.Local
	cfg    Config
	log    zerolog.Logger

	startMu sync.Mutex

	mu      sync.Mutex
	state   State
	session *Session
}

// New wires a device store to a remote. The returned orchestrator owns the
// queue; use Local for user actions so a running session is notified.
func New(remote Remote, store offline.Store, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Backoff.InitialWait <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	o := &Orchestrator{
		remote: remote,
		store:  store,
		cfg:    cfg,
		log:    log.With().Str("component", "syncer").Logger(),
		state:  StateUnsynced,
	}
	o.queue = offline.NewQueue(store, NewRemoteDeliverer(remote, store),
		offline.WithBackoff(cfg.Backoff),
		offline.WithQueueLogger(log))
	o.local = offline.NewLocal(store, o.queue, o.notify)
	return o
}

func (o *Orchestrator) Local() *offline.Local { return o.local }
func (o *Orchestrator) Queue() *offline.Queue { return o.queue }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns the running session or nil.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) notify() {
	if s := o.Session(); s != nil {
		s.Notify()
	}
}

// =============================================================================
// START - Upload, download, then steady state
// =============================================================================

// Start reconciles the device with the remote for userID and starts the
// steady-state loop. On failure the orchestrator returns to Unsynced and the
// next Start retries from the beginning.
func (o *Orchestrator) Start(ctx context.Context, userID billing.UserID) (*Session, error) {
	if userID == "" {
		return nil, billing.ErrForbidden
	}
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if s := o.Session(); s != nil {
		if s.userID == userID {
			return s, nil
		}
		return nil, ErrSessionActive
	}

	log := o.log.With().Str("user", billing.MaskID(string(userID))).Logger()

	o.setState(StateUploading)
	if err := o.upload(ctx, userID, log); err != nil {
		o.setState(StateUnsynced)
		log.Warn().Err(err).Msg("upload phase failed")
		return nil, fmt.Errorf("upload: %w", err)
	}

	o.setState(StateDownloading)
	if err := o.download(ctx, userID, log); err != nil {
		o.setState(StateUnsynced)
		log.Warn().Err(err).Msg("download phase failed")
		return nil, fmt.Errorf("download: %w", err)
	}
	o.setState(StateMerged)

	s := newSession(o, userID)
	o.mu.Lock()
	o.session = s
	o.state = StateSteady
	o.mu.Unlock()

	go s.run()
	log.Info().Msg("sync session started")
	return s, nil
}

func (o *Orchestrator) upload(ctx context.Context, userID billing.UserID, log zerolog.Logger) error {
	snap, err := o.store.LoadSnapshot(ctx, userID)
	if err != nil {
		return err
	}

	var storeID billing.StoreID
	if snap.Settings != nil {
		stored, err := o.remote.SaveSettings(ctx, userID, *snap.Settings)
		if err != nil {
			return err
		}
		storeID = stored.StoreID
		if snap.Settings.StoreID != storeID {
			local := *snap.Settings
			local.StoreID = storeID
			if err := o.store.ReplaceSettings(ctx, local); err != nil {
				return err
			}
		}
	} else {
		remote, err := o.remote.GetSettings(ctx, userID)
		if err != nil {
			return err
		}
		if remote != nil {
			storeID = remote.StoreID
		}
	}

	if storeID == "" {
		log.Warn().Int("invoices", len(snap.Unsynced())).Msg("no store provisioned, skipping invoice upload")
		return nil
	}

	pending, err := o.queue.Pending(ctx)
	if err != nil {
		return err
	}
	queued := pendingIDs(pending, offline.EntityInvoice)
	for _, inv := range snap.Unsynced() {
		if queued[string(inv.ID)] {
			continue
		}
		if _, err := o.queue.Enqueue(ctx, offline.EntityInvoice, string(inv.ID), inv.Invoice); err != nil {
			return err
		}
	}

	result, err := o.queue.Flush(ctx)
	if err != nil {
		return err
	}
	if result.Remaining > 0 && result.LastError != "" {
		return fmt.Errorf("%d items still queued: %s", result.Remaining, result.LastError)
	}
	log.Debug().Int("delivered", result.Delivered).Int("parked", result.Parked).Msg("upload flushed")
	return nil
}

func (o *Orchestrator) download(ctx context.Context, userID billing.UserID, log zerolog.Logger) error {
	remoteSettings, err := o.remote.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	invoices, err := o.remote.ListInvoices(ctx, userID)
	if err != nil {
		return err
	}

	// Read after fetching so edits made during the fetch are protected.
	pending, err := o.queue.Pending(ctx)
	if err != nil {
		return err
	}

	if remoteSettings != nil {
		if err := o.store.ReplaceSettings(ctx, *remoteSettings); err != nil {
			return err
		}
		if edit, ok := latestSettingsEdit(pending, userID); ok {
			edit.StoreID = remoteSettings.StoreID
			if err := o.store.SaveSettings(ctx, edit); err != nil {
				return err
			}
		}
	}

	queued := pendingIDs(pending, offline.EntityInvoice)
	merged := 0
	for _, inv := range invoices {
		if queued[string(inv.ID)] {
			continue
		}
		changed, err := o.store.MergeInvoice(ctx, inv)
		if err != nil {
			return err
		}
		if changed {
			merged++
		}
	}
	log.Debug().Int("remote_invoices", len(invoices)).Int("merged", merged).Msg("download merged")
	return nil
}

func pendingIDs(items []offline.SyncQueueItem, entity offline.EntityType) map[string]bool {
	ids := make(map[string]bool)
	for _, it := range items {
		if it.EntityType == entity {
			ids[it.EntityID] = true
		}
	}
	return ids
}

// latestSettingsEdit returns the newest queued settings edit for userID.
func latestSettingsEdit(items []offline.SyncQueueItem, userID billing.UserID) (billing.Settings, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.EntityType != offline.EntitySettings || it.EntityID != string(userID) {
			continue
		}
		var s billing.Settings
		if err := json.Unmarshal(it.Payload, &s); err != nil {
			continue
		}
		return s, true
	}
	return billing.Settings{}, false
}
