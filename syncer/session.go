package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
)

// Session is the steady state of one login.
type Session struct {
	o      *Orchestrator
	userID billing.UserID

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	stop   sync.Once

	mu           sync.Mutex
	online       bool
	lastError    string
	lastSyncedAt time.Time
}

// Status is what a UI shows as the sync indicator.
type Status struct {
	State        State     `json:"state"`
	Online       bool      `json:"online"`
	Pending      int       `json:"pending"`
	Parked       int       `json:"parked"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

func newSession(o *Orchestrator, userID billing.UserID) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		o:            o,
		userID:       userID,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		online:       true,
		lastSyncedAt: time.Now().UTC(),
	}
}

func (s *Session) UserID() billing.UserID { return s.userID }

// Notify asks the loop to flush soon. It never blocks.
func (s *Session) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetOnline records a connectivity change. Coming back online flushes.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()
	if online && !was {
		s.Notify()
	}
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SyncNow flushes the queue immediately, ignoring backoff.
func (s *Session) SyncNow(ctx context.Context) (offline.DrainResult, error) {
	result, err := s.o.queue.Flush(ctx)
	s.record(result, err)
	return result, err
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	pending, parked, err := s.o.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.o.State(),
		Online:       s.online,
		Pending:      pending,
		Parked:       parked,
		LastError:    s.lastError,
		LastSyncedAt: s.lastSyncedAt,
	}, nil
}

// Stop ends the session and waits for the loop to exit. The orchestrator
// returns to Unsynced; the next login runs reconciliation again.
func (s *Session) Stop() {
	s.stop.Do(func() {
		s.cancel()
		<-s.done

		o := s.o
		o.mu.Lock()
		if o.session == s {
			o.session = nil
			o.state = StateUnsynced
		}
		o.mu.Unlock()
	})
}

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drain(false)
		case <-s.wake:
			s.drain(true)
		}
	}
}

func (s *Session) drain(force bool) {
	if !s.Online() {
		return
	}
	var (
		result offline.DrainResult
		err    error
	)
	if force {
		result, err = s.o.queue.Flush(s.ctx)
	} else {
		result, err = s.o.queue.Drain(s.ctx)
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.record(result, err)
	if errors.Is(err, offline.ErrUnauthorized) {
		s.o.log.Warn().Str("user", billing.MaskID(string(s.userID))).Err(err).Msg("remote refused delivery, waiting for re-login")
	}
}

func (s *Session) record(result offline.DrainResult, err error) {
	if result.Skipped {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.lastError = err.Error()
	case result.LastError != "":
		s.lastError = result.LastError
	case result.Remaining == 0:
		s.lastError = ""
		s.lastSyncedAt = time.Now().UTC()
	}
}
