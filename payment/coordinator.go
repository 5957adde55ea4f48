/*
coordinator.go - Per-process de-duplication of payment verification

PURPOSE:
  The webhook handler and the client verify call can both try to apply the
  same payment at the same moment. Coordinator is the single serialization
  point between them: Start succeeds for exactly one caller per payment
  while that caller is verifying.

STATE MACHINE (per payment):
  Idle --Start--> Verifying --Complete--> Verified   (terminal)
                      |
                      +--Fail----------> Failed     (Start allowed again)
                      +--Release-------> Idle       (gateway still pending)

KEYS:
  The gateway names one payment by two ids. A Key carries both; the first
  sighting of a pair links them so a later lookup by either id reaches the
  same entry.

LIFECYCLE:
  Entries are created on first use and evicted by Sweep once they have been
  out of Verifying for the grace period. State is process-local; the
  transaction row stays the durable source of truth across restarts.
*/
package payment

import (
	"context"
	"sync"
	"time"
)

type VerifyState string

const (
	StateIdle      VerifyState = "idle"
	StateVerifying VerifyState = "verifying"
	StateVerified  VerifyState = "verified"
	StateFailed    VerifyState = "failed"
)

// rank orders states when two entries are linked after the fact.
func (s VerifyState) rank() int {
	switch s {
	case StateVerified:
		return 3
	case StateVerifying:
		return 2
	case StateFailed:
		return 1
	}
	return 0
}

// Key identifies a payment. AlternateID is optional.
type Key struct {
	PaymentID   string
	AlternateID string
}

func (k Key) ids() []string {
	var ids []string
	if k.PaymentID != "" {
		ids = append(ids, k.PaymentID)
	}
	if k.AlternateID != "" && k.AlternateID != k.PaymentID {
		ids = append(ids, k.AlternateID)
	}
	return ids
}

// Record is a copy of one entry's state.
type Record struct {
	PaymentID   string      `json:"payment_id"`
	AlternateID string      `json:"alternate_id,omitempty"`
	State       VerifyState `json:"state"`
	Error       string      `json:"error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type entry struct {
	ids       []string
	state     VerifyState
	err       string
	updatedAt time.Time
}

// DefaultGracePeriod is how long a settled entry is kept before eviction.
const DefaultGracePeriod = 10 * time.Minute

type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	grace   time.Duration
	now     func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithGracePeriod(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		entries: make(map[string]*entry),
		grace:   DefaultGracePeriod,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start moves the payment to Verifying and returns true, or returns false
// when another caller is verifying it or it is already verified. A false
// return is normal control flow, not an error.
func (c *Coordinator) Start(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.resolveLocked(k, true)
	if e == nil {
		return false
	}
	if e.state == StateVerifying || e.state == StateVerified {
		return false
	}
	e.state = StateVerifying
	e.err = ""
	e.updatedAt = c.now()
	return true
}

// Complete marks the payment verified and clears any earlier failure.
func (c *Coordinator) Complete(k Key) {
	c.transition(k, StateVerified, "")
}

// Fail records the error and allows a later Start.
func (c *Coordinator) Fail(k Key, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.transition(k, StateFailed, msg)
}

// Release returns a Verifying payment to Idle without recording a result.
func (c *Coordinator) Release(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.resolveLocked(k, false)
	if e == nil || e.state != StateVerifying {
		return
	}
	e.state = StateIdle
	e.updatedAt = c.now()
}

func (c *Coordinator) transition(k Key, to VerifyState, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.resolveLocked(k, true)
	if e == nil {
		return
	}
	e.state = to
	e.err = errMsg
	e.updatedAt = c.now()
}

// State looks a payment up by either of its ids.
func (c *Coordinator) State(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Record{State: StateIdle}, false
	}
	r := Record{State: e.state, Error: e.err, UpdatedAt: e.updatedAt}
	if len(e.ids) > 0 {
		r.PaymentID = e.ids[0]
	}
	if len(e.ids) > 1 {
		r.AlternateID = e.ids[1]
	}
	return r, true
}

// Len returns the number of tracked payments.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[*entry]struct{}, len(c.entries))
	for _, e := range c.entries {
		seen[e] = struct{}{}
	}
	return len(seen)
}

// Sweep evicts entries that left Verifying at least one grace period before
// now and returns how many payments were dropped.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, e := range c.entries {
		if e.state == StateVerifying || now.Sub(e.updatedAt) < c.grace {
			continue
		}
		delete(c.entries, id)
		if id == e.ids[0] {
			evicted++
		}
	}
	return evicted
}

// Run sweeps on interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.grace
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// resolveLocked finds the entry for k, linking ids seen together for the
// first time. When both ids already point at different entries the more
// advanced one absorbs the other.
func (c *Coordinator) resolveLocked(k Key, create bool) *entry {
	ids := k.ids()
	if len(ids) == 0 {
		return nil
	}

	var found *entry
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		switch {
		case found == nil:
			found = e
		case found != e:
			winner, loser := found, e
			if e.state.rank() > found.state.rank() {
				winner, loser = e, found
			}
			for _, lid := range loser.ids {
				c.entries[lid] = winner
				winner.ids = appendUnique(winner.ids, lid)
			}
			found = winner
		}
	}

	if found == nil {
		if !create {
			return nil
		}
		found = &entry{state: StateIdle, updatedAt: c.now()}
	}
	for _, id := range ids {
		c.entries[id] = found
		found.ids = appendUnique(found.ids, id)
	}
	return found
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
