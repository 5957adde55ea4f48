/*
Package offline is the device side of the engine: the local working copy and
the durable queue of mutations the remote store has not confirmed yet.

KEY CONCEPTS:
  - SyncQueueItem: One pending mutation (settings or invoice payload)
  - QueueStore:    Durable FIFO of items (Memory or SQLiteStore)
  - Snapshot:      The device's working copy of settings and invoices
  - Queue:         Enqueue never touches the network; Drain delivers in order
  - Local:         User actions: write the snapshot, queue the mutation

DELIVERY GUARANTEES:
  Items are delivered at least once and in creation order. An item is
  removed only after the Deliverer confirms the remote write, so remote
  writes must be idempotent per entity id.

ERROR CLASSES (returned by a Deliverer):
  ErrUnauthorized:  Stop draining and report to the caller, no retry
  ErrUnprocessable: Park the item, keep going
  anything else:    Transient, record the attempt and stop (head-of-line)

SEE ALSO:
  - syncer/: Drives Drain on login, interval and mutation events
*/
package offline

import (
	"encoding/json"
	"errors"
	"time"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrUnauthorized means the remote rejected the caller's credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnprocessable means the item can never be delivered as-is.
	ErrUnprocessable = errors.New("unprocessable queue item")

	// ErrItemNotFound is returned for operations on an unknown item id.
	ErrItemNotFound = errors.New("queue item not found")
)

// IsRetryable reports whether a delivery error should be retried later.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrUnprocessable)
}

// =============================================================================
// QUEUE ITEM
// =============================================================================

type EntityType string

const (
	EntitySettings EntityType = "settings"
	EntityInvoice  EntityType = "invoice"
)

// SyncQueueItem is a mutation awaiting remote confirmation.
type SyncQueueItem struct {
	ID            string          `json:"id"`  // ULID
	Seq           int64           `json:"seq"` // creation order, assigned by the store
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	Parked        bool            `json:"parked,omitempty"`
}

// Due reports whether the item may be attempted at now.
func (it SyncQueueItem) Due(now time.Time) bool {
	return it.NextAttemptAt.IsZero() || !it.NextAttemptAt.After(now)
}
