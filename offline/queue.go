package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/retry"
)

// Deliverer writes one queue item to the remote store. Returning nil means
// the remote confirmed the write.
type Deliverer interface {
	Deliver(ctx context.Context, item SyncQueueItem) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, item SyncQueueItem) error

func (f DeliverFunc) Deliver(ctx context.Context, item SyncQueueItem) error { return f(ctx, item) }

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped   bool   // another drain was running
	Deferred  bool   // head item is still backing off
	Delivered int    // items confirmed and removed
	Parked    int    // items parked during this pass
	Remaining int    // items still pending afterwards
	LastError string // transient error that stopped the pass
}

// Queue is the Sync Queue Manager.
type Queue struct {
	store    QueueStore
	deliver  Deliverer
	backoff  retry.Config
	log      zerolog.Logger
	now      func() time.Time
	draining atomic.Bool
}

type QueueOption func(*Queue)

func WithBackoff(cfg retry.Config) QueueOption { return func(q *Queue) { q.backoff = cfg } }

func WithQueueLogger(log zerolog.Logger) QueueOption {
	return func(q *Queue) { q.log = log.With().Str("component", "sync_queue").Logger() }
}

func WithClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

func NewQueue(store QueueStore, deliver Deliverer, opts ...QueueOption) *Queue {
	q := &Queue{
		store:   store,
		deliver: deliver,
		backoff: retry.Config{InitialWait: time.Second, MaxWait: 5 * time.Minute, Multiplier: 2},
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a mutation and returns. It never performs network I/O.
func (q *Queue) Enqueue(ctx context.Context, entityType EntityType, entityID string, payload any) (SyncQueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncQueueItem{}, fmt.Errorf("encode %s payload: %w", entityType, err)
	}

	now := q.now()
	item, err := q.store.Append(ctx, SyncQueueItem{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    raw,
		CreatedAt:  now,
	})
	if err != nil {
		return item, fmt.Errorf("append queue item: %w", err)
	}

	q.log.Debug().Str("item", item.ID).Str("entity", string(entityType)).Int64("seq", item.Seq).Msg("queued")
	return item, nil
}

// Pending returns items awaiting delivery in creation order.
func (q *Queue) Pending(ctx context.Context) ([]SyncQueueItem, error) {
	return q.store.Pending(ctx)
}

// Parked returns items that can never be delivered as-is.
func (q *Queue) Parked(ctx context.Context) ([]SyncQueueItem, error) {
	return q.store.Parked(ctx)
}

// Drain delivers due items in creation order. A head item still inside its
// backoff window defers the whole pass.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx, false)
}

// Flush is Drain without the backoff check, used when connectivity returns
// or the user just made a change.
func (q *Queue) Flush(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx, true)
}

// drain is reentrant-safe: a concurrent call returns Skipped at once.
func (q *Queue) drain(ctx context.Context, force bool) (result DrainResult, err error) {
	if !q.draining.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer q.draining.Store(false)

	items, err := q.store.Pending(ctx)
	if err != nil {
		return result, fmt.Errorf("load pending items: %w", err)
	}
	defer func() {
		result.Remaining = len(items) - result.Delivered - result.Parked
	}()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !force && !item.Due(q.now()) {
			result.Deferred = true
			return result, nil
		}

		err := q.deliver.Deliver(ctx, item)
		switch {
		case err == nil:
			if err := q.store.Remove(ctx, item.ID); err != nil {
				return result, fmt.Errorf("remove delivered item: %w", err)
			}
			result.Delivered++

		case errors.Is(err, ErrUnauthorized):
			q.log.Warn().Str("item", item.ID).Err(err).Msg("drain stopped: unauthorized")
			return result, err

		case errors.Is(err, ErrUnprocessable):
			if perr := q.store.Park(ctx, item.ID, err.Error()); perr != nil {
				return result, fmt.Errorf("park item: %w", perr)
			}
			result.Parked++
			q.log.Error().Str("item", item.ID).Str("entity", string(item.EntityType)).Err(err).Msg("item parked")

		default:
			// Head-of-line: stop so later items never overtake this one.
			attempts := item.AttemptCount + 1
			next := q.now().Add(q.backoff.Backoff(attempts))
			if rerr := q.store.RecordFailure(ctx, item.ID, attempts, err.Error(), next); rerr != nil {
				return result, fmt.Errorf("record failure: %w", rerr)
			}
			result.LastError = err.Error()
			q.log.Info().Str("item", item.ID).Int("attempt", attempts).Time("next_attempt", next).Err(err).Msg("delivery failed, will retry")
			return result, nil
		}
	}
	return result, nil
}

// Counts returns pending and parked totals for status reporting.
func (q *Queue) Counts(ctx context.Context) (pending, parked int, err error) {
	all, err := q.store.Len(ctx)
	if err != nil {
		return 0, 0, err
	}
	parkedItems, err := q.store.Parked(ctx)
	if err != nil {
		return 0, 0, err
	}
	return all - len(parkedItems), len(parkedItems), nil
}
