package offline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/offline"
	"github.com/warp/invoice-engine/retry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// backends runs a test against every QueueStore implementation.
func backends(t *testing.T, fn func(t *testing.T, store offline.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, offline.NewMemory()) })
	t.Run("sqlite", func(t *testing.T) {
		store, err := offline.OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

// recorder is a Deliverer that records what it was given and fails on demand.
type recorder struct {
	mu        sync.Mutex
	delivered []string
	fail      func(item offline.SyncQueueItem) error
}

func (r *recorder) Deliver(_ context.Context, item offline.SyncQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(item); err != nil {
			return err
		}
	}
	r.delivered = append(r.delivered, item.EntityID)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

var errNetwork = errors.New("network unreachable")

func enqueueN(t *testing.T, q *offline.Queue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := q.Enqueue(context.Background(), offline.EntityInvoice, fmt.Sprintf("inv-%d", i), map[string]int{"n": i})
		require.NoError(t, err)
	}
}

// =============================================================================
// DELIVERY ORDER + EXACTLY ONCE
// =============================================================================

func TestQueue_DrainDeliversInOrderExactlyOnce(t *testing.T) {
	// GIVEN: Five enqueued items
	// WHEN: Drain succeeds
	// THEN: Each is delivered once, in enqueue order, and the queue is empty
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		rec := &recorder{}
		q := offline.NewQueue(store, rec)
		enqueueN(t, q, 5)

		result, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, result.Delivered)
		assert.Equal(t, 0, result.Remaining)
		assert.Equal(t, []string{"inv-1", "inv-2", "inv-3", "inv-4", "inv-5"}, rec.ids())

		// A second drain has nothing left to deliver.
		result, err = q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Delivered)
		assert.Len(t, rec.ids(), 5)

		n, err := store.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestQueue_FailureKeepsItemsAndOrder(t *testing.T) {
	// GIVEN: Three items and a remote that fails on the second
	// WHEN: Drain runs
	// THEN: The first is removed, nothing else is lost, the failing item
	// records its attempt and the third is not delivered ahead of it
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		clk := newClock()
		rec := &recorder{fail: func(item offline.SyncQueueItem) error {
			if item.EntityID == "inv-2" {
				return errNetwork
			}
			return nil
		}}
		q := offline.NewQueue(store, rec,
			offline.WithClock(clk.Now),
			offline.WithBackoff(retry.Config{InitialWait: time.Second, MaxWait: time.Minute, Multiplier: 2}))
		enqueueN(t, q, 3)

		result, err := q.Drain(ctx)
		require.NoError(t, err, "transient failures are not surfaced")
		assert.Equal(t, 1, result.Delivered)
		assert.Equal(t, 2, result.Remaining)
		assert.Contains(t, result.LastError, "network")
		assert.Equal(t, []string{"inv-1"}, rec.ids())

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "inv-2", pending[0].EntityID)
		assert.Equal(t, 1, pending[0].AttemptCount)
		assert.Equal(t, clk.Now().Add(time.Second), pending[0].NextAttemptAt)
		assert.Equal(t, "inv-3", pending[1].EntityID)
	})
}

func TestQueue_QueueLengthNeverGrowsOnFailure(t *testing.T) {
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		rec := &recorder{fail: func(offline.SyncQueueItem) error { return errNetwork }}
		q := offline.NewQueue(store, rec)
		enqueueN(t, q, 4)

		before, err := store.Len(ctx)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := q.Flush(ctx)
			require.NoError(t, err)
			after, err := store.Len(ctx)
			require.NoError(t, err)
			assert.LessOrEqual(t, after, before)
			assert.Equal(t, 4, after, "no item is lost")
		}

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, pending[0].AttemptCount)
	})
}

func TestQueue_BackoffDefersDrainButNotFlush(t *testing.T) {
	// GIVEN: A head item that just failed
	// WHEN: Drain runs again inside the backoff window
	// THEN: The pass is deferred; Flush delivers regardless
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		clk := newClock()
		var failing atomic.Bool
		failing.Store(true)
		rec := &recorder{fail: func(offline.SyncQueueItem) error {
			if failing.Load() {
				return errNetwork
			}
			return nil
		}}
		q := offline.NewQueue(store, rec, offline.WithClock(clk.Now))
		enqueueN(t, q, 1)

		_, err := q.Drain(ctx)
		require.NoError(t, err)
		failing.Store(false)

		result, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.True(t, result.Deferred)
		assert.Empty(t, rec.ids())

		result, err = q.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Delivered)
	})
}

// =============================================================================
// ERROR CLASSES
// =============================================================================

func TestQueue_UnauthorizedStopsDrain(t *testing.T) {
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		rec := &recorder{fail: func(offline.SyncQueueItem) error {
			return fmt.Errorf("remote said no: %w", offline.ErrUnauthorized)
		}}
		q := offline.NewQueue(store, rec)
		enqueueN(t, q, 2)

		_, err := q.Drain(ctx)
		assert.ErrorIs(t, err, offline.ErrUnauthorized)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, 0, pending[0].AttemptCount, "no retry is scheduled")
	})
}

func TestQueue_UnprocessableItemIsParked(t *testing.T) {
	// GIVEN: A poison item between two good ones
	// THEN: It is parked, the others are delivered and later drains skip it
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		rec := &recorder{fail: func(item offline.SyncQueueItem) error {
			if item.EntityID == "inv-2" {
				return fmt.Errorf("bad payload: %w", offline.ErrUnprocessable)
			}
			return nil
		}}
		q := offline.NewQueue(store, rec)
		enqueueN(t, q, 3)

		result, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Delivered)
		assert.Equal(t, 1, result.Parked)
		assert.Equal(t, []string{"inv-1", "inv-3"}, rec.ids())

		parked, err := q.Parked(ctx)
		require.NoError(t, err)
		require.Len(t, parked, 1)
		assert.Contains(t, parked[0].LastError, "bad payload")

		pending, parkedCount, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, pending)
		assert.Equal(t, 1, parkedCount)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestQueue_ConcurrentDrainIsNoOp(t *testing.T) {
	// GIVEN: A drain blocked inside delivery
	// WHEN: A second drain starts
	// THEN: It returns Skipped without delivering anything
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	deliver := offline.DeliverFunc(func(ctx context.Context, item offline.SyncQueueItem) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})
	q := offline.NewQueue(offline.NewMemory(), deliver)
	enqueueN(t, q, 2)

	done := make(chan offline.DrainResult)
	go func() {
		result, _ := q.Drain(ctx)
		done <- result
	}()
	<-entered

	second, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 2, first.Delivered)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_OfflineThenOnlineDeliversInOrder(t *testing.T) {
	// GIVEN: The device goes offline after enqueuing three invoices
	// WHEN: Drains fail while offline, then connectivity returns
	// THEN: All three are delivered in their original order
	backends(t, func(t *testing.T, store offline.Store) {
		ctx := context.Background()
		var online atomic.Bool
		rec := &recorder{fail: func(offline.SyncQueueItem) error {
			if !online.Load() {
				return errNetwork
			}
			return nil
		}}
		q := offline.NewQueue(store, rec)
		enqueueN(t, q, 3)

		for i := 0; i < 3; i++ {
			_, err := q.Flush(ctx)
			require.NoError(t, err)
		}
		assert.Empty(t, rec.ids())

		online.Store(true)
		result, err := q.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Delivered)
		assert.Equal(t, []string{"inv-1", "inv-2", "inv-3"}, rec.ids())
	})
}

func TestQueue_EnqueueDoesNotDeliver(t *testing.T) {
	rec := &recorder{}
	q := offline.NewQueue(offline.NewMemory(), rec)
	enqueueN(t, q, 2)
	assert.Empty(t, rec.ids())
}
