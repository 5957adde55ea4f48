package sequence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/sequence"
	"github.com/warp/invoice-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type sequenceBackend interface {
	billing.SettingsStore
	billing.SequenceStore
}

func backends(t *testing.T, fn func(t *testing.T, s sequenceBackend)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemory()) })
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func provision(t *testing.T, s sequenceBackend, resetDaily bool) billing.StoreID {
	t.Helper()
	st, err := s.UpsertSettings(context.Background(), billing.Settings{
		UserID: "user-1", BusinessName: "Toko", Currency: billing.CurrencyIDR, ResetCounterDaily: resetDaily,
	})
	require.NoError(t, err)
	return st.StoreID
}

// =============================================================================
// UNIQUENESS
// =============================================================================

func TestAllocator_ConcurrentCallsNeverDuplicate(t *testing.T) {
	// GIVEN: One store and many concurrent invoice creations
	// THEN: The returned numbers have no duplicates
	backends(t, func(t *testing.T, s sequenceBackend) {
		storeID := provision(t, s, false)
		alloc := sequence.NewAllocator(s)
		date := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

		const callers = 50
		results := make(chan int64, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := alloc.NextNumber(context.Background(), storeID, date)
				if assert.NoError(t, err) {
					results <- n.InvoiceNumber
				}
			}()
		}
		wg.Wait()
		close(results)

		seen := make(map[int64]bool)
		for n := range results {
			assert.False(t, seen[n], "number %d issued twice", n)
			seen[n] = true
		}
		assert.Len(t, seen, callers)
	})
}

// =============================================================================
// DAILY RESET
// =============================================================================

func TestAllocator_MidnightRaceResetsExactlyOnce(t *testing.T) {
	// GIVEN: A daily-reset store that already issued invoices on March 10
	// WHEN: Two invoices for March 11 are requested at the same instant
	// THEN: Exactly one performs the reset, the other sees the reset value,
	// and both get distinct invoice numbers
	backends(t, func(t *testing.T, s sequenceBackend) {
		ctx := context.Background()
		storeID := provision(t, s, true)
		alloc := sequence.NewAllocator(s)

		for i := 0; i < 3; i++ {
			_, err := alloc.NextNumber(ctx, storeID, time.Date(2025, time.March, 10, 23, 59, 0, 0, time.UTC))
			require.NoError(t, err)
		}

		midnight := time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []billing.SequenceNumber
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := alloc.NextNumber(ctx, storeID, midnight)
				require.NoError(t, err)
				mu.Lock()
				results = append(results, n)
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, results, 2)
		counters := []int64{results[0].DailyCounter, results[1].DailyCounter}
		assert.ElementsMatch(t, []int64{1, 2}, counters)
		assert.NotEqual(t, results[0].InvoiceNumber, results[1].InvoiceNumber)
		assert.ElementsMatch(t, []int64{4, 5}, []int64{results[0].InvoiceNumber, results[1].InvoiceNumber})
	})
}

func TestAllocator_LateCallForPreviousDayDoesNotReset(t *testing.T) {
	// GIVEN: The counter already reset for March 11
	// WHEN: A straggler for March 10 arrives
	// THEN: It continues the counter instead of resetting again
	backends(t, func(t *testing.T, s sequenceBackend) {
		ctx := context.Background()
		storeID := provision(t, s, true)
		alloc := sequence.NewAllocator(s)

		_, err := alloc.NextNumber(ctx, storeID, time.Date(2025, time.March, 11, 0, 0, 0, 1, time.UTC))
		require.NoError(t, err)

		n, err := alloc.NextNumber(ctx, storeID, time.Date(2025, time.March, 10, 23, 59, 59, 999, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n.DailyCounter)

		seq, err := s.GetSequence(ctx, storeID)
		require.NoError(t, err)
		assert.Equal(t, "2025-03-11", seq.LastResetDate)
	})
}

func TestAllocator_LocationDecidesTheDay(t *testing.T) {
	// 23:30 UTC on March 10 is already March 11 in Jakarta (UTC+7).
	s := store.NewMemory()
	storeID := provision(t, s, true)
	jakarta := time.FixedZone("WIB", 7*60*60)
	alloc := sequence.NewAllocator(s, sequence.WithLocation(jakarta))

	n, err := alloc.NextNumber(context.Background(), storeID, time.Date(2025, time.March, 10, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", n.Day)
}

// =============================================================================
// ERRORS + FORMATTING
// =============================================================================

func TestAllocator_FailureIsSequenceError(t *testing.T) {
	alloc := sequence.NewAllocator(store.NewMemory())

	_, err := alloc.NextNumber(context.Background(), "unknown-store", time.Now())

	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrSequenceAllocation)
	assert.ErrorIs(t, err, billing.ErrNotFound)
	var seqErr *billing.SequenceError
	require.True(t, errors.As(err, &seqErr))
	assert.Equal(t, billing.StoreID("unknown-store"), seqErr.StoreID)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "INV-000042", sequence.Format("", 42))
	assert.Equal(t, "TK-000001", sequence.Format("TK", 1))
	assert.Equal(t, "INV-1234567", sequence.Format("INV", 1234567))
}
