/*
scheduler.go - Automated dead-letter redrive scheduler

PURPOSE:
  Periodically re-runs reconciliations that failed and were dead-lettered
  by the payment service, so a webhook that hit a database outage is
  applied once the store recovers without the gateway resending it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass redrives at most BatchSize letters whose next attempt is due
  - A letter another caller is verifying right now is skipped, not failed
  - Idle per-user verify limiters are pruned on the same tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - BatchSize: Letters per pass (default: 50)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRedriveScheduler(payments, limiter, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RedriveDeadLetters endpoint (manual redrive)
  - payment/service.go: RedriveDue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/payment"
)

// RedriveScheduler handles automated dead-letter redrive.
type RedriveScheduler struct {
	Payments      *payment.Service
	Limiter       *UserLimiter
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRedriveScheduler creates a new scheduler. limiter may be nil.
func NewRedriveScheduler(payments *payment.Service, limiter *UserLimiter, log zerolog.Logger) *RedriveScheduler {
	return &RedriveScheduler{
		Payments:      payments,
		Limiter:       limiter,
		CheckInterval: time.Minute,
		BatchSize:     50,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (rs *RedriveScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	var ctx context.Context
	ctx, rs.cancel = context.WithCancel(context.Background())
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight pass.
func (rs *RedriveScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.cancel()
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info().Msg("stopped")
	}
}

func (rs *RedriveScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess(ctx)
		case <-rs.stop:
			return
		}
	}
}

func (rs *RedriveScheduler) checkAndProcess(ctx context.Context) payment.RedriveReport {
	report, err := rs.Payments.RedriveDue(ctx, rs.BatchSize)
	if err != nil {
		rs.log.Error().Err(err).Msg("redrive pass failed")
	}
	if report.Attempted > 0 {
		rs.log.Info().
			Int("resolved", report.Resolved).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Int("dropped", report.Dropped).
			Msg("redrive pass completed")
	}

	if rs.Limiter != nil {
		if n := rs.Limiter.Prune(); n > 0 {
			rs.log.Debug().Int("pruned", n).Msg("idle verify limiters dropped")
		}
	}
	return report
}

// RunNow triggers an immediate pass (for testing/admin).
func (rs *RedriveScheduler) RunNow(ctx context.Context) payment.RedriveReport {
	return rs.checkAndProcess(ctx)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *RedriveScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
