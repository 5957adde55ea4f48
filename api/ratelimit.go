package api

import (
	"sync"
	"time"

	"github.com/warp/invoice-engine/billing"
	"golang.org/x/time/rate"
)

// UserLimiter keeps one token bucket per user for the verify endpoint.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[billing.UserID]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserLimiter allows perSecond requests per user with the given burst.
func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	return &UserLimiter{
		limiters: make(map[billing.UserID]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (l *UserLimiter) Allow(user billing.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[user]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[user] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune drops buckets unused for the idle period and returns how many.
func (l *UserLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	n := 0
	for user, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, user)
			n++
		}
	}
	return n
}

func (l *UserLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
