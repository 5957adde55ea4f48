// Package retry implements exponential backoff shared by the sync queue, the
// payment gateway client and the API client.
package retry

import (
	"context"
	"time"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts"` // attempts per call (default: 3)
	InitialWait time.Duration `yaml:"initial_wait"` // wait before first retry (default: 500ms)
	MaxWait     time.Duration `yaml:"max_wait"`     // cap between retries (default: 30s)
	Multiplier  float64       `yaml:"multiplier"`   // backoff multiplier (default: 2.0)
}

// Default returns the defaults used when nothing is configured.
func Default() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialWait <= 0 {
		c.InitialWait = d.InitialWait
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Backoff returns the wait after the given number of failed attempts
// (attempt starts at 1), capped at MaxWait.
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	wait := c.InitialWait
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * c.Multiplier)
		if wait >= c.MaxWait {
			return c.MaxWait
		}
	}
	if wait > c.MaxWait {
		return c.MaxWait
	}
	return wait
}

// Do executes fn until it succeeds, returns an error retryable rejects, or
// MaxAttempts is reached. The last error is returned unchanged.
func Do[T any](ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
