// Package cache issues tag-based invalidations for publicly cached pages
// after admin writes change the data behind them.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/retry"
)

// Tags invalidated by the admin endpoints.
const (
	TagPricing   = "pricing"
	TagTemplates = "templates"
)

var errUnavailable = errors.New("revalidate endpoint unavailable")

// Invalidator is called only after the remote write succeeded.
type Invalidator interface {
	Invalidate(ctx context.Context, tags ...string) error
}

// Nop is used when no revalidate URL is configured.
type Nop struct{}

func (Nop) Invalidate(context.Context, ...string) error { return nil }

// HTTPInvalidator posts {"tags": [...]} to a revalidate endpoint.
type HTTPInvalidator struct {
	url    string
	secret string
	client *http.Client
	retry  retry.Config
	log    zerolog.Logger
}

func NewHTTPInvalidator(url, secret string, log zerolog.Logger) *HTTPInvalidator {
	return &HTTPInvalidator{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
		retry:  retry.Config{MaxAttempts: 3, InitialWait: 200 * time.Millisecond, MaxWait: 2 * time.Second, Multiplier: 2},
		log:    log.With().Str("component", "cache").Logger(),
	}
}

// WithRetry replaces the retry policy. Returns the receiver for chaining.
func (h *HTTPInvalidator) WithRetry(cfg retry.Config) *HTTPInvalidator {
	h.retry = cfg
	return h
}

func (h *HTTPInvalidator) Invalidate(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	payload, err := json.Marshal(struct {
		Tags []string `json:"tags"`
	}{tags})
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, h.retry, func(err error) bool { return errors.Is(err, errUnavailable) },
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.post(ctx, payload)
		})
	if err != nil {
		h.log.Error().Strs("tags", tags).Err(err).Msg("cache invalidation failed")
		return fmt.Errorf("invalidate %s: %w", strings.Join(tags, ","), err)
	}
	h.log.Debug().Strs("tags", tags).Msg("cache invalidated")
	return nil
}

func (h *HTTPInvalidator) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.secret != "" {
		req.Header.Set("Authorization", "Bearer "+h.secret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("revalidate returned %d", resp.StatusCode)
	}
	return nil
}
