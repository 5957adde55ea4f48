/*
Package apiclient is the device-side HTTP client for the invoice API.

PURPOSE:
  Implements syncer.Remote over HTTP so the orchestrator on a device talks
  to the same service the server runs in-process. Also exposes the payment
  calls the CLI needs.

ERROR MAPPING:
  Non-2xx responses become *StatusError, which unwraps to the domain
  sentinel the status and error code stand for:
    401                          offline.ErrUnauthorized
    403                          billing.ErrForbidden
    404                          billing.ErrNotFound
    400 / 422                    billing.ErrInvalidInput
    409 store_not_provisioned    billing.ErrStoreNotProvisioned
    429                          payment.ErrRateLimited
    202 verification_in_progress payment.ErrVerificationInProgress
    202 payment_pending          payment.ErrPaymentPending
    402 payment_failed           payment.ErrPaymentFailed

  Network errors and 5xx responses are retried a few times; the sync queue
  owns long-term backoff.
*/
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/offline"
	"github.com/warp/invoice-engine/payment"
	"github.com/warp/invoice-engine/retry"
)

var errTransient = errors.New("api unavailable")

// StatusError is a response the server answered with success=false.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case "store_not_provisioned":
		return billing.ErrStoreNotProvisioned
	case "verification_in_progress":
		return payment.ErrVerificationInProgress
	case "payment_pending":
		return payment.ErrPaymentPending
	case "payment_failed":
		return payment.ErrPaymentFailed
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return offline.ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return billing.ErrForbidden
	case e.StatusCode == http.StatusNotFound:
		return billing.ErrNotFound
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity:
		return billing.ErrInvalidInput
	case e.StatusCode == http.StatusTooManyRequests:
		return payment.ErrRateLimited
	case e.StatusCode >= 500:
		return errTransient
	}
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Client authenticates every request with a static bearer token. The token
// decides the acting user; the userID arguments of the Remote methods are
// only checked locally.
type Client struct {
	baseURL string
	token   string
	userID  billing.UserID
	http    *http.Client
	retry   retry.Config
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }
func WithRetry(cfg retry.Config) Option   { return func(cl *Client) { cl.retry = cfg } }
func WithLogger(log zerolog.Logger) Option {
	return func(cl *Client) { cl.log = log.With().Str("component", "apiclient").Logger() }
}

func New(baseURL, token string, userID billing.UserID, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: 20 * time.Second},
		retry:   retry.Config{MaxAttempts: 2, InitialWait: 250 * time.Millisecond, MaxWait: 2 * time.Second, Multiplier: 2},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) UserID() billing.UserID { return c.userID }

// =============================================================================
// SYNC REMOTE
// =============================================================================

func (c *Client) SaveSettings(ctx context.Context, userID billing.UserID, s billing.Settings) (billing.Settings, error) {
	if err := c.own(userID); err != nil {
		return billing.Settings{}, err
	}
	var out billing.Settings
	err := c.do(ctx, http.MethodPut, "/api/settings", s, &out)
	return out, err
}

// GetSettings returns nil, nil when the server has no settings for the user.
func (c *Client) GetSettings(ctx context.Context, userID billing.UserID) (*billing.Settings, error) {
	if err := c.own(userID); err != nil {
		return nil, err
	}
	var out billing.Settings
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SaveInvoice(ctx context.Context, userID billing.UserID, inv billing.Invoice) (billing.Invoice, error) {
	if err := c.own(userID); err != nil {
		return billing.Invoice{}, err
	}
	if inv.ID == "" {
		return billing.Invoice{}, &billing.ValidationError{Field: "id", Message: "required"}
	}
	var out billing.Invoice
	err := c.do(ctx, http.MethodPut, "/api/invoices/"+url.PathEscape(string(inv.ID)), inv, &out)
	return out, err
}

func (c *Client) ListInvoices(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	if err := c.own(userID); err != nil {
		return nil, err
	}
	var out []billing.Invoice
	err := c.do(ctx, http.MethodGet, "/api/invoices", nil, &out)
	return out, err
}

// =============================================================================
// SEQUENCE + PAYMENTS
// =============================================================================

type NextNumberResponse struct {
	InvoiceNumber int64  `json:"invoice_number"`
	DailyCounter  int64  `json:"daily_counter"`
	Display       string `json:"display"`
}

func (c *Client) NextNumber(ctx context.Context, storeID billing.StoreID, invoiceDate time.Time) (NextNumberResponse, error) {
	body := struct {
		InvoiceDate time.Time `json:"invoice_date"`
	}{invoiceDate}
	var out NextNumberResponse
	err := c.do(ctx, http.MethodPost, "/api/stores/"+url.PathEscape(string(storeID))+"/sequence/next", body, &out)
	return out, err
}

func (c *Client) CreatePaymentInvoice(ctx context.Context, tier billing.Tier) (payment.PaymentInvoice, error) {
	body := struct {
		Tier billing.Tier `json:"tier"`
	}{tier}
	var out payment.PaymentInvoice
	err := c.do(ctx, http.MethodPost, "/api/payments/invoices", body, &out)
	return out, err
}

type VerifyResponse struct {
	Subscription   billing.Subscription `json:"subscription"`
	Transaction    billing.Transaction  `json:"transaction"`
	AlreadyApplied bool                 `json:"already_applied"`
}

// Verify asks the server to check paymentID. "Please wait" answers come back
// as errors matching payment.ErrVerificationInProgress or ErrPaymentPending.
func (c *Client) Verify(ctx context.Context, paymentID string) (VerifyResponse, error) {
	body := struct {
		PaymentID string `json:"paymentId"`
	}{paymentID}
	var out VerifyResponse
	err := c.do(ctx, http.MethodPost, "/api/payments/verify", body, &out)
	return out, err
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) own(userID billing.UserID) error {
	if c.userID != "" && userID != "" && userID != c.userID {
		return fmt.Errorf("client for %s cannot act for %s: %w",
			billing.MaskID(string(c.userID)), billing.MaskID(string(userID)), billing.ErrForbidden)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	_, err := retry.Do(ctx, c.retry, func(err error) bool { return errors.Is(err, errTransient) },
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.once(ctx, method, path, payload, out)
		})
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errTransient, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Str("code", env.Code).Msg("api request failed")
		return &StatusError{StatusCode: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
