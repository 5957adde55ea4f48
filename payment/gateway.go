package payment

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
	"github.com/warp/invoice-engine/retry"
)

var (
	// ErrRateLimited means the gateway throttled us. Clients may retry later.
	ErrRateLimited = errors.New("payment gateway rate limited")

	// ErrGatewayUnavailable covers network failures and 5xx responses.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// GatewayError is a non-2xx gateway response.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrGatewayUnavailable
	}
	return nil
}

type CreateInvoiceRequest struct {
	ReferenceID string         `json:"referenceId"`
	Amount      billing.Amount `json:"-"`
	Description string         `json:"description"`
	CustomerID  string         `json:"customerId"`
}

type GatewayInvoice struct {
	ID         string    `json:"id"`
	PaymentURL string    `json:"paymentUrl"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

type GatewayStatus struct {
	InvoiceID     string `json:"id"`
	TransactionID string `json:"transactionId,omitempty"`
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

func (s GatewayStatus) Kind() StatusKind { return ClassifyStatus(s.Status) }

// Gateway is the external payment processor.
type Gateway interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (GatewayInvoice, error)
	CheckStatus(ctx context.Context, gatewayInvoiceID string) (GatewayStatus, error)
}

// HTTPGateway talks to the gateway's JSON API. Network errors and 5xx
// responses are retried with backoff; 4xx responses are not.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   retry.Config
	log     zerolog.Logger
}

type GatewayOption func(*HTTPGateway)

func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.client = c
		}
	}
}

func WithGatewayRetry(cfg retry.Config) GatewayOption {
	return func(g *HTTPGateway) { g.retry = cfg }
}

func WithGatewayLogger(log zerolog.Logger) GatewayOption {
	return func(g *HTTPGateway) { g.log = log.With().Str("component", "gateway").Logger() }
}

func NewHTTPGateway(baseURL, apiKey string, opts ...GatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		retry:   retry.Default(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type createInvoiceBody struct {
	CreateInvoiceRequest
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (g *HTTPGateway) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (GatewayInvoice, error) {
	body := createInvoiceBody{
		CreateInvoiceRequest: req,
		Amount:               req.Amount.Value.StringFixed(2),
		Currency:             string(req.Amount.Currency),
	}
	var inv GatewayInvoice
	if err := g.do(ctx, http.MethodPost, "/invoices", body, &inv); err != nil {
		return GatewayInvoice{}, err
	}
	if inv.ID == "" {
		return GatewayInvoice{}, fmt.Errorf("gateway returned invoice without id")
	}
	return inv, nil
}

func (g *HTTPGateway) CheckStatus(ctx context.Context, gatewayInvoiceID string) (GatewayStatus, error) {
	var st GatewayStatus
	err := g.do(ctx, http.MethodGet, "/invoices/"+url.PathEscape(gatewayInvoiceID), nil, &st)
	if err != nil {
		return GatewayStatus{}, err
	}
	if st.InvoiceID == "" {
		st.InvoiceID = gatewayInvoiceID
	}
	return st, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode gateway request: %w", err)
		}
	}

	_, err := retry.Do(ctx, g.retry, isGatewayRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.once(ctx, method, path, payload, out)
	})
	return err
}

func (g *HTTPGateway) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		g.log.Warn().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("gateway request failed")
		return gerr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func isGatewayRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
