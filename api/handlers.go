/*
handlers.go - HTTP API handlers for the invoice engine

PURPOSE:
  Exposes the invoicing and payment services over REST. Handles HTTP
  request/response and JSON serialization, and delegates to the services.
  No business rule lives here.

ENDPOINTS:
  Documents (user token):
    GET    /api/settings                      Caller's settings
    PUT    /api/settings                      Idempotent upsert
    GET    /api/invoices                      List invoices
    GET    /api/invoices/{id}                 Get invoice
    PUT    /api/invoices/{id}                 Idempotent upsert (numbers new invoices)
    GET    /api/sequence                      Caller's counter row
    POST   /api/stores/{id}/sequence/next     Allocate a number

  Payments:
    POST   /api/payments/invoices             Start a payment (user)
    POST   /api/payments/verify               Client poll (user, rate limited)
    POST   /api/payments/webhook              Gateway push (signature)
    GET    /api/subscription                  Caller's tier (user)

  Public:
    GET    /api/pricing                       Current pricing document

  Admin (admin token):
    PUT    /api/admin/pricing                 Validate + store + invalidate
    PUT    /api/admin/templates/{id}          Store + invalidate
    GET    /api/admin/dead-letters            List dead letters
    POST   /api/admin/dead-letters/redrive    Redrive due letters now

ERROR HANDLING:
  writeServiceError is the single mapping from domain errors to status:
  - 202: Verification in progress / payment pending ("please wait")
  - 400: Validation errors
  - 401: Missing token, bad webhook signature
  - 402: Payment failed
  - 403: Another user's data
  - 404: Not found
  - 409: Store not provisioned, duplicate
  - 429: Rate limited (ours or the gateway's)
  - 5xx: Gateway, sequence or store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/cache"
	"github.com/warp/invoice-engine/factory"
	"github.com/warp/invoice-engine/invoicing"
	"github.com/warp/invoice-engine/payment"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services the handlers delegate to. Cache, Limiter and
// Pricing get defaults when nil.
type Deps struct {
	Invoicing          *invoicing.Service
	Payments           *payment.Service
	Admin              billing.AdminStore
	Pricing            *factory.PricingFactory
	Cache              cache.Invalidator
	Limiter            *UserLimiter
	WebhookSecret      string
	SignatureTolerance time.Duration
	Logger             zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Invoicing *invoicing.Service
	Payments  *payment.Service
	Admin     billing.AdminStore
	Pricing   *factory.PricingFactory
	Cache     cache.Invalidator
	Limiter   *UserLimiter

	webhookSecret string
	tolerance     time.Duration
	log           zerolog.Logger
	now           func() time.Time
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		Invoicing:     d.Invoicing,
		Payments:      d.Payments,
		Admin:         d.Admin,
		Pricing:       d.Pricing,
		Cache:         d.Cache,
		Limiter:       d.Limiter,
		webhookSecret: d.WebhookSecret,
		tolerance:     d.SignatureTolerance,
		log:           d.Logger.With().Str("component", "api").Logger(),
		now:           time.Now,
	}
	if h.Pricing == nil {
		h.Pricing = factory.MustNewPricingFactory()
	}
	if h.Cache == nil {
		h.Cache = cache.Nop{}
	}
	if h.Limiter == nil {
		h.Limiter = NewUserLimiter(1, 5)
	}
	return h
}

// =============================================================================
// SETTINGS + INVOICES
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Invoicing.GetSettings(r.Context(), UserFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if s == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "settings not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var in billing.Settings
	if !decodeJSON(w, r, &in) {
		return
	}
	stored, err := h.Invoicing.SaveSettings(r.Context(), UserFrom(r.Context()), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Invoicing.ListInvoices(r.Context(), UserFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoicing.GetInvoice(r.Context(), UserFrom(r.Context()), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) PutInvoice(w http.ResponseWriter, r *http.Request) {
	var in billing.Invoice
	if !decodeJSON(w, r, &in) {
		return
	}
	id := billing.InvoiceID(chi.URLParam(r, "id"))
	if in.ID != "" && in.ID != id {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invoice id does not match path")
		return
	}
	in.ID = id

	stored, err := h.Invoicing.SaveInvoice(r.Context(), UserFrom(r.Context()), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// =============================================================================
// SEQUENCE
// =============================================================================

func (h *Handler) GetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.Invoicing.GetSequence(r.Context(), UserFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (h *Handler) NextNumber(w http.ResponseWriter, r *http.Request) {
	var in NextNumberRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &in) {
		return
	}
	n, display, err := h.Invoicing.NextNumber(r.Context(), UserFrom(r.Context()),
		billing.StoreID(chi.URLParam(r, "id")), in.InvoiceDate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NextNumberResponse{
		InvoiceNumber: n.InvoiceNumber,
		DailyCounter:  n.DailyCounter,
		Display:       display,
		Day:           n.Day,
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (h *Handler) CreatePaymentInvoice(w http.ResponseWriter, r *http.Request) {
	var in CreatePaymentRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	inv, err := h.Payments.CreatePaymentInvoice(r.Context(), UserFrom(r.Context()), in.Tier)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// VerifyPayment is the client-triggered check. While another caller holds
// the payment the answer is 202 and the client polls again.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if !h.Limiter.Allow(user) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many verify requests")
		return
	}
	var in VerifyRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.Payments.Verify(r.Context(), user, in.PaymentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Subscription:   res.Subscription,
		Transaction:    res.Transaction,
		AlreadyApplied: res.AlreadyApplied,
	})
}

// Webhook acknowledges every well-formed, correctly signed delivery. A
// reconciliation failure is dead-lettered by the service and redriven by the
// scheduler, so the gateway is not asked to retry.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeMalformed, "could not read body")
		return
	}
	if err := payment.VerifySignature(r.Header.Get(payment.SignatureHeader), body, h.webhookSecret, h.now(), h.tolerance); err != nil {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, codeSignature, err.Error())
		return
	}
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeMalformed, err.Error())
		return
	}

	res, err := h.Payments.HandleWebhook(r.Context(), ev)
	if err != nil {
		h.log.Error().Str("event", ev.EventName()).Err(err).Msg("webhook reconciliation failed; dead-lettered")
	}
	writeRaw(w, http.StatusOK, WebhookAck{Success: true, Received: true, Duplicate: res.Duplicate, Ignored: res.Ignored})
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Payments.Subscription(r.Context(), UserFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// =============================================================================
// PRICING + ADMIN
// =============================================================================

func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Admin.GetPricing(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, codePricing, "pricing not configured")
		return
	}
	writeJSON(w, http.StatusOK, factory.ToJSON(*cfg))
}

func (h *Handler) PutPricing(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeMalformed, "could not read body")
		return
	}
	cfg, err := h.Pricing.ParsePricing(body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if cfg.Version == 0 {
		current, err := h.Admin.GetPricing(r.Context())
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		cfg.Version = 1
		if current != nil {
			cfg.Version = current.Version + 1
		}
	}
	if err := h.Admin.SavePricing(r.Context(), cfg); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdminWriteResponse{
		Version:     cfg.Version,
		Invalidated: h.invalidate(r, cache.TagPricing),
	})
}

func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeMalformed, "could not read body")
		return
	}
	tpl, err := h.Pricing.ParseTemplate(chi.URLParam(r, "id"), body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.Admin.SaveTemplate(r.Context(), tpl); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdminWriteResponse{Invalidated: h.invalidate(r, cache.TagTemplates)})
}

// invalidate runs after the write committed. A failed invalidation is
// reported but does not undo the write.
func (h *Handler) invalidate(r *http.Request, tags ...string) bool {
	if err := h.Cache.Invalidate(r.Context(), tags...); err != nil {
		h.log.Warn().Strs("tags", tags).Err(err).Msg("cache invalidation failed after admin write")
		return false
	}
	return true
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := billing.DeadLetterStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = billing.DeadLetterOpen
	case "all":
		status = ""
	case billing.DeadLetterOpen, billing.DeadLetterResolved:
	default:
		writeError(w, http.StatusBadRequest, codeInvalidInput, fmt.Sprintf("unknown status %q", status))
		return
	}
	dls, err := h.Payments.ListDeadLetters(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]DeadLetterDTO, len(dls))
	for i, dl := range dls {
		dtos[i] = toDeadLetterDTO(dl)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RedriveDeadLetters(w http.ResponseWriter, r *http.Request) {
	report, err := h.Payments.RedriveDue(r.Context(), 50)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeRaw(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeRaw(w, status, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeRaw(w, status, Response{Success: false, Error: message, Code: code})
}

// writeServiceError maps a domain error to its HTTP status and code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := http.StatusInternalServerError, codeInternal, "internal error"
	switch {
	case errors.Is(err, payment.ErrVerificationInProgress):
		status, code, msg = http.StatusAccepted, codeInProgress, "verification in progress, try again shortly"
	case errors.Is(err, payment.ErrPaymentPending):
		status, code, msg = http.StatusAccepted, codePending, "payment not settled yet, try again shortly"
	case errors.Is(err, payment.ErrPaymentFailed):
		status, code, msg = http.StatusPaymentRequired, codePaymentFailed, "payment failed"
	case errors.Is(err, payment.ErrRateLimited):
		status, code, msg = http.StatusTooManyRequests, codeRateLimited, "payment gateway is rate limiting, retry later"
	case errors.Is(err, billing.ErrForbidden):
		status, code, msg = http.StatusForbidden, codeForbidden, "forbidden"
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, payment.ErrTransactionNotFound):
		status, code, msg = http.StatusNotFound, codeNotFound, "not found"
	case errors.Is(err, billing.ErrStoreNotProvisioned):
		status, code, msg = http.StatusConflict, codeStoreNotProvisioned, "save settings before creating invoices"
	case errors.Is(err, billing.ErrDuplicateTransaction):
		status, code, msg = http.StatusConflict, codeDuplicate, err.Error()
	case errors.Is(err, billing.ErrInvalidInput):
		status, code, msg = http.StatusBadRequest, codeInvalidInput, err.Error()
	case errors.Is(err, billing.ErrSequenceAllocation):
		status, code, msg = http.StatusServiceUnavailable, codeSequence, "could not allocate an invoice number"
	case errors.Is(err, payment.ErrPricingNotConfigured):
		status, code, msg = http.StatusServiceUnavailable, codePricing, "pricing not configured"
	case errors.Is(err, payment.ErrReconcileTimeout):
		status, code, msg = http.StatusGatewayTimeout, codeTimeout, "payment reconciliation timed out, try again"
	case errors.Is(err, payment.ErrGatewayUnavailable):
		status, code, msg = http.StatusBadGateway, codeGateway, "payment gateway unavailable"
	}

	ev := h.log.Debug()
	if status >= 500 {
		ev = h.log.Error()
	}
	ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Err(err).Msg("request failed")
	writeError(w, status, code, msg)
}
