/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Settings and invoices
  travel as their billing types so the device and the server agree on one
  shape; everything else gets a DTO here.

ENVELOPE:
  Every response except the webhook acknowledgement is wrapped:
    {"success": true,  "data": {...}}
    {"success": false, "error": "message", "code": "machine_code"}

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response / *DTO: Response payloads

SEE ALSO:
  - handlers.go: Uses these types
  - apiclient/client.go: Decodes the same envelope
*/
package api

import (
	"time"

	"github.com/warp/invoice-engine/billing"
)

// Response is the envelope written by writeJSON and writeError.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Error codes returned in Response.Code.
const (
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeNotFound            = "not_found"
	codeInvalidInput        = "invalid_input"
	codeStoreNotProvisioned = "store_not_provisioned"
	codeSequence            = "sequence_allocation_failed"
	codeDuplicate           = "duplicate"
	codeInProgress          = "verification_in_progress"
	codePending             = "payment_pending"
	codePaymentFailed       = "payment_failed"
	codeRateLimited         = "rate_limited"
	codeGateway             = "gateway_unavailable"
	codeTimeout             = "reconcile_timeout"
	codePricing             = "pricing_not_configured"
	codeMalformed           = "malformed_payload"
	codeSignature           = "invalid_signature"
	codeInternal            = "internal"
)

// =============================================================================
// SEQUENCE
// =============================================================================

type NextNumberRequest struct {
	InvoiceDate time.Time `json:"invoice_date"`
}

type NextNumberResponse struct {
	InvoiceNumber int64  `json:"invoice_number"`
	DailyCounter  int64  `json:"daily_counter"`
	Display       string `json:"display"`
	Day           string `json:"day"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type CreatePaymentRequest struct {
	Tier billing.Tier `json:"tier"`
}

type VerifyRequest struct {
	PaymentID string `json:"paymentId"`
}

type VerifyResponse struct {
	Subscription   billing.Subscription `json:"subscription"`
	Transaction    billing.Transaction  `json:"transaction"`
	AlreadyApplied bool                 `json:"already_applied"`
}

// WebhookAck is written without the envelope; the gateway only needs a 2xx.
type WebhookAck struct {
	Success   bool `json:"success"`
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
	Ignored   bool `json:"ignored,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AdminWriteResponse struct {
	Version     int  `json:"version,omitempty"`
	Invalidated bool `json:"invalidated"`
}

type DeadLetterDTO struct {
	ID            string    `json:"id"`
	PaymentID     string    `json:"payment_id"`
	AlternateID   string    `json:"alternate_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Source        string    `json:"source"`
	LastError     string    `json:"last_error"`
	Attempts      int       `json:"attempts"`
	Status        string    `json:"status"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func toDeadLetterDTO(dl billing.DeadLetter) DeadLetterDTO {
	return DeadLetterDTO{
		ID:            dl.ID,
		PaymentID:     dl.PaymentID,
		AlternateID:   dl.AlternateID,
		Outcome:       string(dl.Outcome),
		Source:        dl.Source,
		LastError:     dl.LastError,
		Attempts:      dl.Attempts,
		Status:        string(dl.Status),
		NextAttemptAt: dl.NextAttemptAt,
		CreatedAt:     dl.CreatedAt,
	}
}
