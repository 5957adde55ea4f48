package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedWebhook is the only parse failure; anything that decodes as
// JSON becomes an Event.
var ErrMalformedWebhook = errors.New("malformed webhook payload")

// Event is one of PaymentSucceeded, PaymentFailed, PaymentPending or
// Unrecognized.
type Event interface {
	EventName() string
	isEvent()
}

// PaymentRef is the part every recognized payment event carries.
type PaymentRef struct {
	Event         string `json:"event"`
	TransactionID string `json:"transactionId"`
	ProductID     string `json:"productId"`
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

// Key prefers the product id the gateway returned at invoice creation and
// keeps the transaction id as the alternate.
func (p PaymentRef) Key() Key {
	if p.ProductID == "" {
		return Key{PaymentID: p.TransactionID}
	}
	return Key{PaymentID: p.ProductID, AlternateID: p.TransactionID}
}

func (p PaymentRef) EventName() string { return p.Event }

type PaymentSucceeded struct{ PaymentRef }
type PaymentFailed struct{ PaymentRef }
type PaymentPending struct{ PaymentRef }

// Unrecognized keeps the raw body of an event this engine does not model.
type Unrecognized struct {
	Event  string          `json:"event"`
	Status string          `json:"status,omitempty"`
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"raw"`
}

func (u Unrecognized) EventName() string { return u.Event }

func (PaymentSucceeded) isEvent() {}
func (PaymentFailed) isEvent()    {}
func (PaymentPending) isEvent()   {}
func (Unrecognized) isEvent()     {}

type webhookBody struct {
	Event string `json:"event"`
	Data  struct {
		TransactionID string `json:"transactionId"`
		ProductID     string `json:"productId"`
		Status        string `json:"status"`
		PaymentMethod string `json:"paymentMethod"`
	} `json:"data"`
}

// ParseWebhook decodes a gateway webhook body.
func ParseWebhook(body []byte) (Event, error) {
	var raw webhookBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	ref := PaymentRef{
		Event:         raw.Event,
		TransactionID: strings.TrimSpace(raw.Data.TransactionID),
		ProductID:     strings.TrimSpace(raw.Data.ProductID),
		Status:        raw.Data.Status,
		PaymentMethod: raw.Data.PaymentMethod,
	}
	unrecognized := func(reason string) Event {
		return Unrecognized{Event: raw.Event, Status: raw.Data.Status, Reason: reason, Raw: append(json.RawMessage(nil), body...)}
	}

	if ref.TransactionID == "" && ref.ProductID == "" {
		return unrecognized("no payment identifier"), nil
	}
	switch ClassifyStatus(ref.Status) {
	case StatusSucceeded:
		return PaymentSucceeded{ref}, nil
	case StatusFailed:
		return PaymentFailed{ref}, nil
	case StatusPending:
		return PaymentPending{ref}, nil
	default:
		return unrecognized(fmt.Sprintf("unknown status %q", ref.Status)), nil
	}
}

// StatusKind is the engine's view of the gateway status vocabulary.
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusSucceeded
	StatusFailed
	StatusPending
)

func (k StatusKind) String() string {
	switch k {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusPending:
		return "pending"
	}
	return "unknown"
}

// ClassifyStatus maps a gateway status string. Matching is case-insensitive.
func ClassifyStatus(status string) StatusKind {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "SUCCEEDED", "PAID", "SETTLED", "COMPLETED":
		return StatusSucceeded
	case "FAILED", "FAILURE", "EXPIRED", "CANCELLED", "CANCELED", "DENIED":
		return StatusFailed
	case "PENDING", "PROCESSING", "UNPAID":
		return StatusPending
	}
	return StatusUnknown
}
