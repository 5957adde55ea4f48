package payment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/payment"
)

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name string
		body string
		want payment.Event
	}{
		{
			name: "success",
			body: `{"event":"payment.success","data":{"transactionId":"pay-1","productId":"gw-1","status":"SUCCESS","paymentMethod":"QRIS"}}`,
			want: payment.PaymentSucceeded{PaymentRef: payment.PaymentRef{
				Event: "payment.success", TransactionID: "pay-1", ProductID: "gw-1", Status: "SUCCESS", PaymentMethod: "QRIS",
			}},
		},
		{
			name: "failure lowercase",
			body: `{"event":"payment.failed","data":{"productId":"gw-1","status":"expired"}}`,
			want: payment.PaymentFailed{PaymentRef: payment.PaymentRef{
				Event: "payment.failed", ProductID: "gw-1", Status: "expired",
			}},
		},
		{
			name: "pending",
			body: `{"event":"payment.pending","data":{"transactionId":"pay-1","status":"PROCESSING"}}`,
			want: payment.PaymentPending{PaymentRef: payment.PaymentRef{
				Event: "payment.pending", TransactionID: "pay-1", Status: "PROCESSING",
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := payment.ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestParseWebhook_Unrecognized(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"no ids", `{"event":"payment.success","data":{"status":"SUCCESS"}}`, "no payment identifier"},
		{"unknown status", `{"event":"payment.refund","data":{"productId":"gw-1","status":"REFUNDED"}}`, `unknown status "REFUNDED"`},
		{"no data", `{"event":"ping"}`, "no payment identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := payment.ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			u, ok := ev.(payment.Unrecognized)
			require.True(t, ok, "got %T", ev)
			assert.Equal(t, tt.reason, u.Reason)
			assert.JSONEq(t, tt.body, string(u.Raw))
		})
	}
}

func TestParseWebhook_Malformed(t *testing.T) {
	_, err := payment.ParseWebhook([]byte(`{"event":`))
	assert.ErrorIs(t, err, payment.ErrMalformedWebhook)
}

func TestPaymentRef_Key(t *testing.T) {
	assert.Equal(t, payment.Key{PaymentID: "gw-1", AlternateID: "pay-1"},
		payment.PaymentRef{ProductID: "gw-1", TransactionID: "pay-1"}.Key())
	assert.Equal(t, payment.Key{PaymentID: "pay-1"},
		payment.PaymentRef{TransactionID: "pay-1"}.Key())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"payment.success"}`)
	now := time.Unix(1741600000, 0)
	valid := payment.Sign(body, "whsec", now)

	tests := []struct {
		name    string
		header  string
		body    []byte
		secret  string
		wantErr bool
	}{
		{"valid", valid, body, "whsec", false},
		{"disabled without secret", "", body, "", false},
		{"missing header", "", body, "whsec", true},
		{"wrong secret", valid, body, "other", true},
		{"tampered body", valid, []byte(`{"event":"payment.failed"}`), "whsec", true},
		{"stale timestamp", payment.Sign(body, "whsec", now.Add(-time.Hour)), body, "whsec", true},
		{"garbage", "v1=abc", body, "whsec", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := payment.VerifySignature(tt.header, tt.body, tt.secret, now, 0)
			if tt.wantErr {
				assert.ErrorIs(t, err, payment.ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
