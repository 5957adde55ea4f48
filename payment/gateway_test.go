package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/payment"
	"github.com/warp/invoice-engine/retry"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) (*payment.HTTPGateway, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	gw := payment.NewHTTPGateway(srv.URL+"/", "sk_test",
		payment.WithGatewayRetry(retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}))
	return gw, &calls
}

func TestHTTPGateway_CreateInvoice(t *testing.T) {
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoices", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "99000.00", body["amount"])
		assert.Equal(t, "IDR", body["currency"])
		assert.Equal(t, "tx-1", body["referenceId"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"gw-1","paymentUrl":"https://pay.example/gw-1"}`))
	})

	inv, err := gw.CreateInvoice(context.Background(), payment.CreateInvoiceRequest{
		ReferenceID: "tx-1",
		Amount:      billing.NewAmountFromInt(99000, billing.CurrencyIDR),
		Description: "pro subscription",
		CustomerID:  "user-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "gw-1", inv.ID)
	assert.Equal(t, "https://pay.example/gw-1", inv.PaymentURL)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGateway_CheckStatus(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoices/gw-1", r.URL.Path)
		w.Write([]byte(`{"transactionId":"pay-1","status":"SETTLED","paymentMethod":"VA"}`))
	})

	st, err := gw.CheckStatus(context.Background(), "gw-1")

	require.NoError(t, err)
	assert.Equal(t, "gw-1", st.InvoiceID, "missing id falls back to the requested one")
	assert.Equal(t, "pay-1", st.TransactionID)
	assert.Equal(t, payment.StatusSucceeded, st.Kind())
}

func TestHTTPGateway_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"gw-1","status":"PENDING"}`))
	})

	st, err := gw.CheckStatus(context.Background(), "gw-1")

	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, st.Kind())
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPGateway_ClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		is     error
	}{
		{"rate limited", http.StatusTooManyRequests, payment.ErrRateLimited},
		{"bad request", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := gw.CheckStatus(context.Background(), "gw-1")

			var gerr *payment.GatewayError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tt.status, gerr.StatusCode)
			assert.Equal(t, "nope", gerr.Body)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.NotErrorIs(t, err, payment.ErrGatewayUnavailable)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestHTTPGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := gw.CheckStatus(context.Background(), "gw-1")

	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}
