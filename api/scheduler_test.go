package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/payment"
)

func TestRedriveScheduler_StartRunsImmediately(t *testing.T) {
	// GIVEN: A due dead letter whose transaction now exists
	// WHEN: The scheduler starts
	// THEN: The first pass resolves it without waiting for a tick
	ctx := context.Background()
	mem := store.NewMemory()
	svc := payment.NewService(mem, &fakeGateway{statuses: map[string]payment.GatewayStatus{}}, nil, nil)

	_, err := mem.RecordDeadLetter(ctx, billing.DeadLetter{
		PaymentID: "gw-9", Outcome: billing.OutcomeSuccess, Source: "webhook",
		NextAttemptAt: time.Now().Add(-time.Second), CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mem.CreateTransaction(ctx, billing.Transaction{
		ID: "tx-9", GatewayInvoiceID: "gw-9", UserID: "user-1", Tier: billing.TierPro,
		Amount: billing.NewAmountFromInt(10, billing.CurrencyUSD), Status: billing.TxPending, CreatedAt: time.Now(),
	}))

	rs := NewRedriveScheduler(svc, nil, zerolog.Nop())
	rs.CheckInterval = time.Hour
	rs.Start()
	defer rs.Stop()

	require.Eventually(t, func() bool {
		open, err := mem.ListDeadLetters(ctx, billing.DeadLetterOpen)
		return err == nil && len(open) == 0
	}, 2*time.Second, 10*time.Millisecond)
	sub, err := mem.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierPro, sub.Tier)
}

func TestRedriveScheduler_DisabledDoesNotStart(t *testing.T) {
	rs := NewRedriveScheduler(nil, nil, zerolog.Nop())
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	assert.Nil(t, rs.ticker)
}
