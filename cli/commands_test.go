package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/api"
	"github.com/warp/invoice-engine/apiclient"
	"github.com/warp/invoice-engine/billing"
	"github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/invoicing"
	"github.com/warp/invoice-engine/offline"
	"github.com/warp/invoice-engine/payment"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type cliEnv struct {
	t      *testing.T
	server *httptest.Server
	mem    *store.Memory
	db     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	mem := store.NewMemory()
	h := api.NewHandler(api.Deps{
		Invoicing: invoicing.NewService(mem, nil, zerolog.Nop()),
		Payments:  payment.NewService(mem, nil, nil, nil),
		Admin:     mem,
		Logger:    zerolog.Nop(),
	})
	auth := api.NewStaticAuth(map[string]string{"tok-1": "user-1"}, nil)
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{Auth: auth, Quiet: true}))
	t.Cleanup(srv.Close)
	return &cliEnv{t: t, server: srv, mem: mem, db: filepath.Join(t.TempDir(), "device.db")}
}

// run executes invoicectl with the env's global flags and returns stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--api", e.server.URL, "--token", "tok-1", "--user", "user-1", "--db", e.db}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "invoicectl %v", args)
	return out
}

// =============================================================================
// WORKSPACE COMMANDS
// =============================================================================

func TestCLI_OfflineEditsThenSync(t *testing.T) {
	// GIVEN: Settings and two invoices written with no sync yet
	// WHEN: sync runs
	// THEN: The server numbers the invoices in creation order and the
	// workspace shows them synced
	e := newCLIEnv(t)
	e.mustRun("settings", "set", "--business", "Warung Maju", "--currency", "IDR", "--prefix", "WM")
	e.mustRun("invoice", "add", "--id", "inv-a", "--customer", "Ani", "--item", "Kopi susu:2:18000")
	e.mustRun("invoice", "add", "--id", "inv-b", "--customer", "Budi", "--item", "Roti:1:12000")

	status := e.mustRun("status", "--format", "json")
	var view statusView
	require.NoError(t, json.Unmarshal([]byte(status), &view))
	assert.Equal(t, 3, view.Pending)
	assert.Equal(t, 2, view.Unsynced)
	remote, err := e.mem.ListInvoices(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, remote, "nothing reaches the server before sync")

	e.mustRun("sync")

	listed := e.mustRun("invoice", "list", "--format", "json")
	var invoices []offline.LocalInvoice
	require.NoError(t, json.Unmarshal([]byte(listed), &invoices))
	require.Len(t, invoices, 2)
	byID := map[billing.InvoiceID]offline.LocalInvoice{}
	for _, inv := range invoices {
		byID[inv.ID] = inv
	}
	assert.True(t, byID["inv-a"].Synced)
	assert.Equal(t, "WM-000001", byID["inv-a"].Display)
	assert.Equal(t, "WM-000002", byID["inv-b"].Display)
	assert.True(t, decimal.NewFromInt(36000).Equal(byID["inv-a"].Total.Value))
}

func TestCLI_EditKeepsNumber(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("settings", "set", "--business", "Warung Maju", "--currency", "IDR")
	e.mustRun("invoice", "add", "--id", "inv-a", "--customer", "Ani")
	e.mustRun("sync")

	e.mustRun("invoice", "add", "--id", "inv-a", "--status", "sent")
	e.mustRun("sync")

	inv, err := e.mem.GetInvoice(context.Background(), "inv-a")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, int64(1), inv.Number)
	assert.Equal(t, billing.InvoiceSent, inv.Status)
	assert.Equal(t, "Ani", inv.CustomerName, "unchanged fields are kept")
}

func TestCLI_InvoiceNeedsSettings(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run("invoice", "add", "--customer", "Ani")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings set")
}

func TestCLI_RequiresUser(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--user", "", "--db", ":memory:"})

	assert.ErrorIs(t, cmd.Execute(), errNoUser)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestParseItem(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		desc    string
		qty     string
		price   string
		wantErr bool
	}{
		{name: "simple", raw: "Kopi:2:18000", desc: "Kopi", qty: "2", price: "18000"},
		{name: "colon in description", raw: "Jam 10:00 slot:1:50.5", desc: "Jam 10:00 slot", qty: "1", price: "50.5"},
		{name: "fractional quantity", raw: "Beras:1.5:14000", desc: "Beras", qty: "1.5", price: "14000"},
		{name: "missing price", raw: "Kopi:2", wantErr: true},
		{name: "empty description", raw: ":2:100", wantErr: true},
		{name: "zero quantity", raw: "Kopi:0:100", wantErr: true},
		{name: "negative price", raw: "Kopi:1:-5", wantErr: true},
		{name: "garbage price", raw: "Kopi:1:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := parseItem(tt.raw, billing.CurrencyIDR)
			if tt.wantErr {
				assert.ErrorIs(t, err, billing.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.desc, item.Description)
			assert.True(t, decimal.RequireFromString(tt.qty).Equal(item.Quantity))
			assert.True(t, decimal.RequireFromString(tt.price).Equal(item.UnitPrice.Value))
			assert.Equal(t, billing.CurrencyIDR, item.UnitPrice.Currency)
		})
	}
}

type scriptedVerifier struct {
	errs  []error
	calls int
}

func (s *scriptedVerifier) Verify(context.Context, string) (apiclient.VerifyResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) {
		return apiclient.VerifyResponse{}, s.errs[i]
	}
	return apiclient.VerifyResponse{Subscription: billing.Subscription{Tier: billing.TierPro}}, nil
}

func TestVerifyUntilSettled(t *testing.T) {
	t.Run("polls while pending", func(t *testing.T) {
		v := &scriptedVerifier{errs: []error{payment.ErrPaymentPending, payment.ErrVerificationInProgress}}

		res, err := verifyUntilSettled(context.Background(), v, "gw-1", time.Second, time.Millisecond)

		require.NoError(t, err)
		assert.Equal(t, billing.TierPro, res.Subscription.Tier)
		assert.Equal(t, 3, v.calls)
	})

	t.Run("no wait returns first answer", func(t *testing.T) {
		v := &scriptedVerifier{errs: []error{payment.ErrPaymentPending}}

		_, err := verifyUntilSettled(context.Background(), v, "gw-1", 0, time.Millisecond)

		assert.ErrorIs(t, err, payment.ErrPaymentPending)
		assert.Equal(t, 1, v.calls)
	})

	t.Run("failed payment is final", func(t *testing.T) {
		v := &scriptedVerifier{errs: []error{payment.ErrPaymentFailed}}

		_, err := verifyUntilSettled(context.Background(), v, "gw-1", time.Second, time.Millisecond)

		assert.ErrorIs(t, err, payment.ErrPaymentFailed)
		assert.Equal(t, 1, v.calls)
	})
}
