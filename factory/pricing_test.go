package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
)

func newTestFactory(t *testing.T) *PricingFactory {
	t.Helper()
	f, err := NewPricingFactory()
	require.NoError(t, err)
	return f
}

func TestParsePricing_Valid(t *testing.T) {
	f := newTestFactory(t)

	cfg, err := f.ParsePricing([]byte(`{
		"version": 2,
		"currency": "IDR",
		"tiers": [
			{"tier": "free", "price": "0"},
			{"tier": "pro", "price": "99000", "description": "Unlimited invoices"},
			{"tier": "business", "price": "249000.50"}
		]
	}`))

	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
	require.Len(t, cfg.Tiers, 3)
	pro, ok := cfg.PriceFor(billing.TierPro)
	require.True(t, ok)
	assert.True(t, pro.Price.Equal(billing.NewAmountFromInt(99000, billing.CurrencyIDR)))
	assert.Equal(t, "Unlimited invoices", pro.Description)
	business, _ := cfg.PriceFor(billing.TierBusiness)
	assert.Equal(t, "249000.50 IDR", business.Price.String())
	assert.False(t, cfg.UpdatedAt.IsZero())
}

func TestParsePricing_Invalid(t *testing.T) {
	f := newTestFactory(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"currency":`},
		{"missing tiers", `{"currency": "IDR"}`},
		{"empty tiers", `{"currency": "IDR", "tiers": []}`},
		{"unknown currency", `{"currency": "GBP", "tiers": [{"tier": "pro", "price": "10"}]}`},
		{"unknown tier", `{"currency": "USD", "tiers": [{"tier": "gold", "price": "10"}]}`},
		{"numeric price", `{"currency": "USD", "tiers": [{"tier": "pro", "price": 10}]}`},
		{"three decimals", `{"currency": "USD", "tiers": [{"tier": "pro", "price": "10.001"}]}`},
		{"extra field", `{"currency": "USD", "tiers": [{"tier": "pro", "price": "10", "discount": "5"}]}`},
		{"duplicate tier", `{"currency": "USD", "tiers": [{"tier": "pro", "price": "10"}, {"tier": "pro", "price": "12"}]}`},
		{"zero price on paid tier", `{"currency": "USD", "tiers": [{"tier": "pro", "price": "0"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePricing([]byte(tt.body))
			assert.ErrorIs(t, err, billing.ErrInvalidInput)
		})
	}
}

func TestParseTemplate(t *testing.T) {
	f := newTestFactory(t)

	tpl, err := f.ParseTemplate("classic", []byte(`{"name": "Classic", "body": "<h1>{{.Number}}</h1>"}`))
	require.NoError(t, err)
	assert.Equal(t, "classic", tpl.ID)
	assert.Equal(t, "Classic", tpl.Name)

	_, err = f.ParseTemplate("classic", []byte(`{"name": ""}`))
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.ParseTemplate("", []byte(`{"name": "Classic", "body": "x"}`))
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestToJSON_RoundTripsThroughParse(t *testing.T) {
	f := newTestFactory(t)
	cfg, err := f.ParsePricing([]byte(`{"currency": "USD", "tiers": [{"tier": "pro", "price": "9.99"}]}`))
	require.NoError(t, err)

	doc := ToJSON(cfg)

	assert.Equal(t, "USD", doc.Currency)
	require.Len(t, doc.Tiers, 1)
	assert.Equal(t, "9.99", doc.Tiers[0].Price)
}
