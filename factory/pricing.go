/*
Package factory converts admin JSON documents into billing configuration.

PURPOSE:
  Pricing and invoice templates are edited by operators as JSON. The factory
  validates each document against an embedded JSON Schema, then builds the
  billing types the store persists. A document that fails validation never
  reaches the store.

PRICING DOCUMENT:
  {
    "version": 3,
    "currency": "IDR",
    "tiers": [
      {"tier": "pro", "price": "99000", "description": "Unlimited invoices"},
      {"tier": "business", "price": "249000"}
    ]
  }

  Prices are decimal strings so they never pass through float64.

TEMPLATE DOCUMENT:
  {"name": "Classic", "body": "..."}

USAGE:
  f, err := factory.NewPricingFactory()
  pricing, err := f.ParsePricing(body)
  store.SavePricing(ctx, pricing)

SEE ALSO:
  - schema/pricing.json, schema/template.json: The schemas
  - api/handlers.go: Admin endpoints
*/
package factory

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/warp/invoice-engine/billing"
)

//go:embed schema/*.json
var schemas embed.FS

// =============================================================================
// JSON DOCUMENT TYPES
// =============================================================================

// PricingJSON is the JSON representation of a pricing configuration.
type PricingJSON struct {
	Version  int             `json:"version,omitempty"`
	Currency string          `json:"currency"`
	Tiers    []TierPriceJSON `json:"tiers"`
}

type TierPriceJSON struct {
	Tier        string `json:"tier"`
	Price       string `json:"price"`
	Description string `json:"description,omitempty"`
}

type TemplateJSON struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// =============================================================================
// FACTORY
// =============================================================================

// PricingFactory holds the compiled schemas. It is safe for concurrent use.
type PricingFactory struct {
	pricing  *jsonschema.Schema
	template *jsonschema.Schema
	now      func() time.Time
}

func NewPricingFactory() (*PricingFactory, error) {
	c := jsonschema.NewCompiler()
	for _, name := range []string{"pricing.json", "template.json"} {
		raw, err := schemas.ReadFile("schema/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	pricing, err := c.Compile("pricing.json")
	if err != nil {
		return nil, fmt.Errorf("compile pricing schema: %w", err)
	}
	template, err := c.Compile("template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &PricingFactory{
		pricing:  pricing,
		template: template,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// MustNewPricingFactory panics if the embedded schemas do not compile.
func MustNewPricingFactory() *PricingFactory {
	f, err := NewPricingFactory()
	if err != nil {
		panic(err)
	}
	return f
}

// ParsePricing validates body and converts it. Validation failures wrap
// billing.ErrInvalidInput.
func (f *PricingFactory) ParsePricing(body []byte) (billing.PricingConfig, error) {
	if err := validate(f.pricing, body); err != nil {
		return billing.PricingConfig{}, err
	}

	var doc PricingJSON
	if err := json.Unmarshal(body, &doc); err != nil {
		return billing.PricingConfig{}, invalid("pricing", err)
	}

	currency := billing.Currency(doc.Currency)
	seen := make(map[billing.Tier]bool, len(doc.Tiers))
	cfg := billing.PricingConfig{Version: doc.Version, UpdatedAt: f.now()}
	for i, t := range doc.Tiers {
		tier := billing.Tier(t.Tier)
		if seen[tier] {
			return billing.PricingConfig{}, &billing.ValidationError{
				Field:   fmt.Sprintf("tiers[%d].tier", i),
				Message: fmt.Sprintf("tier %q listed twice", tier),
			}
		}
		seen[tier] = true

		price, err := billing.ParseAmount(t.Price, currency)
		if err != nil {
			return billing.PricingConfig{}, invalid(fmt.Sprintf("tiers[%d].price", i), err)
		}
		if tier != billing.TierFree && !price.IsPositive() {
			return billing.PricingConfig{}, &billing.ValidationError{
				Field:   fmt.Sprintf("tiers[%d].price", i),
				Message: "paid tiers need a positive price",
			}
		}
		cfg.Tiers = append(cfg.Tiers, billing.TierPrice{Tier: tier, Price: price, Description: t.Description})
	}
	return cfg, nil
}

// ParseTemplate validates body and converts it into the template stored
// under id.
func (f *PricingFactory) ParseTemplate(id string, body []byte) (billing.Template, error) {
	if id == "" {
		return billing.Template{}, &billing.ValidationError{Field: "id", Message: "required"}
	}
	if err := validate(f.template, body); err != nil {
		return billing.Template{}, err
	}
	var doc TemplateJSON
	if err := json.Unmarshal(body, &doc); err != nil {
		return billing.Template{}, invalid("template", err)
	}
	return billing.Template{ID: id, Name: doc.Name, Body: doc.Body, UpdatedAt: f.now()}, nil
}

// ToJSON renders a stored pricing configuration back into its document form.
func ToJSON(p billing.PricingConfig) PricingJSON {
	doc := PricingJSON{Version: p.Version}
	for _, t := range p.Tiers {
		if doc.Currency == "" {
			doc.Currency = string(t.Price.Currency)
		}
		doc.Tiers = append(doc.Tiers, TierPriceJSON{
			Tier:        string(t.Tier),
			Price:       t.Price.Value.String(),
			Description: t.Description,
		})
	}
	return doc
}

func validate(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return invalid("body", err)
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return invalid("body", verr)
		}
		return err
	}
	return nil
}

func invalid(field string, err error) error {
	return &billing.ValidationError{Field: field, Message: err.Error()}
}
