/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults()
  2. YAML file passed with -config
  3. Environment overrides (INVOICE_*)
  4. Command-line flags applied by cmd/server

EXAMPLE:
  server:
    addr: ":8080"
  database:
    dsn: "sqlite://invoices.db"
  gateway:
    base_url: "https://api.gateway.example/v1"
    webhook_secret: "whsec_..."
  auth:
    tokens:
      tok_alice: user-alice
    admin_tokens: [tok_ops]
  payments:
    verify_rate: 1
    verify_burst: 5

ENVIRONMENT:
  INVOICE_ADDR, INVOICE_DATABASE_DSN, INVOICE_GATEWAY_URL,
  INVOICE_GATEWAY_API_KEY, INVOICE_WEBHOOK_SECRET, INVOICE_LOG_LEVEL
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/warp/invoice-engine/logging"
	"github.com/warp/invoice-engine/retry"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      logging.Config `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Payments PaymentsConfig `yaml:"payments"`
	Cache    CacheConfig    `yaml:"cache"`
	Sequence SequenceConfig `yaml:"sequence"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// DSN selects the backend: memory://, sqlite://path, postgres://...
	DSN string `yaml:"dsn"`
}

// AuthConfig maps static bearer tokens to user ids.
type AuthConfig struct {
	Tokens      map[string]string `yaml:"tokens"`
	AdminTokens []string          `yaml:"admin_tokens"`
}

type GatewayConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	WebhookSecret      string        `yaml:"webhook_secret"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance"`
	Timeout            time.Duration `yaml:"timeout"`
	Retry              retry.Config  `yaml:"retry"`
}

type PaymentsConfig struct {
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RedriveInterval  time.Duration `yaml:"redrive_interval"`
	RedriveBatch     int           `yaml:"redrive_batch"`
	RedriveBackoff   retry.Config  `yaml:"redrive_backoff"`
	VerifyRate       float64       `yaml:"verify_rate"`  // tokens per second per user
	VerifyBurst      int           `yaml:"verify_burst"` // bucket size per user
}

type CacheConfig struct {
	RevalidateURL string `yaml:"revalidate_url"`
	Secret        string `yaml:"secret"`
}

type SequenceConfig struct {
	// Timezone decides which calendar day an invoice date falls on.
	Timezone string `yaml:"timezone"`
}

// Defaults returns a configuration that runs locally against SQLite.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{DSN: "sqlite://invoices.db"},
		Log:      logging.Config{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			SignatureTolerance: 5 * time.Minute,
			Timeout:            15 * time.Second,
			Retry:              retry.Default(),
		},
		Payments: PaymentsConfig{
			ReconcileTimeout: 10 * time.Second,
			GracePeriod:      10 * time.Minute,
			SweepInterval:    time.Minute,
			RedriveInterval:  time.Minute,
			RedriveBatch:     50,
			RedriveBackoff:   retry.Config{InitialWait: time.Minute, MaxWait: time.Hour, Multiplier: 2},
			VerifyRate:       1,
			VerifyBurst:      5,
		},
		Sequence: SequenceConfig{Timezone: "UTC"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the INVOICE_* variables lookup finds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("INVOICE_ADDR", &c.Server.Addr)
	set("INVOICE_DATABASE_DSN", &c.Database.DSN)
	set("INVOICE_GATEWAY_URL", &c.Gateway.BaseURL)
	set("INVOICE_GATEWAY_API_KEY", &c.Gateway.APIKey)
	set("INVOICE_WEBHOOK_SECRET", &c.Gateway.WebhookSecret)
	set("INVOICE_LOG_LEVEL", &c.Log.Level)
}

// Location resolves Sequence.Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Sequence.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Sequence.Timezone)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("sequence.timezone: %w", err))
	}
	if c.Payments.ReconcileTimeout <= 0 {
		errs = append(errs, errors.New("payments.reconcile_timeout must be positive"))
	}
	if c.Payments.RedriveInterval <= 0 {
		errs = append(errs, errors.New("payments.redrive_interval must be positive"))
	}
	if c.Payments.VerifyRate <= 0 || c.Payments.VerifyBurst < 1 {
		errs = append(errs, errors.New("payments.verify_rate and verify_burst must be positive"))
	}
	if c.Gateway.BaseURL != "" && !strings.HasPrefix(c.Gateway.BaseURL, "http") {
		errs = append(errs, fmt.Errorf("gateway.base_url %q is not an http url", c.Gateway.BaseURL))
	}
	for token, user := range c.Auth.Tokens {
		if token == "" || user == "" {
			errs = append(errs, errors.New("auth.tokens entries need a token and a user id"))
			break
		}
	}
	return errors.Join(errs...)
}
