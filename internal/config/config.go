package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string  `mapstructure:"PORT"`
	Env                string  `mapstructure:"ENV"`
	DatabaseURL        string  `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32   `mapstructure:"DB_MIN_CONNS"`
	BillingURL         string  `mapstructure:"BILLING_URL"`
	BillingAPIKey      string  `mapstructure:"BILLING_API_KEY"`
	BillingTimeoutMS   int     `mapstructure:"BILLING_TIMEOUT_MS"`
	EventTimeoutMS     int     `mapstructure:"EVENT_TIMEOUT_MS"`
	EventSigningSecret string  `mapstructure:"EVENT_SIGNING_SECRET"`
	RequestTimeoutMS   int     `mapstructure:"REQUEST_TIMEOUT_MS"`
	RateLimitRPS       float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BILLING_TIMEOUT_MS", 5000)
	v.SetDefault("EVENT_TIMEOUT_MS", 5000)
	v.SetDefault("REQUEST_TIMEOUT_MS", 30000)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BILLING_URL")
	v.BindEnv("BILLING_API_KEY")
	v.BindEnv("BILLING_TIMEOUT_MS")
	v.BindEnv("EVENT_TIMEOUT_MS")
	v.BindEnv("EVENT_SIGNING_SECRET")
	v.BindEnv("REQUEST_TIMEOUT_MS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// BillingTimeout returns the per-call deadline for billing provisioning.
func (c *Config) BillingTimeout() time.Duration {
	return time.Duration(c.BillingTimeoutMS) * time.Millisecond
}

// EventTimeout returns the per-call deadline for event delivery.
func (c *Config) EventTimeout() time.Duration {
	return time.Duration(c.EventTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the overall inbound request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run. Development mode may
// run without a database (the in-memory store is used) and without a billing
// endpoint; production requires both so that patient records are durable and
// billing accounts are actually provisioned.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.BillingURL == "" {
			return fmt.Errorf("BILLING_URL is required in production")
		}
		if c.EventSigningSecret == "" {
			return fmt.Errorf("EVENT_SIGNING_SECRET is required in production")
		}
	}
	if c.BillingTimeoutMS <= 0 {
		return fmt.Errorf("BILLING_TIMEOUT_MS must be positive, got %d", c.BillingTimeoutMS)
	}
	if c.EventTimeoutMS <= 0 {
		return fmt.Errorf("EVENT_TIMEOUT_MS must be positive, got %d", c.EventTimeoutMS)
	}
	return nil
}
