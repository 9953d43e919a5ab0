// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json", "text", "tint"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret string   // Required for /v1/admin routes
	CORSOrigins []string // Empty allows any origin without credentials

	// Payment processor
	Processor       string // "stripe" or "memory"
	StripeSecretKey string

	// Fees and currency
	PlatformFeeBps  int64
	DefaultCurrency string

	// Payout scheduler
	PayoutWeekday     time.Weekday
	EarlyPayoutMin    int64 // minor units
	PayoutMaxAttempts int
	PayoutInterval    time.Duration
	PayoutCallTimeout time.Duration
	PayoutStaleAfter  time.Duration

	// Refund settlement queue
	RefundMaxAttempts int
	RefundBaseDelay   time.Duration
	RefundMaxDelay    time.Duration
	RefundCallTimeout time.Duration
	RefundInterval    time.Duration
	RefundStaleAfter  time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Notifications
	WebhookURLs   []string
	WebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultProcessor         = "memory"
	DefaultPlatformFee       = "1000" // 10% in basis points
	DefaultCurrency          = "USD"
	DefaultPayoutWeekday     = time.Friday
	DefaultEarlyPayoutMin    = "50.00"
	DefaultPayoutMaxAttempts = 5
	DefaultRefundMaxAttempts = 5
	DefaultRefundBaseDelay   = 30 * time.Second
	DefaultRefundMaxDelay    = 1 * time.Hour
	DefaultCallTimeout       = 15 * time.Second
	DefaultRefundInterval    = 5 * time.Second
	DefaultPayoutInterval    = 1 * time.Minute
	DefaultRefundStaleAfter  = 10 * time.Minute
	DefaultPayoutStaleAfter  = 10 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	feeBps, err := money.ParseRate(getEnv("PLATFORM_FEE_BPS", DefaultPlatformFee))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_BPS: %w", err)
	}
	earlyMin, err := money.Parse(getEnv("EARLY_PAYOUT_MIN", DefaultEarlyPayoutMin))
	if err != nil {
		return nil, fmt.Errorf("EARLY_PAYOUT_MIN: %w", err)
	}
	weekday, err := ParseWeekday(getEnv("PAYOUT_WEEKDAY", DefaultPayoutWeekday.String()))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CORSOrigins:       splitList(os.Getenv("CORS_ORIGINS")),
		Processor:         strings.ToLower(getEnv("PROCESSOR", DefaultProcessor)),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		PlatformFeeBps:    feeBps,
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		PayoutWeekday:     weekday,
		EarlyPayoutMin:    earlyMin,
		PayoutMaxAttempts: int(getEnvInt64("PAYOUT_MAX_ATTEMPTS", DefaultPayoutMaxAttempts)),
		PayoutInterval:    getEnvDuration("PAYOUT_INTERVAL", DefaultPayoutInterval),
		PayoutCallTimeout: getEnvDuration("PAYOUT_CALL_TIMEOUT", DefaultCallTimeout),
		PayoutStaleAfter:  getEnvDuration("PAYOUT_STALE_AFTER", DefaultPayoutStaleAfter),
		RefundMaxAttempts: int(getEnvInt64("REFUND_MAX_ATTEMPTS", DefaultRefundMaxAttempts)),
		RefundBaseDelay:   getEnvDuration("REFUND_BASE_DELAY", DefaultRefundBaseDelay),
		RefundMaxDelay:    getEnvDuration("REFUND_MAX_DELAY", DefaultRefundMaxDelay),
		RefundCallTimeout: getEnvDuration("REFUND_CALL_TIMEOUT", DefaultCallTimeout),
		RefundInterval:    getEnvDuration("REFUND_INTERVAL", DefaultRefundInterval),
		RefundStaleAfter:  getEnvDuration("REFUND_STALE_AFTER", DefaultRefundStaleAfter),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		WebhookURLs:       splitList(os.Getenv("WEBHOOK_URLS")),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Processor {
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PROCESSOR=stripe")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("PROCESSOR=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("PROCESSOR must be \"stripe\" or \"memory\", got %q", c.Processor)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if _, err := money.NormalizeCurrency(c.DefaultCurrency); err != nil {
		return fmt.Errorf("DEFAULT_CURRENCY: %w", err)
	}
	if c.RefundMaxAttempts < 1 {
		return fmt.Errorf("REFUND_MAX_ATTEMPTS must be at least 1")
	}
	if c.PayoutMaxAttempts < 1 {
		return fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be at least 1")
	}
	if c.RefundBaseDelay <= 0 || c.RefundMaxDelay < c.RefundBaseDelay {
		return fmt.Errorf("REFUND_BASE_DELAY must be positive and not exceed REFUND_MAX_DELAY")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	for _, u := range c.WebhookURLs {
		if err := security.ValidateWebhookURL(u, !c.IsProduction()); err != nil {
			return fmt.Errorf("WEBHOOK_URLS: %w", err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseWeekday accepts full or three-letter English day names, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
