// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Commit    string

	// Storage. DatabaseURL selects Postgres, DBPath selects SQLite, neither
	// keeps everything in memory.
	DatabaseURL string
	DBPath      string

	// Security
	APIKey         string // empty disables auth
	AllowedOrigins []string
	RateLimitRPM   int

	// Policy
	PolicyFile  string // YAML or JSON seed installed into an empty store
	PolicyWatch bool   // reapply PolicyFile when it changes

	// Background jobs
	SummarySchedule string // cron spec, empty disables

	// Tracing
	OTLPEndpoint string

	// Stripe ingestion, enabled when the secret is set
	StripeWebhookSecret string
	StripeTenant        string
	StripeScenario      string
}

const (
	DefaultPort            = "8000"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultRateLimit       = 600
	DefaultSummarySchedule = "@hourly"
	DefaultStripeTenant    = "default"
	DefaultStripeScenario  = "stripe-payouts"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		Commit:              os.Getenv("RCL_COMMIT"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DBPath:              os.Getenv("RCL_DB_PATH"),
		APIKey:              os.Getenv("RCL_API_KEY"),
		AllowedOrigins:      splitList(os.Getenv("RCL_ALLOWED_ORIGINS")),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		PolicyFile:          os.Getenv("RCL_POLICY_FILE"),
		PolicyWatch:         getEnvBool("RCL_POLICY_WATCH", false),
		SummarySchedule:     getEnv("RCL_SUMMARY_SCHEDULE", DefaultSummarySchedule),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeTenant:        getEnv("RCL_STRIPE_TENANT", DefaultStripeTenant),
		StripeScenario:      getEnv("RCL_STRIPE_SCENARIO", DefaultStripeScenario),
	}
	if cfg.SummarySchedule == "off" {
		cfg.SummarySchedule = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects missing or conflicting settings
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.DatabaseURL != "" && c.DBPath != "" {
		return fmt.Errorf("DATABASE_URL and RCL_DB_PATH are mutually exclusive")
	}
	if c.PolicyWatch && c.PolicyFile == "" {
		return fmt.Errorf("RCL_POLICY_WATCH requires RCL_POLICY_FILE")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.IsProduction() && c.APIKey == "" {
		return fmt.Errorf("RCL_API_KEY is required in production")
	}
	if c.SummarySchedule != "" {
		if _, err := cron.ParseStandard(c.SummarySchedule); err != nil {
			return fmt.Errorf("RCL_SUMMARY_SCHEDULE: %w", err)
		}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// StorageBackend names the configured ledger backend.
func (c *Config) StorageBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.DBPath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// ShortCommit returns the first 7 characters of Commit, or "unknown".
func (c *Config) ShortCommit() string {
	if c.Commit == "" {
		return "unknown"
	}
	if len(c.Commit) > 7 {
		return c.Commit[:7]
	}
	return c.Commit
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
