package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "RCL_DB_PATH",
		"RCL_API_KEY", "RCL_ALLOWED_ORIGINS", "RATE_LIMIT_RPM", "RCL_POLICY_FILE",
		"RCL_POLICY_WATCH", "RCL_SUMMARY_SCHEDULE", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"RCL_COMMIT", "STRIPE_WEBHOOK_SECRET", "RCL_STRIPE_TENANT", "RCL_STRIPE_SCENARIO",
	} {
		setEnv(t, key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.Equal(t, DefaultSummarySchedule, cfg.SummarySchedule)
	assert.Equal(t, "memory", cfg.StorageBackend())
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.PolicyWatch)
	assert.Equal(t, "unknown", cfg.ShortCommit())
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	setEnv(t, "PORT", "9090")
	setEnv(t, "RCL_DB_PATH", "/tmp/rcl.db")
	setEnv(t, "RCL_ALLOWED_ORIGINS", " https://ops.example.com, ,https://admin.example.com")
	setEnv(t, "RCL_POLICY_FILE", "policy.yaml")
	setEnv(t, "RCL_POLICY_WATCH", "true")
	setEnv(t, "RCL_SUMMARY_SCHEDULE", "off")
	setEnv(t, "RCL_COMMIT", "0123456789abcdef")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.StorageBackend())
	assert.Equal(t, []string{"https://ops.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.PolicyWatch)
	assert.Empty(t, cfg.SummarySchedule)
	assert.Equal(t, "0123456", cfg.ShortCommit())
	assert.Equal(t, DefaultStripeTenant, cfg.StripeTenant)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	setEnv(t, "ENV", "production")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RCL_API_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{Port: "8000", Env: "development", LogFormat: "json", SummarySchedule: "@hourly"}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"non-numeric port", func(c *Config) { c.Port = "http" }, "PORT must be numeric"},
		{"two databases", func(c *Config) {
			c.DatabaseURL = "postgres://localhost/rcl"
			c.DBPath = "rcl.db"
		}, "mutually exclusive"},
		{"watch without file", func(c *Config) { c.PolicyWatch = true }, "requires RCL_POLICY_FILE"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"production without key", func(c *Config) { c.Env = "production" }, "RCL_API_KEY"},
		{"production with key", func(c *Config) {
			c.Env = "production"
			c.APIKey = "secret"
		}, ""},
		{"bad schedule", func(c *Config) { c.SummarySchedule = "every tuesday" }, "RCL_SUMMARY_SCHEDULE"},
		{"cron schedule", func(c *Config) { c.SummarySchedule = "*/15 * * * *" }, ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_StorageBackend(t *testing.T) {
	assert.Equal(t, "postgres", (&Config{DatabaseURL: "postgres://x"}).StorageBackend())
	assert.Equal(t, "sqlite", (&Config{DBPath: "x.db"}).StorageBackend())
	assert.Equal(t, "memory", (&Config{}).StorageBackend())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "1")
	setEnv(t, "TEST_BAD_BOOL", "maybe")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_BAD_BOOL", true))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))
}
