package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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

func validConfig() Config {
	return Config{
		Env:                    "development",
		NotifyGate:             NotifyGateSuperuser,
		AlertPolicy:            AlertPolicyDeactivate,
		DefaultPriceThreshold:  decimal.NewFromInt(10),
		PaymentConfirmedStatus: DefaultConfirmedStatus,
		WorkerCount:            1,
		TaskMaxAttempts:        1,
		ScraperConcurrency:     1,
		ScraperChunkSize:       10,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "NOTIFY_GATE", "")
	setEnv(t, "ALERT_TRIGGER_POLICY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, NotifyGateSuperuser, cfg.NotifyGate)
	assert.Equal(t, AlertPolicyDeactivate, cfg.AlertPolicy)
	assert.Equal(t, DefaultConfirmedStatus, cfg.PaymentConfirmedStatus)
	assert.True(t, cfg.DefaultPriceThreshold.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, DefaultScraperMaxDelay, cfg.ScraperMaxDelay)
	assert.Equal(t, DefaultScrapeInterval, cfg.ScrapeInterval)
	assert.Equal(t, DefaultTaskMaxAttempts, cfg.TaskMaxAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "NOTIFY_GATE", "ALL")
	setEnv(t, "ALERT_TRIGGER_POLICY", "delete")
	setEnv(t, "DEFAULT_PRICE_THRESHOLD", "7.5")
	setEnv(t, "SCRAPER_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, NotifyGateAll, cfg.NotifyGate)
	assert.Equal(t, AlertPolicyDelete, cfg.AlertPolicy)
	assert.Equal(t, "7.5", cfg.DefaultPriceThreshold.String())
	assert.Equal(t, 3*time.Second, cfg.ScraperTimeout)
}

func TestLoad_InvalidThreshold(t *testing.T) {
	setEnv(t, "DEFAULT_PRICE_THRESHOLD", "ten")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_PRICE_THRESHOLD")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "production without terminal key",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "PAYMENT_TERMINAL_KEY is required",
		},
		{
			name: "production without database",
			mutate: func(c *Config) {
				c.Env = "production"
				c.PaymentTerminalKey = "term"
				c.PaymentSecret = "secret"
			},
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "unknown gate",
			mutate:  func(c *Config) { c.NotifyGate = "sometimes" },
			wantErr: "NOTIFY_GATE",
		},
		{
			name:    "unknown alert policy",
			mutate:  func(c *Config) { c.AlertPolicy = "archive" },
			wantErr: "ALERT_TRIGGER_POLICY",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *Config) { c.DefaultPriceThreshold = decimal.NewFromInt(-1) },
			wantErr: "must not be negative",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.WorkerCount = 0 },
			wantErr: "WORKER_COUNT",
		},
		{
			name:    "no task attempts",
			mutate:  func(c *Config) { c.TaskMaxAttempts = 0 },
			wantErr: "TASK_MAX_ATTEMPTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
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
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}
