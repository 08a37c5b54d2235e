// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Notification gate policies for generic price-drop notices.
const (
	NotifyGateSuperuser = "superuser" // tenant must have an active superuser
	NotifyGateAll       = "all"
	NotifyGateOff       = "off"
)

// Policies applied to an alert once it has fired.
const (
	AlertPolicyDeactivate = "deactivate"
	AlertPolicyDelete     = "delete"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Version   string // set by the binary, not the environment
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "console"

	// Storage (both optional, in-memory fallbacks are used when unset)
	DatabaseURL string
	RedisURL    string

	// Payment provider
	PaymentTerminalKey     string
	PaymentSecret          string
	PaymentConfirmedStatus string
	PaymentInitURL         string
	PaymentNotificationURL string // our callback URL passed to the provider
	PaymentSuccessURL      string

	// Alerts
	NotifyGate             string
	AlertPolicy            string
	DefaultPriceThreshold  decimal.Decimal
	WebhookTimeout         time.Duration
	NotificationRetryLimit int

	// Scraper
	ScraperBaseURL     string
	ScraperTimeout     time.Duration
	ScraperConcurrency int
	ScraperMaxAttempts int
	ScraperBaseDelay   time.Duration
	ScraperMaxDelay    time.Duration
	ScraperChunkSize   int

	// Workers and timers
	WorkerCount            int
	TaskMaxAttempts        int
	ScrapeInterval         time.Duration // zero disables periodic scrapes
	BillingRenewalInterval time.Duration
	DemoSweepInterval      time.Duration
	ReconcileInterval      time.Duration

	// Security
	AdminSecret      string
	RateLimitRPS     int
	OTLPEndpoint     string
	TraceSampleRatio float64
	AllowedOrigin    string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultConfirmedStatus        = "CONFIRMED"
	DefaultPaymentInitURL         = "https://securepay.tinkoff.ru/v2/Init"
	DefaultScraperBaseURL         = "https://card.wb.ru/cards/v2/detail"
	DefaultPriceThreshold         = "10"
	DefaultScraperTimeout         = 10 * time.Second
	DefaultScraperConcurrency     = 4
	DefaultScraperMaxAttempts     = 5
	DefaultScraperBaseDelay       = 500 * time.Millisecond
	DefaultScraperMaxDelay        = 60 * time.Second
	DefaultScraperChunkSize       = 50
	DefaultWorkerCount            = 4
	DefaultTaskMaxAttempts        = 3
	DefaultScrapeInterval         = time.Hour
	DefaultWebhookTimeout         = 10 * time.Second
	DefaultBillingRenewalInterval = time.Hour
	DefaultDemoSweepInterval      = 10 * time.Minute
	DefaultReconcileInterval      = 15 * time.Minute
	DefaultRateLimit              = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	logFormat := "console"
	if env == "production" {
		logFormat = "json"
	}

	threshold, err := decimal.NewFromString(getEnv("DEFAULT_PRICE_THRESHOLD", DefaultPriceThreshold))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_PRICE_THRESHOLD: %w", err)
	}

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    env,
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", logFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		PaymentTerminalKey:     os.Getenv("PAYMENT_TERMINAL_KEY"),
		PaymentSecret:          os.Getenv("PAYMENT_SECRET"),
		PaymentConfirmedStatus: getEnv("PAYMENT_CONFIRMED_STATUS", DefaultConfirmedStatus),
		PaymentInitURL:         getEnv("PAYMENT_INIT_URL", DefaultPaymentInitURL),
		PaymentNotificationURL: os.Getenv("PAYMENT_NOTIFICATION_URL"),
		PaymentSuccessURL:      os.Getenv("PAYMENT_SUCCESS_URL"),
		NotifyGate:             strings.ToLower(getEnv("NOTIFY_GATE", NotifyGateSuperuser)),
		AlertPolicy:            strings.ToLower(getEnv("ALERT_TRIGGER_POLICY", AlertPolicyDeactivate)),
		DefaultPriceThreshold:  threshold,
		WebhookTimeout:         getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		NotificationRetryLimit: int(getEnvInt64("NOTIFICATION_RETRY_LIMIT", 3)),
		ScraperBaseURL:         getEnv("SCRAPER_BASE_URL", DefaultScraperBaseURL),
		ScraperTimeout:         getEnvDuration("SCRAPER_TIMEOUT", DefaultScraperTimeout),
		ScraperConcurrency:     int(getEnvInt64("SCRAPER_CONCURRENCY", DefaultScraperConcurrency)),
		ScraperMaxAttempts:     int(getEnvInt64("SCRAPER_MAX_ATTEMPTS", DefaultScraperMaxAttempts)),
		ScraperBaseDelay:       getEnvDuration("SCRAPER_BASE_DELAY", DefaultScraperBaseDelay),
		ScraperMaxDelay:        getEnvDuration("SCRAPER_MAX_DELAY", DefaultScraperMaxDelay),
		ScraperChunkSize:       int(getEnvInt64("SCRAPER_CHUNK_SIZE", DefaultScraperChunkSize)),
		WorkerCount:            int(getEnvInt64("WORKER_COUNT", DefaultWorkerCount)),
		TaskMaxAttempts:        int(getEnvInt64("TASK_MAX_ATTEMPTS", DefaultTaskMaxAttempts)),
		ScrapeInterval:         getEnvDuration("SCRAPE_INTERVAL", DefaultScrapeInterval),
		BillingRenewalInterval: getEnvDuration("BILLING_RENEWAL_INTERVAL", DefaultBillingRenewalInterval),
		DemoSweepInterval:      getEnvDuration("DEMO_SWEEP_INTERVAL", DefaultDemoSweepInterval),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		AllowedOrigin:          os.Getenv("ALLOWED_ORIGIN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.PaymentTerminalKey == "" {
			return fmt.Errorf("PAYMENT_TERMINAL_KEY is required in production")
		}
		if c.PaymentSecret == "" {
			return fmt.Errorf("PAYMENT_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	switch c.NotifyGate {
	case NotifyGateSuperuser, NotifyGateAll, NotifyGateOff:
	default:
		return fmt.Errorf("NOTIFY_GATE must be one of superuser, all, off (got %q)", c.NotifyGate)
	}

	switch c.AlertPolicy {
	case AlertPolicyDeactivate, AlertPolicyDelete:
	default:
		return fmt.Errorf("ALERT_TRIGGER_POLICY must be deactivate or delete (got %q)", c.AlertPolicy)
	}

	if c.DefaultPriceThreshold.IsNegative() {
		return fmt.Errorf("DEFAULT_PRICE_THRESHOLD must not be negative")
	}
	if c.PaymentConfirmedStatus == "" {
		return fmt.Errorf("PAYMENT_CONFIRMED_STATUS must not be empty")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.TaskMaxAttempts <= 0 {
		return fmt.Errorf("TASK_MAX_ATTEMPTS must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.ScraperConcurrency <= 0 || c.ScraperChunkSize <= 0 {
		return fmt.Errorf("SCRAPER_CONCURRENCY and SCRAPER_CHUNK_SIZE must be positive")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
