// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow lifecycle
	EscrowTTL         time.Duration // pending escrows expire after this
	SettlementTimeout time.Duration // settling lock staleness threshold
	RefundTimeout     time.Duration // refunding lock staleness threshold
	CreateGameTimeout time.Duration // game-creation lock staleness threshold

	// Reconciliation
	ReconcileSchedule  string        // cron spec for the scan job
	ReconcileBuffer    time.Duration // added to lock timeouts before a record counts as stuck
	ReconcileBatchCap  int           // per-category scan bound
	ReportRetention    time.Duration // reports older than this are pruned
	ReportPruneBatch   int           // bounded delete batch size
	CleanupSchedule    string        // cron spec for expired-escrow cleanup
	FulfillmentTimeout time.Duration // processing fulfillments older than this are stuck

	// Payments
	StripeWebhookSecret string
	AdKeyURL            string        // ad-network public key endpoint
	AdKeyTTL            time.Duration // ad-network public key cache TTL

	// Security
	AdminSecret    string
	RateLimitRPM   int
	AllowedOrigins []string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Defaults.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultEscrowTTL         = 5 * time.Minute
	DefaultSettlementTimeout = 120 * time.Second
	DefaultRefundTimeout     = 60 * time.Second
	DefaultCreateGameTimeout = 120 * time.Second

	DefaultReconcileSchedule  = "*/15 * * * *"
	DefaultReconcileBuffer    = 60 * time.Second
	DefaultReconcileBatchCap  = 200
	DefaultReportRetention    = 7 * 24 * time.Hour
	DefaultReportPruneBatch   = 50
	DefaultCleanupSchedule    = "* * * * *"
	DefaultFulfillmentTimeout = 10 * time.Minute

	DefaultAdKeyTTL  = time.Hour
	DefaultRateLimit = 60
)

// StakeLevels is the fixed set of allowed stakes, in coins.
var StakeLevels = []int64{25, 50, 100, 250, 500}

// ValidStake reports whether stake is one of the allowed levels.
func ValidStake(stake int64) bool {
	for _, s := range StakeLevels {
		if s == stake {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		EscrowTTL:         getEnvDuration("ESCROW_TTL", DefaultEscrowTTL),
		SettlementTimeout: getEnvDuration("SETTLEMENT_LOCK_TIMEOUT", DefaultSettlementTimeout),
		RefundTimeout:     getEnvDuration("REFUND_LOCK_TIMEOUT", DefaultRefundTimeout),
		CreateGameTimeout: getEnvDuration("CREATE_GAME_LOCK_TIMEOUT", DefaultCreateGameTimeout),

		ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		ReconcileBuffer:    getEnvDuration("RECONCILE_BUFFER", DefaultReconcileBuffer),
		ReconcileBatchCap:  int(getEnvInt64("RECONCILE_BATCH_CAP", DefaultReconcileBatchCap)),
		ReportRetention:    getEnvDuration("REPORT_RETENTION", DefaultReportRetention),
		ReportPruneBatch:   int(getEnvInt64("REPORT_PRUNE_BATCH", DefaultReportPruneBatch)),
		CleanupSchedule:    getEnv("CLEANUP_SCHEDULE", DefaultCleanupSchedule),
		FulfillmentTimeout: getEnvDuration("FULFILLMENT_TIMEOUT", DefaultFulfillmentTimeout),

		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdKeyURL:            os.Getenv("AD_KEY_URL"),
		AdKeyTTL:            getEnvDuration("AD_KEY_TTL", DefaultAdKeyTTL),

		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SettlementTimeout <= 0 || c.RefundTimeout <= 0 || c.CreateGameTimeout <= 0 {
		return fmt.Errorf("lock timeouts must be positive")
	}
	if c.EscrowTTL <= 0 {
		return fmt.Errorf("ESCROW_TTL must be positive")
	}
	if c.ReconcileBatchCap <= 0 {
		return fmt.Errorf("RECONCILE_BATCH_CAP must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
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
