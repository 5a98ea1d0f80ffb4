// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/modules/risk"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the journal database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Symbols            []string // Tradable universe; empty accepts any symbol with a price
	DefaultInitialCash decimal.Decimal
	BroadcastQueueSize int

	Risk      risk.Config
	Execution ExecutionConfig
	Schedules ScheduleConfig
	Billing   BillingConfig
	Market    MarketDataConfig
	Archive   ArchiveConfig
	Strategy  StrategyConfig
}

// ExecutionConfig holds simulator model parameters. Zero values select the
// no-op model.
type ExecutionConfig struct {
	SlippageBpsPerUnit decimal.Decimal
	SlippageMaxBps     decimal.Decimal
	FeeRate            decimal.Decimal
	FeeMin             decimal.Decimal
	MaxFillQuantity    decimal.Decimal
}

// ScheduleConfig holds cron expressions (with seconds) for maintenance jobs
type ScheduleConfig struct {
	DayOrderExpiry string
	RiskSweep      string
	Maintenance    string
}

// BillingConfig selects the entitlement source. A service URL takes
// precedence over the static list.
type BillingConfig struct {
	ServiceURL     string
	CacheTTL       time.Duration
	StaticFeatures string // "acc=feature|feature,*=feature"
}

// MarketDataConfig describes the optional upstream tick stream
type MarketDataConfig struct {
	StreamURL string
	Provider  string
}

// ArchiveConfig describes off-site journal archives. Archiving is off when
// Bucket is empty.
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	Schedule        string
	RetentionDays   int
}

// Enabled reports whether archiving is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// StrategyConfig describes the built-in SMA crossover participant. It runs
// only when AccountID is set.
type StrategyConfig struct {
	AccountID   string
	Symbols     []string
	FastWindow  int
	SlowWindow  int
	Quantity    decimal.Decimal
	InitialCash decimal.Decimal
}

// Enabled reports whether the strategy runner should start
func (s StrategyConfig) Enabled() bool {
	return s.AccountID != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if it doesn't)
	_ = godotenv.Load()

	dataDir := getEnv("TRADER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	defaults := risk.DefaultConfig()
	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		Symbols:            upper(getEnvAsList("SYMBOLS", nil)),
		DefaultInitialCash: getEnvAsDecimal("DEFAULT_INITIAL_CASH", decimal.NewFromInt(100_000)),
		BroadcastQueueSize: getEnvAsInt("BROADCAST_QUEUE_SIZE", 256),

		Risk: risk.Config{
			VolatilityWindow:       getEnvAsInt("RISK_VOLATILITY_WINDOW", defaults.VolatilityWindow),
			ElevatedVolatility:     getEnvAsFloat("RISK_ELEVATED_VOLATILITY", defaults.ElevatedVolatility),
			HaltVolatility:         getEnvAsFloat("RISK_HALT_VOLATILITY", defaults.HaltVolatility),
			HaltCooldown:           getEnvAsDuration("RISK_HALT_COOLDOWN", defaults.HaltCooldown),
			ElevatedNotionalFactor: getEnvAsDecimal("RISK_ELEVATED_NOTIONAL_FACTOR", defaults.ElevatedNotionalFactor),
			MaxOrderNotional:       getEnvAsDecimal("RISK_MAX_ORDER_NOTIONAL", defaults.MaxOrderNotional),
			MaxAccountNotional:     getEnvAsDecimal("RISK_MAX_ACCOUNT_NOTIONAL", defaults.MaxAccountNotional),
			MaxDailyNotional:       getEnvAsDecimal("RISK_MAX_DAILY_NOTIONAL", defaults.MaxDailyNotional),
			MaxOrdersPerWindow:     getEnvAsInt("RISK_MAX_ORDERS_PER_WINDOW", defaults.MaxOrdersPerWindow),
			RateWindow:             getEnvAsDuration("RISK_RATE_WINDOW", defaults.RateWindow),
			RejectStormThreshold:   getEnvAsInt("RISK_REJECT_STORM_THRESHOLD", defaults.RejectStormThreshold),
			RejectStormWindow:      getEnvAsDuration("RISK_REJECT_STORM_WINDOW", defaults.RejectStormWindow),
			AccountCooldown:        getEnvAsDuration("RISK_ACCOUNT_COOLDOWN", defaults.AccountCooldown),
		},
		Execution: ExecutionConfig{
			SlippageBpsPerUnit: getEnvAsDecimal("EXEC_SLIPPAGE_BPS_PER_UNIT", decimal.Zero),
			SlippageMaxBps:     getEnvAsDecimal("EXEC_SLIPPAGE_MAX_BPS", decimal.Zero),
			FeeRate:            getEnvAsDecimal("EXEC_FEE_RATE", decimal.Zero),
			FeeMin:             getEnvAsDecimal("EXEC_FEE_MIN", decimal.Zero),
			MaxFillQuantity:    getEnvAsDecimal("EXEC_MAX_FILL_QTY", decimal.Zero),
		},
		Schedules: ScheduleConfig{
			DayOrderExpiry: getEnv("DAY_ORDER_EXPIRY_SCHEDULE", "0 0 21 * * MON-FRI"),
			RiskSweep:      getEnv("RISK_SWEEP_SCHEDULE", "@every 5s"),
			Maintenance:    getEnv("MAINTENANCE_SCHEDULE", "0 0 2 * * *"),
		},
		Billing: BillingConfig{
			ServiceURL:     getEnv("BILLING_SERVICE_URL", ""),
			CacheTTL:       getEnvAsDuration("BILLING_CACHE_TTL", time.Minute),
			StaticFeatures: getEnv("BILLING_STATIC_FEATURES", ""),
		},
		Market: MarketDataConfig{
			StreamURL: getEnv("MARKET_DATA_WS_URL", ""),
			Provider:  getEnv("MARKET_DATA_PROVIDER", "simple"),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "auto"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "tradecore-journal-"),
			Schedule:        getEnv("ARCHIVE_SCHEDULE", "0 30 3 * * *"),
			RetentionDays:   getEnvAsInt("ARCHIVE_RETENTION_DAYS", 30),
		},
		Strategy: StrategyConfig{
			AccountID:   getEnv("STRATEGY_ACCOUNT_ID", ""),
			Symbols:     upper(getEnvAsList("STRATEGY_SYMBOLS", nil)),
			FastWindow:  getEnvAsInt("STRATEGY_FAST_WINDOW", 5),
			SlowWindow:  getEnvAsInt("STRATEGY_SLOW_WINDOW", 20),
			Quantity:    getEnvAsDecimal("STRATEGY_QUANTITY", decimal.NewFromInt(10)),
			InitialCash: getEnvAsDecimal("STRATEGY_INITIAL_CASH", decimal.NewFromInt(100_000)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if !c.DefaultInitialCash.IsPositive() {
		return fmt.Errorf("DEFAULT_INITIAL_CASH must be positive")
	}
	if c.Risk.VolatilityWindow < 2 {
		return fmt.Errorf("RISK_VOLATILITY_WINDOW must be at least 2")
	}
	if c.Risk.HaltVolatility > 0 && c.Risk.ElevatedVolatility > c.Risk.HaltVolatility {
		return fmt.Errorf("RISK_ELEVATED_VOLATILITY must not exceed RISK_HALT_VOLATILITY")
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedules := map[string]string{
		"DAY_ORDER_EXPIRY_SCHEDULE": c.Schedules.DayOrderExpiry,
		"RISK_SWEEP_SCHEDULE":       c.Schedules.RiskSweep,
		"MAINTENANCE_SCHEDULE":      c.Schedules.Maintenance,
	}
	if c.Archive.Enabled() {
		schedules["ARCHIVE_SCHEDULE"] = c.Archive.Schedule
	}
	for name, spec := range schedules {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if c.Strategy.Enabled() {
		if len(c.Strategy.Symbols) == 0 {
			return fmt.Errorf("STRATEGY_SYMBOLS is required when STRATEGY_ACCOUNT_ID is set")
		}
		if c.Strategy.FastWindow < 1 || c.Strategy.SlowWindow <= c.Strategy.FastWindow {
			return fmt.Errorf("STRATEGY_FAST_WINDOW must be at least 1 and below STRATEGY_SLOW_WINDOW")
		}
	}
	return nil
}

var maxSlippageBps = decimal.NewFromInt(10_000)

// validate rejects slippage settings that could move a price to zero
func (e ExecutionConfig) validate() error {
	if e.SlippageBpsPerUnit.IsNegative() {
		return fmt.Errorf("EXEC_SLIPPAGE_BPS_PER_UNIT must not be negative")
	}
	if e.SlippageBpsPerUnit.IsPositive() &&
		(!e.SlippageMaxBps.IsPositive() || !e.SlippageMaxBps.LessThan(maxSlippageBps)) {
		return fmt.Errorf("EXEC_SLIPPAGE_MAX_BPS must be between 0 and 10000 (exclusive) when EXEC_SLIPPAGE_BPS_PER_UNIT is set")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as bool or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as float64 or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as time.Duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsDecimal gets an environment variable as decimal or returns a default value
func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func upper(items []string) []string {
	for i := range items {
		items[i] = strings.ToUpper(items[i])
	}
	return items
}
