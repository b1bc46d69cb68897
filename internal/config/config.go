package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/ovlwatch/collateral"
	"github.com/web3guy0/ovlwatch/position"
)

// Config holds all configuration for the watcher
type Config struct {
	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	Debug bool

	// Chain
	RPCURL            string
	CollateralManager common.Address

	// Valuation
	DecimalPrecision int32
	// MarginMaintenance overrides the on-chain fraction when positive
	MarginMaintenance decimal.Decimal

	// Watcher
	WatchlistPath      string
	ScanInterval       time.Duration
	MaxConcurrentReads int
	PriceMaxAge        time.Duration

	// Circuit breaker
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration

	// Database: sqlite path or postgres:// DSN
	DatabasePath string
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		Debug:         getEnvBool("DEBUG", false),

		RPCURL: os.Getenv("RPC_URL"),

		DecimalPrecision:  int32(getEnvInt("DECIMAL_PRECISION", int(position.DefaultPrecision))),
		MarginMaintenance: getEnvDecimal("MARGIN_MAINTENANCE", decimal.Zero),

		WatchlistPath:      getEnv("WATCHLIST_PATH", "watchlist.yaml"),
		ScanInterval:       getEnvDuration("SCAN_INTERVAL", 30*time.Second),
		MaxConcurrentReads: getEnvInt("MAX_CONCURRENT_READS", 4),
		PriceMaxAge:        getEnvDuration("PRICE_MAX_AGE", time.Hour),

		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 5),
		FailureCooldown:        getEnvDuration("FAILURE_COOLDOWN", 5*time.Minute),

		DatabasePath: getEnv("DATABASE_PATH", "data/ovlwatch.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}

	manager := os.Getenv("COLLATERAL_MANAGER")
	if manager == "" && !cfg.MarginMaintenance.IsPositive() {
		return nil, fmt.Errorf("COLLATERAL_MANAGER is required unless MARGIN_MAINTENANCE is set")
	}
	if manager != "" {
		addr, err := collateral.ValidateAndParseAddress(manager)
		if err != nil {
			return nil, fmt.Errorf("invalid COLLATERAL_MANAGER: %w", err)
		}
		cfg.CollateralManager = addr
	}

	if cfg.MarginMaintenance.IsNegative() || cfg.MarginMaintenance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("MARGIN_MAINTENANCE must be in [0, 1), got %s", cfg.MarginMaintenance)
	}

	return cfg, nil
}

// TelegramEnabled reports whether alerts should be sent
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
