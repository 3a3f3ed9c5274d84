package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the pipeline processes.
// Built once at startup and passed by value to every worker.
type Config struct {
	// Connections
	DatabaseURL  string
	RedisURL     string
	RPCURL       string // request/response endpoint
	WSSURL       string // push socket endpoint
	ContractAddr string
	PrivateKey   string // trader only, never logged

	// Mode
	Debug bool

	// Store
	PoolSize int // worker processes; the dashboard collaborator uses 15

	// Buffer
	StreamName    string
	ConsumerGroup string
	BatchSize     int

	// Sync tuning
	RetryMax     int
	RPCCallDelay time.Duration
	CacheMax     int
	SeedEpoch    int64
	SeedMinBlock int64
	SeedMaxBlock int64

	// Aggregator
	FinalAdvance time.Duration

	// Trader
	TraderEnabled bool
	DryRun        bool
	BetAmount     decimal.Decimal
	MinConfidence string // low | medium | high
	SideFilter    string // UP | DOWN | any
	DeltaMS       int64
	GasBump       decimal.Decimal
	ArmEnabled    bool
	ArmSlopeMin   float64
	ArmVolumeMin  float64
	ArmUpdiffMin  float64
	ArmMaxAge     time.Duration

	// Telegram operator alerts (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RPCURL:       os.Getenv("RPC_URL"),
		WSSURL:       os.Getenv("WSS_URL"),
		ContractAddr: os.Getenv("CONTRACT_ADDR"),
		PrivateKey:   os.Getenv("PRIVATE_KEY"),

		Debug: getEnvBool("DEBUG", false),

		PoolSize: getEnvInt("DB_POOL_SIZE", 10),

		StreamName:    getEnv("BET_STREAM", "bet_stream"),
		ConsumerGroup: getEnv("BET_GROUP", "bet_processors"),
		BatchSize:     getEnvInt("BATCH_SIZE", 100),

		RetryMax:     getEnvInt("RETRY_MAX", 3),
		RPCCallDelay: time.Duration(getEnvInt("RPC_CALL_DELAY_MS", 200)) * time.Millisecond,
		CacheMax:     getEnvInt("CACHE_MAX", 5000),
		SeedEpoch:    getEnvInt64("SEED_EPOCH", 0),
		SeedMinBlock: getEnvInt64("SEED_MIN_BLOCK", 0),
		SeedMaxBlock: getEnvInt64("SEED_MAX_BLOCK", 0),

		FinalAdvance: time.Duration(getEnvInt("FINAL_ADVANCE_MS", 5000)) * time.Millisecond,

		TraderEnabled: getEnvBool("TRADER_ENABLED", false),
		DryRun:        getEnvBool("DRY_RUN", true),
		BetAmount:     getEnvDecimal("BET_AMOUNT", decimal.NewFromFloat(0.001)),
		MinConfidence: getEnv("MIN_CONFIDENCE", "high"),
		SideFilter:    getEnv("SIDE_FILTER", "any"),
		DeltaMS:       getEnvInt64("DELTA_MS", int64(getEnvInt("FINAL_ADVANCE_MS", 5000))),
		GasBump:       getEnvDecimal("GAS_BUMP", decimal.NewFromFloat(1.2)),
		ArmEnabled:    getEnvBool("ARM_ENABLED", true),
		ArmSlopeMin:   getEnvFloat("ARM_SLOPE_MIN", 0.05),
		ArmVolumeMin:  getEnvFloat("ARM_VOLUME_MIN", 1.5),
		ArmUpdiffMin:  getEnvFloat("ARM_UPDIFF_MIN", 0.10),
		ArmMaxAge:     time.Duration(getEnvInt("ARM_MAX_AGE_MS", 30000)) * time.Millisecond,

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ContractAddr == "" {
		return nil, fmt.Errorf("CONTRACT_ADDR is required")
	}

	switch cfg.MinConfidence {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("invalid MIN_CONFIDENCE: %s", cfg.MinConfidence)
	}
	switch cfg.SideFilter {
	case "UP", "DOWN", "any":
	default:
		return nil, fmt.Errorf("invalid SIDE_FILTER: %s", cfg.SideFilter)
	}

	return cfg, nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
