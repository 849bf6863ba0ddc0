package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/anujsainicse/scalper-sub000/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Exchange
	Exchange  string // Only "binance" is wired
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Exchange call limits
	CallTimeout        time.Duration // Upper bound on every REST call made by the engine
	RateLimitPerSecond int
	DefaultLeverage    int

	// Stream connection
	ReconnectDelay       time.Duration // Initial backoff
	MaxReconnectDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // 0 means retry forever
	ListenKeyKeepAlive   time.Duration

	// Engine
	ReconcileMaxWorkers int
	SweepInterval       time.Duration // 0 disables the periodic sweep
	DedupTTL            time.Duration
	RedisURL            string // Optional; in-memory dedup when empty

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string

	// Operator surfaces
	HTTPAddr         string
	TelegramBotToken string
	TelegramChatIDs  []string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Exchange
	cfg.Exchange = strings.ToLower(getEnv("EXCHANGE", "binance"))
	if cfg.Exchange != "binance" {
		errs = append(errs, fmt.Sprintf("unsupported EXCHANGE %q", cfg.Exchange))
	}
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	callTimeoutSeconds, err := getEnvAsIntRequired("EXCHANGE_CALL_TIMEOUT_SECONDS", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXCHANGE_CALL_TIMEOUT_SECONDS: %v", err))
	} else if callTimeoutSeconds <= 0 {
		errs = append(errs, "EXCHANGE_CALL_TIMEOUT_SECONDS must be positive")
	}
	cfg.CallTimeout = time.Duration(callTimeoutSeconds) * time.Second

	cfg.RateLimitPerSecond = getEnvAsInt("EXCHANGE_RATE_LIMIT_PER_SECOND", 10)
	if cfg.RateLimitPerSecond <= 0 {
		errs = append(errs, "EXCHANGE_RATE_LIMIT_PER_SECOND must be positive")
	}

	cfg.DefaultLeverage, err = getEnvAsIntRequired("DEFAULT_LEVERAGE", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_LEVERAGE: %v", err))
	} else if cfg.DefaultLeverage <= 0 {
		errs = append(errs, "DEFAULT_LEVERAGE must be positive")
	}

	// Stream connection
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 1)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	maxReconnectDelaySeconds := getEnvAsInt("MAX_RECONNECT_DELAY_SECONDS", 60)
	if maxReconnectDelaySeconds < reconnectDelaySeconds {
		errs = append(errs, "MAX_RECONNECT_DELAY_SECONDS must not be less than RECONNECT_DELAY_SECONDS")
	}
	cfg.MaxReconnectDelay = time.Duration(maxReconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 0)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	keepAliveMinutes := getEnvAsInt("LISTEN_KEY_KEEPALIVE_MINUTES", 30)
	if keepAliveMinutes <= 0 || keepAliveMinutes >= 60 {
		errs = append(errs, "LISTEN_KEY_KEEPALIVE_MINUTES must be between 1 and 59")
	}
	cfg.ListenKeyKeepAlive = time.Duration(keepAliveMinutes) * time.Minute

	// Engine
	cfg.ReconcileMaxWorkers = getEnvAsInt("RECONCILE_MAX_WORKERS", 8)
	if cfg.ReconcileMaxWorkers <= 0 {
		errs = append(errs, "RECONCILE_MAX_WORKERS must be positive")
	}

	sweepSeconds := getEnvAsInt("SWEEP_INTERVAL_SECONDS", 60)
	if sweepSeconds < 0 {
		errs = append(errs, "SWEEP_INTERVAL_SECONDS cannot be negative")
	}
	cfg.SweepInterval = time.Duration(sweepSeconds) * time.Second

	dedupMinutes := getEnvAsInt("DEDUP_TTL_MINUTES", 60)
	if dedupMinutes <= 0 {
		errs = append(errs, "DEDUP_TTL_MINUTES must be positive")
	}
	cfg.DedupTTL = time.Duration(dedupMinutes) * time.Minute

	cfg.RedisURL = getEnv("REDIS_URL", "")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/scalper.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be text or json")
	}

	// Operator surfaces
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatIDs = getEnvAsList("TELEGRAM_CHAT_IDS")
	if cfg.TelegramBotToken != "" && len(cfg.TelegramChatIDs) == 0 {
		errs = append(errs, "TELEGRAM_CHAT_IDS must be set when TELEGRAM_BOT_TOKEN is set")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
