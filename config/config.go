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
	// Analysis backend (Grok / OpenAI-compatible chat completions)
	GrokAPIKey  string
	GrokBaseURL string
	GrokModel   string

	// Brokerage (Alpaca-style REST)
	AlpacaAPIKey    string
	AlpacaSecretKey string
	PaperTrading    bool
	AlpacaBaseURL   string // Derived from PaperTrading unless overridden

	// Trading Parameters
	Symbols         []string // Watched universe, uppercase tickers
	MaxPositionSize float64  // Fraction of equity per position (e.g. 0.25)
	MaxPositions    int      // Cap on concurrently held symbols
	StopLossPct     float64  // e.g. 0.05 for 5%
	TakeProfitPct   float64  // e.g. 0.15 for 15%
	MinConfidence   float64  // Recommendation confidence floor

	// Trading window
	TradingStart   string // "HH:MM" local market time
	TradingEnd     string // "HH:MM" local market time
	BufferMinutes  int    // Shrinks the window on both ends
	PollInterval   time.Duration
	MarketTimezone string   // IANA name, e.g. "America/New_York"
	Holidays       []string // "YYYY-MM-DD" dates the market is closed

	// Gateways
	GatewayTimeout          time.Duration // Per-call timeout for analysis/execution requests
	AnalysisPerMinute       int           // Rate limit on analysis backend calls
	MaxConsecutiveExecFails int           // Execution failures before automatic emergency stop

	// Control surface
	ListenAddr string

	// Database
	DBPath string

	// Logging
	LogLevel string
}

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Analysis backend
	cfg.GrokAPIKey = getEnv("GROK_API_KEY", "")
	cfg.GrokBaseURL = getEnv("GROK_BASE_URL", "https://api.x.ai/v1")
	cfg.GrokModel = getEnv("GROK_MODEL", "grok-beta")
	if cfg.GrokAPIKey == "" {
		errs = append(errs, "GROK_API_KEY must be set")
	}

	// Brokerage
	cfg.AlpacaAPIKey = getEnv("ALPACA_API_KEY", "")
	cfg.AlpacaSecretKey = getEnv("ALPACA_SECRET_KEY", "")
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", true) // Default to paper for safety
	if cfg.AlpacaAPIKey == "" {
		errs = append(errs, "ALPACA_API_KEY must be set")
	}
	if cfg.AlpacaSecretKey == "" {
		errs = append(errs, "ALPACA_SECRET_KEY must be set")
	}
	defaultBase := liveBaseURL
	if cfg.PaperTrading {
		defaultBase = paperBaseURL
	}
	cfg.AlpacaBaseURL = getEnv("ALPACA_BASE_URL", defaultBase)

	// Trading parameters
	cfg.Symbols = splitSymbols(getEnv("WATCH_SYMBOLS", "AAPL,MSFT,GOOGL,NVDA,AMD,TSLA,META"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "WATCH_SYMBOLS must list at least one ticker")
	}

	cfg.MaxPositionSize, err = getEnvAsFloatRequired("MAX_POSITION_SIZE", 0.25)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_SIZE: %v", err))
	} else if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1.0 {
		errs = append(errs, "MAX_POSITION_SIZE must be between 0.0 (exclusive) and 1.0")
	}

	cfg.MaxPositions, err = getEnvAsIntRequired("MAX_POSITIONS", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITIONS: %v", err))
	} else if cfg.MaxPositions <= 0 {
		errs = append(errs, "MAX_POSITIONS must be positive")
	}

	cfg.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1.0 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0.15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfitPct <= 0 {
		errs = append(errs, "TAKE_PROFIT_PCT must be positive")
	}

	cfg.MinConfidence, err = getEnvAsFloatRequired("MIN_CONFIDENCE", 0.6)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_CONFIDENCE: %v", err))
	} else if cfg.MinConfidence < 0 || cfg.MinConfidence > 1.0 {
		errs = append(errs, "MIN_CONFIDENCE must be between 0.0 and 1.0")
	}

	// Trading window
	cfg.TradingStart = getEnv("TRADING_START", "09:30")
	cfg.TradingEnd = getEnv("TRADING_END", "16:00")
	cfg.BufferMinutes = getEnvAsInt("BUFFER_MINUTES", 10)
	if cfg.BufferMinutes < 0 {
		errs = append(errs, "BUFFER_MINUTES cannot be negative")
	}
	pollMinutes := getEnvAsInt("POLL_INTERVAL_MINUTES", 10)
	if pollMinutes <= 0 {
		errs = append(errs, "POLL_INTERVAL_MINUTES must be positive")
	}
	cfg.PollInterval = time.Duration(pollMinutes) * time.Minute
	cfg.MarketTimezone = getEnv("MARKET_TIMEZONE", "America/New_York")
	cfg.Holidays = splitCSV(getEnv("MARKET_HOLIDAYS", ""))

	// Gateways
	timeoutSeconds := getEnvAsInt("GATEWAY_TIMEOUT_SECONDS", 30)
	if timeoutSeconds <= 0 {
		errs = append(errs, "GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	cfg.GatewayTimeout = time.Duration(timeoutSeconds) * time.Second

	cfg.AnalysisPerMinute = getEnvAsInt("ANALYSIS_PER_MINUTE", 6)
	if cfg.AnalysisPerMinute <= 0 {
		errs = append(errs, "ANALYSIS_PER_MINUTE must be positive")
	}

	cfg.MaxConsecutiveExecFails = getEnvAsInt("MAX_CONSECUTIVE_EXEC_FAILS", 3)
	if cfg.MaxConsecutiveExecFails <= 0 {
		errs = append(errs, "MAX_CONSECUTIVE_EXEC_FAILS must be positive")
	}

	// Control surface
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8000")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/swingbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func splitSymbols(raw string) []string {
	parts := splitCSV(raw)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p)
	}
	return parts
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
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

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
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
