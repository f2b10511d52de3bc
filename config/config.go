package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/1a55y/TradingBot/internal/adapters/logger" // Import the logger package for LogLevel
	"github.com/1a55y/TradingBot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Broker API
	APIBaseURL   string
	MarketHubURL string
	UserHubURL   string
	APIToken     string
	AccountID    int64

	// Contract
	ContractID string  // e.g. "CON.F.US.MGC.Q25"
	TickSize   float64 // price increment, e.g. 0.10
	TickValue  float64 // dollar value of one tick

	// Risk Parameters
	DailyLossLimit       float64 // hard daily stop in dollars
	MaxRiskPerTrade      float64 // per-trade dollar cap
	MaxConsecutiveLosses int
	MaxTradesPerDay      int
	MinSize              int
	MaxSize              int
	MinStopTicks         int
	MaxStopTicks         int
	MinSignalScore       float64
	SessionStart         string // "HH:MM", exchange session open
	SessionEnd           string
	EntryBlackout        time.Duration // no new entries this close to session end
	SignalCooldown       time.Duration // wait after opening a position

	// Partial Profit Plan
	ProfitPlan           domain.PartialProfitPlan
	BreakevenEnabled     bool
	BreakevenBufferTicks int

	// Connection Settings
	ConnectAttempts   int           // immediate-retry budget inside Connect
	ReconnectMinDelay time.Duration // backoff floor
	ReconnectMaxDelay time.Duration // backoff cap
	KeepAliveInterval time.Duration // client ping after this much idle
	CallTimeout       time.Duration // per submit/cancel REST call
	SubmitRetries     int           // transient-error retries per submission

	// Collaborators
	SignalEndpoint         string
	SignalPollInterval     time.Duration
	EquityTTL              time.Duration
	AccountRefreshInterval time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel

	// Shutdown behaviour
	FlattenOnShutdown bool
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Broker API
	cfg.APIBaseURL = getEnv("BROKER_API_BASE_URL", "https://api.topstepx.com")
	cfg.MarketHubURL = getEnv("BROKER_MARKET_HUB_URL", "wss://rtc.topstepx.com/hubs/market")
	cfg.UserHubURL = getEnv("BROKER_USER_HUB_URL", "wss://rtc.topstepx.com/hubs/user")
	cfg.APIToken = getEnv("BROKER_API_TOKEN", "")
	if cfg.APIToken == "" {
		errs = append(errs, "BROKER_API_TOKEN must be set")
	}
	accountIDStr := getEnv("BROKER_ACCOUNT_ID", "")
	if accountIDStr == "" {
		errs = append(errs, "BROKER_ACCOUNT_ID must be set")
	} else if cfg.AccountID, err = strconv.ParseInt(accountIDStr, 10, 64); err != nil {
		errs = append(errs, fmt.Sprintf("invalid BROKER_ACCOUNT_ID: %v", err))
	}

	// Contract
	cfg.ContractID = getEnv("CONTRACT_ID", "CON.F.US.MGC.Q25")
	cfg.TickSize, err = getEnvAsFloatRequired("TICK_SIZE", 0.10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TICK_SIZE: %v", err))
	} else if cfg.TickSize <= 0 {
		errs = append(errs, "TICK_SIZE must be positive")
	}
	cfg.TickValue, err = getEnvAsFloatRequired("TICK_VALUE", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TICK_VALUE: %v", err))
	} else if cfg.TickValue <= 0 {
		errs = append(errs, "TICK_VALUE must be positive")
	}

	// Risk Parameters
	cfg.DailyLossLimit, err = getEnvAsFloatRequired("DAILY_LOSS_LIMIT", 800.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_LOSS_LIMIT: %v", err))
	} else if cfg.DailyLossLimit <= 0 {
		errs = append(errs, "DAILY_LOSS_LIMIT must be positive")
	}
	cfg.MaxRiskPerTrade, err = getEnvAsFloatRequired("MAX_RISK_PER_TRADE", 500.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_RISK_PER_TRADE: %v", err))
	} else if cfg.MaxRiskPerTrade <= 0 {
		errs = append(errs, "MAX_RISK_PER_TRADE must be positive")
	}
	cfg.MaxConsecutiveLosses = getEnvAsInt("MAX_CONSECUTIVE_LOSSES", 2)
	cfg.MaxTradesPerDay = getEnvAsInt("MAX_TRADES_PER_DAY", 5)
	cfg.MinSize = getEnvAsInt("MIN_POSITION_SIZE", 1)
	cfg.MaxSize = getEnvAsInt("MAX_POSITION_SIZE", 50)
	if cfg.MinSize <= 0 || cfg.MaxSize < cfg.MinSize {
		errs = append(errs, "MIN_POSITION_SIZE must be positive and not exceed MAX_POSITION_SIZE")
	}
	cfg.MinStopTicks = getEnvAsInt("MIN_STOP_TICKS", 25)
	cfg.MaxStopTicks = getEnvAsInt("MAX_STOP_TICKS", 100)
	if cfg.MinStopTicks <= 0 || cfg.MaxStopTicks < cfg.MinStopTicks {
		errs = append(errs, "MIN_STOP_TICKS must be positive and not exceed MAX_STOP_TICKS")
	}
	cfg.MinSignalScore = getEnvAsFloat("MIN_SIGNAL_SCORE", 7.0)
	cfg.SessionStart = getEnv("SESSION_START", "16:45")
	cfg.SessionEnd = getEnv("SESSION_END", "22:30")
	if _, perr := time.Parse("15:04", cfg.SessionStart); perr != nil {
		errs = append(errs, fmt.Sprintf("invalid SESSION_START: %v", perr))
	}
	if _, perr := time.Parse("15:04", cfg.SessionEnd); perr != nil {
		errs = append(errs, fmt.Sprintf("invalid SESSION_END: %v", perr))
	}
	cfg.EntryBlackout = getEnvAsDuration("ENTRY_BLACKOUT", 15*time.Minute)
	cfg.SignalCooldown = getEnvAsDuration("SIGNAL_COOLDOWN", 5*time.Minute)

	// Partial Profit Plan, e.g. "0.50:1.0,0.40:2.0,0.10:2.5"
	planStr := getEnv("PROFIT_PLAN", "0.50:1.0,0.40:2.0,0.10:2.5")
	plan, planErr := parseProfitPlan(planStr)
	if planErr != nil {
		errs = append(errs, fmt.Sprintf("invalid PROFIT_PLAN: %v", planErr))
	} else {
		cfg.ProfitPlan = plan
	}
	cfg.BreakevenEnabled = getEnvAsBool("BREAKEVEN_ENABLED", true)
	cfg.BreakevenBufferTicks = getEnvAsInt("BREAKEVEN_BUFFER_TICKS", 2)
	if cfg.BreakevenBufferTicks < 0 {
		errs = append(errs, "BREAKEVEN_BUFFER_TICKS cannot be negative")
	}

	// Connection Settings
	cfg.ConnectAttempts = getEnvAsInt("CONNECT_ATTEMPTS", 3)
	if cfg.ConnectAttempts <= 0 {
		errs = append(errs, "CONNECT_ATTEMPTS must be positive")
	}
	cfg.ReconnectMinDelay = getEnvAsDuration("RECONNECT_MIN_DELAY", time.Second)
	cfg.ReconnectMaxDelay = getEnvAsDuration("RECONNECT_MAX_DELAY", 30*time.Second)
	if cfg.ReconnectMinDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		errs = append(errs, "RECONNECT_MIN_DELAY must be positive and not exceed RECONNECT_MAX_DELAY")
	}
	cfg.KeepAliveInterval = getEnvAsDuration("KEEPALIVE_INTERVAL", 15*time.Second)
	cfg.CallTimeout = getEnvAsDuration("CALL_TIMEOUT", 10*time.Second)
	cfg.SubmitRetries = getEnvAsInt("SUBMIT_RETRIES", 2)
	if cfg.SubmitRetries < 0 {
		errs = append(errs, "SUBMIT_RETRIES cannot be negative")
	}

	// Collaborators
	cfg.SignalEndpoint = getEnv("SIGNAL_ENDPOINT", "http://127.0.0.1:8089/signals")
	cfg.SignalPollInterval = getEnvAsDuration("SIGNAL_POLL_INTERVAL", 30*time.Second)
	cfg.EquityTTL = getEnvAsDuration("EQUITY_TTL", 30*time.Second)
	cfg.AccountRefreshInterval = getEnvAsDuration("ACCOUNT_REFRESH_INTERVAL", time.Minute)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trading_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Shutdown behaviour
	cfg.FlattenOnShutdown = getEnvAsBool("FLATTEN_ON_SHUTDOWN", false)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// parseProfitPlan parses a comma-separated "fraction:rewardMultiple"
// ladder and validates it.
func parseProfitPlan(s string) (domain.PartialProfitPlan, error) {
	var plan domain.PartialProfitPlan
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pieces := strings.SplitN(part, ":", 2)
		if len(pieces) != 2 {
			return plan, fmt.Errorf("tier %q must be fraction:rewardMultiple", part)
		}
		frac, err := strconv.ParseFloat(strings.TrimSpace(pieces[0]), 64)
		if err != nil {
			return plan, fmt.Errorf("tier fraction %q: %w", pieces[0], err)
		}
		mult, err := strconv.ParseFloat(strings.TrimSpace(pieces[1]), 64)
		if err != nil {
			return plan, fmt.Errorf("tier reward multiple %q: %w", pieces[1], err)
		}
		plan.Tiers = append(plan.Tiers, domain.Tier{Fraction: frac, RewardMultiple: mult})
	}
	if err := plan.Validate(); err != nil {
		return plan, err
	}
	return plan, nil
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		// Return error if env var is set but invalid
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
