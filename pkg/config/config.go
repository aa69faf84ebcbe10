// Package config holds environment-driven settings for the orchestrator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for zenixcore.
type Config struct {
	Port string

	// Venue connection
	VenueWSURL    string
	VenueAppID    string
	PrimarySymbol string
	OtherSymbols  []string

	// Tick store
	MaxHistory int

	// Money management
	PayoutMarkup          float64 // percentage points subtracted from venue payout
	DefaultClientPayout   float64 // fallback when QueryPayout fails
	ConfigCacheTTL        time.Duration
	KeepAliveInterval     time.Duration
	PayoutQueryTimeout    time.Duration
	TradeSendTimeout      time.Duration
	FullContractTimeout   time.Duration
	ContractMonitorTTL    time.Duration
	LogBatchSize          int
	LogMessageCap         int
	LogDetailsCap         int
	LogFlushInterval      time.Duration
	OrchestratorSyncEvery time.Duration
	ReconcileInterval     time.Duration
	ReconcileEpsilon      float64

	// Database
	DBPath string

	// Ops surface
	JWTSecret       string
	EnableOpsAuth   bool
	ModesConfigYAML string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/zenix.db")
	}

	return &Config{
		Port:          getEnv("PORT", "8080"),
		VenueWSURL:    getEnv("VENUE_WS_URL", "wss://ws.venue.example/websockets/v3"),
		VenueAppID:    getEnv("VENUE_APP_ID", "1089"),
		PrimarySymbol: getEnv("PRIMARY_SYMBOL", "R_100"),
		OtherSymbols:  splitAndTrim(getEnv("OTHER_SYMBOLS", "")),

		MaxHistory: getEnvInt("MAX_HISTORY", 100),

		PayoutMarkup:        getEnvFloat("PAYOUT_MARKUP", 3.0),
		DefaultClientPayout: getEnvFloat("DEFAULT_CLIENT_PAYOUT", 92.0),

		ConfigCacheTTL:      getEnvDuration("CONFIG_CACHE_TTL", time.Second),
		KeepAliveInterval:   getEnvDuration("KEEPALIVE_INTERVAL", 90*time.Second),
		PayoutQueryTimeout:  getEnvDuration("PAYOUT_QUERY_TIMEOUT", 10*time.Second),
		TradeSendTimeout:    getEnvDuration("TRADE_SEND_TIMEOUT", 30*time.Second),
		FullContractTimeout: getEnvDuration("FULL_CONTRACT_TIMEOUT", 60*time.Second),
		ContractMonitorTTL:  getEnvDuration("CONTRACT_MONITOR_TIMEOUT", 120*time.Second),

		LogBatchSize:     getEnvInt("LOG_BATCH_SIZE", 50),
		LogMessageCap:    getEnvInt("LOG_MESSAGE_CAP", 5000),
		LogDetailsCap:    getEnvInt("LOG_DETAILS_CAP", 10000),
		LogFlushInterval: getEnvDuration("LOG_FLUSH_INTERVAL", 5*time.Second),

		OrchestratorSyncEvery: getEnvDuration("ORCHESTRATOR_SYNC_INTERVAL", time.Minute),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 2*time.Minute),
		ReconcileEpsilon:      getEnvFloat("RECONCILE_EPSILON", 0.01),

		DBPath: dbPath,

		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		EnableOpsAuth:   getEnv("ENABLE_OPS_AUTH", "true") == "true",
		ModesConfigYAML: getEnv("MODES_CONFIG_PATH", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
