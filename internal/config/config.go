package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds the server's runtime settings, loaded once from the
// environment. Database and redis connections read their own env vars inside
// their packages.
type Config struct {
	Port       int
	AdminToken string

	Game GameConfig
}

// GameConfig carries the tunables of the crash round engine.
type GameConfig struct {
	TickInterval    time.Duration
	WaitingTime     time.Duration
	BettingTime     time.Duration
	CrashedTime     time.Duration
	MinBet          int64
	MaxBet          int64
	StoreTimeout    time.Duration
	PingInterval    time.Duration
	MaxMissedPings  int
	SendQueueSize   int
	HistoryLength   int
	SessionTTL      time.Duration
}

func Load() *Config {
	return &Config{
		Port:       getEnvAsInt("PORT", 8080),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		Game: GameConfig{
			TickInterval:   getEnvAsDuration("CRASH_TICK_INTERVAL", 16*time.Millisecond),
			WaitingTime:    getEnvAsDuration("CRASH_WAITING_TIME", 3*time.Second),
			BettingTime:    getEnvAsDuration("CRASH_BETTING_TIME", 7*time.Second),
			CrashedTime:    getEnvAsDuration("CRASH_CRASHED_TIME", 4*time.Second),
			MinBet:         getEnvAsInt64("CRASH_MIN_BET", 1),
			MaxBet:         getEnvAsInt64("CRASH_MAX_BET", 10000),
			StoreTimeout:   getEnvAsDuration("CRASH_STORE_TIMEOUT", 500*time.Millisecond),
			PingInterval:   getEnvAsDuration("WS_PING_INTERVAL", 30*time.Second),
			MaxMissedPings: getEnvAsInt("WS_MAX_MISSED_PINGS", 2),
			SendQueueSize:  getEnvAsInt("WS_SEND_QUEUE", 256),
			HistoryLength:  getEnvAsInt("CRASH_HISTORY_LENGTH", 20),
			SessionTTL:     getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
