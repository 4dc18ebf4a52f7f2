package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all environment configuration for the API process.
type Config struct {
	Port               int
	DatabaseURL        string
	DBMaxConns         int32
	DBConnectTimeout   time.Duration
	UnackWindow        time.Duration
	UnackSweepInterval time.Duration
	PollBackoff        time.Duration
	ReceiveMax         int
	LogLevel           string
}

// helper: read env var as int in the given unit → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration, unit time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * unit
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

// LoadConfig reads and validates process configuration from the environment:
// listen port, database DSN and pool size, connect timeout, the unack
// window and sweep cadence, poll backoff, receive batch cap, and log level.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		DBMaxConns:         int32(getEnvAsInt("DB_MAX_CONNS", 10)),
		DBConnectTimeout:   getEnvAsDuration("DB_CONNECT_TIMEOUT", 5*time.Second, time.Second),
		UnackWindow:        getEnvAsDuration("UNACK_WINDOW_SECONDS", 60*time.Second, time.Second),
		UnackSweepInterval: getEnvAsDuration("UNACK_SWEEP_INTERVAL_SECONDS", 60*time.Second, time.Second),
		PollBackoff:        getEnvAsDuration("POLL_BACKOFF_MS", 100*time.Millisecond, time.Millisecond),
		ReceiveMax:         getEnvAsInt("RECEIVE_MAX", 10),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	// Basic validation
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.ReceiveMax <= 0 {
		return nil, fmt.Errorf("invalid RECEIVE_MAX: %d", cfg.ReceiveMax)
	}
	if cfg.DBMaxConns <= 0 {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %d", cfg.DBMaxConns)
	}

	return cfg, nil
}
