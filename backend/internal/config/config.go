// Package config loads the preview daemon's process configuration from
// environment variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in spec §6, plus the on-disk locations
// the Port Manager and host-key-style persistence need.
type Config struct {
	// BindAddress is logged at startup and passed to the Server Manager. The
	// Project File Servers always bind 127.0.0.1; this value does not change
	// the address they bind.
	BindAddress string

	// PortRangeLow/PortRangeHigh bound the Port Manager's allocation range.
	PortRangeLow  int
	PortRangeHigh int

	// MaxActiveServers caps the Server Manager's pool size.
	MaxActiveServers int

	// IdleTimeout is how long a server may sit unused before the reaper stops it.
	IdleTimeout time.Duration

	// ReaperInterval is how often the idle reaper scans the pool.
	ReaperInterval time.Duration

	// StartTimeout bounds how long a new listener has to come up.
	StartTimeout time.Duration

	// DataDir is where the persisted port mapping is stored.
	DataDir string

	// LogLevel controls zerolog's global level ("debug", "info", "warn", "error").
	LogLevel string
}

// Load reads configuration from the environment, applying the defaults from
// spec §6. Unset or unparsable variables fall back to their defaults; the
// only error returned is for an invalid port range (low not positive, or
// high not above low).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BindAddress:      getEnv("PREVIEWD_BIND_ADDRESS", "127.0.0.1"),
		PortRangeLow:     getEnvAsInt("PREVIEWD_PORT_LOW", 3000),
		PortRangeHigh:    getEnvAsInt("PREVIEWD_PORT_HIGH", 4000),
		MaxActiveServers: getEnvAsInt("PREVIEWD_MAX_ACTIVE_SERVERS", 10),
		IdleTimeout:      getEnvAsDuration("PREVIEWD_IDLE_TIMEOUT", 5*time.Minute),
		ReaperInterval:   getEnvAsDuration("PREVIEWD_REAPER_INTERVAL", 60*time.Second),
		StartTimeout:     getEnvAsDuration("PREVIEWD_START_TIMEOUT", 5*time.Second),
		DataDir:          getEnv("PREVIEWD_DATA_DIR", defaultDataDir()),
		LogLevel:         getEnv("PREVIEWD_LOG_LEVEL", "info"),
	}

	if cfg.PortRangeLow <= 0 || cfg.PortRangeHigh <= cfg.PortRangeLow {
		return nil, fmt.Errorf("config: invalid port range [%d, %d]", cfg.PortRangeLow, cfg.PortRangeHigh)
	}

	return cfg, nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.appos/previewd"
	}
	return ".appos-previewd"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
