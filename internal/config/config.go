// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	StoreDriver string // "sqlite" or "pebble"
	DBPath      string

	DraftTickInterval    time.Duration
	TriggerClearDelay    time.Duration
	PresenceStaleAfter   time.Duration
	PresenceSweepCron    string
	SSEKeepaliveInterval time.Duration
	HistoryLimit         int

	RateLimit RateLimitConfig
}

// RateLimitConfig controls per-user request and frame limits.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "./data/pairchat.db"),

		DraftTickInterval:    getEnvDuration("DRAFT_TICK_INTERVAL", 500*time.Millisecond),
		TriggerClearDelay:    getEnvDuration("TRIGGER_CLEAR_DELAY", 3*time.Second),
		PresenceStaleAfter:   getEnvDuration("PRESENCE_STALE_AFTER", 10*time.Minute),
		PresenceSweepCron:    getEnv("PRESENCE_SWEEP_CRON", "*/5 * * * *"),
		SSEKeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
		HistoryLimit:         getEnvInt("HISTORY_LIMIT", 50),

		RateLimit: RateLimitConfig{
			PerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 20),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 40),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.StoreDriver {
	case "sqlite", "pebble":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or pebble, got %q", c.StoreDriver)
	}
	if c.DraftTickInterval <= 0 {
		return fmt.Errorf("DRAFT_TICK_INTERVAL must be > 0")
	}
	if c.TriggerClearDelay <= 0 {
		return fmt.Errorf("TRIGGER_CLEAR_DELAY must be > 0")
	}
	if c.PresenceStaleAfter <= 0 {
		return fmt.Errorf("PRESENCE_STALE_AFTER must be > 0")
	}
	if !gronx.New().IsValid(c.PresenceSweepCron) {
		return fmt.Errorf("PRESENCE_SWEEP_CRON is not a valid cron expression: %q", c.PresenceSweepCron)
	}
	if c.SSEKeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
