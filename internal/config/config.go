// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay configuration.
type Config struct {
	// EndpointURL is the backend origin plus base path, http(s) scheme.
	// The transport derives the ws(s) URL from it.
	EndpointURL string
	TokenPath   string
	DBPath      string
	StatusAddr  string

	Heartbeat HeartbeatConfig
	Backoff   BackoffConfig
	Offline   OfflineConfig

	DedupeWindow time.Duration
}

// HeartbeatConfig controls liveness probing on an open connection.
type HeartbeatConfig struct {
	Interval      time.Duration
	MissTolerance int
}

// BackoffConfig controls reconnection scheduling after non-terminal closes.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// OfflineConfig controls snapshot caching and outbox flushing.
type OfflineConfig struct {
	SnapshotCap   int
	FlushDebounce time.Duration
	ProbeInterval time.Duration
	PruneInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		EndpointURL: getEnv("RELAY_ENDPOINT", ""),
		TokenPath:   getEnv("RELAY_TOKEN_PATH", "./data/token"),
		DBPath:      getEnv("RELAY_DB_PATH", "./data/relay.db"),
		StatusAddr:  getEnv("RELAY_STATUS_ADDR", "127.0.0.1:7411"),
		Heartbeat: HeartbeatConfig{
			Interval:      getEnvDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
			MissTolerance: getEnvInt("RELAY_HEARTBEAT_MISS_TOLERANCE", 3),
		},
		Backoff: BackoffConfig{
			BaseDelay:   getEnvDuration("RELAY_BACKOFF_BASE", time.Second),
			MaxDelay:    getEnvDuration("RELAY_BACKOFF_MAX", 30*time.Second),
			MaxAttempts: getEnvInt("RELAY_BACKOFF_MAX_ATTEMPTS", 5),
		},
		Offline: OfflineConfig{
			SnapshotCap:   getEnvInt("RELAY_SNAPSHOT_CAP", 30),
			FlushDebounce: getEnvDuration("RELAY_FLUSH_DEBOUNCE", 750*time.Millisecond),
			ProbeInterval: getEnvDuration("RELAY_PROBE_INTERVAL", 15*time.Second),
			PruneInterval: getEnvDuration("RELAY_PRUNE_INTERVAL", time.Hour),
		},
		DedupeWindow: getEnvDuration("RELAY_DEDUPE_WINDOW", 1200*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and sane.
func (c *Config) Validate() error {
	if c.EndpointURL == "" {
		return fmt.Errorf("RELAY_ENDPOINT cannot be empty")
	}
	u, err := url.Parse(c.EndpointURL)
	if err != nil {
		return fmt.Errorf("RELAY_ENDPOINT is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("RELAY_ENDPOINT scheme must be http or https, got %q", u.Scheme)
	}
	if c.DBPath == "" {
		return fmt.Errorf("RELAY_DB_PATH cannot be empty")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Heartbeat.MissTolerance <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_MISS_TOLERANCE must be > 0")
	}
	if c.Backoff.BaseDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("backoff delays must satisfy 0 < base <= max")
	}
	if c.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("RELAY_BACKOFF_MAX_ATTEMPTS must be > 0")
	}
	if c.Offline.SnapshotCap <= 0 {
		return fmt.Errorf("RELAY_SNAPSHOT_CAP must be > 0")
	}
	if c.DedupeWindow <= 0 {
		return fmt.Errorf("RELAY_DEDUPE_WINDOW must be > 0")
	}
	return nil
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
