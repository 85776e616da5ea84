// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Sandbox storage
	DataRoot string

	// Database (optional relational mirror of folder records)
	DatabaseURL string

	// Downloads
	MaxDownloadSize  int64
	SessionRetention time.Duration

	// Quotas
	DefaultFolderQuota int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DataRoot:           envOr("DATA_ROOT", ""),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		MaxDownloadSize:    envInt64("MAX_DOWNLOAD_SIZE", 4*1024*1024*1024), // 4 GiB
		SessionRetention:   envDuration("SESSION_RETENTION", 30*time.Minute),
		DefaultFolderQuota: envInt64("DEFAULT_FOLDER_QUOTA", 1024*1024*1024), // 1 GiB
	}

	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("DATA_ROOT is required")
	}
	if cfg.MaxDownloadSize <= 0 {
		return nil, fmt.Errorf("MAX_DOWNLOAD_SIZE must be positive")
	}
	if cfg.DefaultFolderQuota <= 0 {
		return nil, fmt.Errorf("DEFAULT_FOLDER_QUOTA must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
