// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrMaxUploadBytes is returned when MAX_UPLOAD_BYTES is not positive.
	ErrMaxUploadBytes = errors.New("config: MAX_UPLOAD_BYTES must be positive")
	// ErrMaxConcurrent is returned when MAX_CONCURRENT is not positive.
	ErrMaxConcurrent = errors.New("config: MAX_CONCURRENT must be positive")
	// ErrRateLimit is returned when RATE_LIMIT is not positive.
	ErrRateLimit = errors.New("config: RATE_LIMIT must be positive")
	// ErrTimeout is returned when an operation timeout is not positive.
	ErrTimeout = errors.New("config: operation timeouts must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Media processing settings
	FFmpegPath     string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	ExtractTimeout time.Duration `env:"EXTRACT_TIMEOUT, default=30s" json:"extract_timeout"`
	EmbedTimeout   time.Duration `env:"EMBED_TIMEOUT, default=60s" json:"embed_timeout"`

	// Workspace settings
	TempDir string `env:"TEMP_DIR, default=/tmp/coverframe" json:"temp_dir"`

	// Upload limits
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES, default=104857600" json:"max_upload_bytes"`

	// Admission control settings
	MaxConcurrent int           `env:"MAX_CONCURRENT, default=5" json:"max_concurrent"`
	RateLimit     int           `env:"RATE_LIMIT, default=10" json:"rate_limit"`
	RateWindow    time.Duration `env:"RATE_WINDOW, default=60s" json:"rate_window"`
	BlockDuration time.Duration `env:"BLOCK_DURATION, default=15m" json:"block_duration"`
	EntryTTL      time.Duration `env:"ENTRY_TTL, default=1h" json:"entry_ttl"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL, default=60s" json:"sweep_interval"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is usable.
func (c *Config) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return ErrMaxUploadBytes
	}
	if c.MaxConcurrent <= 0 {
		return ErrMaxConcurrent
	}
	if c.RateLimit <= 0 {
		return ErrRateLimit
	}
	if c.ExtractTimeout <= 0 || c.EmbedTimeout <= 0 {
		return ErrTimeout
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, FFmpegPath: %s, TempDir: %s, MaxUploadBytes: %d, MaxConcurrent: %d, RateLimit: %d, RateWindow: %s, BlockDuration: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.FFmpegPath,
		c.TempDir,
		c.MaxUploadBytes,
		c.MaxConcurrent,
		c.RateLimit,
		c.RateWindow,
		c.BlockDuration,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
