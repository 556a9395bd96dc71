// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/warp/points-ledger/points"
)

// Config holds all configuration for the points ledger service.
type Config struct {
	Port           int    `mapstructure:"PORT"`
	DBDriver       string `mapstructure:"DB_DRIVER"` // sqlite, postgres or memory
	DBPath         string `mapstructure:"DB_PATH"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	SweepSchedule  string `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize int    `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepWorkers   int    `mapstructure:"SWEEP_WORKERS"`
	GrantRetries   int    `mapstructure:"GRANT_RETRIES"`
	AccountRetries int    `mapstructure:"ACCOUNT_RETRIES"`
}

var keys = []string{
	"PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "LOG_LEVEL",
	"SWEEP_SCHEDULE", "SWEEP_BATCH_SIZE", "SWEEP_WORKERS",
	"GRANT_RETRIES", "ACCOUNT_RETRIES",
}

// Load reads configuration from env files and the environment, applying
// defaults for anything unset. With no envFiles an optional ./.env is
// read; files named explicitly must exist.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	defaults := points.DefaultConfig()
	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "points.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SWEEP_SCHEDULE", "@every 1h")
	v.SetDefault("SWEEP_BATCH_SIZE", defaults.SweepBatchSize)
	v.SetDefault("SWEEP_WORKERS", defaults.SweepWorkers)
	v.SetDefault("GRANT_RETRIES", defaults.GrantRetries)
	v.SetDefault("ACCOUNT_RETRIES", defaults.AccountRetries)
	v.AutomaticEnv()

	// Bind explicitly so unset keys still reach Unmarshal.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.GrantRetries < 0 || c.AccountRetries < 0 {
		return errors.New("retry budgets must not be negative")
	}
	return nil
}

// Ledger returns the engine settings.
func (c *Config) Ledger() points.Config {
	return points.Config{
		GrantRetries:   c.GrantRetries,
		AccountRetries: c.AccountRetries,
		SweepBatchSize: c.SweepBatchSize,
		SweepWorkers:   c.SweepWorkers,
	}
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
