// Package config loads server settings from the environment, with flags
// taking precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port            int           `env:"PORT"             envDefault:"3000"`
	StoragePath     string        `env:"STORAGE_PATH"     envDefault:"chat.db"`
	WorkerCount     int           `env:"WORKER_COUNT"     envDefault:"1"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisChannel    string        `env:"REDIS_CHANNEL"    envDefault:"chat:rooms"`
	NamePrefix      string        `env:"NAME_PREFIX"      envDefault:"chat:user:"`
	NameTTL         time.Duration `env:"NAME_TTL"         envDefault:"12h"`
	DefaultRoom     string        `env:"DEFAULT_ROOM"     envDefault:"default"`
	RecoveryWindow  time.Duration `env:"RECOVERY_WINDOW"  envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
}

// Parse reads the environment, then lets args override it.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "first network bind port; worker i listens on port+i")
	fs.StringVar(&cfg.StoragePath, "storage", cfg.StoragePath, "SQLite file path or postgres:// URL")
	fs.IntVar(&cfg.WorkerCount, "workers", cfg.WorkerCount, "number of workers sharing the backbone")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the cross-process backbone (empty: in-process)")
	fs.StringVar(&cfg.DefaultRoom, "default-room", cfg.DefaultRoom, "room used when a join names none")
	fs.DurationVar(&cfg.RecoveryWindow, "recovery-window", cfg.RecoveryWindow, "how long a dropped connection can be resumed (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount))
	} else if c.Port+c.WorkerCount-1 > 65535 {
		errs = append(errs, fmt.Errorf("ports %d..%d out of range", c.Port, c.Port+c.WorkerCount-1))
	}
	if strings.TrimSpace(c.StoragePath) == "" {
		errs = append(errs, errors.New("storage path is required"))
	}
	if c.DefaultRoom == "" {
		errs = append(errs, errors.New("default room is required"))
	}
	if c.RecoveryWindow < 0 {
		errs = append(errs, errors.New("recovery window must not be negative"))
	}
	if c.NameTTL <= 0 {
		errs = append(errs, errors.New("name TTL must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Clustered reports whether workers in other processes can be reached.
func (c Config) Clustered() bool {
	return c.RedisAddr != ""
}
