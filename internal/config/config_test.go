package config

import (
	"flag"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "chat.db", cfg.StoragePath)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, "default", cfg.DefaultRoom)
	assert.Equal(t, 30*time.Second, cfg.RecoveryWindow)
	assert.False(t, cfg.Clustered())
}

func TestParse_EnvThenFlags(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("STORAGE_PATH", "postgres://chat@db/chat")

	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-port", "5000", "-recovery-window", "0"})
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, "postgres://chat@db/chat", cfg.StoragePath)
	assert.Equal(t, time.Duration(0), cfg.RecoveryWindow)
	assert.True(t, cfg.Clustered())
}

func TestParse_BadEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Port:        3000,
		StoragePath: "chat.db",
		WorkerCount: 1,
		DefaultRoom: "default",
		NameTTL:     time.Hour,
		LogLevel:    "info",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"no workers", func(c *Config) { c.WorkerCount = 0 }},
		{"ports overflow", func(c *Config) { c.Port = 65535; c.WorkerCount = 2 }},
		{"blank storage", func(c *Config) { c.StoragePath = " " }},
		{"no default room", func(c *Config) { c.DefaultRoom = "" }},
		{"negative recovery", func(c *Config) { c.RecoveryWindow = -time.Second }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLevel(t *testing.T) {
	level, err := Config{LogLevel: "debug"}.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
