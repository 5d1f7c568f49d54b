// Package config loads daemon configuration from file, environment and
// defaults, in that order of precedence (environment wins).
//
// Configuration is optional: with no file and no environment the defaults
// describe a workable local setup, except for the server credentials which
// the daemon validates at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	// WorkspaceID identifies the synced workspace.
	WorkspaceID string `mapstructure:"workspace_id"`

	// DataDir holds the workspace database and attachments.
	DataDir string `mapstructure:"data_dir"`

	Server      ServerConfig      `mapstructure:"server"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Transfers   TransfersConfig   `mapstructure:"transfers"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig points at the sync service.
type ServerConfig struct {
	// BaseURL is the HTTP endpoint, e.g. https://sync.example.com.
	BaseURL string `mapstructure:"base_url"`

	// WebSocketURL is the nudge endpoint; derived from BaseURL if empty.
	WebSocketURL string `mapstructure:"websocket_url"`

	// Token is the session token (JWT) for this device.
	Token string `mapstructure:"token"`
}

// SyncConfig tunes the engine loops.
type SyncConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	PullInterval  time.Duration `mapstructure:"pull_interval"`
	PullLimit     int           `mapstructure:"pull_limit"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// TransfersConfig tunes the file transfer pool.
type TransfersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// AttachmentsConfig controls the attachments watcher.
type AttachmentsConfig struct {
	// Dir is the watched attachments directory; defaults to
	// <data_dir>/attachments.
	Dir string `mapstructure:"dir"`

	// Watch enables the filesystem watcher.
	Watch bool `mapstructure:"watch"`
}

// RetentionConfig controls GC windows.
type RetentionConfig struct {
	Tombstones time.Duration `mapstructure:"tombstones"`
	Files      time.Duration `mapstructure:"files"`
}

// DashboardConfig controls the local monitoring server.
type DashboardConfig struct {
	// Enabled starts the WebSocket dashboard alongside the daemon.
	Enabled bool `mapstructure:"enabled"`

	// Port for the dashboard HTTP server.
	Port int `mapstructure:"port"`
}

// LogConfig controls the rotating daemon log.
type LogConfig struct {
	// File is the log path; empty logs to stderr only.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the given file (or the default search
// paths when path is empty), applies DRIFTSYNC_* environment overrides,
// and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DRIFTSYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("driftsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "driftsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless one was named explicitly.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = filepath.Join(cfg.DataDir, "attachments")
	}
	return &cfg, nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	return nil
}

// DatabasePath returns the workspace database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "workspace.db")
}

func setDefaults(v *viper.Viper) {
	dataDir := ".driftsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".driftsync")
	}

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("sync.flush_interval", 5*time.Second)
	v.SetDefault("sync.pull_interval", 15*time.Second)
	v.SetDefault("sync.pull_limit", 500)
	v.SetDefault("sync.stale_after", 14*24*time.Hour)
	v.SetDefault("transfers.concurrency", 2)
	v.SetDefault("transfers.max_attempts", 5)
	v.SetDefault("attachments.watch", true)
	v.SetDefault("retention.tombstones", 30*24*time.Hour)
	v.SetDefault("retention.files", 30*24*time.Hour)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 7117)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}
