// Package config provides YAML-based configuration loading for switchboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level switchboard configuration, loaded from config.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	OpenCode    OpenCodeConfig    `yaml:"opencode"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// ServerConfig holds the WebSocket listener settings that NapCat connects to.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OpenCodeConfig holds settings for the opencode CLI backend.
type OpenCodeConfig struct {
	Command       string `yaml:"command"`
	WorkDir       string `yaml:"work_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ExpandedWorkDir returns WorkDir with a leading "~" expanded to the
// user's home directory.
func (o OpenCodeConfig) ExpandedWorkDir() string {
	if o.WorkDir == "~" || strings.HasPrefix(o.WorkDir, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(o.WorkDir[1:], "/"))
		}
	}
	return o.WorkDir
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds log level and file retention settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	KeepDays   int    `yaml:"keep_days"`
	MaxTotalMB int    `yaml:"max_total_mb"`
}

// MaintenanceConfig holds the schedule for background cleanup.
type MaintenanceConfig struct {
	CleanupCron string `yaml:"cleanup_cron"`
}

// DashboardConfig holds the status dashboard settings. Port 0 disables it.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.OpenCode.Command == "" {
		c.OpenCode.Command = "opencode"
	}
	if c.OpenCode.WorkDir == "" {
		c.OpenCode.WorkDir = "~/.switchboard/workspace"
	}
	if c.OpenCode.MaxConcurrent == 0 {
		c.OpenCode.MaxConcurrent = 1
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/switchboard.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.KeepDays == 0 {
		c.Logging.KeepDays = 30
	}
	if c.Logging.MaxTotalMB == 0 {
		c.Logging.MaxTotalMB = 100
	}
	if c.Maintenance.CleanupCron == "" {
		c.Maintenance.CleanupCron = "30 4 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.OpenCode.MaxConcurrent < 1 {
		errs = append(errs, "opencode.max_concurrent must be at least 1")
	}
	if c.Logging.KeepDays < 1 {
		errs = append(errs, "logging.keep_days must be at least 1")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
