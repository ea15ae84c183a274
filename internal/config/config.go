// Package config provides YAML-based configuration loading for roundhouse.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	Claude    ClaudeConfig    `yaml:"claude"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
}

// ClaudeConfig holds launch settings for claude subprocesses.
type ClaudeConfig struct {
	Binary          string        `yaml:"binary"`
	MaxTurns        int           `yaml:"max_turns"`
	AllowedTools    []string      `yaml:"allowed_tools"`
	SkipPermissions bool          `yaml:"skip_permissions"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

// SandboxConfig names the directory every session must stay inside.
type SandboxConfig struct {
	ApprovedDirectory string `yaml:"approved_directory"`
}

// DatabaseConfig selects and addresses the durable store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LedgerConfig controls expiry of session records.
type LedgerConfig struct {
	ExpireAfter   time.Duration `yaml:"expire_after"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// TelegraphConfig configures the optional chat relay.
type TelegraphConfig struct {
	Platform string        `yaml:"platform"` // "" disables the relay
	Channel  string        `yaml:"channel"`
	Discord  DiscordConfig `yaml:"discord"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
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
	if c.Claude.Binary == "" {
		c.Claude.Binary = "claude"
	}
	if c.Claude.MaxTurns == 0 {
		c.Claude.MaxTurns = 10
	}
	if c.Claude.ReadTimeout == 0 {
		c.Claude.ReadTimeout = 5 * time.Minute
	}
	if c.Sandbox.ApprovedDirectory != "" {
		if abs, err := filepath.Abs(c.Sandbox.ApprovedDirectory); err == nil {
			c.Sandbox.ApprovedDirectory = abs
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "roundhouse.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "roundhouse"
		}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8080"
	}
	if c.Ledger.ExpireAfter == 0 {
		c.Ledger.ExpireAfter = 30 * 24 * time.Hour
	}
	if c.Ledger.SweepSchedule == "" {
		c.Ledger.SweepSchedule = "0 * * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Sandbox.ApprovedDirectory == "" {
		errs = append(errs, "sandbox.approved_directory is required")
	}
	if c.Claude.MaxTurns < 0 {
		errs = append(errs, "claude.max_turns must not be negative")
	}
	if c.Claude.ReadTimeout < 0 {
		errs = append(errs, "claude.read_timeout must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Ledger.ExpireAfter < 0 {
		errs = append(errs, "ledger.expire_after must not be negative")
	}
	if _, err := cron.ParseStandard(c.Ledger.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("ledger.sweep_schedule: %v", err))
	}
	switch c.Telegraph.Platform {
	case "":
	case "discord":
		if c.Telegraph.Discord.BotToken == "" {
			errs = append(errs, "telegraph.discord.bot_token is required for discord")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q is not supported (discord)", c.Telegraph.Platform))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
