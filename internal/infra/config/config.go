// Package config loads application configuration from a YAML file merged
// with environment variables (prefix KBW_): behavior.*, bot.*, logging.*,
// database.*.
//
// Precedence: environment variables override the file. Both are optional;
// defaults apply when neither sets a value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Behavior holds the behavior.* options.
type Behavior struct {
	MaxKeywords               uint32 `yaml:"max_keywords"`
	PatienceSeconds           uint64 `yaml:"patience_seconds"`
	NotificationLifetimeSeconds *uint64 `yaml:"notification_lifetime_seconds,omitempty"`
}

// Bot holds the bot.* options.
type Bot struct {
	Token         string  `yaml:"token"`
	ApplicationID uint64  `yaml:"application_id"`
	Private       bool    `yaml:"private"`
	TestGuild     *uint64 `yaml:"test_guild,omitempty"`
}

// Logging holds the logging.* options.
type Logging struct {
	Level      string            `yaml:"level"`
	Filters    map[string]string `yaml:"filters"`
	Webhook    string            `yaml:"webhook"`
	Prometheus string            `yaml:"prometheus"`
}

// Database holds the database.* options.
type Database struct {
	Path   string `yaml:"path"`
	Backup bool   `yaml:"backup"`
}

// Config is the fully merged, validated configuration.
type Config struct {
	Behavior Behavior `yaml:"behavior"`
	Bot      Bot      `yaml:"bot"`
	Logging  Logging  `yaml:"logging"`
	Database Database `yaml:"database"`

	mu       sync.RWMutex
	warnings []string
}

const envPrefix = "KBW_"

func defaults() Config {
	return Config{
		Behavior: Behavior{
			MaxKeywords:     100,
			PatienceSeconds: 120,
		},
		Bot: Bot{},
		Logging: Logging{
			Level:   "info",
			Filters: map[string]string{},
		},
		Database: Database{
			Path:   "data/keywordwatcher.db",
			Backup: false,
		},
	}
}

// Load reads path (if it exists) as YAML, merges in environment variables
// with the KBW_ prefix, normalizes, and validates the result. path may be
// empty, in which case only environment variables and defaults apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort .env loading; absence is not an error

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.mergeEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) mergeEnv() {
	if v, ok := lookupEnv("BEHAVIOR_MAX_KEYWORDS"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Behavior.MaxKeywords = uint32(n)
		} else {
			c.warn(fmt.Sprintf("invalid %sBEHAVIOR_MAX_KEYWORDS: %v", envPrefix, err))
		}
	}
	if v, ok := lookupEnv("BEHAVIOR_PATIENCE_SECONDS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Behavior.PatienceSeconds = n
		} else {
			c.warn(fmt.Sprintf("invalid %sBEHAVIOR_PATIENCE_SECONDS: %v", envPrefix, err))
		}
	}
	if v, ok := lookupEnv("BEHAVIOR_NOTIFICATION_LIFETIME_SECONDS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Behavior.NotificationLifetimeSeconds = &n
		} else {
			c.warn(fmt.Sprintf("invalid %sBEHAVIOR_NOTIFICATION_LIFETIME_SECONDS: %v", envPrefix, err))
		}
	}
	if v, ok := lookupEnv("BOT_TOKEN"); ok {
		c.Bot.Token = v
	}
	if v, ok := lookupEnv("BOT_APPLICATION_ID"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Bot.ApplicationID = n
		} else {
			c.warn(fmt.Sprintf("invalid %sBOT_APPLICATION_ID: %v", envPrefix, err))
		}
	}
	if v, ok := lookupEnv("BOT_PRIVATE"); ok {
		c.Bot.Private = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := lookupEnv("BOT_TEST_GUILD"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Bot.TestGuild = &n
		}
	}
	if v, ok := lookupEnv("LOGGING_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookupEnv("LOGGING_WEBHOOK"); ok {
		c.Logging.Webhook = v
	}
	if v, ok := lookupEnv("LOGGING_PROMETHEUS"); ok {
		c.Logging.Prometheus = v
	}
	if v, ok := lookupEnv("DATABASE_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := lookupEnv("DATABASE_BACKUP"); ok {
		c.Database.Backup = strings.EqualFold(v, "true") || v == "1"
	}
}

func lookupEnv(suffix string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + suffix)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (c *Config) warn(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, msg)
}

// Warnings returns non-fatal problems accumulated while merging environment
// variables (e.g. a value that failed to parse, so the default was kept).
func (c *Config) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.warnings...)
}

func (c *Config) validate() error {
	if c.Behavior.MaxKeywords == 0 {
		return fmt.Errorf("behavior.max_keywords must be positive")
	}
	if c.Behavior.PatienceSeconds == 0 {
		return fmt.Errorf("behavior.patience_seconds must be positive")
	}
	if c.Bot.Token == "" {
		return fmt.Errorf("bot.token is required")
	}
	return nil
}

// PatienceDuration returns behavior.patience_seconds as a time.Duration.
func (c *Config) PatienceDuration() time.Duration {
	return time.Duration(c.Behavior.PatienceSeconds) * time.Second
}

// NotificationLifetime returns the configured lifetime, or (0, false) if
// none was set. The reaper only runs when this is present, and the
// resolver's age-based drop only applies when it is.
func (c *Config) NotificationLifetime() (time.Duration, bool) {
	if c.Behavior.NotificationLifetimeSeconds == nil {
		return 0, false
	}
	return time.Duration(*c.Behavior.NotificationLifetimeSeconds) * time.Second, true
}
