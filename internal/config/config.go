// Package config handles application configuration from environment
// variables, an optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	DatabaseDriver   string        `yaml:"database_driver"`
	DatabasePath     string        `yaml:"database_path"`
	DatabaseURL      string        `yaml:"database_url"`
	FeedURL          string        `yaml:"feed_url"`
	TelegramBotToken string        `yaml:"telegram_bot_token"`
	TelegramRate     float64       `yaml:"telegram_rate"`
	LogLevel         string        `yaml:"log_level"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	TriggerInterval  time.Duration `yaml:"trigger_interval"`
	BatchSize        int           `yaml:"batch_size"`
	Retention        time.Duration `yaml:"retention"`
	HTTPAddr         string        `yaml:"http_addr"`
	RedisAddr        string        `yaml:"redis_addr"`
	AllowedUsers     []int64       `yaml:"allowed_users"`
	SMTP             SMTPConfig    `yaml:"smtp"`
}

// SMTPConfig configures the email notifier. It is disabled without a host.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		DatabaseDriver:  "sqlite",
		DatabasePath:    "./data/notifier.db",
		FeedURL:         "https://www.ozbargain.com.au/deals/feed",
		TelegramRate:    20,
		LogLevel:        "info",
		PollInterval:    60 * time.Second,
		TriggerInterval: 60 * time.Second,
		BatchSize:       10,
		Retention:       14 * 24 * time.Hour,
		SMTP:            SMTPConfig{Port: 587},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first without overriding the process environment. Then the YAML
// file named by CONFIG_FILE is applied, and environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	e := envReader{}
	e.str("DATABASE_DRIVER", &cfg.DatabaseDriver)
	e.str("DATABASE_PATH", &cfg.DatabasePath)
	e.str("DATABASE_URL", &cfg.DatabaseURL)
	e.str("FEED_URL", &cfg.FeedURL)
	e.str("TELEGRAM_BOT_TOKEN", &cfg.TelegramBotToken)
	e.float("TELEGRAM_RATE", &cfg.TelegramRate)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.duration("POLL_INTERVAL", &cfg.PollInterval)
	e.duration("TRIGGER_INTERVAL", &cfg.TriggerInterval)
	e.int("BATCH_SIZE", &cfg.BatchSize)
	e.duration("RETENTION", &cfg.Retention)
	e.str("HTTP_ADDR", &cfg.HTTPAddr)
	e.str("REDIS_ADDR", &cfg.RedisAddr)
	e.users("ALLOWED_USERS", &cfg.AllowedUsers)
	e.str("SMTP_HOST", &cfg.SMTP.Host)
	e.int("SMTP_PORT", &cfg.SMTP.Port)
	e.str("SMTP_USER", &cfg.SMTP.User)
	e.str("SMTP_PASSWORD", &cfg.SMTP.Password)
	e.str("SMTP_FROM", &cfg.SMTP.From)
	if e.err != nil {
		return nil, e.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if c.PollInterval <= 0 || c.TriggerInterval <= 0 {
		return fmt.Errorf("poll and trigger intervals must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("RETENTION must be positive")
	}
	return nil
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DatabaseDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// envReader copies set environment variables over the config, keeping the
// first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != "" && e.err == nil
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) users(key string, dst *[]int64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var users []int64
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			e.err = fmt.Errorf("invalid user ID %q in %s: %w", s, key, err)
			return
		}
		users = append(users, uid)
	}
	*dst = users
}
