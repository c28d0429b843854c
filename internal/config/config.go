package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Compliance   ComplianceConfig   `yaml:"compliance"`
	Notification NotificationConfig `yaml:"notification"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            string        `yaml:"port" default:"8080"`
	Host            string        `yaml:"host" default:"localhost"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver" default:"sqlite"` // sqlite, postgres
	DSN      string `yaml:"dsn" default:"tv-compliance.db"`
	LogLevel string `yaml:"log_level" default:"warn"` // silent, error, warn, info
}

// LoggingConfig represents logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"json"` // json, console
}

// ComplianceConfig tunes how rule thresholds are banded
type ComplianceConfig struct {
	// Timezone used to determine "today" for daily loss and trade counts
	Timezone      string  `yaml:"timezone" default:"UTC"`
	WarningRatio  float64 `yaml:"warning_ratio" default:"0.8"`
	CriticalRatio float64 `yaml:"critical_ratio" default:"1.5"`
}

// NotificationConfig represents outbound notification gateways
type NotificationConfig struct {
	Email      GatewayConfig `yaml:"email"`
	SMS        GatewayConfig `yaml:"sms"`
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	RetryCount int           `yaml:"retry_count" default:"2"`
}

// GatewayConfig represents a single HTTP delivery gateway
type GatewayConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token,omitempty"`
	From     string `yaml:"from,omitempty"`
	IsActive bool   `yaml:"is_active" default:"false"`
}

// MonitorConfig represents the background webhook health monitor
type MonitorConfig struct {
	Enabled       bool          `yaml:"enabled" default:"true"`
	Interval      time.Duration `yaml:"interval" default:"15m"`
	RetentionDays int           `yaml:"retention_days" default:"90"`
	KeepRecent    int           `yaml:"keep_recent" default:"100"`
}

// RateLimitConfig represents per-webhook rate limiting
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" default:"true"`
	RequestsPerSecond float64 `yaml:"requests_per_second" default:"5"`
	Burst             int     `yaml:"burst" default:"10"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so omitted keys, booleans included, keep them
	config := *Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Notification: NotificationConfig{RetryCount: 2},
		Monitor:      MonitorConfig{Enabled: true},
		RateLimit:    RateLimitConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with their defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "tv-compliance.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Compliance.Timezone == "" {
		c.Compliance.Timezone = "UTC"
	}
	if c.Compliance.WarningRatio <= 0 {
		c.Compliance.WarningRatio = 0.8
	}
	if c.Compliance.CriticalRatio <= 0 {
		c.Compliance.CriticalRatio = 1.5
	}

	if c.Notification.Timeout <= 0 {
		c.Notification.Timeout = 10 * time.Second
	}
	if c.Notification.RetryCount < 0 {
		c.Notification.RetryCount = 0
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 15 * time.Minute
	}
	if c.Monitor.RetentionDays <= 0 {
		c.Monitor.RetentionDays = 90
	}
	if c.Monitor.KeepRecent <= 0 {
		c.Monitor.KeepRecent = 100
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := time.LoadLocation(c.Compliance.Timezone); err != nil {
		return fmt.Errorf("invalid compliance timezone %q: %w", c.Compliance.Timezone, err)
	}

	if c.Compliance.WarningRatio >= 1 {
		return fmt.Errorf("compliance warning_ratio must be below 1, got %.2f", c.Compliance.WarningRatio)
	}
	if c.Compliance.CriticalRatio < 1 {
		return fmt.Errorf("compliance critical_ratio must be at least 1, got %.2f", c.Compliance.CriticalRatio)
	}

	return nil
}
