package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRollupInterval is the default interval between aggregate
	// rollup passes.
	DefaultRollupInterval = "5m"

	// DefaultWebhookRateLimit is the default per-IP requests-per-minute
	// limit for the webhook endpoint.
	DefaultWebhookRateLimit = 120

	// DefaultPublicRateLimit is the default per-IP requests-per-minute
	// limit for the public read endpoints.
	DefaultPublicRateLimit = 300
)

// Config is the root configuration for benchboard.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Server   ServerConfig   `yaml:"server"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Database DatabaseConfig `yaml:"database"`
	Rollup   RollupConfig   `yaml:"rollup,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Webhook RateLimitTier `yaml:"webhook,omitempty"`
	Public  RateLimitTier `yaml:"public,omitempty"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// WebhookConfig contains webhook ingestion settings. When Secret is
// empty, signature verification is DISABLED and every delivery is
// accepted; this is intended for development only and is logged loudly
// at startup.
type WebhookConfig struct {
	Secret string `yaml:"secret,omitempty"`
}

// RollupConfig configures the background aggregate rollup service that
// periodically recomputes model statistics from scratch.
type RollupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval,omitempty"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
// The webhook secret falls back to the WEBHOOK_SECRET environment
// variable so deployments can keep it out of the config file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Webhook.RequestsPerMinute == 0 {
		c.Server.RateLimit.Webhook.RequestsPerMinute = DefaultWebhookRateLimit
	}

	if c.Server.RateLimit.Public.RequestsPerMinute == 0 {
		c.Server.RateLimit.Public.RequestsPerMinute = DefaultPublicRateLimit
	}

	if c.Webhook.Secret == "" {
		c.Webhook.Secret = os.Getenv("WEBHOOK_SECRET")
	}

	if c.Rollup.Interval == "" {
		c.Rollup.Interval = DefaultRollupInterval
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	case "":
		return fmt.Errorf("database.driver is required")
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Rollup.Enabled {
		if _, err := time.ParseDuration(c.Rollup.Interval); err != nil {
			return fmt.Errorf("parsing rollup interval: %w", err)
		}
	}

	return nil
}

// RollupInterval returns the parsed rollup interval. Falls back to the
// default when the configured value does not parse.
func (c *Config) RollupInterval() time.Duration {
	d, err := time.ParseDuration(c.Rollup.Interval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultRollupInterval)
	}

	return d
}
