// Package config defines the configuration surface for the Statix server
// and agent, loaded from YAML with STATIX_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the config file leaves a value unset.
const (
	DefaultListen           = ":8080"
	DefaultDatabaseDriver   = "sqlite"
	DefaultSQLitePath       = "statix.db"
	DefaultMQTTPort         = 1883
	DefaultTopicPrefix      = "statix/nodes"
	DefaultSessionTTL       = 7 * 24 * time.Hour
	DefaultResetTokenTTL    = time.Hour
	DefaultRosterDebounce   = 150 * time.Millisecond
	DefaultReconnectDelay   = 2 * time.Second
	DefaultBootstrapEmail   = "admin@statix.local"
	DefaultPruneInterval    = 15 * time.Minute
	DefaultAuthRateLimitRPM = 30
)

// Config is the root server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt" mapstructure:"mqtt"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Roster   RosterConfig   `yaml:"roster,omitempty" mapstructure:"roster"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting on the credential
// endpoints (login, bootstrap claim, set-password, node exchange).
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// MQTTConfig describes the broker the server subscribes to and the
// coordinates handed out to agents at credential exchange.
type MQTTConfig struct {
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	Username       string `yaml:"username,omitempty" mapstructure:"username"`
	Password       string `yaml:"password,omitempty" mapstructure:"password"`
	TopicPrefix    string `yaml:"topic_prefix,omitempty" mapstructure:"topic_prefix"`
	ReconnectDelay string `yaml:"reconnect_delay,omitempty" mapstructure:"reconnect_delay"`
}

// ReconnectDelayDuration parses the reconnect delay with its default.
func (c *MQTTConfig) ReconnectDelayDuration() time.Duration {
	return parseDurationOr(c.ReconnectDelay, DefaultReconnectDelay)
}

// AuthConfig contains identity settings.
type AuthConfig struct {
	SessionTTL     string `yaml:"session_ttl,omitempty" mapstructure:"session_ttl"`
	ResetTokenTTL  string `yaml:"reset_token_ttl,omitempty" mapstructure:"reset_token_ttl"`
	BootstrapEmail string `yaml:"bootstrap_email,omitempty" mapstructure:"bootstrap_email"`
}

// BootstrapEmailAddress returns the reserved shell-admin address with
// its default.
func (c *AuthConfig) BootstrapEmailAddress() string {
	if c.BootstrapEmail == "" {
		return DefaultBootstrapEmail
	}

	return c.BootstrapEmail
}

// SessionTTLDuration parses the session TTL with its default.
func (c *AuthConfig) SessionTTLDuration() time.Duration {
	return parseDurationOr(c.SessionTTL, DefaultSessionTTL)
}

// ResetTokenTTLDuration parses the reset token TTL with its default.
func (c *AuthConfig) ResetTokenTTLDuration() time.Duration {
	return parseDurationOr(c.ResetTokenTTL, DefaultResetTokenTTL)
}

// RosterConfig tunes the live-roster broadcaster.
type RosterConfig struct {
	Debounce string `yaml:"debounce,omitempty" mapstructure:"debounce"`
}

// DebounceDuration parses the debounce window with its default.
func (c *RosterConfig) DebounceDuration() time.Duration {
	return parseDurationOr(c.Debounce, DefaultRosterDebounce)
}

// Load reads the server configuration file and applies environment
// overrides (STATIX_SERVER_LISTEN, STATIX_DATABASE_DRIVER, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STATIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultAuthRateLimitRPM
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultMQTTPort
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}

	if c.Auth.BootstrapEmail == "" {
		c.Auth.BootstrapEmail = DefaultBootstrapEmail
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}

	for _, field := range []string{
		c.MQTT.ReconnectDelay,
		c.Auth.SessionTTL,
		c.Auth.ResetTokenTTL,
		c.Roster.Debounce,
	} {
		if field == "" {
			continue
		}

		if _, err := time.ParseDuration(field); err != nil {
			return fmt.Errorf("invalid duration %q: %w", field, err)
		}
	}

	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}
