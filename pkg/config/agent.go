package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Agent defaults.
const (
	DefaultPublishInterval       = 5 * time.Second
	DefaultSysInfoCheckInterval  = 10 * time.Minute
	DefaultSysInfoRepublishEvery = 24 * time.Hour
	DefaultExchangeInterval      = 15 * time.Minute
	DefaultAgentReconnectDelay   = 3 * time.Second
	DefaultConnectTimeout        = 8 * time.Second
)

// AgentConfig is the per-host agent configuration, read from the
// environment (optionally seeded from a .env file; the envFile blob
// returned by node creation is exactly that file).
type AgentConfig struct {
	NodeID     string `mapstructure:"node_id"`
	NodeToken  string `mapstructure:"node_token"`
	APIBaseURL string `mapstructure:"api_url"`

	TopicPrefix string `mapstructure:"topic_prefix"`

	PublishInterval       time.Duration `mapstructure:"publish_interval"`
	SysInfoCheckInterval  time.Duration `mapstructure:"sysinfo_check_interval"`
	SysInfoRepublishEvery time.Duration `mapstructure:"sysinfo_republish_interval"`
	ExchangeInterval      time.Duration `mapstructure:"exchange_interval"`
	ReconnectDelay        time.Duration `mapstructure:"reconnect_delay"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
}

// MetricsTopic returns the metrics topic for this agent's node.
func (c *AgentConfig) MetricsTopic() string {
	return fmt.Sprintf("%s/%s/metrics", c.TopicPrefix, c.NodeID)
}

// SystemTopic returns the retained inventory topic for this agent's node.
func (c *AgentConfig) SystemTopic() string {
	return fmt.Sprintf("%s/%s/system", c.TopicPrefix, c.NodeID)
}

// LoadAgent builds the agent configuration from the environment. A .env
// file in the working directory is loaded first when present; explicit
// environment variables win over it.
func LoadAgent() (*AgentConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("STATIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"node_id", "node_token", "api_url", "topic_prefix",
		"publish_interval", "sysinfo_check_interval",
		"sysinfo_republish_interval", "exchange_interval",
		"reconnect_delay", "connect_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", key, err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing agent environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}

	if c.PublishInterval == 0 {
		c.PublishInterval = DefaultPublishInterval
	}

	if c.SysInfoCheckInterval == 0 {
		c.SysInfoCheckInterval = DefaultSysInfoCheckInterval
	}

	if c.SysInfoRepublishEvery == 0 {
		c.SysInfoRepublishEvery = DefaultSysInfoRepublishEvery
	}

	if c.ExchangeInterval == 0 {
		c.ExchangeInterval = DefaultExchangeInterval
	}

	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultAgentReconnectDelay
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate checks that the agent has an identity to run with. Missing
// credentials are the only fatal agent error.
func (c *AgentConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("STATIX_NODE_ID is required")
	}

	if c.NodeToken == "" {
		return fmt.Errorf("STATIX_NODE_TOKEN is required")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("STATIX_API_URL is required")
	}

	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")

	return nil
}
