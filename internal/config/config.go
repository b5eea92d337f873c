package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luciancaetano/shardnet"
)

// Config represents the complete client configuration.
type Config struct {
	// Token is the bot token, sent as "Bot <token>".
	Token string `mapstructure:"token"`

	// ApplicationID is required for command registration only.
	ApplicationID string `mapstructure:"application_id"`

	// Intents is decoded from a number, a comma separated list of names, or
	// a list of names. Names are added on top of shardnet.IntentsDefault.
	Intents shardnet.Intents `mapstructure:"intents"`

	API     APIConfig     `mapstructure:"api"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// APIConfig configures the REST request pipeline.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds every transport call.
	Timeout time.Duration `mapstructure:"timeout"`

	// QueueSize is the capacity of each endpoint queue.
	QueueSize int `mapstructure:"queue_size"`

	// MaxRetries is the number of retries for network failures. Responses
	// are never retried by the transport.
	MaxRetries int `mapstructure:"max_retries"`

	// RateLimitRetries is how many times a 429 response is re-sent after
	// the rate limit has been waited out.
	RateLimitRetries int `mapstructure:"rate_limit_retries"`

	UserAgent string `mapstructure:"user_agent"`
}

// GatewayConfig configures shards and the orchestrator.
type GatewayConfig struct {
	Version  int    `mapstructure:"version"`
	Encoding string `mapstructure:"encoding"`

	// BackoffFloor is the first reconnect delay and the value the delay
	// is reset to once a session is established.
	BackoffFloor time.Duration `mapstructure:"backoff_floor"`
	// BackoffCeiling caps the reconnect delay.
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`

	// BatchDelay separates two batches of shard launches.
	BatchDelay time.Duration `mapstructure:"batch_delay"`

	// EventBuffer is the capacity of each shard's event channel.
	EventBuffer int `mapstructure:"event_buffer"`

	// SendPerMinute and SendBurst throttle outbound gateway commands.
	SendPerMinute int `mapstructure:"send_per_minute"`
	SendBurst     int `mapstructure:"send_burst"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	Properties PropertiesConfig `mapstructure:"properties"`
}

// PropertiesConfig is the connection properties object sent with IDENTIFY.
type PropertiesConfig struct {
	OS      string `mapstructure:"os"`
	Browser string `mapstructure:"browser"`
	Device  string `mapstructure:"device"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is console or json
	Format string `mapstructure:"format"`
}

// MetricsConfig contains the status/metrics server configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Intents: shardnet.IntentsDefault,
		API: APIConfig{
			BaseURL:          "https://discord.com/api/v10",
			Timeout:          15 * time.Second,
			QueueSize:        256,
			MaxRetries:       3,
			RateLimitRetries: 3,
			UserAgent:        "DiscordBot (https://github.com/luciancaetano/shardnet, 1.0)",
		},
		Gateway: GatewayConfig{
			Version:          10,
			Encoding:         "json",
			BackoffFloor:     5 * time.Second,
			BackoffCeiling:   60 * time.Second,
			BatchDelay:       5 * time.Second,
			EventBuffer:      256,
			SendPerMinute:    120,
			SendBurst:        5,
			HandshakeTimeout: 10 * time.Second,
			Properties: PropertiesConfig{
				OS:      "linux",
				Browser: "shardnet",
				Device:  "shardnet",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New(shardnet.ErrTokenRequired))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout))
	}
	if c.API.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("api.queue_size must be positive, got %d", c.API.QueueSize))
	}
	if c.API.MaxRetries < 0 || c.API.RateLimitRetries < 0 {
		errs = append(errs, errors.New("api retries must not be negative"))
	}
	if c.Gateway.BackoffFloor <= 0 {
		errs = append(errs, fmt.Errorf("gateway.backoff_floor must be positive, got %s", c.Gateway.BackoffFloor))
	}
	if c.Gateway.BackoffCeiling < c.Gateway.BackoffFloor {
		errs = append(errs, fmt.Errorf("gateway.backoff_ceiling (%s) is below backoff_floor (%s)",
			c.Gateway.BackoffCeiling, c.Gateway.BackoffFloor))
	}
	if c.Gateway.BatchDelay < 0 {
		errs = append(errs, fmt.Errorf("gateway.batch_delay must not be negative, got %s", c.Gateway.BatchDelay))
	}
	if c.Gateway.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("gateway.event_buffer must not be negative, got %d", c.Gateway.EventBuffer))
	}
	if c.Gateway.SendPerMinute <= c.Gateway.SendBurst || c.Gateway.SendBurst <= 0 {
		errs = append(errs, fmt.Errorf("gateway.send_per_minute (%d) must exceed send_burst (%d) > 0",
			c.Gateway.SendPerMinute, c.Gateway.SendBurst))
	}

	return errors.Join(errs...)
}
