// Package config loads the client configuration in three layers:
// built-in defaults, an optional config file, and SHARDNET_* environment
// variables (SHARDNET_API_BASE_URL overrides api.base_url).
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/luciancaetano/shardnet"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "SHARDNET"

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		intentsHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("token", d.Token)
	v.SetDefault("application_id", d.ApplicationID)
	v.SetDefault("intents", int(d.Intents))

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout.String())
	v.SetDefault("api.queue_size", d.API.QueueSize)
	v.SetDefault("api.max_retries", d.API.MaxRetries)
	v.SetDefault("api.rate_limit_retries", d.API.RateLimitRetries)
	v.SetDefault("api.user_agent", d.API.UserAgent)

	v.SetDefault("gateway.version", d.Gateway.Version)
	v.SetDefault("gateway.encoding", d.Gateway.Encoding)
	v.SetDefault("gateway.backoff_floor", d.Gateway.BackoffFloor.String())
	v.SetDefault("gateway.backoff_ceiling", d.Gateway.BackoffCeiling.String())
	v.SetDefault("gateway.batch_delay", d.Gateway.BatchDelay.String())
	v.SetDefault("gateway.event_buffer", d.Gateway.EventBuffer)
	v.SetDefault("gateway.send_per_minute", d.Gateway.SendPerMinute)
	v.SetDefault("gateway.send_burst", d.Gateway.SendBurst)
	v.SetDefault("gateway.handshake_timeout", d.Gateway.HandshakeTimeout.String())
	v.SetDefault("gateway.properties.os", d.Gateway.Properties.OS)
	v.SetDefault("gateway.properties.browser", d.Gateway.Properties.Browser)
	v.SetDefault("gateway.properties.device", d.Gateway.Properties.Device)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// intentsHookFunc decodes shardnet.Intents from a number, a numeric string,
// a comma separated list of names or a list of names.
func intentsHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(shardnet.Intents(0))

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if n, err := strconv.Atoi(v); err == nil {
				return shardnet.Intents(n), nil
			}
			return shardnet.ParseIntents(strings.Split(v, ","))
		case []string:
			return shardnet.ParseIntents(v)
		case []any:
			names := make([]string, 0, len(v))
			for _, item := range v {
				name, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("intents: expected string, got %T", item)
				}
				names = append(names, name)
			}
			return shardnet.ParseIntents(names)
		}
		return data, nil
	}
}
