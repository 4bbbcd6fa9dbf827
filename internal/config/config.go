// Package config defines all configuration for the futures monitor.
// Runtime settings come from FM_* environment variables (optionally seeded
// from a YAML file); the position rule-set is a separate JSON document
// loaded by LoadRules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	API      APIConfig       `mapstructure:"api"`
	Webhooks WebhookConfig   `mapstructure:"webhooks"`
	Monitor  MonitorConfig   `mapstructure:"monitor"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Rules    RulesFileConfig `mapstructure:"rules"`
}

// APIConfig holds exchange credentials and endpoints.
type APIConfig struct {
	Key         string `mapstructure:"key"`
	Secret      string `mapstructure:"secret"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSBaseURL   string `mapstructure:"ws_base_url"`
}

// WebhookConfig holds the three chat-webhook sinks.
type WebhookConfig struct {
	LifecycleURL string `mapstructure:"lifecycle_url"`
	FillURL      string `mapstructure:"fill_url"`
	AlertURL     string `mapstructure:"alert_url"`
}

// MonitorConfig tunes the aggregation and validation loops.
//
//   - AggregationWindow: how long partial fills are coalesced before a timed
//     emission fires.
//   - ListenKeyKeepAlive: interval between listen-key keep-alive PUTs.
//   - ValidationInterval: period of the position validation tick.
//   - MaxRetry: webhook POST retry budget.
type MonitorConfig struct {
	AggregationWindowMs  int `mapstructure:"aggregation_window_ms"`
	ListenKeyKeepAliveMs int `mapstructure:"listen_key_keepalive_ms"`
	ValidationIntervalMs int `mapstructure:"validation_interval_ms"`
	MaxRetry             int `mapstructure:"max_retry"`
}

// AggregationWindow returns the partial-fill coalescing window.
func (m MonitorConfig) AggregationWindow() time.Duration {
	return time.Duration(m.AggregationWindowMs) * time.Millisecond
}

// ListenKeyKeepAlive returns the keep-alive interval.
func (m MonitorConfig) ListenKeyKeepAlive() time.Duration {
	return time.Duration(m.ListenKeyKeepAliveMs) * time.Millisecond
}

// ValidationInterval returns the validation tick period.
func (m MonitorConfig) ValidationInterval() time.Duration {
	return time.Duration(m.ValidationIntervalMs) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RulesFileConfig points at the position-rules JSON document.
type RulesFileConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads config from an optional YAML file with FM_* env overrides.
// An empty path skips the file and uses env vars plus defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("api.rest_base_url", "https://fapi.binance.com")
	v.SetDefault("api.ws_base_url", "wss://fstream.binance.com")
	v.SetDefault("monitor.aggregation_window_ms", 10_000)
	v.SetDefault("monitor.listen_key_keepalive_ms", 1_500_000)
	v.SetDefault("monitor.validation_interval_ms", 30_000)
	v.SetDefault("monitor.max_retry", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("rules.path", "config/position-rules.json")

	// Flat aliases so the documented env names work without the section
	// prefix: FM_API_KEY, FM_LIFECYCLE_WEBHOOK_URL, ...
	for alias, key := range map[string]string{
		"api.key":                         "API_KEY",
		"api.secret":                      "API_SECRET",
		"api.rest_base_url":               "REST_BASE_URL",
		"api.ws_base_url":                 "WS_BASE_URL",
		"webhooks.lifecycle_url":          "LIFECYCLE_WEBHOOK_URL",
		"webhooks.fill_url":               "FILL_WEBHOOK_URL",
		"webhooks.alert_url":              "ALERT_WEBHOOK_URL",
		"monitor.aggregation_window_ms":   "AGGREGATION_WINDOW_MS",
		"monitor.listen_key_keepalive_ms": "LISTEN_KEY_KEEPALIVE_MS",
		"monitor.validation_interval_ms":  "VALIDATION_INTERVAL_MS",
		"monitor.max_retry":               "MAX_RETRY",
		"logging.level":                   "LOG_LEVEL",
		"rules.path":                      "POSITION_RULES_PATH",
	} {
		if err := v.BindEnv(alias, "FM_"+key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return fmt.Errorf("api.key is required (set FM_API_KEY)")
	}
	if c.API.Secret == "" {
		return fmt.Errorf("api.secret is required (set FM_API_SECRET)")
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if c.API.WSBaseURL == "" {
		return fmt.Errorf("api.ws_base_url is required")
	}
	if c.Webhooks.LifecycleURL == "" {
		return fmt.Errorf("webhooks.lifecycle_url is required (set FM_LIFECYCLE_WEBHOOK_URL)")
	}
	if c.Webhooks.FillURL == "" {
		return fmt.Errorf("webhooks.fill_url is required (set FM_FILL_WEBHOOK_URL)")
	}
	if c.Webhooks.AlertURL == "" {
		return fmt.Errorf("webhooks.alert_url is required (set FM_ALERT_WEBHOOK_URL)")
	}
	if c.Monitor.AggregationWindowMs <= 0 {
		return fmt.Errorf("monitor.aggregation_window_ms must be > 0")
	}
	if c.Monitor.ListenKeyKeepAliveMs <= 0 {
		return fmt.Errorf("monitor.listen_key_keepalive_ms must be > 0")
	}
	if c.Monitor.ValidationIntervalMs <= 0 {
		return fmt.Errorf("monitor.validation_interval_ms must be > 0")
	}
	if c.Monitor.MaxRetry < 0 {
		return fmt.Errorf("monitor.max_retry must be >= 0")
	}
	return nil
}
