// Package config handles bot configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level bot configuration.
type Config struct {
	Slack    SlackConfig   `json:"slack"`
	Gateway  GatewayConfig `json:"gateway"`
	Bot      BotConfig     `json:"bot"`
	Dedup    DedupConfig   `json:"dedup"`
	Status   StatusConfig  `json:"status"`
	LogLevel string        `json:"log_level"`
}

// SlackConfig holds platform credentials.
type SlackConfig struct {
	AppToken string `json:"app_token"` // xapp-..., used for apps.connections.open
	BotToken string `json:"bot_token"` // xoxb-..., used for chat.postMessage
	APIURL   string `json:"api_url,omitempty"`
}

// GatewayConfig tunes the socket connection.
type GatewayConfig struct {
	ReconnectOnError  *bool    `json:"reconnect_on_error,omitempty"`
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
	HandlerTimeout    Duration `json:"handler_timeout,omitempty"`
	QueueSize         int      `json:"queue_size,omitempty"`
	PingInterval      Duration `json:"ping_interval,omitempty"`
	DebugReconnects   *bool    `json:"debug_reconnects,omitempty"`
}

// BotConfig tunes dispatch.
type BotConfig struct {
	AllowBotEvents bool   `json:"allow_bot_events,omitempty"`
	FallbackText   string `json:"fallback_text,omitempty"`
}

// DedupConfig controls redelivery suppression. An empty Path keeps the window
// in memory only.
type DedupConfig struct {
	Window int      `json:"window,omitempty"`
	TTL    Duration `json:"ttl,omitempty"`
	Path   string   `json:"path,omitempty"`
}

// StatusConfig controls the local status server. An empty Addr disables it.
type StatusConfig struct {
	Addr string `json:"addr,omitempty"`
}

// envOverlay lists the settings read from the environment. Non-empty values
// override the file.
type envOverlay struct {
	AppToken   string `env:"SLACK_APP_TOKEN"`
	BotToken   string `env:"SLACK_BOT_TOKEN"`
	APIURL     string `env:"SLACK_API_URL"`
	LogLevel   string `env:"SOCKETBOT_LOG_LEVEL"`
	StatusAddr string `env:"SOCKETBOT_STATUS_ADDR"`
	DedupPath  string `env:"SOCKETBOT_DEDUP_PATH"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m"
// or a number of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads the config file at path (YAML or JSON), overlays the
// environment, then validates and fills defaults. An empty path loads from
// the environment alone.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Round-trip through JSON so Duration accepts both forms.
	raw, err := json.Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.overlayEnv(); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) overlayEnv() error {
	var ov envOverlay
	if err := env.Parse(&ov); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Slack.AppToken, ov.AppToken)
	set(&c.Slack.BotToken, ov.BotToken)
	set(&c.Slack.APIURL, ov.APIURL)
	set(&c.LogLevel, ov.LogLevel)
	set(&c.Status.Addr, ov.StatusAddr)
	set(&c.Dedup.Path, ov.DedupPath)
	return nil
}

func (c *Config) validate() error {
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack.app_token is required (or set SLACK_APP_TOKEN)")
	}
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required (or set SLACK_BOT_TOKEN)")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	durations := map[string]Duration{
		"gateway.reconnect_interval":  c.Gateway.ReconnectInterval,
		"gateway.max_reconnect_delay": c.Gateway.MaxReconnectDelay,
		"gateway.handler_timeout":     c.Gateway.HandlerTimeout,
		"gateway.ping_interval":       c.Gateway.PingInterval,
		"dedup.ttl":                   c.Dedup.TTL,
	}
	for key, d := range durations {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if c.Gateway.QueueSize < 0 {
		return fmt.Errorf("gateway.queue_size must not be negative")
	}
	if c.Dedup.Window < 0 {
		return fmt.Errorf("dedup.window must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Slack.APIURL != "" && !strings.HasSuffix(c.Slack.APIURL, "/") {
		c.Slack.APIURL += "/"
	}
	if c.Gateway.ReconnectOnError == nil {
		c.Gateway.ReconnectOnError = boolPtr(true)
	}
	if c.Gateway.DebugReconnects == nil {
		c.Gateway.DebugReconnects = boolPtr(true)
	}
	if c.Gateway.ReconnectInterval.Duration == 0 {
		c.Gateway.ReconnectInterval.Duration = time.Second
	}
	if c.Gateway.MaxReconnectDelay.Duration == 0 {
		c.Gateway.MaxReconnectDelay.Duration = 30 * time.Second
	}
	if c.Gateway.HandlerTimeout.Duration == 0 {
		c.Gateway.HandlerTimeout.Duration = 2 * time.Second
	}
	if c.Gateway.QueueSize == 0 {
		c.Gateway.QueueSize = 64
	}
	if c.Gateway.PingInterval.Duration == 0 {
		c.Gateway.PingInterval.Duration = 30 * time.Second
	}
	if c.Dedup.Window == 0 {
		c.Dedup.Window = 1000
	}
	if c.Dedup.TTL.Duration == 0 {
		c.Dedup.TTL.Duration = 5 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func boolPtr(b bool) *bool { return &b }
