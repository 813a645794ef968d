// WitBot - Messenger bridge for action-dispatch bots
// License: MIT
//
// Copyright (c) 2026 WitBot contributors

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrMissingSecret is returned by Validate when a required credential is empty.
var ErrMissingSecret = errors.New("missing required secret")

type Config struct {
	Messenger MessengerConfig `json:"messenger"`
	Engine    EngineConfig    `json:"engine"`
	Gateway   GatewayConfig   `json:"gateway"`
	Weather   WeatherConfig   `json:"weather"`
	Monitor   MonitorConfig   `json:"monitor"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Log       LogConfig       `json:"log"`
}

type MessengerConfig struct {
	PageToken        string   `json:"page_token" env:"FB_PAGE_TOKEN"`
	AppSecret        string   `json:"app_secret" env:"FB_APP_SECRET"`
	VerifyToken      string   `json:"verify_token" env:"FB_VERIFY_TOKEN"`
	GraphAPIBase     string   `json:"graph_api_base" env:"WITBOT_GRAPH_API_BASE"`
	RequireSignature bool     `json:"require_signature" env:"WITBOT_REQUIRE_SIGNATURE"`
	SendTimeout      Duration `json:"send_timeout" env:"WITBOT_SEND_TIMEOUT"`
	DedupWindow      int      `json:"dedup_window" env:"WITBOT_DEDUP_WINDOW"`
}

type EngineConfig struct {
	Provider       string   `json:"provider" env:"WITBOT_ENGINE"`
	WitToken       string   `json:"wit_token" env:"WIT_TOKEN"`
	WitAPIBase     string   `json:"wit_api_base" env:"WITBOT_WIT_API_BASE"`
	WitVersion     string   `json:"wit_version" env:"WITBOT_WIT_VERSION"`
	AnthropicKey   string   `json:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	AnthropicModel string   `json:"anthropic_model" env:"WITBOT_ANTHROPIC_MODEL"`
	AnthropicBase  string   `json:"anthropic_api_base" env:"WITBOT_ANTHROPIC_API_BASE"`
	OpenAIKey      string   `json:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIModel    string   `json:"openai_model" env:"WITBOT_OPENAI_MODEL"`
	OpenAIBase     string   `json:"openai_api_base" env:"WITBOT_OPENAI_API_BASE"`
	MaxSteps       int      `json:"max_steps" env:"WITBOT_MAX_STEPS"`
	Timeout        Duration `json:"timeout" env:"WITBOT_ENGINE_TIMEOUT"`
	// Actions lists every action name the engine's story graph may request.
	Actions []string `json:"actions" env:"WITBOT_ACTIONS" envSeparator:","`
}

type GatewayConfig struct {
	Host        string `json:"host" env:"WITBOT_HOST"`
	Port        int    `json:"port" env:"PORT"`
	WebhookPath string `json:"webhook_path" env:"WITBOT_WEBHOOK_PATH"`
}

type WeatherConfig struct {
	GeocodingBase string   `json:"geocoding_base" env:"WITBOT_GEOCODING_BASE"`
	ForecastBase  string   `json:"forecast_base" env:"WITBOT_FORECAST_BASE"`
	Timeout       Duration `json:"timeout" env:"WITBOT_WEATHER_TIMEOUT"`
	Fallback      string   `json:"fallback" env:"WITBOT_WEATHER_FALLBACK"`
}

type MonitorConfig struct {
	Enabled bool   `json:"enabled" env:"WITBOT_MONITOR_ENABLED"`
	Path    string `json:"path" env:"WITBOT_MONITOR_PATH"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" env:"WITBOT_HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" env:"WITBOT_HEARTBEAT_SCHEDULE"`
}

type LogConfig struct {
	Level  string `json:"level" env:"WITBOT_LOG_LEVEL"`
	Format string `json:"format" env:"WITBOT_LOG_FORMAT"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		d.Duration = time.Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalText lets the env overlay parse Duration fields.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Messenger: MessengerConfig{
			GraphAPIBase: "https://graph.facebook.com/v19.0",
			SendTimeout:  Duration{10 * time.Second},
			DedupWindow:  1024,
		},
		Engine: EngineConfig{
			Provider:       "wit",
			WitAPIBase:     "https://api.wit.ai",
			WitVersion:     "20160526",
			AnthropicModel: "claude-sonnet-4-5",
			OpenAIModel:    "gpt-4o-mini",
			MaxSteps:       5,
			Timeout:        Duration{15 * time.Second},
			Actions:        []string{"send", "getForecast", "howzyou", "what-to-read"},
		},
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        8445,
			WebhookPath: "/webhook",
		},
		Weather: WeatherConfig{
			GeocodingBase: "https://geocoding-api.open-meteo.com/v1",
			ForecastBase:  "https://api.open-meteo.com/v1",
			Timeout:       Duration{5 * time.Second},
			Fallback:      "sunny",
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Path:    "/monitor",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path (if it exists) over the defaults, then applies the
// environment overlay. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks everything the server needs before it can start.
func (c *Config) Validate() error {
	var missing []string
	if c.Messenger.PageToken == "" {
		missing = append(missing, "messenger.page_token (FB_PAGE_TOKEN)")
	}
	if c.Messenger.AppSecret == "" {
		missing = append(missing, "messenger.app_secret (FB_APP_SECRET)")
	}
	if c.Messenger.VerifyToken == "" {
		missing = append(missing, "messenger.verify_token (FB_VERIFY_TOKEN)")
	}
	if err := c.ValidateEngine(); err != nil {
		if !errors.Is(err, ErrMissingSecret) {
			return err
		}
		missing = append(missing, strings.TrimPrefix(err.Error(), ErrMissingSecret.Error()+": "))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSecret, strings.Join(missing, ", "))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway.port %d", c.Gateway.Port)
	}
	return nil
}

// ValidateEngine checks only the decision engine credentials. The console
// command needs nothing else.
func (c *Config) ValidateEngine() error {
	switch c.Engine.Provider {
	case "wit", "":
		if c.Engine.WitToken == "" {
			return fmt.Errorf("%w: engine.wit_token (WIT_TOKEN)", ErrMissingSecret)
		}
	case "claude", "anthropic":
		if c.Engine.AnthropicKey == "" {
			return fmt.Errorf("%w: engine.anthropic_api_key (ANTHROPIC_API_KEY)", ErrMissingSecret)
		}
	case "openai":
		if c.Engine.OpenAIKey == "" {
			return fmt.Errorf("%w: engine.openai_api_key (OPENAI_API_KEY)", ErrMissingSecret)
		}
	case "script":
	default:
		return fmt.Errorf("unknown engine.provider %q", c.Engine.Provider)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// DefaultPath returns ~/.witbot/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".witbot", "config.json")
}
