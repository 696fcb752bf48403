package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	App       AppConfig       `json:"app"`
	Telegram  TelegramConfig  `json:"telegram"`
	Agent     AgentConfig     `json:"agent"`
	Store     StoreConfig     `json:"store"`
	Gateway   GatewayConfig   `json:"gateway"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Retention RetentionConfig `json:"retention"`
	Logging   LoggingConfig   `json:"logging"`
}

type AppConfig struct {
	// Name is the application partition of the session store. All state and
	// conversations live under it, so changing it orphans existing data.
	Name string `json:"name" env:"BOLAGENT_APP_NAME"`
}

type TelegramConfig struct {
	Token   string `json:"token" env:"BOLAGENT_TELEGRAM_TOKEN"`
	APIBase string `json:"api_base" env:"BOLAGENT_TELEGRAM_API_BASE"`
}

type AgentConfig struct {
	APIKey  string `json:"api_key" env:"BOLAGENT_AGENT_API_KEY"`
	APIBase string `json:"api_base" env:"BOLAGENT_AGENT_API_BASE"`
	Model   string `json:"model" env:"BOLAGENT_AGENT_MODEL"`
}

type StoreConfig struct {
	Path string `json:"path" env:"BOLAGENT_STORE_PATH"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"BOLAGENT_GATEWAY_HOST"`
	Port int    `json:"port" env:"BOLAGENT_GATEWAY_PORT"`
}

type DispatchConfig struct {
	MaxConcurrent        int `json:"max_concurrent" env:"BOLAGENT_DISPATCH_MAX_CONCURRENT"`
	InvokeTimeoutSeconds int `json:"invoke_timeout_seconds" env:"BOLAGENT_DISPATCH_INVOKE_TIMEOUT_SECONDS"`
	GateWaitSeconds      int `json:"gate_wait_seconds" env:"BOLAGENT_DISPATCH_GATE_WAIT_SECONDS"`
	MessageLimit         int `json:"message_limit" env:"BOLAGENT_DISPATCH_MESSAGE_LIMIT"`
	HistorySize          int `json:"history_size" env:"BOLAGENT_DISPATCH_HISTORY_SIZE"`
	HistoryEvents        int `json:"history_events" env:"BOLAGENT_DISPATCH_HISTORY_EVENTS"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled" env:"BOLAGENT_RETENTION_ENABLED"`
	Schedule string `json:"schedule" env:"BOLAGENT_RETENTION_SCHEDULE"`
	IdleDays int    `json:"idle_days" env:"BOLAGENT_RETENTION_IDLE_DAYS"`
}

type LoggingConfig struct {
	Debug  bool `json:"debug" env:"BOLAGENT_LOGGING_DEBUG"`
	Pretty bool `json:"pretty" env:"BOLAGENT_LOGGING_PRETTY"`
}

func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "bolagent",
		},
		Telegram: TelegramConfig{
			APIBase: "https://api.telegram.org",
		},
		Agent: AgentConfig{
			APIBase: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-5.2",
		},
		Store: StoreConfig{
			Path: "~/.bolagent/sessions.db",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:        10,
			InvokeTimeoutSeconds: 45,
			GateWaitSeconds:      5,
			MessageLimit:         4096,
			HistorySize:          1024,
			HistoryEvents:        40,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "0 3 * * *",
			IdleDays: 30,
		},
		Logging: LoggingConfig{},
	}
}

// LoadConfig reads the JSON config at path (a missing file falls back to
// defaults) and then applies BOLAGENT_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	return expandHome(c.Store.Path)
}

func (c *Config) InvokeTimeout() time.Duration {
	return time.Duration(c.Dispatch.InvokeTimeoutSeconds) * time.Second
}

func (c *Config) GateWait() time.Duration {
	return time.Duration(c.Dispatch.GateWaitSeconds) * time.Second
}

func (c *Config) RetentionIdle() time.Duration {
	return time.Duration(c.Retention.IdleDays) * 24 * time.Hour
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
