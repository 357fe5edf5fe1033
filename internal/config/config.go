// Package config loads the server configuration: JSON file with defaults
// written on first run, environment variables taking highest precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	ListenAddr    string `json:"listen_addr"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxSteps      int    `json:"max_steps"`

	DB struct {
		Driver string `json:"driver"`
		DSN    string `json:"dsn"`
	} `json:"db"`

	Bus struct {
		ChannelBuffer int    `json:"channel_buffer"`
		ReplayWindow  string `json:"replay_window"`
		Retention     string `json:"retention"`
	} `json:"bus"`

	LLM struct {
		Provider    string  `json:"provider"`
		BaseURL     string  `json:"base_url"`
		APIKey      string  `json:"api_key"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
	} `json:"llm"`

	Ask struct {
		Timeout string `json:"timeout"`
	} `json:"ask"`
}

// Load reads the config at path, writing defaults to it on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".streamhub"),
		ListenAddr:    ":8717",
		LogLevel:      "info",
		MaxConcurrent: 4,
		MaxSteps:      25,
	}
	cfg.DB.Driver = "sqlite"
	cfg.Bus.ChannelBuffer = 50
	cfg.Bus.ReplayWindow = "5m"
	cfg.Bus.Retention = "168h"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.Ask.Timeout = "5m"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if model := os.Getenv("STREAMHUB_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if addr := os.Getenv("STREAMHUB_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dsn := os.Getenv("STREAMHUB_DB_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	if driver := os.Getenv("STREAMHUB_DB_DRIVER"); driver != "" {
		cfg.DB.Driver = driver
	}

	if cfg.DB.DSN == "" && cfg.DB.Driver == "sqlite" {
		cfg.DB.DSN = filepath.Join(cfg.DataDir, "streamhub.db")
	}
	return cfg, nil
}

// ReplayWindow parses the bus replay window, falling back to 5 minutes.
func (c *Config) ReplayWindow() time.Duration {
	return parseDuration(c.Bus.ReplayWindow, 5*time.Minute)
}

// Retention parses the durable log retention, falling back to 7 days.
func (c *Config) Retention() time.Duration { return parseDuration(c.Bus.Retention, 7*24*time.Hour) }

// AskTimeout parses the ask timeout, falling back to 5 minutes.
func (c *Config) AskTimeout() time.Duration { return parseDuration(c.Ask.Timeout, 5*time.Minute) }

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
