package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8717" || cfg.LLM.Provider != "openai" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("defaults not valid JSON: %v", err)
	}
}

func TestLoadReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"listen_addr": ":9000", "llm": {"model": "gpt-4o"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("file value not applied: %s", cfg.ListenAddr)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("nested file value not applied: %s", cfg.LLM.Model)
	}
	// Unset fields keep their defaults.
	if cfg.MaxSteps != 25 {
		t.Errorf("default lost: %d", cfg.MaxSteps)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"llm": {"api_key": "from-file"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("env should win, got %s", cfg.LLM.APIKey)
	}
}

func TestDurationFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"bus": {"replay_window": "bogus", "retention": "24h"}, "ask": {"timeout": ""}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReplayWindow() != 5*time.Minute {
		t.Errorf("bad duration should fall back, got %v", cfg.ReplayWindow())
	}
	if cfg.Retention() != 24*time.Hour {
		t.Errorf("valid duration should parse, got %v", cfg.Retention())
	}
	if cfg.AskTimeout() != 5*time.Minute {
		t.Errorf("empty duration should fall back, got %v", cfg.AskTimeout())
	}
}
