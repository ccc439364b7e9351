package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if len(cfg.Model.Endpoints) != 1 {
		t.Fatalf("expected 1 default endpoint, got %d", len(cfg.Model.Endpoints))
	}
	if cfg.Model.Endpoints[0].Provider != "openai" {
		t.Errorf("expected default provider openai, got %s", cfg.Model.Endpoints[0].Provider)
	}
	if cfg.Model.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Model.Temperature)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("expected 4 dispatch workers, got %d", cfg.Dispatcher.Workers)
	}
	if cfg.Scheduler.PollInterval != time.Minute {
		t.Errorf("expected 1m poll interval, got %v", cfg.Scheduler.PollInterval)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing http addr",
			modify:  func(c *Config) { c.HTTP.Addr = "" },
			wantErr: true,
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "no model endpoints",
			modify:  func(c *Config) { c.Model.Endpoints = nil },
			wantErr: true,
		},
		{
			name:    "endpoint missing provider",
			modify:  func(c *Config) { c.Model.Endpoints[0].Provider = "" },
			wantErr: true,
		},
		{
			name:    "endpoint missing model",
			modify:  func(c *Config) { c.Model.Endpoints[0].Model = "" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Model.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Model.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Dispatcher.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Scheduler.PollInterval = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
http:
  addr: ":9090"
nats:
  url: "nats://test:4222"
model:
  endpoints:
    - provider: openai
      url: "http://test:1234/v1"
      model: "test-model"
    - provider: anthropic
      model: "fallback-model"
  temperature: 0.5
  timeout: 10m
dispatcher:
  workers: 8
scheduler:
  poll_interval: 30s
draft:
  strict_frames: true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.HTTP.Addr)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if len(cfg.Model.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(cfg.Model.Endpoints))
	}
	if cfg.Model.Endpoints[0].Model != "test-model" {
		t.Errorf("expected first model test-model, got %s", cfg.Model.Endpoints[0].Model)
	}
	if cfg.Model.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.Model.Temperature)
	}
	if cfg.Model.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.Model.Timeout)
	}
	if cfg.Dispatcher.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Dispatcher.Workers)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("expected 30s poll interval, got %v", cfg.Scheduler.PollInterval)
	}
	if !cfg.Draft.StrictFrames {
		t.Error("expected strict frames enabled")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		HTTP: HTTPConfig{
			Addr: ":7070",
		},
		Dispatcher: DispatcherConfig{
			Workers: 16,
		},
	}

	base.Merge(override)

	if base.HTTP.Addr != ":7070" {
		t.Errorf("expected addr :7070, got %s", base.HTTP.Addr)
	}
	if base.Dispatcher.Workers != 16 {
		t.Errorf("expected 16 workers, got %d", base.Dispatcher.Workers)
	}
	// NATS URL should remain from base since override didn't set it
	if base.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected NATS URL to remain default, got %s", base.NATS.URL)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.HTTP.Addr = ":6060"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.HTTP.Addr != ":6060" {
		t.Errorf("expected addr :6060, got %s", loaded.HTTP.Addr)
	}
}
