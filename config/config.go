// Package config provides configuration loading and management for ChangeOps.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/changeops/llm"
)

// Config represents the complete ChangeOps configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	NATS       NATSConfig       `yaml:"nats"`
	Model      ModelConfig      `yaml:"model"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Draft      DraftConfig      `yaml:"draft"`
}

// HTTPConfig configures the HTTP API server
type HTTPConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Name is the client connection name reported to the server
	Name string `yaml:"name"`
}

// ModelConfig configures the draft producer endpoints
type ModelConfig struct {
	// Endpoints is the failover chain, tried in order
	Endpoints []llm.EndpointConfig `yaml:"endpoints"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for producer responses
	Timeout time.Duration `yaml:"timeout"`
}

// DispatcherConfig configures the intent dispatcher
type DispatcherConfig struct {
	// Workers is the dispatch worker count
	Workers int `yaml:"workers"`
	// RescanHorizon is how far back the startup rescan reaches for
	// pending intents that never got dispatched
	RescanHorizon time.Duration `yaml:"rescan_horizon"`
}

// SchedulerConfig configures the schedule-trigger poller
type SchedulerConfig struct {
	// PollInterval is the tick between due-trigger evaluations
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DraftConfig configures the draft pipeline surface
type DraftConfig struct {
	// StrictFrames makes SSE encoding failures surface as an error
	// frame instead of being silently dropped
	StrictFrames bool `yaml:"strict_frames"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "changeops",
		},
		Model: ModelConfig{
			Endpoints: []llm.EndpointConfig{
				{
					Provider: "openai",
					URL:      "http://localhost:11434/v1",
					Model:    "qwen2.5-coder:32b",
				},
			},
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
		},
		Dispatcher: DispatcherConfig{
			Workers:       4,
			RescanHorizon: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
		},
		Draft: DraftConfig{
			StrictFrames: false,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if len(c.Model.Endpoints) == 0 {
		return fmt.Errorf("model.endpoints requires at least one endpoint")
	}
	for i, ep := range c.Model.Endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("model.endpoints[%d].provider is required", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("model.endpoints[%d].model is required", i)
		}
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be at least 1")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ShutdownTimeout != 0 {
		c.HTTP.ShutdownTimeout = other.HTTP.ShutdownTimeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	// Model
	if len(other.Model.Endpoints) > 0 {
		c.Model.Endpoints = other.Model.Endpoints
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// Dispatcher
	if other.Dispatcher.Workers != 0 {
		c.Dispatcher.Workers = other.Dispatcher.Workers
	}
	if other.Dispatcher.RescanHorizon != 0 {
		c.Dispatcher.RescanHorizon = other.Dispatcher.RescanHorizon
	}

	// Scheduler
	if other.Scheduler.PollInterval != 0 {
		c.Scheduler.PollInterval = other.Scheduler.PollInterval
	}

	// Draft
	if other.Draft.StrictFrames {
		c.Draft.StrictFrames = true
	}
}
