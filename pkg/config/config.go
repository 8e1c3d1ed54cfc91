// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the session configuration schema. Invalid
// configurations are rejected at load time; values are never clamped.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-ai/kestrel/pkg/agent"
	"github.com/kestrel-ai/kestrel/pkg/memory"
	"github.com/kestrel-ai/kestrel/pkg/observability"
)

// LoopConfig tunes the agentic loop.
type LoopConfig struct {
	// MaxIterations bounds LLM round trips per turn. Default 10.
	MaxIterations int `yaml:"max_iterations"`

	// PerTurnTimeoutMs is the optional per-turn wall clock. Zero
	// disables it.
	PerTurnTimeoutMs int `yaml:"per_turn_timeout_ms"`

	// RetriesPerToolCall bounds transparent retries of a failing tool
	// call. Default 3. A pointer so an explicit 0 (no retries)
	// survives defaulting.
	RetriesPerToolCall *int `yaml:"retries_per_tool_call"`
}

// HooksConfig tunes the hooks pipeline.
type HooksConfig struct {
	// MetricsBufferSize bounds the per-tool duration ring buffers.
	// Default 1000.
	MetricsBufferSize int `yaml:"metrics_buffer_size"`

	// TrackMetrics enables the ring buffers.
	TrackMetrics bool `yaml:"track_metrics"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Type is one of "openai", "anthropic", "mock".
	Type string `yaml:"type"`

	// Model is the provider model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Config is the full session configuration.
type Config struct {
	Budget        *memory.Budget       `yaml:"budget"`
	Loop          LoopConfig           `yaml:"loop"`
	Hooks         HooksConfig          `yaml:"hooks"`
	Provider      ProviderConfig       `yaml:"provider"`
	Observability observability.Config `yaml:"observability"`

	// SystemPrompt seeds the context store's system tier.
	SystemPrompt string `yaml:"system_prompt"`
}

// SetDefaults fills unset fields with documented defaults.
func (c *Config) SetDefaults() {
	if c.Budget == nil {
		c.Budget = memory.DefaultBudget()
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = agent.DefaultMaxIterations
	}
	if c.Loop.RetriesPerToolCall == nil {
		retries := agent.DefaultRetriesPerToolCall
		c.Loop.RetriesPerToolCall = &retries
	}
	if c.Hooks.MetricsBufferSize == 0 {
		c.Hooks.MetricsBufferSize = 1000
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "mock"
	}
}

// Validate rejects invalid configurations. No silent clamping.
func (c *Config) Validate() error {
	if c.Budget != nil {
		if err := c.Budget.Validate(); err != nil {
			return fmt.Errorf("budget: %w", err)
		}
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop: max_iterations must be >= 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.PerTurnTimeoutMs < 0 {
		return fmt.Errorf("loop: per_turn_timeout_ms must be >= 0, got %d", c.Loop.PerTurnTimeoutMs)
	}
	if c.Loop.RetriesPerToolCall != nil && *c.Loop.RetriesPerToolCall < 0 {
		return fmt.Errorf("loop: retries_per_tool_call must be >= 0, got %d", *c.Loop.RetriesPerToolCall)
	}
	if c.Hooks.MetricsBufferSize < 1 {
		return fmt.Errorf("hooks: metrics_buffer_size must be >= 1, got %d", c.Hooks.MetricsBufferSize)
	}
	switch c.Provider.Type {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("provider: unknown type %q", c.Provider.Type)
	}
	return nil
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted, valid configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
