package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/agent"
	"github.com/kestrel-ai/kestrel/pkg/memory"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, memory.DefaultCeiling, cfg.Budget.Ceiling)
	assert.Equal(t, agent.DefaultMaxIterations, cfg.Loop.MaxIterations)
	require.NotNil(t, cfg.Loop.RetriesPerToolCall)
	assert.Equal(t, agent.DefaultRetriesPerToolCall, *cfg.Loop.RetriesPerToolCall)
	assert.Equal(t, 1000, cfg.Hooks.MetricsBufferSize)
	assert.Equal(t, "mock", cfg.Provider.Type)
}

func TestParseAppliesDefaultsToUnsetFields(t *testing.T) {
	cfg, err := Parse([]byte(`
provider:
  type: openai
  model: gpt-4o
loop:
  max_iterations: 5
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Loop.MaxIterations)
	require.NotNil(t, cfg.Loop.RetriesPerToolCall)
	assert.Equal(t, agent.DefaultRetriesPerToolCall, *cfg.Loop.RetriesPerToolCall)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	require.NotNil(t, cfg.Budget)
	assert.NoError(t, cfg.Budget.Validate())
}

func TestParseKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := Parse([]byte("loop:\n  retries_per_tool_call: 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Loop.RetriesPerToolCall)
	assert.Equal(t, 0, *cfg.Loop.RetriesPerToolCall, "an explicit 0 is valid and survives defaulting")
}

func TestParseBudgetOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
budget:
  ceiling: 16000
  response_reserve: 1500
  tool_reserve: 500
  recent_turns: 2
  compression_threshold: 0.7
  eviction_threshold: 0.9
  tiers:
    archived:
      compressible: true
      compression_target: 0.25
`))
	require.NoError(t, err)
	assert.Equal(t, 16000, cfg.Budget.Ceiling)
	assert.Equal(t, 14000, cfg.Budget.Available())
	assert.Equal(t, 0.25, cfg.Budget.TierFor(memory.TierArchived).CompressionTarget)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown provider", "provider:\n  type: carrier-pigeon\n"},
		{"negative timeout", "loop:\n  per_turn_timeout_ms: -5\n"},
		{"negative retries", "loop:\n  retries_per_tool_call: -1\n"},
		{"ceiling below floor", "budget:\n  ceiling: 100\n"},
		{"bad threshold", "budget:\n  ceiling: 32000\n  compression_threshold: 1.5\n"},
		{"not yaml", ": definitely not yaml ["},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err, "values are rejected, never clamped")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestProviderAPIKeyResolution(t *testing.T) {
	t.Setenv("CUSTOM_KEY", "custom-secret")
	t.Setenv("OPENAI_API_KEY", "openai-secret")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-secret")

	p := ProviderConfig{Type: "openai", APIKeyEnv: "CUSTOM_KEY"}
	assert.Equal(t, "custom-secret", p.APIKey())

	p = ProviderConfig{Type: "openai"}
	assert.Equal(t, "openai-secret", p.APIKey())

	p = ProviderConfig{Type: "anthropic"}
	assert.Equal(t, "anthropic-secret", p.APIKey())

	p = ProviderConfig{Type: "mock"}
	assert.Empty(t, p.APIKey())
}

func TestLoadEnvMissingFileIsNotAnError(t *testing.T) {
	assert.NoError(t, LoadEnv("/does/not/exist.env"))
}
