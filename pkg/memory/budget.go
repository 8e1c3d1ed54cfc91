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

package memory

import (
	"fmt"
)

// Default budget settings
const (
	DefaultCeiling              = 32000
	DefaultResponseReserve      = 2000
	DefaultToolReserve          = 1000
	DefaultRecentTurns          = 3
	DefaultCompressionThreshold = 0.8
	DefaultEvictionThreshold    = 0.95
	DefaultCompressionTarget    = 0.3

	// MinCeiling is the smallest ceiling a budget may declare.
	MinCeiling = 1024
)

// TierConfig bounds one memory tier.
type TierConfig struct {
	// Max is the tier's token ceiling. Zero means unbounded within the
	// overall envelope.
	Max int `yaml:"max"`

	// Min is the floor below which eviction must not shrink the tier.
	Min int `yaml:"min"`

	// Compressible marks the tier as eligible for summarization.
	Compressible bool `yaml:"compressible"`

	// CompressionTarget is the target size ratio for summaries.
	// Zero means DefaultCompressionTarget.
	CompressionTarget float64 `yaml:"compression_target,omitempty"`
}

// Budget describes the token envelope for one context.
type Budget struct {
	// Ceiling is the total token ceiling for a prepared request plus
	// its reservations.
	Ceiling int `yaml:"ceiling"`

	// ResponseReserve is held back for the model's response.
	ResponseReserve int `yaml:"response_reserve"`

	// ToolReserve is held back for tool results.
	ToolReserve int `yaml:"tool_reserve"`

	// Tiers configures per-tier limits.
	Tiers map[Tier]TierConfig `yaml:"tiers"`

	// RecentTurns pins the last N user-assistant exchanges against
	// eviction. Zero disables pinning.
	RecentTurns int `yaml:"recent_turns"`

	// CompressionThreshold is the load factor (of the available
	// envelope) above which compression starts.
	CompressionThreshold float64 `yaml:"compression_threshold"`

	// EvictionThreshold is the load factor above which eviction starts.
	EvictionThreshold float64 `yaml:"eviction_threshold"`
}

// DefaultBudget returns a budget with documented defaults.
func DefaultBudget() *Budget {
	return &Budget{
		Ceiling:         DefaultCeiling,
		ResponseReserve: DefaultResponseReserve,
		ToolReserve:     DefaultToolReserve,
		Tiers: map[Tier]TierConfig{
			TierSystem:    {Min: 64},
			TierTools:     {Compressible: false},
			TierResources: {Compressible: true},
			TierRecent:    {},
			TierArchived:  {Compressible: true},
			TierEphemeral: {Compressible: true},
		},
		RecentTurns:          DefaultRecentTurns,
		CompressionThreshold: DefaultCompressionThreshold,
		EvictionThreshold:    DefaultEvictionThreshold,
	}
}

// Validate rejects invalid budgets. Values are never clamped.
func (b *Budget) Validate() error {
	if b.Ceiling < MinCeiling {
		return fmt.Errorf("budget ceiling %d is below minimum %d", b.Ceiling, MinCeiling)
	}
	if b.ResponseReserve < 0 {
		return fmt.Errorf("response reserve must be >= 0, got %d", b.ResponseReserve)
	}
	if b.ToolReserve < 0 {
		return fmt.Errorf("tool reserve must be >= 0, got %d", b.ToolReserve)
	}
	if b.ResponseReserve+b.ToolReserve >= b.Ceiling {
		return fmt.Errorf("reserves (%d) exhaust the ceiling (%d)",
			b.ResponseReserve+b.ToolReserve, b.Ceiling)
	}
	if b.RecentTurns < 0 {
		return fmt.Errorf("recent turns must be >= 0, got %d", b.RecentTurns)
	}
	if b.CompressionThreshold <= 0 || b.CompressionThreshold > 1 {
		return fmt.Errorf("compression threshold must be in (0, 1], got %v", b.CompressionThreshold)
	}
	if b.EvictionThreshold <= 0 || b.EvictionThreshold > 1 {
		return fmt.Errorf("eviction threshold must be in (0, 1], got %v", b.EvictionThreshold)
	}
	for tier, cfg := range b.Tiers {
		if cfg.Min < 0 || cfg.Max < 0 {
			return fmt.Errorf("tier %s has negative bounds", tier)
		}
		if cfg.Max > 0 && cfg.Min > cfg.Max {
			return fmt.Errorf("tier %s min %d exceeds max %d", tier, cfg.Min, cfg.Max)
		}
		if cfg.CompressionTarget < 0 || cfg.CompressionTarget > 1 {
			return fmt.Errorf("tier %s compression target must be in [0, 1], got %v",
				tier, cfg.CompressionTarget)
		}
	}
	return nil
}

// Available returns the envelope left for prompt messages after
// reservations.
func (b *Budget) Available() int {
	return b.Ceiling - b.ResponseReserve - b.ToolReserve
}

// TierFor returns the configuration for a tier, zero-valued if absent.
func (b *Budget) TierFor(tier Tier) TierConfig {
	if b.Tiers == nil {
		return TierConfig{}
	}
	return b.Tiers[tier]
}
