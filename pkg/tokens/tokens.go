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

// Package tokens provides token estimation for budget accounting.
//
// Two implementations are available:
//   - HeuristicEstimator: deterministic character-count heuristic, no model
//     data required. This is the default.
//   - ModelEstimator: tiktoken-backed counting for models with a known
//     encoding.
//
// Both satisfy the Estimator contract: deterministic, pure, non-negative.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Message represents a message for token counting.
type Message struct {
	Role    string
	Content string
}

// Estimator estimates token costs for budget planning.
// Implementations must be deterministic and pure.
type Estimator interface {
	// Estimate returns the token estimate for raw text.
	Estimate(text string) int

	// EstimateMessage returns the token estimate for a message,
	// including per-message role overhead.
	EstimateMessage(msg Message) int
}

// ============================================================================
// HEURISTIC ESTIMATOR
// ============================================================================

const (
	// charsPerToken is the rough ratio used by the heuristic estimator.
	charsPerToken = 4

	// messageOverhead accounts for role framing tokens per message.
	messageOverhead = 3
)

// HeuristicEstimator estimates tokens with a characters-per-token rule.
// It never fails and requires no model data.
type HeuristicEstimator struct{}

// NewHeuristicEstimator creates the default estimator.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

// Estimate returns len(text)/4, never negative.
func (e *HeuristicEstimator) Estimate(text string) int {
	return len(text) / charsPerToken
}

// EstimateMessage adds per-message overhead on top of role and content.
func (e *HeuristicEstimator) EstimateMessage(msg Message) int {
	return messageOverhead + e.Estimate(msg.Role) + e.Estimate(msg.Content)
}

// ============================================================================
// MODEL ESTIMATOR - TIKTOKEN BACKED
// ============================================================================

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// ModelEstimator counts tokens with the encoding of a specific model.
type ModelEstimator struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewModelEstimator creates an estimator for the given model.
// Unknown models fall back to the cl100k_base encoding.
func NewModelEstimator(model string) (*ModelEstimator, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &ModelEstimator{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &ModelEstimator{encoding: encoding, model: model}, nil
}

// Estimate returns the exact token count for text under the model encoding.
func (e *ModelEstimator) Estimate(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// EstimateMessage counts role and content tokens plus message framing,
// following the OpenAI message token accounting format.
func (e *ModelEstimator) EstimateMessage(msg Message) int {
	return messageOverhead + e.Estimate(msg.Role) + e.Estimate(msg.Content)
}

// Model returns the model name this estimator is configured for.
func (e *ModelEstimator) Model() string {
	return e.model
}

var (
	_ Estimator = (*HeuristicEstimator)(nil)
	_ Estimator = (*ModelEstimator)(nil)
)
