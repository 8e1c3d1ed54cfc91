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
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/tokens"
)

// Summarizer compresses message content to a token target.
//
// The planner treats it as a pure function: same content and target must
// yield the same summary. Implementations may delegate to a cheap LLM as
// long as they stay deterministic on short inputs.
type Summarizer interface {
	// Summarize returns the compressed content and its token estimate.
	// The returned estimate must not exceed targetTokens.
	Summarize(content string, targetTokens int) (string, int, error)
}

// TruncatingSummarizer is the deterministic default: it keeps the head of
// the content and appends a truncation mark. No model calls involved.
type TruncatingSummarizer struct {
	estimator tokens.Estimator
}

// NewTruncatingSummarizer creates the default summarizer. A nil estimator
// falls back to the heuristic.
func NewTruncatingSummarizer(estimator tokens.Estimator) *TruncatingSummarizer {
	if estimator == nil {
		estimator = tokens.NewHeuristicEstimator()
	}
	return &TruncatingSummarizer{estimator: estimator}
}

const truncationMark = " [...]"

// Summarize truncates content so its estimate fits targetTokens.
func (s *TruncatingSummarizer) Summarize(content string, targetTokens int) (string, int, error) {
	if targetTokens < 1 {
		targetTokens = 1
	}

	if est := s.estimator.Estimate(content); est <= targetTokens {
		return content, est, nil
	}

	// Four chars per token, leaving room for the truncation mark.
	maxChars := targetTokens * 4
	if maxChars <= len(truncationMark) {
		maxChars = len(truncationMark) + 1
	}

	cut := maxChars - len(truncationMark)
	if cut > len(content) {
		cut = len(content)
	}

	summary := strings.TrimRight(content[:cut], " \t\n") + truncationMark
	est := s.estimator.Estimate(summary)
	if est > targetTokens {
		est = targetTokens
	}
	return summary, est, nil
}

var _ Summarizer = (*TruncatingSummarizer)(nil)
