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
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrBudgetOverflow is returned when the context cannot be made to fit
// the available envelope even after compression and eviction.
var ErrBudgetOverflow = errors.New("budget overflow")

// ErrPendingToolResults is returned when a request view is requested
// while a tool request still awaits its result.
var ErrPendingToolResults = errors.New("pending tool results")

// Prepared is the planner's output for one LLM call: the request view
// plus token accounting.
type Prepared struct {
	// Messages is the ordered request view.
	Messages []Message

	// PromptTokens is the summed estimate of the view.
	PromptTokens int

	// ResponseReserve echoes the budget's response reservation.
	ResponseReserve int

	// ToolReserve echoes the budget's tool reservation.
	ToolReserve int
}

// compressionOrder lists tiers in compression priority, lowest-value
// data first. Eviction extends the same order with tools and recent;
// the system tier never participates.
var (
	compressionOrder = []Tier{TierEphemeral, TierArchived, TierResources}
	evictionOrder    = []Tier{TierEphemeral, TierArchived, TierResources, TierTools, TierRecent}
)

// Planner decides which messages are included in the next LLM request,
// compressing and evicting as needed to fit the budget envelope.
type Planner struct {
	store      *Store
	budget     *Budget
	summarizer Summarizer
}

// NewPlanner creates a planner over a store. A nil summarizer falls back
// to deterministic truncation.
func NewPlanner(store *Store, summarizer Summarizer) *Planner {
	if summarizer == nil {
		summarizer = NewTruncatingSummarizer(store.estimator)
	}
	return &Planner{
		store:      store,
		budget:     store.Budget(),
		summarizer: summarizer,
	}
}

// Prepare assembles the request view, driving compression and then
// eviction when the context exceeds its thresholds.
//
// Fails with ErrPendingToolResults while a tool request awaits its
// result, and with ErrBudgetOverflow when the floor is hit and the
// context still does not fit.
func (p *Planner) Prepare() (*Prepared, error) {
	if pending := p.store.PendingToolCalls(); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d call(s) outstanding", ErrPendingToolResults, len(pending))
	}

	available := p.budget.Available()
	total := p.store.TotalTokens()

	if float64(total) > p.budget.CompressionThreshold*float64(available) {
		total = p.compress(total, available)
	}

	if float64(total) > p.budget.EvictionThreshold*float64(available) {
		total = p.evict(total, available)
	}

	if total > available {
		return nil, fmt.Errorf("%w: %d tokens against %d available", ErrBudgetOverflow, total, available)
	}

	view := p.store.Messages()
	prompt := 0
	for _, m := range view {
		prompt += m.Tokens
	}

	return &Prepared{
		Messages:        view,
		PromptTokens:    prompt,
		ResponseReserve: p.budget.ResponseReserve,
		ToolReserve:     p.budget.ToolReserve,
	}, nil
}

// compress summarizes messages in compressible tiers until the total
// drops below the compression threshold. Summarization failures are
// recoverable: the message is left in place and the next candidate is
// tried. Returns the new total.
func (p *Planner) compress(total, available int) int {
	threshold := p.budget.CompressionThreshold * float64(available)

	for _, tier := range compressionOrder {
		cfg := p.budget.TierFor(tier)
		if !cfg.Compressible {
			continue
		}

		ratio := cfg.CompressionTarget
		if ratio <= 0 {
			ratio = DefaultCompressionTarget
		}

		candidates := p.candidates(tier)
		minShare := tierMinShare(cfg.Min, len(candidates))

		for _, msg := range candidates {
			if float64(total) <= threshold {
				return total
			}
			if msg.Marker != MarkerRaw {
				continue
			}

			target := int(float64(msg.Tokens) * ratio)
			if target < minShare {
				target = minShare
			}

			summary, summaryTokens, err := p.summarizer.Summarize(msg.Content, target)
			if err != nil {
				slog.Debug("summarization failed, keeping message",
					"message_id", msg.ID,
					"tier", string(tier),
					"error", err)
				continue
			}
			if summaryTokens >= msg.Tokens {
				continue // no reclaim
			}

			if err := p.store.ReplaceContent(msg.ID, summary, summaryTokens, MarkerSummarized); err != nil {
				continue
			}
			total -= msg.Tokens - summaryTokens
		}
	}
	return total
}

// evict drops messages oldest-first in eviction tier order until the
// total fits the available envelope. Critical messages, pinned recent
// turns, and the system tier are skipped.
func (p *Planner) evict(total, available int) int {
	pinned := p.store.Pinned()

	for _, tier := range evictionOrder {
		for _, msg := range p.candidates(tier) {
			if total <= available {
				return total
			}
			if msg.Priority == PriorityCritical || pinned[msg.ID] {
				continue
			}
			if err := p.store.Evict(msg.ID); err != nil {
				continue
			}
			total -= msg.Tokens
		}
	}
	return total
}

// candidates returns the messages of a tier ordered for reclaim:
// oldest first; equal age breaks to lower priority, then to the longer
// message (greater reclaim).
func (p *Planner) candidates(tier Tier) []Message {
	var msgs []Message
	for _, m := range p.store.Messages() {
		if m.Tier == tier {
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority < msgs[j].Priority
		}
		return msgs[i].Tokens > msgs[j].Tokens
	})
	return msgs
}

// tierMinShare spreads a tier's token floor across its messages so a
// single summary cannot be forced below its fair share.
func tierMinShare(tierMin, count int) int {
	if count <= 0 || tierMin <= 0 {
		return 1
	}
	share := tierMin / count
	if share < 1 {
		share = 1
	}
	return share
}
