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

// Package agent implements the agentic loop: the turn state machine
// that drives the LLM, dispatches tool calls, and emits progress as an
// ordered event stream. It also implements sub-agent delegation.
package agent

import (
	"time"
)

// EventType tags the variants of an agent event.
type EventType string

const (
	// EventThinking carries streamed model output, or an empty payload
	// as a liveness signal at turn start.
	EventThinking EventType = "thinking"

	// EventReasoning carries one extracted reasoning block.
	EventReasoning EventType = "reasoning"

	// EventActing announces a tool call about to be dispatched.
	EventActing EventType = "acting"

	// EventObserving carries a tool call's result or error.
	EventObserving EventType = "observing"

	// EventClarificationNeeded terminates the turn with questions the
	// model wants answered before proceeding.
	EventClarificationNeeded EventType = "clarification_needed"

	// EventComplete terminates the turn with the assistant's summary.
	EventComplete EventType = "complete"

	// EventFailed terminates the turn with an error.
	EventFailed EventType = "failed"
)

// FailureCause classifies why a turn failed.
type FailureCause string

const (
	CauseMaxIterationsExceeded FailureCause = "MaxIterationsExceeded"
	CauseCancelled             FailureCause = "Cancelled"
	CauseTimeout               FailureCause = "Timeout"
	CauseBudgetOverflow        FailureCause = "BudgetOverflow"
	CauseProviderError         FailureCause = "ProviderError"

	// CauseInternalError marks store or planner consistency failures
	// that are not the provider's fault.
	CauseInternalError FailureCause = "InternalError"
)

// TurnMetrics accumulates accounting over one turn.
type TurnMetrics struct {
	Iterations       int           `json:"iterations"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	ToolCalls        int           `json:"tool_calls"`
	ToolErrors       int           `json:"tool_errors"`
	Duration         time.Duration `json:"duration"`
}

// TotalTokens returns prompt plus completion tokens.
func (m *TurnMetrics) TotalTokens() int {
	return m.PromptTokens + m.CompletionTokens
}

// Event is one element of a turn's event stream. Exactly one terminal
// event (complete, failed, or clarification_needed) ends the stream.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Content is the payload for thinking, reasoning, and complete.
	Content string

	// Phase is the reasoning tag name for reasoning events.
	Phase string

	// Tool, Input, and Output describe acting and observing events.
	Tool   string
	Input  map[string]any
	Output any

	// Err is set on observing (tool failure) and failed events.
	Err error

	// Cause classifies failed events.
	Cause FailureCause

	// Questions is set on clarification_needed events.
	Questions []string

	// Metrics is set on the terminal event.
	Metrics *TurnMetrics
}

// Terminal reports whether the event ends the turn's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventFailed, EventClarificationNeeded:
		return true
	}
	return false
}
