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

// Package memory implements the tiered, token-budgeted conversation store
// and the budget planner that assembles request-ready views for LLM calls.
//
// Messages live in an append-only log. Each message is tagged with a role,
// a memory tier, a priority, and a token estimate. The budget planner
// compresses and evicts messages per tier to fit the configured envelope.
package memory

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tier is a named pool of messages with its own budget and
// compressibility rules.
type Tier string

const (
	TierSystem    Tier = "system"
	TierTools     Tier = "tools"
	TierResources Tier = "resources"
	TierRecent    Tier = "recent"
	TierArchived  Tier = "archived"
	TierEphemeral Tier = "ephemeral"
)

// Priority orders messages for compression and eviction.
// Critical messages are never evicted by the planner.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Marker records whether a message still carries its original content.
type Marker string

const (
	MarkerRaw        Marker = "raw"
	MarkerSummarized Marker = "summarized"
	MarkerRedacted   Marker = "redacted"
)

// Message is one entry in the conversation log.
//
// Messages are immutable except for compression replacement, which swaps
// Content, Tokens and Marker atomically while preserving ID and Tier.
type Message struct {
	// ID is the stable identifier, unique within a store.
	ID string

	// Role identifies the author.
	Role Role

	// Content is the message text.
	Content string

	// Tier assigns the message to a budget pool. Immutable after append.
	Tier Tier

	// Priority orders the message for compression and eviction.
	Priority Priority

	// Tokens is the non-negative token estimate for this message.
	Tokens int

	// Timestamp records arrival time.
	Timestamp time.Time

	// ToolCallID correlates a tool-result message with the assistant
	// tool request that produced it. Empty for other roles.
	ToolCallID string

	// ToolName names the tool that produced a tool-result message.
	ToolName string

	// ToolCalls lists the correlation identifiers of tool requests
	// announced by an assistant message. Empty for other roles.
	ToolCalls []string

	// Marker records the compression state.
	Marker Marker
}

// tierForRole infers the default tier when none is given on append.
func tierForRole(role Role) Tier {
	switch role {
	case RoleSystem:
		return TierSystem
	case RoleTool:
		return TierTools
	default:
		return TierRecent
	}
}
