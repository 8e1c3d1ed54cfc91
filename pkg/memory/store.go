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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/tokens"
)

var (
	// ErrOrphanToolResult is returned when a tool result references a
	// correlation identifier no assistant message announced.
	ErrOrphanToolResult = errors.New("orphan tool result")

	// ErrEvictionProtected is returned when eviction would violate the
	// system tier floor or remove a pinned recent turn.
	ErrEvictionProtected = errors.New("eviction protected")

	// ErrUnknownMessage is returned for operations on an absent ID.
	ErrUnknownMessage = errors.New("unknown message")
)

// Store is the ordered, append-only conversation log for one session.
// It is session-owned; turns are serialized by the loop, and internal
// locking protects snapshot readers (telemetry, checkpoints) against an
// in-flight turn.
type Store struct {
	mu        sync.RWMutex
	estimator tokens.Estimator
	budget    *Budget

	messages []*Message
	byID     map[string]*Message

	// announced maps tool-call correlation IDs to whether a result has
	// been appended for them yet.
	announced map[string]bool
}

// NewStore creates an empty store. A nil estimator falls back to the
// heuristic; a nil budget falls back to defaults.
func NewStore(estimator tokens.Estimator, budget *Budget) *Store {
	if estimator == nil {
		estimator = tokens.NewHeuristicEstimator()
	}
	if budget == nil {
		budget = DefaultBudget()
	}
	return &Store{
		estimator: estimator,
		budget:    budget,
		byID:      make(map[string]*Message),
		announced: make(map[string]bool),
	}
}

// Budget returns the budget descriptor this store was built with.
func (s *Store) Budget() *Budget {
	return s.budget
}

// Append adds a message, inferring the tier from the role and using
// normal priority. Returns the new message ID.
func (s *Store) Append(role Role, content string) string {
	return s.AppendTagged(role, content, tierForRole(role), PriorityNormal)
}

// AppendTagged adds a message with an explicit tier and priority.
func (s *Store) AppendTagged(role Role, content string, tier Tier, priority Priority) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.newMessage(role, content, tier, priority)
	s.insert(msg)
	return msg.ID
}

// AppendAssistant adds an assistant message that announces tool requests.
// The given correlation IDs become valid targets for AppendToolResult.
func (s *Store) AppendAssistant(content string, toolCallIDs []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.newMessage(RoleAssistant, content, TierRecent, PriorityNormal)
	msg.ToolCalls = append([]string(nil), toolCallIDs...)
	s.insert(msg)

	for _, id := range toolCallIDs {
		if _, seen := s.announced[id]; !seen {
			s.announced[id] = false
		}
	}
	return msg.ID
}

// AppendToolResult adds a tool-result message correlated to a prior
// assistant tool request. Fails with ErrOrphanToolResult when the
// correlation identifier was never announced.
func (s *Store) AppendToolResult(toolCallID, toolName, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.announced[toolCallID]; !ok {
		return "", fmt.Errorf("%w: call %s (%s)", ErrOrphanToolResult, toolCallID, toolName)
	}

	msg := s.newMessage(RoleTool, content, TierTools, PriorityNormal)
	msg.ToolCallID = toolCallID
	msg.ToolName = toolName
	s.insert(msg)
	s.announced[toolCallID] = true
	return msg.ID, nil
}

// Messages returns an ordered snapshot of the log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// Get returns a copy of one message.
func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return *m, nil
}

// ReplaceContent is the sole mutation primitive: it atomically swaps
// content, token estimate, and compression marker, preserving ID and tier.
// Used by the budget planner for compression.
func (s *Store) ReplaceContent(id, content string, tokenEstimate int, marker Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	m.Content = content
	m.Tokens = tokenEstimate
	m.Marker = marker
	return nil
}

// Evict removes a message from the log. Fails with ErrEvictionProtected
// when removal would drop the system tier below its floor (or empty it)
// or remove a message in a pinned recent turn.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	if m.Tier == TierSystem {
		remaining := 0
		count := 0
		for _, other := range s.messages {
			if other.Tier == TierSystem && other.ID != id {
				remaining += other.Tokens
				count++
			}
		}
		floor := s.budget.TierFor(TierSystem).Min
		if count == 0 || remaining < floor {
			return fmt.Errorf("%w: system tier floor", ErrEvictionProtected)
		}
	}

	if s.pinnedLocked()[id] {
		return fmt.Errorf("%w: pinned recent turn", ErrEvictionProtected)
	}

	delete(s.byID, id)
	for i, other := range s.messages {
		if other.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	return nil
}

// PendingToolCalls returns correlation IDs that were announced by an
// assistant message but have no tool result yet.
func (s *Store) PendingToolCalls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []string
	for _, m := range s.messages {
		for _, id := range m.ToolCalls {
			if done, ok := s.announced[id]; ok && !done {
				pending = append(pending, id)
			}
		}
	}
	return pending
}

// TierTokens sums message token estimates grouped by tier.
func (s *Store) TierTokens() map[Tier]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tierTokensLocked()
}

// TotalTokens sums all message token estimates.
func (s *Store) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, m := range s.messages {
		total += m.Tokens
	}
	return total
}

// Pinned returns the IDs of messages inside the pinned recent turns:
// the last RecentTurns user-assistant exchanges.
func (s *Store) Pinned() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinnedLocked()
}

// Len returns the number of live messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ----------------------------------------------------------------------------
// internals (callers hold s.mu)
// ----------------------------------------------------------------------------

func (s *Store) newMessage(role Role, content string, tier Tier, priority Priority) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Role:     role,
		Content:  content,
		Tier:     tier,
		Priority: priority,
		Tokens: s.estimator.EstimateMessage(tokens.Message{
			Role:    string(role),
			Content: content,
		}),
		Timestamp: time.Now(),
		Marker:    MarkerRaw,
	}
}

func (s *Store) insert(msg *Message) {
	s.messages = append(s.messages, msg)
	s.byID[msg.ID] = msg
}

func (s *Store) tierTokensLocked() map[Tier]int {
	out := make(map[Tier]int)
	for _, m := range s.messages {
		out[m.Tier] += m.Tokens
	}
	return out
}

// pinnedLocked computes the pinned set: walking backwards, every user and
// assistant message until RecentTurns user messages have been consumed.
func (s *Store) pinnedLocked() map[string]bool {
	pinned := make(map[string]bool)
	if s.budget.RecentTurns <= 0 {
		return pinned
	}

	turns := 0
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		pinned[m.ID] = true
		if m.Role == RoleUser {
			turns++
			if turns >= s.budget.RecentTurns {
				break
			}
		}
	}
	return pinned
}
