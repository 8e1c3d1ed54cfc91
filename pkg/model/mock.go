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

package model

import (
	"context"
	"sync"
)

// ScriptedTurn describes the chunks a MockProvider emits for one
// Generate call.
type ScriptedTurn struct {
	// Text is emitted as a single text chunk when non-empty.
	Text string

	// ToolCalls are emitted after the text, one chunk each.
	ToolCalls []ToolCall

	// Usage is emitted last. A zero FinishReason defaults to
	// "end_turn", or "tool_use" when tool calls are present.
	Usage Usage

	// Err aborts the stream with an error chunk instead.
	Err error
}

// MockProvider replays scripted turns. It records every request so
// tests can assert on the messages the loop sent. Used for unit tests
// and dry runs.
type MockProvider struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	calls [][]Message
}

// NewMockProvider creates a provider that replays the given turns in
// order. Calls past the end of the script get an empty completion.
func NewMockProvider(turns ...ScriptedTurn) *MockProvider {
	return &MockProvider{turns: turns}
}

func (p *MockProvider) Name() string { return "mock" }

// Calls returns the message lists of every Generate call so far.
func (p *MockProvider) Calls() [][]Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]Message, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *MockProvider) Generate(ctx context.Context, messages []Message, _ Options) (<-chan Chunk, error) {
	p.mu.Lock()
	snapshot := make([]Message, len(messages))
	copy(snapshot, messages)
	p.calls = append(p.calls, snapshot)

	var turn ScriptedTurn
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.mu.Unlock()

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		emit := func(c Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if turn.Err != nil {
			emit(Chunk{Type: ChunkError, Err: turn.Err})
			return
		}
		if turn.Text != "" {
			if !emit(Chunk{Type: ChunkText, Text: turn.Text}) {
				return
			}
		}
		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			if tc.Arguments == "" {
				tc.Arguments = "{}"
			}
			if !emit(Chunk{Type: ChunkToolCall, ToolCall: &tc}) {
				return
			}
		}
		usage := turn.Usage
		if usage.FinishReason == "" {
			if len(turn.ToolCalls) > 0 {
				usage.FinishReason = "tool_use"
			} else {
				usage.FinishReason = "end_turn"
			}
		}
		emit(Chunk{Type: ChunkUsage, Usage: &usage})
	}()
	return chunks, nil
}
