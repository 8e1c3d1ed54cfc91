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

// Package model defines the LLM provider interface and its adapters.
// Providers stream responses as chunks; aborting mid-stream is done by
// canceling the context passed to Generate.
package model

import (
	"context"

	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// Role is a conversation role in provider wire format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the model's request to invoke a tool. Arguments is the
// raw JSON the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one provider-facing conversation message.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string
	ToolName   string
}

// Usage is the token accounting the provider reports at end of stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// ChunkType tags the variants of a stream chunk.
type ChunkType string

const (
	// ChunkText carries an incremental text delta.
	ChunkText ChunkType = "text"

	// ChunkToolCall carries one complete tool-call request.
	ChunkToolCall ChunkType = "tool_call"

	// ChunkUsage carries the final token usage report.
	ChunkUsage ChunkType = "usage"

	// ChunkError carries a stream failure. It is the last chunk.
	ChunkError ChunkType = "error"
)

// Chunk is one element of a provider response stream.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Options tune one Generate call.
type Options struct {
	// Model is the provider-specific model identifier.
	Model string

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int

	Temperature float64

	// Tools is the catalog advertised to the model.
	Tools []tools.Definition

	// Stop lists custom stop sequences, when the provider supports
	// them.
	Stop []string
}

// Provider generates model responses as a chunk stream. The channel is
// closed when the stream ends; cancellation of ctx aborts the stream
// and closes the channel after an error chunk.
type Provider interface {
	// Name identifies the provider for logging and metrics.
	Name() string

	// Generate starts one streaming completion.
	Generate(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error)
}
