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
	"encoding/json"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// defaultAnthropicMaxTokens applies when Options.MaxTokens is zero; the
// Messages API requires an explicit cap.
const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements Provider on the Anthropic Messages API.
// System messages are lifted out of the conversation into the request's
// system blocks; tool-call JSON streams as fragments per content block
// and is assembled on block stop.
type AnthropicProvider struct {
	client sdk.Client
}

// NewAnthropicProvider creates a provider from an API key.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	return &AnthropicProvider{client: sdk.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}

	conversation, system := toAnthropicMessages(messages)
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(opts.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}
	if len(opts.Tools) > 0 {
		params.Tools = toAnthropicTools(opts.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

type anthropicStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream anthropicStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	start := time.Now()
	var usage Usage
	// Tool-use JSON arrives as fragments keyed by content block index.
	pending := make(map[int]*ToolCall)
	fragments := make(map[int][]string)

	emit := func(c Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		select {
		case <-ctx.Done():
			emitAbort(chunks, ctx.Err())
			return
		default:
		}

		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				pending[int(ev.Index)] = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(Chunk{Type: ChunkText, Text: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if delta.PartialJSON != "" {
					idx := int(ev.Index)
					fragments[idx] = append(fragments[idx], delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			tc := pending[idx]
			if tc == nil {
				continue
			}
			tc.Arguments = joinFragments(fragments[idx])
			delete(pending, idx)
			delete(fragments, idx)
			if !emit(Chunk{Type: ChunkToolCall, ToolCall: tc}) {
				return
			}
		case sdk.MessageDeltaEvent:
			usage.PromptTokens = int(ev.Usage.InputTokens)
			usage.CompletionTokens = int(ev.Usage.OutputTokens)
			usage.FinishReason = string(ev.Delta.StopReason)
		}
	}

	if err := stream.Err(); err != nil {
		emit(Chunk{Type: ChunkError, Err: err})
		p.record(ctx, start, usage, err)
		return
	}
	emit(Chunk{Type: ChunkUsage, Usage: &usage})
	p.record(ctx, start, usage, nil)
}

func (p *AnthropicProvider) record(ctx context.Context, start time.Time, usage Usage, err error) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, p.Name(), time.Since(start),
			usage.PromptTokens, usage.CompletionTokens, err)
	}
}

func joinFragments(parts []string) string {
	joined := strings.TrimSpace(strings.Join(parts, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}

// toAnthropicMessages converts the conversation. System messages become
// request-level system blocks; tool results become user-role tool
// result blocks, per the Messages API shape.
func toAnthropicMessages(messages []Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	var system []sdk.TextBlockParam

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			conversation = append(conversation,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return conversation, system
}

func toAnthropicTools(defs []tools.Definition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if def.Parameters != nil {
			schema.ExtraFields = def.Parameters
		}
		tool := sdk.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, tool)
	}
	return out
}
