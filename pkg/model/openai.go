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
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrel-ai/kestrel/internal/httpclient"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// OpenAIProvider implements Provider on the OpenAI chat completions
// API. Tool calls stream incrementally and are accumulated per index
// until the finish reason reports them complete.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIRetries overrides the retry count for stream setup.
func WithOpenAIRetries(n int) OpenAIOption {
	return func(p *OpenAIProvider) { p.maxRetries = n }
}

// NewOpenAIProvider creates a provider from an API key.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAIProviderWithClient creates a provider from a pre-built SDK
// client, for compatible endpoints with custom base URLs.
func NewOpenAIProviderWithClient(client *openai.Client, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		client:     client,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: api key not configured")
	}

	req := openai.ChatCompletionRequest{
		Model:    opts.Model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if len(opts.Stop) > 0 {
		req.Stop = opts.Stop
	}
	if len(opts.Tools) > 0 {
		req.Tools = toOpenAITools(opts.Tools)
	}

	// Stream setup retries on transient failures with linear backoff.
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !httpclient.IsTransient(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: retries exhausted: %w", lastErr)
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	start := time.Now()
	var usage Usage
	// Tool calls arrive as fragments keyed by index.
	pending := make(map[int]*ToolCall)
	order := make([]int, 0, 4)

	emit := func(c Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	flushToolCalls := func() bool {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil || tc.Name == "" {
				continue
			}
			if tc.Arguments == "" {
				tc.Arguments = "{}"
			}
			if !emit(Chunk{Type: ChunkToolCall, ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*ToolCall)
		order = order[:0]
		return true
	}

	for {
		select {
		case <-ctx.Done():
			emitAbort(chunks, ctx.Err())
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				emit(Chunk{Type: ChunkUsage, Usage: &usage})
				p.record(ctx, start, usage, nil)
				return
			}
			emit(Chunk{Type: ChunkError, Err: err})
			p.record(ctx, start, usage, err)
			return
		}

		if resp.Usage != nil {
			usage.PromptTokens = resp.Usage.PromptTokens
			usage.CompletionTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(Chunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc := pending[idx]
			if acc == nil {
				acc = &ToolCall{}
				pending[idx] = acc
				order = append(order, idx)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			usage.FinishReason = string(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls {
				if !flushToolCalls() {
					return
				}
			}
		}
	}
}

func (p *OpenAIProvider) record(ctx context.Context, start time.Time, usage Usage, err error) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, p.Name(), time.Since(start),
			usage.PromptTokens, usage.CompletionTokens, err)
	}
}

// emitAbort tries to deliver a final error chunk without blocking on a
// consumer that already went away.
func emitAbort(chunks chan<- Chunk, err error) {
	select {
	case chunks <- Chunk{Type: ChunkError, Err: err}:
	default:
	}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				msg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
