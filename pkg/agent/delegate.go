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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-ai/kestrel/pkg/hooks"
	"github.com/kestrel-ai/kestrel/pkg/memory"
	"github.com/kestrel-ai/kestrel/pkg/model"
	"github.com/kestrel-ai/kestrel/pkg/tokens"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// Contract is the work order handed to a sub-agent. Nothing but the
// contract crosses the isolation boundary in; nothing but the result
// envelope crosses back.
type Contract struct {
	ID        string `json:"id"`
	AgentType string `json:"agent_type"`
	Task      string `json:"task"`

	// WorkRegion is opaque scope information for the tool host.
	WorkRegion string `json:"work_region,omitempty"`

	Inputs   ContractInputs `json:"inputs,omitempty"`
	Expected ExpectedOutput `json:"expected,omitempty"`
	Limits   ResourceLimits `json:"limits,omitempty"`
}

// ContractInputs carries optional seed data for the sub-agent.
type ContractInputs struct {
	References []string       `json:"references,omitempty"`
	Style      map[string]any `json:"style,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ExpectedOutput describes what the delegating agent expects back.
type ExpectedOutput struct {
	Type         string   `json:"type,omitempty"`
	MinElements  int      `json:"min_elements,omitempty"`
	RequiredTags []string `json:"required_tags,omitempty"`
}

// ResourceLimits bound the sub-agent's execution.
type ResourceLimits struct {
	MaxIterations int `json:"max_iterations,omitempty"`
	MaxTokens     int `json:"max_tokens,omitempty"`
	TimeoutMs     int `json:"timeout_ms,omitempty"`
}

// ResultEnvelope is the only output of a delegation. Messages,
// reasoning, and intermediate events never cross back.
type ResultEnvelope struct {
	ContractID string   `json:"contract_id"`
	Success    bool     `json:"success"`
	Summary    string   `json:"summary,omitempty"`
	EntityIDs  []string `json:"entity_ids,omitempty"`
	TokensUsed int      `json:"tokens_used"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// Delegator runs sub-agent contracts: a tool-less reasoning phase that
// can refuse the work, then an isolated agentic-loop execution phase
// with a fresh context store and a narrowed tool set.
type Delegator struct {
	provider  model.Provider
	parent    *tools.Dispatcher
	estimator tokens.Estimator
	cfg       Config
	logger    *slog.Logger

	// allowedTools scopes the dispatcher per agent type. Nil means the
	// sub-agent sees the parent's full tool set.
	allowedTools func(agentType string) []string
}

// NewDelegator creates a delegator sharing the parent's provider and
// tool back-end.
func NewDelegator(provider model.Provider, parent *tools.Dispatcher, estimator tokens.Estimator, cfg Config, allowedTools func(agentType string) []string) (*Delegator, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if parent == nil {
		return nil, errors.New("dispatcher is required")
	}
	cfg.setDefaults()
	return &Delegator{
		provider:     provider,
		parent:       parent,
		estimator:    estimator,
		cfg:          cfg,
		logger:       slog.Default().With("component", "delegator"),
		allowedTools: allowedTools,
	}, nil
}

// Delegate runs one contract to completion and returns its envelope.
func (d *Delegator) Delegate(ctx context.Context, contract *Contract) *ResultEnvelope {
	start := time.Now()
	envelope := &ResultEnvelope{ContractID: contract.ID}
	finish := func() *ResultEnvelope {
		envelope.DurationMs = time.Since(start).Milliseconds()
		return envelope
	}

	if contract.Limits.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(contract.Limits.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	// Phase one: reasoning. No tools; the model assesses the contract
	// and may refuse it.
	reasoningTokens, blocked, reason, err := d.reason(ctx, contract)
	envelope.TokensUsed += reasoningTokens
	if err != nil {
		envelope.Error = fmt.Sprintf("reasoning phase: %v", err)
		return finish()
	}
	if blocked {
		envelope.Error = reason
		return finish()
	}

	// Phase two: execution in a fresh loop.
	d.execute(ctx, contract, envelope)
	return finish()
}

// DelegateAll runs contracts concurrently, each fully isolated. Results
// are returned in contract order.
func (d *Delegator) DelegateAll(ctx context.Context, contracts []*Contract) []*ResultEnvelope {
	envelopes := make([]*ResultEnvelope, len(contracts))

	g, gctx := errgroup.WithContext(ctx)
	for i, contract := range contracts {
		g.Go(func() error {
			envelopes[i] = d.Delegate(gctx, contract)
			return nil
		})
	}
	// Workers only write their own slot and never return errors.
	_ = g.Wait()
	return envelopes
}

func (d *Delegator) reason(ctx context.Context, contract *Contract) (tokensUsed int, blocked bool, reason string, err error) {
	rendered, err := json.MarshalIndent(contract, "", "  ")
	if err != nil {
		return 0, false, "", err
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: delegationReasoningPrompt},
		{Role: model.RoleUser, Content: "Contract:\n" + string(rendered)},
	}
	opts := model.Options{
		Model:       d.cfg.Model,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = memory.DefaultResponseReserve
	}

	chunks, err := d.provider.Generate(ctx, messages, opts)
	if err != nil {
		return 0, false, "", err
	}

	var text strings.Builder
	var usage model.Usage
	for chunk := range chunks {
		switch chunk.Type {
		case model.ChunkText:
			text.WriteString(chunk.Text)
		case model.ChunkUsage:
			usage = *chunk.Usage
		case model.ChunkError:
			return usage.PromptTokens + usage.CompletionTokens, false, "", chunk.Err
		}
	}

	segments, _ := ExtractDelegationReasoning(text.String())
	blocked, reason = delegationDecision(segments)
	return usage.PromptTokens + usage.CompletionTokens, blocked, reason, nil
}

func (d *Delegator) execute(ctx context.Context, contract *Contract, envelope *ResultEnvelope) {
	budget := memory.DefaultBudget()
	if contract.Limits.MaxTokens > 0 {
		budget.Ceiling = contract.Limits.MaxTokens
	}
	if err := budget.Validate(); err != nil {
		envelope.Error = fmt.Sprintf("contract budget: %v", err)
		return
	}

	store := memory.NewStore(d.estimator, budget)
	store.AppendTagged(memory.RoleSystem, d.executionPrompt(contract),
		memory.TierSystem, memory.PriorityCritical)

	hookMgr := hooks.NewManager(hooks.DefaultMetricsBufferSize)
	defer hookMgr.Destroy()

	// Entity IDs surface through tool result metadata keys, collected
	// by a post-tool-use hook inside the isolation boundary.
	var entityIDs []string
	hookMgr.Register(hooks.PhasePostToolUse, func(_ context.Context, hc *hooks.Context) (*hooks.Outcome, error) {
		entityIDs = append(entityIDs, extractEntityIDs(hc.ToolResult)...)
		return nil, nil
	})

	dispatcher := d.parent
	if d.allowedTools != nil {
		dispatcher = d.parent.Narrow(d.allowedTools(contract.AgentType))
	}
	// The sub-agent's dispatcher must use the isolated hooks manager.
	dispatcher = tools.NewDispatcher(dispatcher.Registry(), hookMgr)

	cfg := d.cfg
	if contract.Limits.MaxIterations > 0 {
		cfg.MaxIterations = contract.Limits.MaxIterations
	}
	cfg.TurnTimeout = 0 // the contract deadline already bounds ctx

	sub, err := New("sub:"+contract.AgentType, d.provider, store, dispatcher, hookMgr, cfg)
	if err != nil {
		envelope.Error = err.Error()
		return
	}
	defer sub.Close()

	events, err := sub.RunTurn(ctx, contract.Task)
	if err != nil {
		envelope.Error = err.Error()
		return
	}

	for ev := range events {
		switch ev.Type {
		case EventComplete:
			envelope.Success = true
			envelope.Summary = ev.Content
			if ev.Metrics != nil {
				envelope.TokensUsed += ev.Metrics.TotalTokens()
			}
		case EventFailed:
			envelope.Error = string(ev.Cause)
			if ev.Err != nil {
				envelope.Error = fmt.Sprintf("%s: %v", ev.Cause, ev.Err)
			}
			if ev.Metrics != nil {
				envelope.TokensUsed += ev.Metrics.TotalTokens()
			}
		case EventClarificationNeeded:
			// A sub-agent has no user to ask.
			envelope.Error = "sub-agent requested clarification"
			if ev.Metrics != nil {
				envelope.TokensUsed += ev.Metrics.TotalTokens()
			}
		}
	}
	envelope.EntityIDs = entityIDs
}

func (d *Delegator) executionPrompt(contract *Contract) string {
	var b strings.Builder
	b.WriteString("You are a ")
	b.WriteString(contract.AgentType)
	b.WriteString(" agent executing one delegated task. Work only within your assigned scope")
	if contract.WorkRegion != "" {
		b.WriteString(" (")
		b.WriteString(contract.WorkRegion)
		b.WriteString(")")
	}
	b.WriteString(" and finish with a concise summary of what you produced.")
	if len(contract.Inputs.References) > 0 {
		b.WriteString("\nReference entities: ")
		b.WriteString(strings.Join(contract.Inputs.References, ", "))
	}
	if contract.Expected.Type != "" {
		fmt.Fprintf(&b, "\nExpected output: %s", contract.Expected.Type)
		if contract.Expected.MinElements > 0 {
			fmt.Fprintf(&b, " with at least %d elements", contract.Expected.MinElements)
		}
	}
	return b.String()
}

const delegationReasoningPrompt = `You are assessing a delegated work contract before execution.
Respond with exactly these sections:
<analysis>what the task requires</analysis>
<plan>the steps you would take</plan>
<estimates>expected effort and output size</estimates>
<risks>what could go wrong</risks>
<decision>PROCEED, or BLOCK: reason</decision>`

// extractEntityIDs pulls entity identifiers out of a structured tool
// result. Tools report them under "entity_id" or "entity_ids".
func extractEntityIDs(result any) []string {
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	var ids []string
	if id, ok := m["entity_id"].(string); ok && id != "" {
		ids = append(ids, id)
	}
	switch v := m["entity_ids"].(type) {
	case []string:
		ids = append(ids, v...)
	case []any:
		for _, e := range v {
			if id, ok := e.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
