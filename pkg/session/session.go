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

// Package session assembles the runtime for one conversation: context
// store, hooks, tools, plan engine, provider, and the agentic loop.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/agent"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/hooks"
	"github.com/kestrel-ai/kestrel/pkg/memory"
	"github.com/kestrel-ai/kestrel/pkg/model"
	"github.com/kestrel-ai/kestrel/pkg/plan"
	"github.com/kestrel-ai/kestrel/pkg/tokens"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// Options override parts of the assembled session.
type Options struct {
	// Provider overrides the config-selected provider (dry runs use a
	// mock here).
	Provider model.Provider

	// Inventory supplies the entity snapshot for plan validation.
	Inventory plan.InventoryFunc

	// Tools are registered alongside the built-in plan and clarify
	// tools.
	Tools []tools.Tool

	// Summarizer overrides the compression summarizer.
	Summarizer memory.Summarizer

	// Checkpoint subscribes to checkpoint snapshots.
	Checkpoint agent.CheckpointFunc

	// AllowedSubAgentTools scopes delegation per agent type.
	AllowedSubAgentTools func(agentType string) []string
}

// Session owns one conversation's runtime.
type Session struct {
	ID string

	cfg        *config.Config
	store      *memory.Store
	hooks      *hooks.Manager
	plans      *plan.Store
	engine     *plan.Engine
	dispatcher *tools.Dispatcher
	provider   model.Provider
	agent      *agent.Agent
	delegator  *agent.Delegator
}

// New assembles a session from a validated config.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{ID: uuid.NewString(), cfg: cfg}

	estimator := buildEstimator(cfg.Provider.Model)
	s.store = memory.NewStore(estimator, cfg.Budget)
	if cfg.SystemPrompt != "" {
		s.store.AppendTagged(memory.RoleSystem, cfg.SystemPrompt,
			memory.TierSystem, memory.PriorityCritical)
	}

	metricsCapacity := 0
	if cfg.Hooks.TrackMetrics {
		metricsCapacity = cfg.Hooks.MetricsBufferSize
	}
	s.hooks = hooks.NewManager(metricsCapacity)

	s.plans = plan.NewStore()
	s.engine = plan.NewEngine(s.plans, s.ID, opts.Inventory)

	registry := tools.NewRegistry()
	for _, t := range s.engine.Tools() {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register plan tool: %w", err)
		}
	}
	if err := registry.Register(agent.ClarifyTool()); err != nil {
		return nil, fmt.Errorf("failed to register clarify tool: %w", err)
	}
	for _, t := range opts.Tools {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", t.Name(), err)
		}
	}
	s.dispatcher = tools.NewDispatcher(registry, s.hooks)

	provider := opts.Provider
	if provider == nil {
		var err error
		provider, err = buildProvider(cfg.Provider)
		if err != nil {
			return nil, err
		}
	}
	s.provider = provider

	retries := agent.DefaultRetriesPerToolCall
	if cfg.Loop.RetriesPerToolCall != nil {
		retries = *cfg.Loop.RetriesPerToolCall
	}
	agentCfg := agent.Config{
		Model:              cfg.Provider.Model,
		MaxTokens:          cfg.Provider.MaxTokens,
		Temperature:        cfg.Provider.Temperature,
		MaxIterations:      cfg.Loop.MaxIterations,
		RetriesPerToolCall: retries,
		TurnTimeout:        time.Duration(cfg.Loop.PerTurnTimeoutMs) * time.Millisecond,
	}

	if opts.Checkpoint != nil {
		agent.RegisterCheckpoint(s.hooks, opts.Checkpoint)
	}

	agentOpts := []agent.Option{
		agent.WithPlanSnapshot(func() *plan.Plan {
			p, err := s.plans.Get(s.ID)
			if err != nil {
				return nil
			}
			return p
		}),
	}
	if opts.Summarizer != nil {
		agentOpts = append(agentOpts, agent.WithSummarizer(opts.Summarizer))
	}

	a, err := agent.New("session", provider, s.store, s.dispatcher, s.hooks, agentCfg, agentOpts...)
	if err != nil {
		return nil, err
	}
	s.agent = a

	s.delegator, err = agent.NewDelegator(provider, s.dispatcher, estimator, agentCfg, opts.AllowedSubAgentTools)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RunTurn runs one conversational turn.
func (s *Session) RunTurn(ctx context.Context, userMessage string) (<-chan agent.Event, error) {
	return s.agent.RunTurn(ctx, userMessage)
}

// Delegate runs a sub-agent contract.
func (s *Session) Delegate(ctx context.Context, contract *agent.Contract) *agent.ResultEnvelope {
	return s.delegator.Delegate(ctx, contract)
}

// DelegateAll fans contracts out to concurrent, isolated sub-agents.
func (s *Session) DelegateAll(ctx context.Context, contracts []*agent.Contract) []*agent.ResultEnvelope {
	return s.delegator.DelegateAll(ctx, contracts)
}

// Store exposes the context store for inspection and checkpoints.
func (s *Session) Store() *memory.Store { return s.store }

// Hooks exposes the hooks manager for handler registration.
func (s *Session) Hooks() *hooks.Manager { return s.hooks }

// Plans exposes the plan engine.
func (s *Session) Plans() *plan.Engine { return s.engine }

// Tracker returns the execution tracker for the session's plan.
func (s *Session) Tracker() (*plan.Tracker, error) {
	return s.plans.Tracker(s.ID)
}

// Close tears the session down: session-end hooks fire, handlers and
// metric buffers are released, and the plan store entry is dropped.
func (s *Session) Close() {
	s.agent.Close()
	s.plans.Destroy(s.ID)
}

func buildEstimator(modelName string) tokens.Estimator {
	if modelName != "" {
		if est, err := tokens.NewModelEstimator(modelName); err == nil {
			return est
		}
	}
	return tokens.NewHeuristicEstimator()
}

func buildProvider(cfg config.ProviderConfig) (model.Provider, error) {
	switch cfg.Type {
	case "openai":
		return model.NewOpenAIProvider(cfg.APIKey()), nil
	case "anthropic":
		return model.NewAnthropicProvider(cfg.APIKey())
	case "mock":
		return model.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}
