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
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/hooks"
	"github.com/kestrel-ai/kestrel/pkg/memory"
	"github.com/kestrel-ai/kestrel/pkg/model"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/plan"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// State names the loop's turn state machine positions.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingLLM         State = "awaiting_llm"
	StateProcessingResponse  State = "processing_response"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateTerminated          State = "terminated"
)

const (
	// DefaultMaxIterations bounds LLM round trips per turn.
	DefaultMaxIterations = 10

	// DefaultRetriesPerToolCall bounds transparent retries of one
	// tool-call shape within a turn.
	DefaultRetriesPerToolCall = 3

	// eventBuffer is the emission channel capacity. Emission blocks when
	// it is full, applying back-pressure to the loop.
	eventBuffer = 16
)

// ErrTurnInProgress is returned when RunTurn is called while a previous
// turn is still draining.
var ErrTurnInProgress = errors.New("turn already in progress")

// Config tunes one agent instance.
type Config struct {
	// Model is the provider model identifier.
	Model string

	// MaxTokens caps each response. Zero falls back to the budget's
	// response reserve.
	MaxTokens int

	Temperature float64

	// MaxIterations bounds LLM round trips per turn (default 10).
	MaxIterations int

	// RetriesPerToolCall bounds transparent retries of a failing tool
	// call (default 3).
	RetriesPerToolCall int

	// TurnTimeout is the optional per-turn wall clock.
	TurnTimeout time.Duration

	// Stop lists custom stop sequences forwarded to the provider.
	Stop []string
}

func (c *Config) setDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.RetriesPerToolCall < 0 {
		c.RetriesPerToolCall = DefaultRetriesPerToolCall
	}
}

// Agent runs the agentic loop for one session. One turn runs at a time;
// a second RunTurn while a turn is active fails with ErrTurnInProgress.
type Agent struct {
	name       string
	provider   model.Provider
	store      *memory.Store
	planner    *memory.Planner
	dispatcher *tools.Dispatcher
	hooks      *hooks.Manager
	cfg        Config
	logger     *slog.Logger

	// planSnapshot feeds the checkpoint view; nil when the session has
	// no plan engine.
	planSnapshot func() *plan.Plan

	turnMu sync.Mutex

	stateMu sync.Mutex
	state   State

	// toolCallIndex remembers the shape of every announced tool call so
	// request views can be rebuilt for the provider.
	indexMu       sync.Mutex
	toolCallIndex map[string]model.ToolCall
}

// Option configures optional agent collaborators.
type Option func(*Agent)

// WithSummarizer sets the compression summarizer.
func WithSummarizer(s memory.Summarizer) Option {
	return func(a *Agent) { a.planner = memory.NewPlanner(a.store, s) }
}

// WithPlanSnapshot wires the session's plan into checkpoint views.
func WithPlanSnapshot(fn func() *plan.Plan) Option {
	return func(a *Agent) { a.planSnapshot = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger.With("agent", a.name) }
}

// New creates an agent and fires the session-start hook phase.
func New(name string, provider model.Provider, store *memory.Store, dispatcher *tools.Dispatcher, hookMgr *hooks.Manager, cfg Config, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if store == nil {
		return nil, errors.New("context store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if hookMgr == nil {
		return nil, errors.New("hooks manager is required")
	}
	cfg.setDefaults()

	a := &Agent{
		name:          name,
		provider:      provider,
		store:         store,
		planner:       memory.NewPlanner(store, nil),
		dispatcher:    dispatcher,
		hooks:         hookMgr,
		cfg:           cfg,
		logger:        slog.Default().With("agent", name),
		state:         StateIdle,
		toolCallIndex: make(map[string]model.ToolCall),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.hooks.Trigger(context.Background(), &hooks.Context{
		Phase:    hooks.PhaseSessionStart,
		Metadata: map[string]any{"agent": name},
	})
	return a, nil
}

// State returns the loop's current state.
func (a *Agent) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// Close fires the session-end hook phase and destroys the hooks
// manager. The agent must not be used afterwards.
func (a *Agent) Close() {
	a.hooks.Trigger(context.Background(), &hooks.Context{
		Phase:    hooks.PhaseSessionEnd,
		Metadata: map[string]any{"agent": a.name},
	})
	a.hooks.Destroy()
}

// RunTurn starts one turn. The returned channel carries the turn's
// events in causal order and is closed after the terminal event. The
// caller must drain it; canceling ctx aborts the turn.
func (a *Agent) RunTurn(ctx context.Context, userMessage string) (<-chan Event, error) {
	if !a.turnMu.TryLock() {
		return nil, ErrTurnInProgress
	}

	events := make(chan Event, eventBuffer)
	go func() {
		defer a.turnMu.Unlock()
		defer close(events)
		a.runTurn(ctx, userMessage, events)
	}()
	return events, nil
}

func (a *Agent) runTurn(ctx context.Context, userMessage string, events chan<- Event) {
	start := time.Now()
	metrics := &TurnMetrics{}

	// The caller's context decides whether a consumer is still there;
	// the turn context below may additionally carry the turn timeout.
	caller := ctx
	cancel := func() {}
	if a.cfg.TurnTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.cfg.TurnTimeout)
	}
	defer cancel()

	tracer := observability.Tracer("kestrel.agent")
	ctx, span := tracer.Start(ctx, "agent.turn")
	defer span.End()

	defer a.setState(StateTerminated)
	defer func() {
		metrics.Duration = time.Since(start)
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordAgentTurn(ctx, a.name, metrics.Iterations, metrics.Duration, nil)
		}
	}()

	emit := func(ev Event) bool {
		if ctx.Err() != nil {
			return false
		}
		ev.Timestamp = time.Now()
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// The terminal event blocks until the consumer takes it. Only when
	// the caller's context is gone may it be dropped, and then only
	// after one last non-blocking attempt.
	emitFinal := func(ev Event) {
		ev.Timestamp = time.Now()
		ev.Metrics = metrics
		select {
		case events <- ev:
		case <-caller.Done():
			select {
			case events <- ev:
			default:
				a.logger.Warn("event sink gone, dropping terminal event", "type", string(ev.Type))
			}
		}
	}
	cancelCause := func() FailureCause {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return CauseTimeout
		}
		return CauseCancelled
	}
	fail := func(cause FailureCause, err error) {
		a.logger.Warn("turn failed", "cause", string(cause), "error", err)
		emitFinal(Event{Type: EventFailed, Cause: cause, Err: err})
	}

	a.store.Append(memory.RoleUser, userMessage)
	a.notifyContextChange(ctx)
	if !emit(Event{Type: EventThinking}) {
		fail(cancelCause(), ctx.Err())
		return
	}

	// retryBudget counts retryable failures per tool-call shape. A
	// rewritten call is a different shape and gets a fresh budget.
	retryBudget := make(map[string]int)

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		metrics.Iterations = iteration + 1

		a.hooks.Trigger(ctx, &hooks.Context{
			Phase:    hooks.PhasePreStep,
			Metadata: map[string]any{"iteration": iteration},
		})

		prepared, err := a.planner.Prepare()
		if err != nil {
			if errors.Is(err, memory.ErrBudgetOverflow) {
				fail(CauseBudgetOverflow, err)
			} else {
				fail(CauseInternalError, err)
			}
			return
		}
		if ctx.Err() != nil {
			fail(cancelCause(), ctx.Err())
			return
		}

		a.setState(StateAwaitingLLM)
		text, calls, usage, err := a.callModel(ctx, prepared, emit)
		if err != nil {
			if ctx.Err() != nil {
				fail(cancelCause(), ctx.Err())
			} else {
				fail(CauseProviderError, err)
			}
			return
		}
		metrics.PromptTokens += usage.PromptTokens
		metrics.CompletionTokens += usage.CompletionTokens

		a.setState(StateProcessingResponse)
		segments, visible := ExtractReasoning(text)
		for _, seg := range segments {
			if !emit(Event{Type: EventReasoning, Phase: seg.Tag, Content: seg.Content}) {
				fail(cancelCause(), ctx.Err())
				return
			}
		}

		var clarify *model.ToolCall
		dispatchable := make([]model.ToolCall, 0, len(calls))
		for i := range calls {
			if calls[i].Name == ClarifyToolName {
				clarify = &calls[i]
				continue
			}
			dispatchable = append(dispatchable, calls[i])
		}

		// Clarification intercepts the whole response before anything
		// is announced to the store; companion calls are dropped so no
		// correlation is left pending.
		if clarify != nil {
			questions := clarifyQuestions(parseArgs(clarify.Arguments))
			emitFinal(Event{Type: EventClarificationNeeded, Questions: questions})
			return
		}

		ids := make([]string, len(dispatchable))
		a.indexMu.Lock()
		for i, tc := range dispatchable {
			ids[i] = tc.ID
			a.toolCallIndex[tc.ID] = tc
		}
		a.indexMu.Unlock()
		a.store.AppendAssistant(visible, ids)
		a.notifyContextChange(ctx)

		if len(dispatchable) == 0 && visible != "" {
			a.checkpoint(ctx)
			emitFinal(Event{Type: EventComplete, Content: visible})
			return
		}

		a.setState(StateAwaitingToolResults)
		for i, tc := range dispatchable {
			if ctx.Err() != nil {
				a.resolveAbandonedCalls(dispatchable[i:])
				fail(cancelCause(), ctx.Err())
				return
			}
			if !a.runToolCall(ctx, tc, retryBudget, metrics, emit) {
				a.resolveAbandonedCalls(dispatchable[i:])
				fail(cancelCause(), ctx.Err())
				return
			}
		}

		a.hooks.Trigger(ctx, &hooks.Context{
			Phase:    hooks.PhasePostStep,
			Metadata: map[string]any{"iteration": iteration, "tokens": a.store.TotalTokens()},
		})
		if ctx.Err() != nil {
			fail(cancelCause(), ctx.Err())
			return
		}
	}

	fail(CauseMaxIterationsExceeded,
		fmt.Errorf("no terminal response after %d iterations", a.cfg.MaxIterations))
}

// callModel streams one completion, forwarding text deltas as thinking
// events and collecting the full response.
func (a *Agent) callModel(ctx context.Context, prepared *memory.Prepared, emit func(Event) bool) (string, []model.ToolCall, model.Usage, error) {
	opts := model.Options{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Tools:       a.dispatcher.Registry().Definitions(),
		Stop:        a.cfg.Stop,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = prepared.ResponseReserve
	}

	chunks, err := a.provider.Generate(ctx, a.toProviderMessages(prepared.Messages), opts)
	if err != nil {
		return "", nil, model.Usage{}, err
	}

	var text string
	var calls []model.ToolCall
	var usage model.Usage
	for chunk := range chunks {
		switch chunk.Type {
		case model.ChunkText:
			text += chunk.Text
			if !emit(Event{Type: EventThinking, Content: chunk.Text}) {
				return "", nil, usage, ctx.Err()
			}
		case model.ChunkToolCall:
			calls = append(calls, *chunk.ToolCall)
		case model.ChunkUsage:
			usage = *chunk.Usage
		case model.ChunkError:
			return "", nil, usage, chunk.Err
		}
	}
	return text, calls, usage, nil
}

// runToolCall dispatches one tool call and appends its result. Returns
// false when the turn must abort on cancellation.
func (a *Agent) runToolCall(ctx context.Context, tc model.ToolCall, retryBudget map[string]int, metrics *TurnMetrics, emit func(Event) bool) bool {
	args := parseArgs(tc.Arguments)
	if !emit(Event{Type: EventActing, Tool: tc.Name, Input: args}) {
		return false
	}

	shape := tc.Name + "\x00" + tc.Arguments
	if retryBudget[shape] > a.cfg.RetriesPerToolCall {
		err := fmt.Errorf("retry budget exhausted for %s", tc.Name)
		metrics.ToolCalls++
		metrics.ToolErrors++
		if !emit(Event{Type: EventObserving, Tool: tc.Name, Err: err}) {
			return false
		}
		a.appendToolResult(tc, fmt.Sprintf("error: %v", err))
		return true
	}

	result := a.dispatcher.Dispatch(ctx, tc.Name, args)
	metrics.ToolCalls++

	// A call that finished after cancellation is discarded.
	if ctx.Err() != nil {
		return false
	}

	switch {
	case result.Blocked:
		metrics.ToolErrors++
		if !emit(Event{Type: EventObserving, Tool: tc.Name, Output: nil,
			Err: fmt.Errorf("blocked: %s", result.Reason)}) {
			return false
		}
		a.appendToolResult(tc, "blocked: "+result.Reason)
	case result.Err != nil:
		metrics.ToolErrors++
		if result.Retryable {
			retryBudget[shape]++
		}
		if !emit(Event{Type: EventObserving, Tool: tc.Name, Err: result.Err}) {
			return false
		}
		a.appendToolResult(tc, fmt.Sprintf("error: %v", result.Err))
	default:
		if !emit(Event{Type: EventObserving, Tool: tc.Name, Output: result.Content}) {
			return false
		}
		a.appendToolResult(tc, encodeToolContent(result.Content))
	}
	a.notifyContextChange(ctx)
	return true
}

// resolveAbandonedCalls records a cancelled result for announced calls
// that never finished, so no correlation stays pending into the next
// turn.
func (a *Agent) resolveAbandonedCalls(calls []model.ToolCall) {
	for _, tc := range calls {
		a.appendToolResult(tc, "cancelled")
	}
}

func (a *Agent) appendToolResult(tc model.ToolCall, content string) {
	if _, err := a.store.AppendToolResult(tc.ID, tc.Name, content); err != nil {
		a.logger.Error("failed to append tool result", "tool", tc.Name, "error", err)
	}
}

func (a *Agent) notifyContextChange(ctx context.Context) {
	a.hooks.Trigger(ctx, &hooks.Context{
		Phase: hooks.PhaseContextChange,
		Metadata: map[string]any{
			"messages": a.store.Len(),
			"tokens":   a.store.TotalTokens(),
		},
	})
}

// toProviderMessages rebuilds the provider-facing conversation from the
// request view, reattaching tool-call shapes to assistant messages.
func (a *Agent) toProviderMessages(view []memory.Message) []model.Message {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()

	out := make([]model.Message, 0, len(view))
	for _, m := range view {
		pm := model.Message{
			Role:    model.Role(m.Role),
			Content: m.Content,
		}
		if m.Role == memory.RoleTool {
			pm.ToolCallID = m.ToolCallID
			pm.ToolName = m.ToolName
		}
		for _, id := range m.ToolCalls {
			if tc, ok := a.toolCallIndex[id]; ok {
				pm.ToolCalls = append(pm.ToolCalls, tc)
			}
		}
		out = append(out, pm)
	}
	return out
}

func parseArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func encodeToolContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
