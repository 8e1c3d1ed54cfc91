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

// Package hooks implements the pre/post interception layer around tool
// dispatch and loop lifecycle points.
//
// Handlers register for named phases and run in registration order. A
// handler can block the call, rewrite its input, or observe and pass.
// Handler failures never block: they are captured, forwarded to the
// error phase, and dispatch continues.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase names a point in dispatch at which registered handlers run.
type Phase string

const (
	PhasePreToolUse    Phase = "pre_tool_use"
	PhasePostToolUse   Phase = "post_tool_use"
	PhasePreStep       Phase = "pre_step"
	PhasePostStep      Phase = "post_step"
	PhaseContextChange Phase = "context_change"
	PhaseError         Phase = "error"
	PhaseCheckpoint    Phase = "checkpoint"
	PhaseSessionStart  Phase = "session_start"
	PhaseSessionEnd    Phase = "session_end"
)

// Context carries the call details a handler observes. Metadata is a
// mutable bag shared by all handlers of one trigger.
type Context struct {
	Phase     Phase
	ToolName  string
	ToolInput map[string]any

	// ToolResult and Err are set for post-phase and error-phase
	// triggers.
	ToolResult any
	Err        error

	// Duration is the tool execution time, set for post-phase triggers.
	Duration time.Duration

	Timestamp time.Time
	Metadata  map[string]any
}

// Outcome is a handler's verdict. A nil Outcome means pass-through.
type Outcome struct {
	// Block stops dispatch; Reason explains why.
	Block  bool
	Reason string

	// ModifiedInput, when non-nil, replaces the tool input visible to
	// later handlers and ultimately to the dispatcher.
	ModifiedInput map[string]any
}

// Blocked builds a blocking outcome.
func Blocked(reason string) *Outcome {
	return &Outcome{Block: true, Reason: reason}
}

// Rewrite builds an input-rewriting outcome.
func Rewrite(input map[string]any) *Outcome {
	return &Outcome{ModifiedInput: input}
}

// Handler observes or intercepts one phase trigger. Handlers may block
// on I/O; the pipeline awaits completion before invoking the next one.
type Handler func(ctx context.Context, hc *Context) (*Outcome, error)

// Result is the aggregate verdict of one trigger.
type Result struct {
	// Blocked reports that a handler stopped dispatch.
	Blocked bool

	// Reason is the blocking handler's explanation.
	Reason string

	// Input is the effective tool input after any rewrites.
	Input map[string]any
}

type registration struct {
	id      uint64
	handler Handler
}

// Manager is the session-owned hooks registry and dispatcher.
type Manager struct {
	mu       sync.Mutex
	handlers map[Phase][]registration
	nextID   uint64

	// phaseMu serializes triggers per phase so a caller observes one
	// trigger atomically.
	phaseMu map[Phase]*sync.Mutex

	metrics *Metrics

	destroyed bool
}

// NewManager creates a hooks manager. metricsCapacity bounds the
// per-tool duration ring buffers; zero disables metrics tracking.
func NewManager(metricsCapacity int) *Manager {
	var metrics *Metrics
	if metricsCapacity > 0 {
		metrics = newMetrics(metricsCapacity)
	}
	m := &Manager{
		handlers: make(map[Phase][]registration),
		phaseMu:  make(map[Phase]*sync.Mutex),
		metrics:  metrics,
	}
	return m
}

// Register adds a handler for a phase and returns its unregister
// callback. Handlers run in registration order.
func (m *Manager) Register(phase Phase, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers[phase] = append(m.handlers[phase], registration{id: id, handler: h})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		regs := m.handlers[phase]
		for i, reg := range regs {
			if reg.id == id {
				m.handlers[phase] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Trigger runs the phase's handlers in registration order.
//
// The first blocking outcome stops dispatch immediately. Handler errors
// are captured, forwarded to the error phase (error handlers never fire
// their own error phase), and dispatch continues. Input rewrites
// compose: each replaces the input seen by later handlers.
func (m *Manager) Trigger(ctx context.Context, hc *Context) Result {
	if hc.Timestamp.IsZero() {
		hc.Timestamp = time.Now()
	}
	if hc.Metadata == nil {
		hc.Metadata = make(map[string]any)
	}

	m.lockPhase(hc.Phase)
	defer m.unlockPhase(hc.Phase)

	m.mu.Lock()
	regs := make([]registration, len(m.handlers[hc.Phase]))
	copy(regs, m.handlers[hc.Phase])
	m.mu.Unlock()

	input := hc.ToolInput
	for _, reg := range regs {
		outcome, err := reg.handler(ctx, hc)
		if err != nil {
			m.forwardError(ctx, hc, err)
			continue
		}
		if outcome == nil {
			continue
		}
		if outcome.Block {
			return Result{Blocked: true, Reason: outcome.Reason, Input: input}
		}
		if outcome.ModifiedInput != nil {
			input = outcome.ModifiedInput
			hc.ToolInput = input
		}
	}

	return Result{Input: input}
}

// RecordToolMetrics records one dispatch into the per-tool counters and
// duration ring buffer. Written only by the tool dispatcher.
func (m *Manager) RecordToolMetrics(tool string, duration time.Duration, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.record(tool, duration, err)
}

// MetricsSnapshot returns a copy of the aggregated per-tool metrics.
// Safe to call concurrently with dispatches.
func (m *Manager) MetricsSnapshot() map[string]ToolStats {
	if m.metrics == nil {
		return map[string]ToolStats{}
	}
	return m.metrics.snapshot()
}

// Destroy clears all handlers and releases the metric buffers. The
// manager must not be triggered afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.handlers = make(map[Phase][]registration)
	if m.metrics != nil {
		m.metrics.reset()
	}
}

// forwardError routes a handler failure to the error phase. Error-phase
// handlers never recurse into the error phase; their own failures are
// only logged.
func (m *Manager) forwardError(ctx context.Context, hc *Context, err error) {
	if hc.Phase == PhaseError {
		slog.Debug("error hook handler failed", "error", err)
		return
	}

	m.mu.Lock()
	regs := make([]registration, len(m.handlers[PhaseError]))
	copy(regs, m.handlers[PhaseError])
	m.mu.Unlock()

	errCtx := &Context{
		Phase:     PhaseError,
		ToolName:  hc.ToolName,
		ToolInput: hc.ToolInput,
		Err:       fmt.Errorf("%s handler: %w", hc.Phase, err),
		Timestamp: time.Now(),
		Metadata:  hc.Metadata,
	}
	for _, reg := range regs {
		if _, herr := reg.handler(ctx, errCtx); herr != nil {
			slog.Debug("error hook handler failed", "error", herr)
		}
	}
}

func (m *Manager) lockPhase(phase Phase) {
	m.mu.Lock()
	mu, ok := m.phaseMu[phase]
	if !ok {
		mu = &sync.Mutex{}
		m.phaseMu[phase] = mu
	}
	m.mu.Unlock()
	mu.Lock()
}

func (m *Manager) unlockPhase(phase Phase) {
	m.mu.Lock()
	mu := m.phaseMu[phase]
	m.mu.Unlock()
	if mu != nil {
		mu.Unlock()
	}
}
