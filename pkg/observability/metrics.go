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

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records runtime-level measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// RecordToolExecution records one tool dispatch.
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordLLMCall records one provider round trip with token usage.
	RecordLLMCall(ctx context.Context, provider string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordAgentTurn records one completed agent turn.
	RecordAgentTurn(ctx context.Context, agent string, iterations int, duration time.Duration, err error)
}

var (
	globalMu      sync.RWMutex
	globalMetrics Metrics
)

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the installed recorder, nil when metrics are
// disabled.
func GetGlobalMetrics() Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// OTelMetrics implements Metrics on an OpenTelemetry meter.
type OTelMetrics struct {
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter
	toolDuration metric.Float64Histogram
	llmCalls     metric.Int64Counter
	llmDuration  metric.Float64Histogram
	llmTokens    metric.Int64Counter
	turnCount    metric.Int64Counter
	turnIters    metric.Int64Histogram
	turnDuration metric.Float64Histogram
}

// NewOTelMetrics creates the instrument set on the given meter.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	if m.toolCalls, err = meter.Int64Counter("kestrel.tool.calls",
		metric.WithDescription("Total tool dispatches")); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter("kestrel.tool.errors",
		metric.WithDescription("Total failed tool dispatches")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("kestrel.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.llmCalls, err = meter.Int64Counter("kestrel.llm.calls",
		metric.WithDescription("Total LLM provider calls")); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram("kestrel.llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.llmTokens, err = meter.Int64Counter("kestrel.llm.tokens",
		metric.WithDescription("Tokens consumed by LLM calls")); err != nil {
		return nil, err
	}
	if m.turnCount, err = meter.Int64Counter("kestrel.agent.turns",
		metric.WithDescription("Total agent turns")); err != nil {
		return nil, err
	}
	if m.turnIters, err = meter.Int64Histogram("kestrel.agent.iterations",
		metric.WithDescription("Loop iterations per turn")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("kestrel.agent.turn_duration",
		metric.WithDescription("Agent turn duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OTelMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *OTelMetrics) RecordLLMCall(ctx context.Context, provider string, duration time.Duration, inputTokens, outputTokens int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("error", err != nil),
	)
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("direction", "input"),
	))
	m.llmTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("direction", "output"),
	))
}

func (m *OTelMetrics) RecordAgentTurn(ctx context.Context, agent string, iterations int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.Bool("error", err != nil),
	)
	m.turnCount.Add(ctx, 1, attrs)
	m.turnIters.Record(ctx, int64(iterations), attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), attrs)
}
