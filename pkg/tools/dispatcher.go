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

package tools

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-ai/kestrel/internal/httpclient"
	"github.com/kestrel-ai/kestrel/pkg/hooks"
	"github.com/kestrel-ai/kestrel/pkg/observability"
)

// ErrorKind classifies dispatch failures for retry and event routing.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindUnknownTool  ErrorKind = "unknown_tool"
	KindInvalidInput ErrorKind = "invalid_input"
	KindExecution    ErrorKind = "execution_error"
	KindTransient    ErrorKind = "transient"
	KindHookBlocked  ErrorKind = "hook_blocked"
)

// DispatchResult is the typed outcome of one dispatch.
type DispatchResult struct {
	// Success reports that the handler ran and returned a result.
	Success bool

	// Content is the handler result on success.
	Content any

	// Blocked reports that a pre-tool-use hook stopped the call.
	Blocked bool

	// Reason is the hook's blocking explanation.
	Reason string

	// Err is the failure, nil on success or block.
	Err error

	// Kind classifies the failure.
	Kind ErrorKind

	// Retryable reports whether a retry may succeed unchanged.
	Retryable bool

	// Duration is the handler execution time (zero when blocked or
	// invalid).
	Duration time.Duration

	// Input is the effective input after hook rewrites.
	Input map[string]any
}

// Dispatcher resolves tool names, validates input, and invokes handlers
// through the hooks pipeline.
type Dispatcher struct {
	registry *Registry
	hooks    *hooks.Manager
}

// NewDispatcher creates a dispatcher. The hooks manager is required;
// tools always dispatch through it.
func NewDispatcher(registry *Registry, hookMgr *hooks.Manager) *Dispatcher {
	return &Dispatcher{registry: registry, hooks: hookMgr}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Narrow returns a dispatcher over a subset of tools, sharing the same
// hooks manager.
func (d *Dispatcher) Narrow(allowed []string) *Dispatcher {
	return &Dispatcher{registry: d.registry.Narrow(allowed), hooks: d.hooks}
}

// Dispatch runs one tool call:
//
//  1. Resolve the descriptor (unknown tool fails fast).
//  2. Validate input against the tool's schema (not retryable).
//  3. Trigger pre-tool-use hooks; a block skips the handler.
//  4. Invoke the handler with the effective (possibly rewritten) input.
//  5. Trigger post-tool-use hooks with result and duration.
//  6. Classify handler failures and fire the error phase.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input map[string]any) *DispatchResult {
	tracer := observability.Tracer("kestrel.tools")
	ctx, span := tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
	defer span.End()

	tool, err := d.registry.Get(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not found")
		d.hooks.RecordToolMetrics(name, 0, err)
		return &DispatchResult{Err: err, Kind: KindUnknownTool, Input: input}
	}

	if schema := d.registry.schemaFor(name); schema != nil {
		if verr := ValidateInput(schema, input); verr != nil {
			verr = fmt.Errorf("invalid input for %s: %w", name, verr)
			span.RecordError(verr)
			span.SetStatus(codes.Error, "invalid input")
			d.hooks.RecordToolMetrics(name, 0, verr)
			return &DispatchResult{Err: verr, Kind: KindInvalidInput, Input: input}
		}
	}

	pre := d.hooks.Trigger(ctx, &hooks.Context{
		Phase:     hooks.PhasePreToolUse,
		ToolName:  name,
		ToolInput: input,
	})
	if pre.Blocked {
		span.SetStatus(codes.Error, "blocked by hook")
		span.SetAttributes(attribute.String("tool.block_reason", pre.Reason))
		d.hooks.RecordToolMetrics(name, 0, fmt.Errorf("blocked: %s", pre.Reason))
		return &DispatchResult{
			Blocked: true,
			Reason:  pre.Reason,
			Kind:    KindHookBlocked,
			Input:   pre.Input,
		}
	}
	effective := pre.Input

	start := time.Now()
	result, execErr := d.invoke(ctx, tool, effective)
	duration := time.Since(start)

	post := &hooks.Context{
		Phase:     hooks.PhasePostToolUse,
		ToolName:  name,
		ToolInput: effective,
		Duration:  duration,
		Err:       execErr,
	}
	if result != nil {
		post.ToolResult = result.Content
	}
	d.hooks.Trigger(ctx, post)

	d.hooks.RecordToolMetrics(name, duration, execErr)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, name, duration, execErr)
	}

	span.SetAttributes(
		attribute.Bool("tool.success", execErr == nil),
		attribute.Int64("tool.duration_ms", duration.Milliseconds()),
	)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())

		d.hooks.Trigger(ctx, &hooks.Context{
			Phase:     hooks.PhaseError,
			ToolName:  name,
			ToolInput: effective,
			Err:       execErr,
			Duration:  duration,
		})

		kind := KindExecution
		retryable := httpclient.IsTransient(execErr)
		if retryable {
			kind = KindTransient
		}
		return &DispatchResult{
			Err:       fmt.Errorf("tool %s failed: %w", name, execErr),
			Kind:      kind,
			Retryable: retryable,
			Duration:  duration,
			Input:     effective,
		}
	}

	span.SetStatus(codes.Ok, "success")
	var content any
	if result != nil {
		content = result.Content
	}
	return &DispatchResult{
		Success:  true,
		Content:  content,
		Duration: duration,
		Input:    effective,
	}
}

// invoke runs the handler, converting panics into execution errors so a
// misbehaving tool cannot take down the loop.
func (d *Dispatcher) invoke(ctx context.Context, tool Tool, args map[string]any) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}
