package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/internal/httpclient"
	"github.com/kestrel-ai/kestrel/pkg/hooks"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required":             []any{"text"},
		"additionalProperties": false,
	}
}

func newEchoTool(executions *int) Tool {
	return NewFuncTool("echo", "Echoes its input back.", echoSchema(),
		func(_ context.Context, args map[string]any) (*Result, error) {
			if executions != nil {
				*executions++
			}
			return &Result{Content: args["text"]}, nil
		})
}

func newTestDispatcher(t *testing.T, tools ...Tool) (*Dispatcher, *hooks.Manager) {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	mgr := hooks.NewManager(hooks.DefaultMetricsBufferSize)
	t.Cleanup(mgr.Destroy)
	return NewDispatcher(registry, mgr), mgr
}

func TestDispatchSuccess(t *testing.T) {
	var executions int
	d, mgr := newTestDispatcher(t, newEchoTool(&executions))

	res := d.Dispatch(context.Background(), "echo", map[string]any{"text": "hello"})
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 1, executions)
	assert.Equal(t, KindNone, res.Kind)

	stats := mgr.MetricsSnapshot()["echo"]
	assert.Equal(t, int64(1), stats.Calls)
	assert.Zero(t, stats.Errors)
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), "nope", map[string]any{})
	assert.False(t, res.Success)
	assert.Equal(t, KindUnknownTool, res.Kind)
	assert.ErrorIs(t, res.Err, ErrUnknownTool)
	assert.False(t, res.Retryable)
}

func TestDispatchInvalidInput(t *testing.T) {
	var executions int
	d, _ := newTestDispatcher(t, newEchoTool(&executions))

	cases := []map[string]any{
		{},                                    // required field missing
		{"text": 42},                          // wrong type
		{"text": "ok", "extra": "disallowed"}, // additional property
	}
	for _, input := range cases {
		res := d.Dispatch(context.Background(), "echo", input)
		assert.Equal(t, KindInvalidInput, res.Kind)
		assert.False(t, res.Retryable, "schema violations never retry")
	}
	assert.Zero(t, executions, "invalid input must not reach the handler")
}

func TestDispatchHookBlock(t *testing.T) {
	var executions int
	d, mgr := newTestDispatcher(t, newEchoTool(&executions))

	mgr.Register(hooks.PhasePreToolUse, func(_ context.Context, _ *hooks.Context) (*hooks.Outcome, error) {
		return hooks.Blocked("policy says no"), nil
	})

	res := d.Dispatch(context.Background(), "echo", map[string]any{"text": "hello"})
	assert.True(t, res.Blocked)
	assert.Equal(t, "policy says no", res.Reason)
	assert.Equal(t, KindHookBlocked, res.Kind)
	assert.Nil(t, res.Err)
	assert.Zero(t, executions, "blocked calls must not execute")
}

func TestDispatchHookRewrite(t *testing.T) {
	d, mgr := newTestDispatcher(t, newEchoTool(nil))

	mgr.Register(hooks.PhasePreToolUse, func(_ context.Context, hc *hooks.Context) (*hooks.Outcome, error) {
		return hooks.Rewrite(map[string]any{"text": "rewritten"}), nil
	})

	res := d.Dispatch(context.Background(), "echo", map[string]any{"text": "original"})
	require.True(t, res.Success)
	assert.Equal(t, "rewritten", res.Content)
	assert.Equal(t, map[string]any{"text": "rewritten"}, res.Input)
}

func TestDispatchExecutionError(t *testing.T) {
	failing := NewFuncTool("fail", "Always fails.", nil,
		func(_ context.Context, _ map[string]any) (*Result, error) {
			return nil, errors.New("disk on fire")
		})
	d, mgr := newTestDispatcher(t, failing)

	var errorPhase bool
	mgr.Register(hooks.PhaseError, func(_ context.Context, hc *hooks.Context) (*hooks.Outcome, error) {
		errorPhase = true
		return nil, nil
	})

	res := d.Dispatch(context.Background(), "fail", map[string]any{})
	assert.Equal(t, KindExecution, res.Kind)
	assert.False(t, res.Retryable)
	assert.True(t, errorPhase, "execution failures fire the error phase")

	stats := mgr.MetricsSnapshot()["fail"]
	assert.Equal(t, int64(1), stats.Errors)
}

func TestDispatchTransientError(t *testing.T) {
	flaky := NewFuncTool("flaky", "Fails transiently.", nil,
		func(_ context.Context, _ map[string]any) (*Result, error) {
			return nil, &httpclient.RetryableError{StatusCode: 503, Message: "overloaded"}
		})
	d, _ := newTestDispatcher(t, flaky)

	res := d.Dispatch(context.Background(), "flaky", map[string]any{})
	assert.Equal(t, KindTransient, res.Kind)
	assert.True(t, res.Retryable)
}

func TestDispatchRecoversPanics(t *testing.T) {
	panicky := NewFuncTool("panicky", "Panics.", nil,
		func(_ context.Context, _ map[string]any) (*Result, error) {
			panic("unexpected nil")
		})
	d, _ := newTestDispatcher(t, panicky)

	res := d.Dispatch(context.Background(), "panicky", map[string]any{})
	assert.Equal(t, KindExecution, res.Kind)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "unexpected nil")
}

func TestDispatchPostHookSeesResult(t *testing.T) {
	d, mgr := newTestDispatcher(t, newEchoTool(nil))

	var seen any
	mgr.Register(hooks.PhasePostToolUse, func(_ context.Context, hc *hooks.Context) (*hooks.Outcome, error) {
		seen = hc.ToolResult
		return nil, nil
	})

	d.Dispatch(context.Background(), "echo", map[string]any{"text": "observed"})
	assert.Equal(t, "observed", seen)
}

func TestRegistryDuplicateAndNarrow(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(newEchoTool(nil)))
	assert.Error(t, registry.Register(newEchoTool(nil)))

	require.NoError(t, registry.Register(NewFuncTool("other", "Another tool.", nil,
		func(_ context.Context, _ map[string]any) (*Result, error) { return &Result{}, nil })))

	narrowed := registry.Narrow([]string{"echo", "unknown"})
	assert.Equal(t, []string{"echo"}, narrowed.Names())
	assert.Equal(t, []string{"echo", "other"}, registry.Names())

	_, err := narrowed.Get("other")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestSchemaForAndDecodeArgs(t *testing.T) {
	type args struct {
		Query string `json:"query" jsonschema:"required"`
		Limit int    `json:"limit,omitempty"`
	}

	schema := SchemaFor[args]()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")

	compiled, err := CompileSchema(schema)
	require.NoError(t, err)
	assert.NoError(t, ValidateInput(compiled, map[string]any{"query": "q", "limit": 5}))
	assert.Error(t, ValidateInput(compiled, map[string]any{"limit": 5}))

	decoded, err := DecodeArgs[args](map[string]any{"query": "q", "limit": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, "q", decoded.Query)
	assert.Equal(t, 5, decoded.Limit)
}
