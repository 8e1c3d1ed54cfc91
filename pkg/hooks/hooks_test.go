package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
			order = append(order, name)
			return nil, nil
		})
	}

	m.Trigger(context.Background(), &Context{Phase: PhasePreToolUse, ToolName: "t"})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBlockShortCircuits(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	var after bool
	m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		return Blocked("not allowed"), nil
	})
	m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		after = true
		return nil, nil
	})

	res := m.Trigger(context.Background(), &Context{Phase: PhasePreToolUse, ToolName: "t"})
	assert.True(t, res.Blocked)
	assert.Equal(t, "not allowed", res.Reason)
	assert.False(t, after, "handlers after a block must not run")
}

func TestRewritesCompose(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	m.Register(PhasePreToolUse, func(_ context.Context, hc *Context) (*Outcome, error) {
		in := map[string]any{}
		for k, v := range hc.ToolInput {
			in[k] = v
		}
		in["a"] = 1
		return Rewrite(in), nil
	})
	m.Register(PhasePreToolUse, func(_ context.Context, hc *Context) (*Outcome, error) {
		// The second handler must see the first handler's rewrite.
		assert.Equal(t, 1, hc.ToolInput["a"])
		in := map[string]any{}
		for k, v := range hc.ToolInput {
			in[k] = v
		}
		in["b"] = 2
		return Rewrite(in), nil
	})

	res := m.Trigger(context.Background(), &Context{
		Phase:     PhasePreToolUse,
		ToolName:  "t",
		ToolInput: map[string]any{"orig": true},
	})
	assert.False(t, res.Blocked)
	assert.Equal(t, map[string]any{"orig": true, "a": 1, "b": 2}, res.Input)
}

func TestHandlerErrorForwardsToErrorPhaseAndContinues(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	var captured error
	m.Register(PhaseError, func(_ context.Context, hc *Context) (*Outcome, error) {
		captured = hc.Err
		return nil, nil
	})

	var secondRan bool
	m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		return nil, errors.New("handler exploded")
	})
	m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		secondRan = true
		return nil, nil
	})

	res := m.Trigger(context.Background(), &Context{Phase: PhasePreToolUse, ToolName: "t"})
	assert.False(t, res.Blocked)
	assert.True(t, secondRan, "a failing handler must not block the pipeline")
	require.Error(t, captured)
	assert.Contains(t, captured.Error(), "handler exploded")
	assert.Contains(t, captured.Error(), string(PhasePreToolUse))
}

func TestErrorPhaseFailuresDoNotRecurse(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	var errorTriggers int
	m.Register(PhaseError, func(_ context.Context, _ *Context) (*Outcome, error) {
		errorTriggers++
		return nil, errors.New("error handler itself fails")
	})
	m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		return nil, errors.New("boom")
	})

	m.Trigger(context.Background(), &Context{Phase: PhasePreToolUse, ToolName: "t"})
	assert.Equal(t, 1, errorTriggers, "error phase must fire exactly once, no recursion")
}

func TestUnregister(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	var calls int
	unregister := m.Register(PhasePostToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		calls++
		return nil, nil
	})

	m.Trigger(context.Background(), &Context{Phase: PhasePostToolUse})
	unregister()
	m.Trigger(context.Background(), &Context{Phase: PhasePostToolUse})
	assert.Equal(t, 1, calls)

	// Unregistering twice is harmless.
	unregister()
}

func TestMetadataSharedAcrossHandlers(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	m.Register(PhasePreStep, func(_ context.Context, hc *Context) (*Outcome, error) {
		hc.Metadata["note"] = "from first"
		return nil, nil
	})
	var got any
	m.Register(PhasePreStep, func(_ context.Context, hc *Context) (*Outcome, error) {
		got = hc.Metadata["note"]
		return nil, nil
	})

	m.Trigger(context.Background(), &Context{Phase: PhasePreStep})
	assert.Equal(t, "from first", got)
}

func TestConcurrentTriggersAreSafe(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	var mu sync.Mutex
	count := 0
	m.Register(PhaseContextChange, func(_ context.Context, _ *Context) (*Outcome, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Trigger(context.Background(), &Context{Phase: PhaseContextChange})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, count)
}

func TestDestroyClearsHandlers(t *testing.T) {
	m := NewManager(4)

	var calls int
	m.Register(PhasePreToolUse, func(_ context.Context, _ *Context) (*Outcome, error) {
		calls++
		return nil, nil
	})
	m.RecordToolMetrics("t", time.Millisecond, nil)

	m.Destroy()
	m.Trigger(context.Background(), &Context{Phase: PhasePreToolUse})
	assert.Zero(t, calls)
	assert.Empty(t, m.MetricsSnapshot())
}

func TestMetricsRingIsBounded(t *testing.T) {
	m := NewManager(4)
	defer m.Destroy()

	for i := 0; i < 10; i++ {
		var err error
		if i%2 == 0 {
			err = errors.New("failed")
		}
		m.RecordToolMetrics("search", time.Duration(i)*time.Millisecond, err)
	}

	assert.Equal(t, 4, m.metrics.bufferLen("search"))

	stats := m.MetricsSnapshot()["search"]
	assert.Equal(t, int64(10), stats.Calls, "counters cover all calls, not just the ring")
	assert.Equal(t, int64(5), stats.Errors)
	// Aggregates come from the four most recent durations: 6..9ms.
	assert.Equal(t, 7*time.Millisecond+500*time.Microsecond, stats.Mean)
	assert.Equal(t, 9*time.Millisecond, stats.P95)
}

func TestMetricsDisabledWithZeroCapacity(t *testing.T) {
	m := NewManager(0)
	defer m.Destroy()

	m.RecordToolMetrics("search", time.Millisecond, nil)
	assert.Empty(t, m.MetricsSnapshot())
}
