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

package hooks

import (
	"sort"
	"sync"
	"time"
)

// DefaultMetricsBufferSize bounds the per-tool duration ring buffer.
const DefaultMetricsBufferSize = 1000

// ToolStats aggregates dispatch metrics for one tool.
type ToolStats struct {
	Calls  int64
	Errors int64

	// Mean and P95 are computed over the ring buffer of recent
	// durations, not over all calls ever made.
	Mean time.Duration
	P95  time.Duration
}

// durationRing is a fixed-capacity circular buffer of recent durations.
type durationRing struct {
	buf    []time.Duration
	next   int
	filled bool
}

func newDurationRing(capacity int) *durationRing {
	return &durationRing{buf: make([]time.Duration, capacity)}
}

func (r *durationRing) add(d time.Duration) {
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
}

// values returns a copy of the live entries, unordered.
func (r *durationRing) values() []time.Duration {
	n := r.next
	if r.filled {
		n = len(r.buf)
	}
	out := make([]time.Duration, n)
	copy(out, r.buf[:n])
	return out
}

func (r *durationRing) len() int {
	if r.filled {
		return len(r.buf)
	}
	return r.next
}

type toolMetrics struct {
	calls     int64
	errors    int64
	durations *durationRing
}

// Metrics holds per-tool counters and bounded duration buffers.
// Written only by the dispatcher, read via snapshot copies.
type Metrics struct {
	mu       sync.Mutex
	capacity int
	tools    map[string]*toolMetrics
}

func newMetrics(capacity int) *Metrics {
	if capacity <= 0 {
		capacity = DefaultMetricsBufferSize
	}
	return &Metrics{
		capacity: capacity,
		tools:    make(map[string]*toolMetrics),
	}
}

func (m *Metrics) record(tool string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.tools[tool]
	if !ok {
		tm = &toolMetrics{durations: newDurationRing(m.capacity)}
		m.tools[tool] = tm
	}
	tm.calls++
	if err != nil {
		tm.errors++
	}
	tm.durations.add(d)
}

// snapshot copies the live buffers and computes aggregates over the
// copies, never over the live rings.
func (m *Metrics) snapshot() map[string]ToolStats {
	m.mu.Lock()
	type copied struct {
		calls, errors int64
		durations     []time.Duration
	}
	copies := make(map[string]copied, len(m.tools))
	for name, tm := range m.tools {
		copies[name] = copied{
			calls:     tm.calls,
			errors:    tm.errors,
			durations: tm.durations.values(),
		}
	}
	m.mu.Unlock()

	out := make(map[string]ToolStats, len(copies))
	for name, c := range copies {
		stats := ToolStats{Calls: c.calls, Errors: c.errors}
		if len(c.durations) > 0 {
			sort.Slice(c.durations, func(i, j int) bool {
				return c.durations[i] < c.durations[j]
			})
			var sum time.Duration
			for _, d := range c.durations {
				sum += d
			}
			stats.Mean = sum / time.Duration(len(c.durations))
			idx := (len(c.durations)*95 + 99) / 100
			if idx > 0 {
				idx--
			}
			stats.P95 = c.durations[idx]
		}
		out[name] = stats
	}
	return out
}

// bufferLen reports the live ring size for a tool. Used by tests to
// verify bounding.
func (m *Metrics) bufferLen(tool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.tools[tool]
	if !ok {
		return 0
	}
	return tm.durations.len()
}

func (m *Metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = make(map[string]*toolMetrics)
}
