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
	"time"

	"github.com/kestrel-ai/kestrel/pkg/hooks"
	"github.com/kestrel-ai/kestrel/pkg/memory"
	"github.com/kestrel-ai/kestrel/pkg/plan"
)

// Snapshot is the serializable view handed to checkpoint handlers: the
// conversation log, its token accounting, the session plan when one
// exists, and the hook metrics. The runtime defines no on-disk format;
// persistence is the handler's choice.
type Snapshot struct {
	Agent      string                     `json:"agent"`
	TakenAt    time.Time                  `json:"taken_at"`
	Messages   []memory.Message           `json:"messages"`
	TierTokens map[memory.Tier]int        `json:"tier_tokens"`
	Plan       *plan.Plan                 `json:"plan,omitempty"`
	Metrics    map[string]hooks.ToolStats `json:"metrics,omitempty"`
}

// snapshotMetadataKey carries the snapshot in the checkpoint hook
// context.
const snapshotMetadataKey = "snapshot"

// CheckpointFunc receives the session view at each checkpoint phase.
type CheckpointFunc func(ctx context.Context, snap *Snapshot) error

// RegisterCheckpoint subscribes fn to the checkpoint hook phase.
// Returns the unregister callback.
func RegisterCheckpoint(mgr *hooks.Manager, fn CheckpointFunc) func() {
	return mgr.Register(hooks.PhaseCheckpoint, func(ctx context.Context, hc *hooks.Context) (*hooks.Outcome, error) {
		snap, ok := hc.Metadata[snapshotMetadataKey].(*Snapshot)
		if !ok {
			return nil, nil
		}
		return nil, fn(ctx, snap)
	})
}

// checkpoint assembles the snapshot and fires the checkpoint phase.
func (a *Agent) checkpoint(ctx context.Context) {
	snap := &Snapshot{
		Agent:      a.name,
		TakenAt:    time.Now(),
		Messages:   a.store.Messages(),
		TierTokens: a.store.TierTokens(),
		Metrics:    a.hooks.MetricsSnapshot(),
	}
	if a.planSnapshot != nil {
		snap.Plan = a.planSnapshot()
	}
	a.hooks.Trigger(ctx, &hooks.Context{
		Phase:    hooks.PhaseCheckpoint,
		Metadata: map[string]any{snapshotMetadataKey: snap},
	})
}
