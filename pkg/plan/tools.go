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

package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// InventoryFunc supplies the entity inventory snapshot used for plan
// validation. Called once per plan_create invocation.
type InventoryFunc func() EntityInventory

// Engine binds the plan store to one session and exposes the plan
// operations as tools the LLM can call.
type Engine struct {
	store     *Store
	sessionID string
	inventory InventoryFunc
}

// NewEngine creates a plan engine for a session. The inventory func may
// be nil, in which case validation runs against an empty inventory.
func NewEngine(store *Store, sessionID string, inventory InventoryFunc) *Engine {
	if inventory == nil {
		inventory = func() EntityInventory { return MapInventory{} }
	}
	return &Engine{store: store, sessionID: sessionID, inventory: inventory}
}

// Store returns the underlying plan store.
func (e *Engine) Store() *Store { return e.store }

// Tracker returns the session's execution tracker.
func (e *Engine) Tracker() (*Tracker, error) {
	return e.store.Tracker(e.sessionID)
}

type createArgs struct {
	Plan Plan `json:"plan" jsonschema:"required,description=The full structured plan"`
}

type updateArgs struct {
	Updates []TaskUpdate `json:"updates" jsonschema:"required,description=Task updates to apply as one atomic batch"`
}

type walkthroughArgs struct {
	Kinds []string `json:"kinds,omitempty" jsonschema:"description=Optional row kinds to include (create, update, delete, delegation)"`
}

// Tools returns the three plan tools: plan_create, plan_update, and
// plan_walkthrough.
func (e *Engine) Tools() []tools.Tool {
	return []tools.Tool{
		tools.NewFuncTool(
			"plan_create",
			"Create or replace the structured plan for this session. The plan declares an objective, references, tasks, and the full change scope (creates, updates, deletes) before any work begins.",
			tools.SchemaFor[createArgs](),
			e.createTool,
		),
		tools.NewFuncTool(
			"plan_update",
			"Update task statuses and delegation outcomes on the current plan. All updates in the batch apply atomically or not at all.",
			tools.SchemaFor[updateArgs](),
			e.updateTool,
		),
		tools.NewFuncTool(
			"plan_walkthrough",
			"Verify the current plan's declared changes against what actually happened during execution. Reports verified, missing, failed, and out-of-scope changes.",
			tools.SchemaFor[walkthroughArgs](),
			e.walkthroughTool,
		),
	}
}

func (e *Engine) createTool(_ context.Context, args map[string]any) (*tools.Result, error) {
	decoded, err := tools.DecodeArgs[createArgs](args)
	if err != nil {
		return nil, err
	}
	p := decoded.Plan
	if p.SchemaVersion == "" {
		p.SchemaVersion = SchemaVersion
	}

	result := Validate(&p, e.inventory())
	if !result.Valid {
		return nil, fmt.Errorf("plan validation failed: %s", formatIssues(result.Errors))
	}

	e.store.Create(e.sessionID, &p)
	return &tools.Result{
		Content: map[string]any{
			"plan_id":  p.ID,
			"tasks":    len(p.Tasks),
			"warnings": result.Warnings,
		},
	}, nil
}

func (e *Engine) updateTool(_ context.Context, args map[string]any) (*tools.Result, error) {
	decoded, err := tools.DecodeArgs[updateArgs](args)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.UpdateTasks(e.sessionID, decoded.Updates)
	if err != nil {
		return nil, err
	}
	statuses := make([]string, len(updated.Tasks))
	for i, t := range updated.Tasks {
		statuses[i] = string(t.Status)
	}
	return &tools.Result{
		Content: map[string]any{
			"plan_id":  updated.ID,
			"applied":  len(decoded.Updates),
			"statuses": statuses,
		},
	}, nil
}

func (e *Engine) walkthroughTool(_ context.Context, args map[string]any) (*tools.Result, error) {
	decoded, err := tools.DecodeArgs[walkthroughArgs](args)
	if err != nil {
		return nil, err
	}
	p, err := e.store.Get(e.sessionID)
	if err != nil {
		return nil, err
	}
	tracker, err := e.store.Tracker(e.sessionID)
	if err != nil {
		return nil, err
	}

	report := Walkthrough(p, tracker)
	if len(decoded.Kinds) > 0 {
		report = filterReport(report, decoded.Kinds)
	}
	return &tools.Result{Content: report}, nil
}

// filterReport keeps only the requested declared-row kinds. Unexpected
// rows always survive the filter; hiding scope violations would defeat
// the walkthrough.
func filterReport(report *Report, kinds []string) *Report {
	keep := make(map[RowKind]bool, len(kinds))
	for _, k := range kinds {
		keep[RowKind(k)] = true
	}
	filtered := &Report{PlanID: report.PlanID, Success: report.Success}
	for _, row := range report.Rows {
		if keep[row.Kind] || strings.HasPrefix(string(row.Kind), "unexpected_") {
			filtered.Rows = append(filtered.Rows, row)
		}
	}
	return filtered
}

func formatIssues(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}
