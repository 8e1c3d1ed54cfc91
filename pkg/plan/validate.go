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
	"fmt"
)

// Validation issue codes.
const (
	CodeSchemaInvalid        = "SCHEMA_INVALID"
	CodeReferenceNotFound    = "REFERENCE_NOT_FOUND"
	CodeUpdateTargetNotFound = "UPDATE_TARGET_NOT_FOUND"
	CodeDeleteTargetNotFound = "DELETE_TARGET_NOT_FOUND"
	CodeDuplicateTempID      = "DUPLICATE_TEMP_ID"
	CodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	CodeTypeMismatch         = "TYPE_MISMATCH"
)

// EntityInventory is a read-only snapshot of the entities the plan may
// reference. The snapshot is taken once per validation; the validator
// does not observe later changes.
type EntityInventory interface {
	// Has reports whether the entity ID exists.
	Has(id string) bool

	// TypeOf returns the entity's type tag. The second return is false
	// when the inventory carries no type information for the ID.
	TypeOf(id string) (string, bool)
}

// MapInventory is an EntityInventory backed by a map of ID to type tag.
// An empty type tag means the ID exists but is untyped.
type MapInventory map[string]string

func (m MapInventory) Has(id string) bool { _, ok := m[id]; return ok }

func (m MapInventory) TypeOf(id string) (string, bool) {
	t, ok := m[id]
	if !ok || t == "" {
		return "", false
	}
	return t, true
}

// Issue is one validation finding.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s at %s: %s", i.Code, i.Path, i.Message)
}

// ValidationResult separates hard errors from warnings. A plan with
// warnings only is still accepted.
type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Validate checks a plan against the inventory. It is deterministic:
// the same plan and inventory always produce the same result.
func Validate(p *Plan, inventory EntityInventory) *ValidationResult {
	result := &ValidationResult{}
	addErr := func(code, path, format string, args ...any) {
		result.Errors = append(result.Errors, Issue{
			Code: code, Path: path, Message: fmt.Sprintf(format, args...),
		})
	}

	if p.ID == "" {
		addErr(CodeSchemaInvalid, "id", "plan id is required")
	}
	if p.Objective.Summary == "" {
		addErr(CodeSchemaInvalid, "objective.summary", "objective summary is required")
	}
	for i, t := range p.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if t.ID == "" {
			addErr(CodeSchemaInvalid, path+".id", "task id is required")
		}
		if t.Content == "" {
			addErr(CodeSchemaInvalid, path+".content", "task content is required")
		}
		if t.Status != "" && !ValidStatus(t.Status) {
			addErr(CodeSchemaInvalid, path+".status", "unknown status %q", t.Status)
		}
	}

	for i, ref := range p.References {
		path := fmt.Sprintf("references[%d]", i)
		if !inventory.Has(ref.EntityID) {
			addErr(CodeReferenceNotFound, path, "referenced entity %q does not exist", ref.EntityID)
			continue
		}
		if ref.ExpectedType != "" {
			if actual, ok := inventory.TypeOf(ref.EntityID); ok && actual != ref.ExpectedType {
				result.Warnings = append(result.Warnings, Issue{
					Code: CodeTypeMismatch,
					Path: path,
					Message: fmt.Sprintf("entity %q is %q, plan expects %q",
						ref.EntityID, actual, ref.ExpectedType),
				})
			}
		}
	}

	for i, u := range p.Changes.Updates {
		if !inventory.Has(u.TargetID) {
			addErr(CodeUpdateTargetNotFound, fmt.Sprintf("changes.updates[%d]", i),
				"update target %q does not exist", u.TargetID)
		}
	}
	for i, d := range p.Changes.Deletes {
		if !inventory.Has(d.TargetID) {
			addErr(CodeDeleteTargetNotFound, fmt.Sprintf("changes.deletes[%d]", i),
				"delete target %q does not exist", d.TargetID)
		}
	}

	seen := make(map[string]bool, len(p.Changes.Creates))
	for i, c := range p.Changes.Creates {
		if c.TempID == "" {
			addErr(CodeSchemaInvalid, fmt.Sprintf("changes.creates[%d].temp_id", i),
				"temp id is required")
			continue
		}
		if seen[c.TempID] {
			addErr(CodeDuplicateTempID, fmt.Sprintf("changes.creates[%d]", i),
				"temp id %q declared more than once", c.TempID)
		}
		seen[c.TempID] = true
	}

	if cycle := findCycle(p.Tasks); cycle != "" {
		addErr(CodeCircularDependency, "tasks", "dependency cycle through task %q", cycle)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// findCycle runs a three-color DFS over the task dependency graph and
// returns the ID of a task on a cycle, or empty. Dependencies on
// unknown task IDs are ignored here; they carry no edges.
func findCycle(tasks []Task) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	color := make(map[string]int, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		t := byID[id]
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for i := range tasks {
		if color[tasks[i].ID] == white {
			if hit := visit(tasks[i].ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
