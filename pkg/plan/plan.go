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

// Package plan implements structured plans: a schema the LLM uses to
// commit to a set of expected changes, a validator that checks the plan
// against the live entity inventory, and an execution tracker that
// verifies reality against the commitment after the work is done.
package plan

// SchemaVersion is the current plan schema version.
const SchemaVersion = "1.0"

// TaskStatus is the lifecycle state of a plan task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
	StatusDelegated  TaskStatus = "delegated"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped, StatusDelegated:
		return true
	}
	return false
}

// Objective states what the plan is for.
type Objective struct {
	Summary string `json:"summary"`
	Details string `json:"details,omitempty"`
}

// Reference names a pre-existing entity the plan assumes exists.
type Reference struct {
	EntityID     string `json:"entity_id"`
	Reason       string `json:"reason,omitempty"`
	ExpectedType string `json:"expected_type,omitempty"`
}

// DelegationOutcome records the result of a delegated task.
type DelegationOutcome struct {
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Task is one step of the plan.
type Task struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	ActiveForm string     `json:"active_form,omitempty"`
	Status     TaskStatus `json:"status"`

	// Creates lists temp-IDs this task is expected to create.
	Creates []string `json:"creates,omitempty"`

	// Updates lists entity IDs this task is expected to modify.
	Updates []string `json:"updates,omitempty"`

	// DependsOn lists task IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Delegate names a sub-agent the task is handed to, if any.
	Delegate          string             `json:"delegate,omitempty"`
	DelegationOutcome *DelegationOutcome `json:"delegation_outcome,omitempty"`
}

// CreateChange declares an entity the plan will create. The temp-ID is
// the placeholder the LLM uses until execution assigns a real ID.
type CreateChange struct {
	TempID       string `json:"temp_id"`
	Type         string `json:"type"`
	Description  string `json:"description,omitempty"`
	ParentTempID string `json:"parent_temp_id,omitempty"`
}

// UpdateChange declares a modification to an existing entity.
type UpdateChange struct {
	TargetID string         `json:"target_id"`
	Changes  map[string]any `json:"changes,omitempty"`
}

// DeleteChange declares a removal of an existing entity.
type DeleteChange struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason,omitempty"`
}

// ChangeScope is the declared set of creates, updates, and deletes the
// plan commits to. The three collections are disjoint by construction.
type ChangeScope struct {
	Creates []CreateChange `json:"creates,omitempty"`
	Updates []UpdateChange `json:"updates,omitempty"`
	Deletes []DeleteChange `json:"deletes,omitempty"`
}

// Plan is a full structured plan.
type Plan struct {
	SchemaVersion string      `json:"schema_version"`
	ID            string      `json:"id"`
	Objective     Objective   `json:"objective"`
	References    []Reference `json:"references,omitempty"`
	Tasks         []Task      `json:"tasks"`
	Changes       ChangeScope `json:"changes"`
}

// InProgressIndex returns the index of the task currently in progress,
// or -1 when none is.
func (p *Plan) InProgressIndex() int {
	for i := range p.Tasks {
		if p.Tasks[i].Status == StatusInProgress {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the plan so callers can read it without
// holding the session lock.
func (p *Plan) Clone() *Plan {
	out := *p
	out.References = append([]Reference(nil), p.References...)
	out.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		ct := t
		ct.Creates = append([]string(nil), t.Creates...)
		ct.Updates = append([]string(nil), t.Updates...)
		ct.DependsOn = append([]string(nil), t.DependsOn...)
		if t.DelegationOutcome != nil {
			o := *t.DelegationOutcome
			ct.DelegationOutcome = &o
		}
		out.Tasks[i] = ct
	}
	out.Changes.Creates = append([]CreateChange(nil), p.Changes.Creates...)
	out.Changes.Updates = append([]UpdateChange(nil), p.Changes.Updates...)
	out.Changes.Deletes = append([]DeleteChange(nil), p.Changes.Deletes...)
	return &out
}
