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
	"sort"
	"sync"
)

// Tracker records what actually happened while a plan's tasks ran, so
// the walkthrough can diff reality against the declared change scope.
// It is owned by the host executing the plan, not exposed as a tool.
type Tracker struct {
	mu    sync.Mutex
	scope ChangeScope

	// mapping resolves temp-IDs to the entity IDs execution assigned.
	mapping        map[string]string
	touchedUpdates map[string]bool
	touchedDeletes map[string]bool

	unexpectedCreates []string
	unexpectedUpdates []string
	unexpectedDeletes []string

	// failures records creates that were attempted and failed, keyed by
	// temp-ID.
	failures map[string]string
}

// NewTracker creates a tracker for one plan's change scope.
func NewTracker(scope ChangeScope) *Tracker {
	return &Tracker{
		scope:          scope,
		mapping:        make(map[string]string),
		touchedUpdates: make(map[string]bool),
		touchedDeletes: make(map[string]bool),
		failures:       make(map[string]string),
	}
}

// RecordCreate maps a temp-ID to the actual entity ID execution
// produced. A temp-ID outside the plan's creates is flagged as
// unexpected but still mapped, so Resolve works either way.
func (t *Tracker) RecordCreate(tempID, actualID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mapping[tempID] = actualID
	delete(t.failures, tempID)
	if !t.declaresCreate(tempID) {
		t.unexpectedCreates = appendOnce(t.unexpectedCreates, tempID)
	}
}

// RecordCreateFailure marks a declared create as attempted and failed.
// The walkthrough reports it as an error row rather than not-found.
func (t *Tracker) RecordCreateFailure(tempID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[tempID] = reason
}

// RecordUpdate marks an entity as modified during execution.
func (t *Tracker) RecordUpdate(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchedUpdates[targetID] = true
	if !t.declaresUpdate(targetID) {
		t.unexpectedUpdates = appendOnce(t.unexpectedUpdates, targetID)
	}
}

// RecordDelete marks an entity as removed during execution.
func (t *Tracker) RecordDelete(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchedDeletes[targetID] = true
	if !t.declaresDelete(targetID) {
		t.unexpectedDeletes = appendOnce(t.unexpectedDeletes, targetID)
	}
}

// Resolve returns the actual entity ID for a temp-ID, or the input
// unchanged when no mapping exists. The LLM may mention temp-IDs that
// were never in the plan; those pass through.
func (t *Tracker) Resolve(tempID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if actual, ok := t.mapping[tempID]; ok {
		return actual
	}
	return tempID
}

// ScopeValidation is the diff between the declared change scope and
// what the tracker observed.
type ScopeValidation struct {
	Valid bool `json:"valid"`

	UnexpectedCreates []string `json:"unexpected_creates,omitempty"`
	UnexpectedUpdates []string `json:"unexpected_updates,omitempty"`
	UnexpectedDeletes []string `json:"unexpected_deletes,omitempty"`

	// FailedCreates maps temp-IDs of attempted creates to failure
	// reasons.
	FailedCreates map[string]string `json:"failed_creates,omitempty"`

	MissingCreates []string `json:"missing_creates,omitempty"`
	MissingUpdates []string `json:"missing_updates,omitempty"`
	MissingDeletes []string `json:"missing_deletes,omitempty"`
}

// Validate diffs the declared scope against the recorded activity.
// Valid is true iff nothing unexpected happened, nothing declared
// failed, and nothing declared is missing.
func (t *Tracker) Validate() *ScopeValidation {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := &ScopeValidation{
		UnexpectedCreates: append([]string(nil), t.unexpectedCreates...),
		UnexpectedUpdates: append([]string(nil), t.unexpectedUpdates...),
		UnexpectedDeletes: append([]string(nil), t.unexpectedDeletes...),
	}
	if len(t.failures) > 0 {
		v.FailedCreates = make(map[string]string, len(t.failures))
		for id, reason := range t.failures {
			v.FailedCreates[id] = reason
		}
	}

	for _, c := range t.scope.Creates {
		if _, ok := t.mapping[c.TempID]; !ok {
			v.MissingCreates = append(v.MissingCreates, c.TempID)
		}
	}
	for _, u := range t.scope.Updates {
		if !t.touchedUpdates[u.TargetID] {
			v.MissingUpdates = append(v.MissingUpdates, u.TargetID)
		}
	}
	for _, d := range t.scope.Deletes {
		if !t.touchedDeletes[d.TargetID] {
			v.MissingDeletes = append(v.MissingDeletes, d.TargetID)
		}
	}

	sort.Strings(v.MissingCreates)
	sort.Strings(v.MissingUpdates)
	sort.Strings(v.MissingDeletes)

	v.Valid = len(v.UnexpectedCreates) == 0 &&
		len(v.UnexpectedUpdates) == 0 &&
		len(v.UnexpectedDeletes) == 0 &&
		len(v.FailedCreates) == 0 &&
		len(v.MissingCreates) == 0 &&
		len(v.MissingUpdates) == 0 &&
		len(v.MissingDeletes) == 0
	return v
}

// snapshot returns copies of the tracker's internal state for the
// walkthrough, taken under the lock.
func (t *Tracker) snapshot() (mapping map[string]string, updates, deletes map[string]bool, failures map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mapping = make(map[string]string, len(t.mapping))
	for k, v := range t.mapping {
		mapping[k] = v
	}
	updates = make(map[string]bool, len(t.touchedUpdates))
	for k := range t.touchedUpdates {
		updates[k] = true
	}
	deletes = make(map[string]bool, len(t.touchedDeletes))
	for k := range t.touchedDeletes {
		deletes[k] = true
	}
	failures = make(map[string]string, len(t.failures))
	for k, v := range t.failures {
		failures[k] = v
	}
	return mapping, updates, deletes, failures
}

func (t *Tracker) declaresCreate(tempID string) bool {
	for _, c := range t.scope.Creates {
		if c.TempID == tempID {
			return true
		}
	}
	return false
}

func (t *Tracker) declaresUpdate(targetID string) bool {
	for _, u := range t.scope.Updates {
		if u.TargetID == targetID {
			return true
		}
	}
	return false
}

func (t *Tracker) declaresDelete(targetID string) bool {
	for _, d := range t.scope.Deletes {
		if d.TargetID == targetID {
			return true
		}
	}
	return false
}

func appendOnce(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
