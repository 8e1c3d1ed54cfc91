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
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoPlan is returned when a session has no stored plan.
	ErrNoPlan = errors.New("no plan for session")

	// ErrTaskIndexOutOfRange is returned when an update names a task
	// index outside the plan.
	ErrTaskIndexOutOfRange = errors.New("task index out of range")

	// ErrMultipleInProgress is returned when an update would put a
	// second task into in_progress.
	ErrMultipleInProgress = errors.New("another task is already in progress")
)

// TaskUpdate is one element of an update batch. Nil fields are left
// unchanged.
type TaskUpdate struct {
	TaskIndex         int                `json:"task_index"`
	Status            *TaskStatus        `json:"status,omitempty"`
	DelegationOutcome *DelegationOutcome `json:"delegation_outcome,omitempty"`
}

type session struct {
	mu      sync.Mutex
	plan    *Plan
	tracker *Tracker
}

// Store holds one plan per session. All access to a session's plan is
// serialized on a per-session mutex. The store is owned by the runtime
// and torn down with it; there is no package-level instance.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStore creates an empty plan store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

func (s *Store) session(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	return sess
}

func (s *Store) lookup(sessionID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Create stores a plan for the session, replacing any existing plan and
// resetting the execution tracker.
func (s *Store) Create(sessionID string, p *Plan) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.plan = p.Clone()
	sess.tracker = NewTracker(sess.plan.Changes)
}

// Get returns a copy of the session's plan.
func (s *Store) Get(sessionID string) (*Plan, error) {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, sessionID)
	}
	return sess.plan.Clone(), nil
}

// Tracker returns the session's execution tracker. The tracker is safe
// for concurrent use and shared with the host running the plan's tasks.
func (s *Store) Tracker(sessionID string) (*Tracker, error) {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.tracker == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, sessionID)
	}
	return sess.tracker, nil
}

// UpdateTasks applies a batch of task updates atomically: every update
// is validated against the would-be state first, and if any fails, the
// plan is left untouched.
func (s *Store) UpdateTasks(sessionID string, updates []TaskUpdate) (*Plan, error) {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, sessionID)
	}

	// Stage on a copy so a mid-batch failure cannot leave the stored
	// plan half-updated.
	staged := sess.plan.Clone()
	for _, u := range updates {
		if u.TaskIndex < 0 || u.TaskIndex >= len(staged.Tasks) {
			return nil, fmt.Errorf("%w: %d (plan has %d tasks)",
				ErrTaskIndexOutOfRange, u.TaskIndex, len(staged.Tasks))
		}
		task := &staged.Tasks[u.TaskIndex]
		if u.Status != nil {
			if !ValidStatus(*u.Status) {
				return nil, fmt.Errorf("unknown status %q for task %d", *u.Status, u.TaskIndex)
			}
			if *u.Status == StatusInProgress {
				if current := staged.InProgressIndex(); current >= 0 && current != u.TaskIndex {
					return nil, fmt.Errorf("%w: task %d", ErrMultipleInProgress, current)
				}
			}
			task.Status = *u.Status
		}
		if u.DelegationOutcome != nil {
			o := *u.DelegationOutcome
			task.DelegationOutcome = &o
		}
	}

	sess.plan = staged
	return staged.Clone(), nil
}

// Destroy drops the session's plan and tracker.
func (s *Store) Destroy(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
