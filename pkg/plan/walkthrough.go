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

// RowStatus is the verification outcome for one walkthrough row.
type RowStatus string

const (
	RowVerified RowStatus = "verified"
	RowNotFound RowStatus = "not_found"
	RowError    RowStatus = "error"
)

// RowKind names what a walkthrough row verifies.
type RowKind string

const (
	KindCreate           RowKind = "create"
	KindUpdate           RowKind = "update"
	KindDelete           RowKind = "delete"
	KindDelegation       RowKind = "delegation"
	KindUnexpectedCreate RowKind = "unexpected_create"
	KindUnexpectedUpdate RowKind = "unexpected_update"
	KindUnexpectedDelete RowKind = "unexpected_delete"
)

// Row is one entry of the verification report.
type Row struct {
	Kind   RowKind   `json:"kind"`
	Target string    `json:"target"`
	Status RowStatus `json:"status"`

	// ActualID is the resolved entity ID for verified creates.
	ActualID string `json:"actual_id,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// Report is the result of walking the plan's change scope against the
// execution tracker.
type Report struct {
	PlanID string `json:"plan_id"`

	// Success is true iff every declared row verified and the tracker
	// observed nothing outside the declared scope.
	Success bool  `json:"success"`
	Rows    []Row `json:"rows"`
}

// Walkthrough verifies every entry in the plan's change scope against
// the tracker and appends rows for anything the tracker observed that
// the plan never declared.
func Walkthrough(p *Plan, tracker *Tracker) *Report {
	mapping, updates, deletes, failures := tracker.snapshot()

	report := &Report{PlanID: p.ID, Success: true}
	add := func(row Row) {
		if row.Status != RowVerified {
			report.Success = false
		}
		report.Rows = append(report.Rows, row)
	}

	for _, c := range p.Changes.Creates {
		row := Row{Kind: KindCreate, Target: c.TempID}
		switch {
		case mapping[c.TempID] != "":
			row.Status = RowVerified
			row.ActualID = mapping[c.TempID]
		case failures[c.TempID] != "":
			row.Status = RowError
			row.Detail = failures[c.TempID]
		default:
			row.Status = RowNotFound
		}
		add(row)
	}

	for _, u := range p.Changes.Updates {
		row := Row{Kind: KindUpdate, Target: u.TargetID, Status: RowNotFound}
		if updates[u.TargetID] {
			row.Status = RowVerified
		}
		add(row)
	}

	for _, d := range p.Changes.Deletes {
		row := Row{Kind: KindDelete, Target: d.TargetID, Status: RowNotFound}
		if deletes[d.TargetID] {
			row.Status = RowVerified
		}
		add(row)
	}

	for _, t := range p.Tasks {
		if t.Delegate == "" {
			continue
		}
		row := Row{Kind: KindDelegation, Target: t.ID}
		switch {
		case t.DelegationOutcome == nil:
			row.Status = RowNotFound
		case t.DelegationOutcome.Success:
			row.Status = RowVerified
			row.Detail = t.DelegationOutcome.Summary
		default:
			row.Status = RowError
			row.Detail = t.DelegationOutcome.Error
		}
		add(row)
	}

	scope := tracker.Validate()
	for _, id := range scope.UnexpectedCreates {
		add(Row{Kind: KindUnexpectedCreate, Target: id, Status: RowError,
			Detail: "created outside the declared scope"})
	}
	for _, id := range scope.UnexpectedUpdates {
		add(Row{Kind: KindUnexpectedUpdate, Target: id, Status: RowError,
			Detail: "updated outside the declared scope"})
	}
	for _, id := range scope.UnexpectedDeletes {
		add(Row{Kind: KindUnexpectedDelete, Target: id, Status: RowError,
			Detail: "deleted outside the declared scope"})
	}

	return report
}
