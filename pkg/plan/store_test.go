package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPtr(s TaskStatus) *TaskStatus { return &s }

func TestStoreCreateAndGetIsolation(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	got, err := s.Get("sess")
	require.NoError(t, err)
	got.Tasks[0].Status = StatusCompleted

	again, err := s.Get("sess")
	require.NoError(t, err)
	assert.Equal(t, TaskStatus(""), again.Tasks[0].Status, "Get must return copies")
}

func TestStoreGetWithoutPlan(t *testing.T) {
	s := NewStore()
	_, err := s.Get("nobody")
	assert.ErrorIs(t, err, ErrNoPlan)
	_, err = s.Tracker("nobody")
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestStoreUpdateTasks(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	updated, err := s.UpdateTasks("sess", []TaskUpdate{
		{TaskIndex: 0, Status: statusPtr(StatusInProgress)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, updated.Tasks[0].Status)

	// Completing the first and starting the second in one batch is fine.
	updated, err = s.UpdateTasks("sess", []TaskUpdate{
		{TaskIndex: 0, Status: statusPtr(StatusCompleted)},
		{TaskIndex: 1, Status: statusPtr(StatusInProgress)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Tasks[0].Status)
	assert.Equal(t, StatusInProgress, updated.Tasks[1].Status)
}

func TestStoreRejectsSecondInProgress(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	_, err := s.UpdateTasks("sess", []TaskUpdate{
		{TaskIndex: 0, Status: statusPtr(StatusInProgress)},
		{TaskIndex: 1, Status: statusPtr(StatusInProgress)},
	})
	assert.ErrorIs(t, err, ErrMultipleInProgress)

	// The whole batch must have been rolled back.
	p, gerr := s.Get("sess")
	require.NoError(t, gerr)
	assert.Equal(t, -1, p.InProgressIndex())
}

func TestStoreUpdateBatchIsAtomic(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	_, err := s.UpdateTasks("sess", []TaskUpdate{
		{TaskIndex: 0, Status: statusPtr(StatusCompleted)},
		{TaskIndex: 99, Status: statusPtr(StatusCompleted)},
	})
	assert.ErrorIs(t, err, ErrTaskIndexOutOfRange)

	p, gerr := s.Get("sess")
	require.NoError(t, gerr)
	assert.Equal(t, TaskStatus(""), p.Tasks[0].Status, "partial batches must not apply")
}

func TestStoreRejectsUnknownStatus(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	_, err := s.UpdateTasks("sess", []TaskUpdate{
		{TaskIndex: 0, Status: statusPtr("bogus")},
	})
	assert.Error(t, err)
}

func TestStoreDelegationOutcomeUpdate(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	updated, err := s.UpdateTasks("sess", []TaskUpdate{
		{TaskIndex: 1, Status: statusPtr(StatusDelegated),
			DelegationOutcome: &DelegationOutcome{Success: true, Summary: "done"}},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Tasks[1].DelegationOutcome)
	assert.True(t, updated.Tasks[1].DelegationOutcome.Success)
}

func TestStoreCreateResetsTracker(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())

	tr, err := s.Tracker("sess")
	require.NoError(t, err)
	tr.RecordCreate("new-header", "node-101")

	s.Create("sess", docPlan())
	tr2, err := s.Tracker("sess")
	require.NoError(t, err)
	assert.NotSame(t, tr, tr2)
	assert.Equal(t, "new-header", tr2.Resolve("new-header"), "fresh tracker has no mappings")
}

func TestStoreDestroy(t *testing.T) {
	s := NewStore()
	s.Create("sess", docPlan())
	s.Destroy("sess")

	_, err := s.Get("sess")
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestEngineCreateTool(t *testing.T) {
	engine := NewEngine(NewStore(), "sess", func() EntityInventory { return docInventory() })
	planTools := engine.Tools()
	require.Len(t, planTools, 3)

	create := planTools[0]
	require.Equal(t, "plan_create", create.Name())

	res, err := create.Execute(context.Background(), map[string]any{
		"plan": map[string]any{
			"id":        "plan-1",
			"objective": map[string]any{"summary": "Add a header"},
			"tasks": []any{
				map[string]any{"id": "t1", "content": "Create the header", "creates": []any{"new-header"}},
			},
			"changes": map[string]any{
				"creates": []any{map[string]any{"temp_id": "new-header", "type": "frame"}},
			},
		},
	})
	require.NoError(t, err)
	content := res.Content.(map[string]any)
	assert.Equal(t, "plan-1", content["plan_id"])
	assert.Equal(t, 1, content["tasks"])

	stored, err := engine.Store().Get("sess")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, stored.SchemaVersion, "schema version is defaulted")
}

func TestEngineCreateToolRejectsInvalidPlan(t *testing.T) {
	engine := NewEngine(NewStore(), "sess", nil)

	_, err := engine.Tools()[0].Execute(context.Background(), map[string]any{
		"plan": map[string]any{
			"id":        "plan-1",
			"objective": map[string]any{"summary": "Update something"},
			"tasks":     []any{},
			"changes": map[string]any{
				"updates": []any{map[string]any{"target_id": "ghost"}},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), CodeUpdateTargetNotFound)
}

func TestEngineUpdateAndWalkthroughTools(t *testing.T) {
	engine := NewEngine(NewStore(), "sess", func() EntityInventory { return docInventory() })
	engine.Store().Create("sess", docPlan())

	update := engine.Tools()[1]
	require.Equal(t, "plan_update", update.Name())
	res, err := update.Execute(context.Background(), map[string]any{
		"updates": []any{
			map[string]any{"task_index": float64(0), "status": "completed"},
		},
	})
	require.NoError(t, err)
	content := res.Content.(map[string]any)
	assert.Equal(t, 1, content["applied"])

	tr, err := engine.Tracker()
	require.NoError(t, err)
	tr.RecordCreate("new-header", "node-101")
	tr.RecordCreate("new-title", "node-102")
	tr.RecordUpdate("frame-1")

	walkthrough := engine.Tools()[2]
	require.Equal(t, "plan_walkthrough", walkthrough.Name())
	res, err = walkthrough.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	report := res.Content.(*Report)
	assert.True(t, report.Success)
	assert.Len(t, report.Rows, 3)
}

func TestWalkthroughToolFilterKeepsUnexpectedRows(t *testing.T) {
	engine := NewEngine(NewStore(), "sess", nil)
	engine.Store().Create("sess", docPlan())

	tr, err := engine.Tracker()
	require.NoError(t, err)
	tr.RecordCreate("new-header", "node-101")
	tr.RecordDelete("frame-7")

	res, err := engine.Tools()[2].Execute(context.Background(), map[string]any{
		"kinds": []any{"create"},
	})
	require.NoError(t, err)
	report := res.Content.(*Report)
	assert.False(t, report.Success)

	kinds := make(map[RowKind]int)
	for _, row := range report.Rows {
		kinds[row.Kind]++
	}
	assert.Equal(t, 2, kinds[KindCreate])
	assert.Equal(t, 1, kinds[KindUnexpectedDelete], "scope violations survive any filter")
	assert.Zero(t, kinds[KindUpdate])
}
