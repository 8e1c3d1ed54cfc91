package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// docPlan is a small document-editing plan: two creates and one update
// against an inventory holding the update target.
func docPlan() *Plan {
	return &Plan{
		SchemaVersion: SchemaVersion,
		ID:            "plan-1",
		Objective:     Objective{Summary: "Add a header and a title"},
		Tasks: []Task{
			{ID: "t1", Content: "Create the header", Creates: []string{"new-header"}},
			{ID: "t2", Content: "Create the title", Creates: []string{"new-title"}, DependsOn: []string{"t1"}},
			{ID: "t3", Content: "Resize frame 1", Updates: []string{"frame-1"}},
		},
		Changes: ChangeScope{
			Creates: []CreateChange{
				{TempID: "new-header", Type: "frame"},
				{TempID: "new-title", Type: "text"},
			},
			Updates: []UpdateChange{
				{TargetID: "frame-1", Changes: map[string]any{"width": 800}},
			},
		},
	}
}

func docInventory() MapInventory {
	return MapInventory{"frame-1": "frame"}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	result := Validate(docPlan(), docInventory())
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateSchemaErrors(t *testing.T) {
	p := docPlan()
	p.ID = ""
	p.Objective.Summary = ""
	p.Tasks[0].Content = ""
	p.Tasks[1].Status = "bogus"

	result := Validate(p, docInventory())
	assert.False(t, result.Valid)

	codes := issueCodes(result.Errors)
	assert.Equal(t, []string{CodeSchemaInvalid, CodeSchemaInvalid, CodeSchemaInvalid, CodeSchemaInvalid}, codes)
}

func TestValidateReferenceNotFound(t *testing.T) {
	p := docPlan()
	p.References = []Reference{{EntityID: "ghost"}}

	result := Validate(p, docInventory())
	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result.Errors), CodeReferenceNotFound)
}

func TestValidateTypeMismatchIsWarningOnly(t *testing.T) {
	p := docPlan()
	p.References = []Reference{{EntityID: "frame-1", ExpectedType: "text"}}

	result := Validate(p, docInventory())
	assert.True(t, result.Valid, "type mismatches warn, they do not reject")
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, CodeTypeMismatch, result.Warnings[0].Code)
}

func TestValidateUntypedInventorySkipsTypeCheck(t *testing.T) {
	p := docPlan()
	p.References = []Reference{{EntityID: "frame-1", ExpectedType: "text"}}

	result := Validate(p, MapInventory{"frame-1": ""})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}

func TestValidateMissingTargets(t *testing.T) {
	p := docPlan()
	p.Changes.Updates = append(p.Changes.Updates, UpdateChange{TargetID: "gone"})
	p.Changes.Deletes = []DeleteChange{{TargetID: "also-gone"}}

	result := Validate(p, docInventory())
	assert.False(t, result.Valid)
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, CodeUpdateTargetNotFound)
	assert.Contains(t, codes, CodeDeleteTargetNotFound)
}

func TestValidateDuplicateTempID(t *testing.T) {
	p := docPlan()
	p.Changes.Creates = append(p.Changes.Creates, CreateChange{TempID: "new-header", Type: "frame"})

	result := Validate(p, docInventory())
	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result.Errors), CodeDuplicateTempID)
}

func TestValidateCircularDependency(t *testing.T) {
	p := docPlan()
	p.Tasks[0].DependsOn = []string{"t2"} // t1 -> t2 -> t1

	result := Validate(p, docInventory())
	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result.Errors), CodeCircularDependency)
}

func TestValidateSelfDependency(t *testing.T) {
	p := docPlan()
	p.Tasks[2].DependsOn = []string{"t3"}

	result := Validate(p, docInventory())
	assert.Contains(t, issueCodes(result.Errors), CodeCircularDependency)
}

func TestValidateUnknownDependencyIsNotACycle(t *testing.T) {
	p := docPlan()
	p.Tasks[0].DependsOn = []string{"no-such-task"}

	result := Validate(p, docInventory())
	assert.True(t, result.Valid)
}

func TestValidateIsDeterministic(t *testing.T) {
	p := docPlan()
	p.References = []Reference{{EntityID: "ghost"}}
	p.Changes.Deletes = []DeleteChange{{TargetID: "gone"}}

	first := Validate(p, docInventory())
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Validate(p, docInventory()))
	}
}

func issueCodes(issues []Issue) []string {
	codes := make([]string, len(issues))
	for i, issue := range issues {
		codes[i] = issue.Code
	}
	return codes
}
