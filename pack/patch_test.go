package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchAddRenameRemove(t *testing.T) {
	p := ticketPackage()

	out, errs := ApplyPatch(p, []PatchOp{
		{Op: OpAddField, RecordTypeKey: "ticket", Field: &FieldDef{Name: "severity", Type: "number"}},
		{Op: OpRenameField, RecordTypeKey: "ticket", FieldName: "priority", NewName: "urgency"},
		{Op: OpRemoveField, RecordTypeKey: "comment", FieldName: "body"},
	})
	require.Empty(t, errs)

	rt := out.FindRecordType("ticket")
	assert.NotNil(t, rt.FindField("severity"))
	assert.Nil(t, rt.FindField("priority"))
	assert.NotNil(t, rt.FindField("urgency"))
	assert.Nil(t, out.FindRecordType("comment").FindField("body"))

	// Original untouched.
	assert.Nil(t, p.FindRecordType("ticket").FindField("severity"))
	assert.NotNil(t, p.FindRecordType("comment").FindField("body"))
}

func TestApplyPatchRequiredFieldGuard(t *testing.T) {
	p := ticketPackage()

	out, errs := ApplyPatch(p, []PatchOp{
		{Op: OpRemoveField, RecordTypeKey: "ticket", FieldName: "title"},
	})
	assert.Nil(t, out)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeRequiredFieldRemoved, errs[0].Code)
}

func TestApplyPatchAllOrNothing(t *testing.T) {
	p := ticketPackage()

	out, errs := ApplyPatch(p, []PatchOp{
		{Op: OpAddField, RecordTypeKey: "ticket", Field: &FieldDef{Name: "severity", Type: "number"}},
		{Op: OpRemoveField, RecordTypeKey: "ticket", FieldName: "ghost"},
	})
	assert.Nil(t, out)
	require.NotEmpty(t, errs)
	assert.Equal(t, CodeUnknownField, errs[0].Code)
	assert.Equal(t, 1, errs[0].Details["opIndex"])

	// First op must not have leaked into the input.
	assert.Nil(t, p.FindRecordType("ticket").FindField("severity"))
}

func TestApplyPatchSlaAndAssignment(t *testing.T) {
	p := ticketPackage()

	out, errs := ApplyPatch(p, []PatchOp{
		{Op: OpSetSla, RecordTypeKey: "ticket", DurationMinutes: 60},
		{Op: OpSetSla, RecordTypeKey: "comment", DurationMinutes: 30},
		{Op: OpSetAssignmentGroup, RecordTypeKey: "ticket", GroupKey: "support"},
	})
	require.Empty(t, errs)

	// Existing policy updated in place, new one appended.
	require.Len(t, out.SlaPolicies, 2)
	for _, sla := range out.SlaPolicies {
		switch sla.RecordTypeKey {
		case "ticket":
			assert.Equal(t, 60, sla.DurationMinutes)
		case "comment":
			assert.Equal(t, 30, sla.DurationMinutes)
		}
	}

	require.Len(t, out.AssignmentRules, 1)
	assert.Equal(t, "group", out.AssignmentRules[0].StrategyType)
	assert.Equal(t, "support", out.AssignmentRules[0].Config.GroupKey)
}

func TestApplyPatchRejectsBadOps(t *testing.T) {
	tests := []struct {
		name string
		op   PatchOp
		code string
	}{
		{"unknown record type", PatchOp{Op: OpAddField, RecordTypeKey: "ghost", Field: &FieldDef{Name: "x"}}, CodeUnknownRecordType},
		{"unknown op", PatchOp{Op: "explode", RecordTypeKey: "ticket"}, CodeInvalidOp},
		{"add without field", PatchOp{Op: OpAddField, RecordTypeKey: "ticket"}, CodeInvalidOp},
		{"duplicate add", PatchOp{Op: OpAddField, RecordTypeKey: "ticket", Field: &FieldDef{Name: "title"}}, CodeDuplicateField},
		{"rename to existing", PatchOp{Op: OpRenameField, RecordTypeKey: "ticket", FieldName: "priority", NewName: "title"}, CodeDuplicateField},
		{"rename without target", PatchOp{Op: OpRenameField, RecordTypeKey: "ticket", FieldName: "priority"}, CodeInvalidOp},
		{"sla without duration", PatchOp{Op: OpSetSla, RecordTypeKey: "ticket"}, CodeInvalidOp},
		{"assignment without group", PatchOp{Op: OpSetAssignmentGroup, RecordTypeKey: "ticket"}, CodeInvalidOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errs := ApplyPatch(ticketPackage(), []PatchOp{tt.op})
			assert.Nil(t, out)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, errs[0].Code)
		})
	}
}
