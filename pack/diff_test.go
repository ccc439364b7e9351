package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffEmpty(t *testing.T) {
	d := Diff(ticketPackage(), ticketPackage())
	assert.True(t, d.IsEmpty())

	d = Diff(nil, nil)
	assert.True(t, d.IsEmpty())
}

func TestDiffAddedAndRemoved(t *testing.T) {
	a := ticketPackage()
	b := ticketPackage()
	b.RecordTypes = b.RecordTypes[:1] // drop comment
	b.RecordTypes = append(b.RecordTypes, RecordType{
		Key: "asset", Name: "Asset",
		Fields: []FieldDef{{Name: "serial", Type: "string"}},
	})

	d := Diff(a, b)
	require.Len(t, d.AddedRecordTypes, 1)
	assert.Equal(t, "asset", d.AddedRecordTypes[0].Key)
	assert.Equal(t, 1, d.AddedRecordTypes[0].FieldCount)
	require.Len(t, d.RemovedRecordTypes, 1)
	assert.Equal(t, "comment", d.RemovedRecordTypes[0].Key)
	assert.Equal(t, DiffSummary{Added: 1, Removed: 1}, d.Summary)
}

func TestDiffModifiedFields(t *testing.T) {
	a := ticketPackage()
	b := ticketPackage()
	rt := b.FindRecordType("ticket")
	rt.Fields = append(rt.Fields[:1], FieldDef{Name: "severity", Type: "number"}) // drop priority, add severity
	rt.BaseType = "comment"

	d := Diff(a, b)
	require.Len(t, d.ModifiedRecordTypes, 1)
	mod := d.ModifiedRecordTypes[0]
	assert.Equal(t, "ticket", mod.Key)
	require.Len(t, mod.AddedFields, 1)
	assert.Equal(t, "severity", mod.AddedFields[0].Name)
	assert.Equal(t, []string{"priority"}, mod.RemovedFields)
	assert.True(t, mod.BaseTypeChanged)
	assert.Equal(t, "comment", mod.NewBaseType)
}

func TestDiffNilSource(t *testing.T) {
	b := ticketPackage()
	d := Diff(nil, b)
	assert.Equal(t, len(b.RecordTypes), d.Summary.Added)
	assert.Zero(t, d.Summary.Removed)
}

func TestApplyDiffRoundTrip(t *testing.T) {
	a := ticketPackage()

	b := ticketPackage()
	b.RecordTypes = b.RecordTypes[:1]
	b.RecordTypes = append(b.RecordTypes, RecordType{
		Key: "asset", Name: "Asset",
		Fields: []FieldDef{{Name: "serial", Type: "string"}},
	})
	rt := b.FindRecordType("ticket")
	rt.Fields = append(rt.Fields, FieldDef{Name: "severity", Type: "number"})

	applied := ApplyDiff(a, Diff(a, b))

	// The applied result matches the target record-type for record-type.
	assert.True(t, Diff(applied, b).IsEmpty())

	// And a is untouched.
	assert.NotNil(t, a.FindRecordType("comment"))
	assert.Nil(t, a.FindRecordType("ticket").FindField("severity"))
}

func TestApplyDiffNil(t *testing.T) {
	a := ticketPackage()
	out := ApplyDiff(a, nil)
	assert.True(t, Diff(a, out).IsEmpty())
}
