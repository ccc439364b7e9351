package pack

import "sort"

// AddedRecordType describes a record type present only in the target.
// The full definition rides along so a diff can be applied mechanically.
type AddedRecordType struct {
	Key        string     `json:"key"`
	FieldCount int        `json:"fieldCount"`
	RecordType RecordType `json:"recordType"`
}

// RemovedRecordType describes a record type present only in the source.
type RemovedRecordType struct {
	Key string `json:"key"`
}

// ModifiedRecordType describes field-level changes to a shared record type.
type ModifiedRecordType struct {
	Key             string     `json:"key"`
	AddedFields     []FieldDef `json:"addedFields,omitempty"`
	RemovedFields   []string   `json:"removedFields,omitempty"`
	BaseTypeChanged bool       `json:"baseTypeChanged,omitempty"`
	NewBaseType     string     `json:"newBaseType,omitempty"`
}

// DiffSummary counts the record-type level changes.
type DiffSummary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

// PackageDiff is the structured delta between two packages.
type PackageDiff struct {
	AddedRecordTypes    []AddedRecordType    `json:"addedRecordTypes"`
	RemovedRecordTypes  []RemovedRecordType  `json:"removedRecordTypes"`
	ModifiedRecordTypes []ModifiedRecordType `json:"modifiedRecordTypes"`
	Summary             DiffSummary          `json:"summary"`
}

// IsEmpty reports whether the diff carries no changes.
func (d *PackageDiff) IsEmpty() bool {
	return d.Summary.Added == 0 && d.Summary.Removed == 0 && d.Summary.Modified == 0
}

// Diff compares source a against target b and returns the record-type delta.
// A nil package compares as empty.
func Diff(a, b *Package) *PackageDiff {
	if a == nil {
		a = &Package{}
	}
	if b == nil {
		b = &Package{}
	}

	aIdx := a.recordTypeByKey()
	bIdx := b.recordTypeByKey()

	d := &PackageDiff{
		AddedRecordTypes:    []AddedRecordType{},
		RemovedRecordTypes:  []RemovedRecordType{},
		ModifiedRecordTypes: []ModifiedRecordType{},
	}

	for key, brt := range bIdx {
		art, exists := aIdx[key]
		if !exists {
			added := *brt
			added.Fields = append([]FieldDef(nil), brt.Fields...)
			d.AddedRecordTypes = append(d.AddedRecordTypes, AddedRecordType{
				Key:        key,
				FieldCount: len(brt.Fields),
				RecordType: added,
			})
			continue
		}

		mod := diffRecordType(art, brt)
		if mod != nil {
			d.ModifiedRecordTypes = append(d.ModifiedRecordTypes, *mod)
		}
	}

	for key := range aIdx {
		if _, exists := bIdx[key]; !exists {
			d.RemovedRecordTypes = append(d.RemovedRecordTypes, RemovedRecordType{Key: key})
		}
	}

	sort.Slice(d.AddedRecordTypes, func(i, j int) bool {
		return d.AddedRecordTypes[i].Key < d.AddedRecordTypes[j].Key
	})
	sort.Slice(d.RemovedRecordTypes, func(i, j int) bool {
		return d.RemovedRecordTypes[i].Key < d.RemovedRecordTypes[j].Key
	})
	sort.Slice(d.ModifiedRecordTypes, func(i, j int) bool {
		return d.ModifiedRecordTypes[i].Key < d.ModifiedRecordTypes[j].Key
	})

	d.Summary = DiffSummary{
		Added:    len(d.AddedRecordTypes),
		Removed:  len(d.RemovedRecordTypes),
		Modified: len(d.ModifiedRecordTypes),
	}
	return d
}

// diffRecordType computes the name-keyed symmetric field difference.
// Returns nil when the record types are equal.
func diffRecordType(a, b *RecordType) *ModifiedRecordType {
	aFields := make(map[string]bool, len(a.Fields))
	for _, f := range a.Fields {
		aFields[f.Name] = true
	}
	bFields := make(map[string]bool, len(b.Fields))
	for _, f := range b.Fields {
		bFields[f.Name] = true
	}

	mod := &ModifiedRecordType{Key: a.Key}
	for _, f := range b.Fields {
		if !aFields[f.Name] {
			mod.AddedFields = append(mod.AddedFields, f)
		}
	}
	for _, f := range a.Fields {
		if !bFields[f.Name] {
			mod.RemovedFields = append(mod.RemovedFields, f.Name)
		}
	}
	sort.Slice(mod.AddedFields, func(i, j int) bool {
		return mod.AddedFields[i].Name < mod.AddedFields[j].Name
	})
	sort.Strings(mod.RemovedFields)

	if a.BaseType != b.BaseType {
		mod.BaseTypeChanged = true
		mod.NewBaseType = b.BaseType
	}

	if len(mod.AddedFields) == 0 && len(mod.RemovedFields) == 0 && !mod.BaseTypeChanged {
		return nil
	}
	return mod
}

// ApplyDiff applies a record-type diff to a package and returns the result.
// For any a, b: ApplyDiff(a, Diff(a, b)) matches b field-for-field on record
// types. The input package is not mutated.
func ApplyDiff(a *Package, d *PackageDiff) *Package {
	out := a.Clone()
	if out == nil {
		out = &Package{}
	}
	if d == nil {
		return out
	}

	removed := make(map[string]bool, len(d.RemovedRecordTypes))
	for _, r := range d.RemovedRecordTypes {
		removed[r.Key] = true
	}
	kept := out.RecordTypes[:0]
	for _, rt := range out.RecordTypes {
		if !removed[rt.Key] {
			kept = append(kept, rt)
		}
	}
	out.RecordTypes = kept

	for _, add := range d.AddedRecordTypes {
		rt := add.RecordType
		rt.Fields = append([]FieldDef(nil), add.RecordType.Fields...)
		out.RecordTypes = append(out.RecordTypes, rt)
	}

	for _, mod := range d.ModifiedRecordTypes {
		rt := out.FindRecordType(mod.Key)
		if rt == nil {
			continue
		}
		dropped := make(map[string]bool, len(mod.RemovedFields))
		for _, name := range mod.RemovedFields {
			dropped[name] = true
		}
		fields := rt.Fields[:0]
		for _, f := range rt.Fields {
			if !dropped[f.Name] {
				fields = append(fields, f)
			}
		}
		rt.Fields = append(fields, mod.AddedFields...)
		if mod.BaseTypeChanged {
			rt.BaseType = mod.NewBaseType
		}
	}

	return out
}
