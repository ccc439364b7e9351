package pack

import "fmt"

// Patch operation names. Patches are explicit typed operations, never
// free-form diffs.
const (
	OpAddField           = "add_field"
	OpRenameField        = "rename_field"
	OpRemoveField        = "remove_field"
	OpSetSla             = "set_sla"
	OpSetAssignmentGroup = "set_assignment_group"
)

// PatchOp is one typed patch operation. The Op discriminator selects which of
// the remaining fields apply; payloads are decoded at the boundary and only
// the typed form travels through the engine.
type PatchOp struct {
	Op            string    `json:"op"`
	RecordTypeKey string    `json:"recordTypeKey"`
	Field         *FieldDef `json:"field,omitempty"`
	FieldName     string    `json:"fieldName,omitempty"`
	NewName       string    `json:"newName,omitempty"`

	DurationMinutes int    `json:"durationMinutes,omitempty"`
	GroupKey        string `json:"groupKey,omitempty"`
}

// ApplyPatch applies ops in order against a copy of the package. The batch is
// all-or-nothing: the first failing op aborts and the original package is
// untouched. The patched result is re-validated before being returned.
func ApplyPatch(p *Package, ops []PatchOp) (*Package, []ValidationError) {
	patched := p.Clone()

	for i, op := range ops {
		if errs := applyOne(patched, op); len(errs) > 0 {
			for j := range errs {
				if errs[j].Details == nil {
					errs[j].Details = map[string]any{}
				}
				errs[j].Details["opIndex"] = i
			}
			return nil, errs
		}
	}

	if errs := Validate(patched); len(errs) > 0 {
		return nil, errs
	}
	return patched, nil
}

func applyOne(p *Package, op PatchOp) []ValidationError {
	rt := p.FindRecordType(op.RecordTypeKey)
	if rt == nil {
		return []ValidationError{{
			Code:         CodeUnknownRecordType,
			Message:      fmt.Sprintf("patch references unknown record type %q", op.RecordTypeKey),
			RecordTypeID: op.RecordTypeKey,
		}}
	}

	switch op.Op {
	case OpAddField:
		if op.Field == nil || op.Field.Name == "" {
			return []ValidationError{{
				Code:         CodeInvalidOp,
				Message:      "add_field requires a field definition",
				RecordTypeID: rt.Key,
			}}
		}
		if rt.FindField(op.Field.Name) != nil {
			return []ValidationError{{
				Code:         CodeDuplicateField,
				Message:      fmt.Sprintf("field %q already exists on %q", op.Field.Name, rt.Key),
				RecordTypeID: rt.Key,
			}}
		}
		rt.Fields = append(rt.Fields, *op.Field)

	case OpRenameField:
		field := rt.FindField(op.FieldName)
		if field == nil {
			return []ValidationError{{
				Code:         CodeUnknownField,
				Message:      fmt.Sprintf("field %q not found on %q", op.FieldName, rt.Key),
				RecordTypeID: rt.Key,
			}}
		}
		if op.NewName == "" {
			return []ValidationError{{
				Code:         CodeInvalidOp,
				Message:      "rename_field requires newName",
				RecordTypeID: rt.Key,
			}}
		}
		if rt.FindField(op.NewName) != nil {
			return []ValidationError{{
				Code:         CodeDuplicateField,
				Message:      fmt.Sprintf("field %q already exists on %q", op.NewName, rt.Key),
				RecordTypeID: rt.Key,
			}}
		}
		field.Name = op.NewName

	case OpRemoveField:
		field := rt.FindField(op.FieldName)
		if field == nil {
			return []ValidationError{{
				Code:         CodeUnknownField,
				Message:      fmt.Sprintf("field %q not found on %q", op.FieldName, rt.Key),
				RecordTypeID: rt.Key,
			}}
		}
		// Required fields are absolute: no patch may remove one.
		if field.Required {
			return []ValidationError{{
				Code:         CodeRequiredFieldRemoved,
				Message:      fmt.Sprintf("field %q on %q is required and cannot be removed", op.FieldName, rt.Key),
				RecordTypeID: rt.Key,
				Details:      map[string]any{"field": op.FieldName},
			}}
		}
		fields := rt.Fields[:0]
		for _, f := range rt.Fields {
			if f.Name != op.FieldName {
				fields = append(fields, f)
			}
		}
		rt.Fields = fields

	case OpSetSla:
		if op.DurationMinutes <= 0 {
			return []ValidationError{{
				Code:         CodeInvalidOp,
				Message:      "set_sla requires a positive durationMinutes",
				RecordTypeID: rt.Key,
			}}
		}
		for i := range p.SlaPolicies {
			if p.SlaPolicies[i].RecordTypeKey == rt.Key {
				p.SlaPolicies[i].DurationMinutes = op.DurationMinutes
				return nil
			}
		}
		p.SlaPolicies = append(p.SlaPolicies, SlaPolicy{
			RecordTypeKey:   rt.Key,
			DurationMinutes: op.DurationMinutes,
		})

	case OpSetAssignmentGroup:
		if op.GroupKey == "" {
			return []ValidationError{{
				Code:         CodeInvalidOp,
				Message:      "set_assignment_group requires groupKey",
				RecordTypeID: rt.Key,
			}}
		}
		for i := range p.AssignmentRules {
			if p.AssignmentRules[i].RecordTypeKey == rt.Key && p.AssignmentRules[i].StrategyType == "group" {
				p.AssignmentRules[i].Config.GroupKey = op.GroupKey
				return nil
			}
		}
		p.AssignmentRules = append(p.AssignmentRules, AssignmentRule{
			RecordTypeKey: rt.Key,
			StrategyType:  "group",
			Config:        AssignmentConfig{GroupKey: op.GroupKey},
		})

	default:
		return []ValidationError{{
			Code:    CodeInvalidOp,
			Message: fmt.Sprintf("unknown patch op %q", op.Op),
		}}
	}

	return nil
}
