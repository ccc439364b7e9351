package override

import (
	"fmt"
	"sort"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
)

// Compose applies the active overrides for one record type onto its baseline
// form. Ordering is deterministic: createdAt ascending, ID as tiebreaker.
// Overrides that no longer apply cleanly contribute composition errors but do
// not stop composition. A result that weakens a baseline-required field is
// rejected outright.
func Compose(rt *pack.RecordType, overrides []*Override) (*EffectiveForm, []string, error) {
	form := baselineForm(rt)

	active := make([]*Override, 0, len(overrides))
	for _, o := range overrides {
		if o.Status == StatusActive && o.TargetRef == rt.Key {
			active = append(active, o)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	var composeErrs []string
	for _, o := range active {
		for i, op := range o.Patch {
			if err := applyOp(form, op); err != nil {
				composeErrs = append(composeErrs,
					fmt.Sprintf("override %s op %d (%s): %v", o.ID, i, op.Op, err))
			}
		}
	}

	if err := checkRequiredInvariant(form); err != nil {
		return nil, composeErrs, err
	}
	return form, composeErrs, nil
}

// applyOp mutates the form per one typed operation.
func applyOp(form *EffectiveForm, op Op) error {
	switch op.Op {
	case OpChangeSection:
		if op.SectionID == "" {
			return fmt.Errorf("sectionId is required")
		}
		if !form.hasSection(op.SectionID) {
			form.Sections = append(form.Sections, EffectiveSection{ID: op.SectionID, Title: op.Title})
		}
		return nil

	case OpMoveField:
		f := form.findField(op.FieldID)
		if f == nil {
			return fmt.Errorf("field %q not in baseline", op.FieldID)
		}
		if !form.hasSection(op.ToSectionID) {
			return fmt.Errorf("section %q does not exist", op.ToSectionID)
		}
		f.SectionID = op.ToSectionID
		return nil

	case OpToggleRequired:
		f := form.findField(op.FieldID)
		if f == nil {
			return fmt.Errorf("field %q not in baseline", op.FieldID)
		}
		f.EffectiveRequired = op.Value
		return nil

	case OpToggleReadOnly:
		f := form.findField(op.FieldID)
		if f == nil {
			return fmt.Errorf("field %q not in baseline", op.FieldID)
		}
		f.ReadOnly = op.Value
		return nil

	case OpToggleVisible:
		f := form.findField(op.FieldID)
		if f == nil {
			return fmt.Errorf("field %q not in baseline", op.FieldID)
		}
		f.Visible = op.Value
		return nil

	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

// checkRequiredInvariant rejects any composed form where a baseline-required
// field ended up not required. The package's required flag is absolute.
func checkRequiredInvariant(form *EffectiveForm) error {
	for _, f := range form.Fields {
		if f.BaselineRequired && !f.EffectiveRequired {
			return governance.NewError(governance.CodeInvariantViolation,
				"field %q is required by the baseline and cannot be made optional", f.Name)
		}
	}
	return nil
}

// ValidatePatch checks an override's operations against the current baseline
// before activation: referenced fields must exist, move targets must be
// declared sections (in-patch change_section counts), and no op may weaken a
// baseline-required field.
func ValidatePatch(rt *pack.RecordType, ops []Op) error {
	if len(ops) == 0 {
		return governance.NewError(governance.CodeValidationError, "override patch is empty")
	}

	sections := map[string]bool{DefaultSectionID: true}
	for _, op := range ops {
		switch op.Op {
		case OpChangeSection:
			if op.SectionID == "" {
				return governance.NewError(governance.CodeValidationError,
					"change_section requires a sectionId")
			}
			sections[op.SectionID] = true

		case OpMoveField:
			if rt.FindField(op.FieldID) == nil {
				return governance.NewError(governance.CodeValidationError,
					"move_field references unknown field %q", op.FieldID)
			}
			if !sections[op.ToSectionID] {
				return governance.NewError(governance.CodeValidationError,
					"move_field targets undeclared section %q", op.ToSectionID)
			}

		case OpToggleRequired:
			f := rt.FindField(op.FieldID)
			if f == nil {
				return governance.NewError(governance.CodeValidationError,
					"toggle_required references unknown field %q", op.FieldID)
			}
			if f.Required && !op.Value {
				return governance.NewError(governance.CodeInvariantViolation,
					"field %q is required by the baseline and cannot be made optional", op.FieldID)
			}

		case OpToggleReadOnly, OpToggleVisible:
			if rt.FindField(op.FieldID) == nil {
				return governance.NewError(governance.CodeValidationError,
					"%s references unknown field %q", op.Op, op.FieldID)
			}

		default:
			return governance.NewError(governance.CodeValidationError,
				"unknown override op %q", op.Op)
		}
	}
	return nil
}
