package pack

import "fmt"

// Validation error codes.
const (
	CodeMissingPackageKey    = "MISSING_PACKAGE_KEY"
	CodeDuplicateRecordType  = "DUPLICATE_RECORD_TYPE"
	CodeMissingRecordTypeKey = "MISSING_RECORD_TYPE_KEY"
	CodeDuplicateField       = "DUPLICATE_FIELD"
	CodeUnknownBaseType      = "UNKNOWN_BASE_TYPE"
	CodeBaseTypeCycle        = "BASE_TYPE_CYCLE"
	CodeUnknownRecordType    = "UNKNOWN_RECORD_TYPE"
	CodeDuplicateWorkflow    = "DUPLICATE_WORKFLOW"
	CodeStepOrderConflict    = "STEP_ORDER_CONFLICT"
	CodeRequiredFieldRemoved = "REQUIRED_FIELD_REMOVED"
	CodeUnknownField         = "UNKNOWN_FIELD"
	CodeInvalidOp            = "INVALID_OP"
)

// ValidationError is a structured package validation failure.
type ValidationError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	RecordTypeID string         `json:"recordTypeId,omitempty"`
	BaseTypeKey  string         `json:"baseTypeKey,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validate checks the package invariants and returns every violation found.
// An empty result means the package is structurally sound.
func Validate(p *Package) []ValidationError {
	var errs []ValidationError

	if p.PackageKey == "" {
		errs = append(errs, ValidationError{
			Code:    CodeMissingPackageKey,
			Message: "package key is required",
		})
	}

	// Record type keys unique, fields unique per record type.
	seen := make(map[string]bool, len(p.RecordTypes))
	for _, rt := range p.RecordTypes {
		if rt.Key == "" {
			errs = append(errs, ValidationError{
				Code:    CodeMissingRecordTypeKey,
				Message: "record type key is required",
			})
			continue
		}
		if seen[rt.Key] {
			errs = append(errs, ValidationError{
				Code:         CodeDuplicateRecordType,
				Message:      fmt.Sprintf("record type %q defined more than once", rt.Key),
				RecordTypeID: rt.Key,
			})
		}
		seen[rt.Key] = true

		fieldSeen := make(map[string]bool, len(rt.Fields))
		for _, f := range rt.Fields {
			if fieldSeen[f.Name] {
				errs = append(errs, ValidationError{
					Code:         CodeDuplicateField,
					Message:      fmt.Sprintf("field %q defined more than once on %q", f.Name, rt.Key),
					RecordTypeID: rt.Key,
					Details:      map[string]any{"field": f.Name},
				})
			}
			fieldSeen[f.Name] = true
		}
	}

	idx := p.recordTypeByKey()

	// Base types must resolve within the package and must not cycle.
	// Reachability is walked iteratively over the key index, not by
	// structural recursion, so self-references terminate.
	for _, rt := range p.RecordTypes {
		if rt.BaseType == "" {
			continue
		}
		if _, ok := idx[rt.BaseType]; !ok {
			errs = append(errs, ValidationError{
				Code:         CodeUnknownBaseType,
				Message:      fmt.Sprintf("record type %q extends unknown base type %q", rt.Key, rt.BaseType),
				RecordTypeID: rt.Key,
				BaseTypeKey:  rt.BaseType,
			})
			continue
		}
		if cycleKey, cyclic := baseTypeCycle(rt.Key, idx); cyclic {
			errs = append(errs, ValidationError{
				Code:         CodeBaseTypeCycle,
				Message:      fmt.Sprintf("record type %q participates in a base type cycle", cycleKey),
				RecordTypeID: rt.Key,
				BaseTypeKey:  rt.BaseType,
			})
		}
	}

	// SLA policies and assignment rules must reference existing record types.
	for _, sla := range p.SlaPolicies {
		if _, ok := idx[sla.RecordTypeKey]; !ok {
			errs = append(errs, ValidationError{
				Code:         CodeUnknownRecordType,
				Message:      fmt.Sprintf("SLA policy references unknown record type %q", sla.RecordTypeKey),
				RecordTypeID: sla.RecordTypeKey,
			})
		}
	}
	for _, rule := range p.AssignmentRules {
		if _, ok := idx[rule.RecordTypeKey]; !ok {
			errs = append(errs, ValidationError{
				Code:         CodeUnknownRecordType,
				Message:      fmt.Sprintf("assignment rule references unknown record type %q", rule.RecordTypeKey),
				RecordTypeID: rule.RecordTypeKey,
			})
		}
	}

	// Workflows: unique keys, resolvable record type, dense unique ordering.
	wfSeen := make(map[string]bool, len(p.Workflows))
	for _, wf := range p.Workflows {
		if wfSeen[wf.Key] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateWorkflow,
				Message: fmt.Sprintf("workflow %q defined more than once", wf.Key),
				Details: map[string]any{"workflow": wf.Key},
			})
		}
		wfSeen[wf.Key] = true

		if _, ok := idx[wf.RecordTypeKey]; !ok {
			errs = append(errs, ValidationError{
				Code:         CodeUnknownRecordType,
				Message:      fmt.Sprintf("workflow %q references unknown record type %q", wf.Key, wf.RecordTypeKey),
				RecordTypeID: wf.RecordTypeKey,
				Details:      map[string]any{"workflow": wf.Key},
			})
		}

		orderSeen := make(map[int]bool, len(wf.Steps))
		for _, st := range wf.Steps {
			if orderSeen[st.Ordering] {
				errs = append(errs, ValidationError{
					Code:    CodeStepOrderConflict,
					Message: fmt.Sprintf("workflow %q has duplicate step ordering %d", wf.Key, st.Ordering),
					Details: map[string]any{"workflow": wf.Key, "ordering": st.Ordering},
				})
			}
			orderSeen[st.Ordering] = true
		}
	}

	return errs
}

// baseTypeCycle walks the base-type chain from start and reports whether it
// revisits a key. Bounded by the record type count, so unresolvable chains
// terminate.
func baseTypeCycle(start string, idx map[string]*RecordType) (string, bool) {
	visited := make(map[string]bool)
	current := start
	for range idx {
		rt, ok := idx[current]
		if !ok || rt.BaseType == "" {
			return "", false
		}
		if visited[current] {
			return current, true
		}
		visited[current] = true
		if rt.BaseType == current {
			return current, true
		}
		current = rt.BaseType
	}
	// Chain longer than the type count can only mean a cycle.
	return current, visited[current]
}
