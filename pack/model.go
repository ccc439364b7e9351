// Package pack defines the canonical application-package value model: record
// types, SLA policies, assignment rules, workflows, and roles, together with
// validation, deterministic checksumming, diffing, projection, and the typed
// patch algebra.
//
// Entities are keyed and stored flat; references between them are by key,
// never by pointer, so cyclic shapes (a record type based on itself, a
// workflow bound to its own record type) stay representable and are caught by
// validation rather than by infinite recursion.
package pack

import "sort"

// Package is the canonical value object for one application package.
type Package struct {
	PackageKey      string           `json:"packageKey"`
	Version         string           `json:"version"`
	RecordTypes     []RecordType     `json:"recordTypes,omitempty"`
	SlaPolicies     []SlaPolicy      `json:"slaPolicies,omitempty"`
	AssignmentRules []AssignmentRule `json:"assignmentRules,omitempty"`
	Workflows       []Workflow       `json:"workflows,omitempty"`
	Roles           []Role           `json:"roles,omitempty"`
}

// RecordType describes one record shape.
type RecordType struct {
	Key      string     `json:"key"`
	Name     string     `json:"name"`
	BaseType string     `json:"baseType,omitempty"`
	Fields   []FieldDef `json:"fields,omitempty"`
}

// FieldDef describes one field of a record type.
type FieldDef struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Required  bool   `json:"required,omitempty"`
	Default   any    `json:"default,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// SlaPolicy binds a resolution deadline to a record type.
type SlaPolicy struct {
	RecordTypeKey   string `json:"recordTypeKey"`
	DurationMinutes int    `json:"durationMinutes"`
}

// AssignmentRule routes records of a type to an assignee.
type AssignmentRule struct {
	RecordTypeKey string           `json:"recordTypeKey"`
	StrategyType  string           `json:"strategyType"`
	Config        AssignmentConfig `json:"config"`
}

// AssignmentConfig holds the strategy-specific routing target.
type AssignmentConfig struct {
	GroupKey string `json:"groupKey,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Field    string `json:"field,omitempty"`
}

// Workflow is a packaged workflow definition bound to a record type.
type Workflow struct {
	Key           string         `json:"key"`
	Name          string         `json:"name"`
	RecordTypeKey string         `json:"recordTypeKey"`
	TriggerEvent  string         `json:"triggerEvent,omitempty"`
	Steps         []WorkflowStep `json:"steps,omitempty"`
}

// WorkflowStep is one packaged step.
type WorkflowStep struct {
	Name     string         `json:"name"`
	StepType string         `json:"stepType"`
	Ordering int            `json:"ordering"`
	Config   map[string]any `json:"config,omitempty"`
}

// Role names a permission bundle shipped with the package.
type Role struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// recordTypeByKey builds the flat key index used by validation and diffing.
func (p *Package) recordTypeByKey() map[string]*RecordType {
	idx := make(map[string]*RecordType, len(p.RecordTypes))
	for i := range p.RecordTypes {
		idx[p.RecordTypes[i].Key] = &p.RecordTypes[i]
	}
	return idx
}

// FindRecordType returns the record type with the given key, or nil.
func (p *Package) FindRecordType(key string) *RecordType {
	for i := range p.RecordTypes {
		if p.RecordTypes[i].Key == key {
			return &p.RecordTypes[i]
		}
	}
	return nil
}

// FindField returns the field with the given name, or nil.
func (rt *RecordType) FindField(name string) *FieldDef {
	for i := range rt.Fields {
		if rt.Fields[i].Name == name {
			return &rt.Fields[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the package.
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	out := &Package{PackageKey: p.PackageKey, Version: p.Version}

	out.RecordTypes = make([]RecordType, len(p.RecordTypes))
	for i, rt := range p.RecordTypes {
		cloned := rt
		cloned.Fields = append([]FieldDef(nil), rt.Fields...)
		out.RecordTypes[i] = cloned
	}

	out.SlaPolicies = append([]SlaPolicy(nil), p.SlaPolicies...)
	out.AssignmentRules = append([]AssignmentRule(nil), p.AssignmentRules...)

	out.Workflows = make([]Workflow, len(p.Workflows))
	for i, wf := range p.Workflows {
		cloned := wf
		cloned.Steps = make([]WorkflowStep, len(wf.Steps))
		for j, st := range wf.Steps {
			stepCopy := st
			if st.Config != nil {
				stepCopy.Config = make(map[string]any, len(st.Config))
				for k, v := range st.Config {
					stepCopy.Config[k] = v
				}
			}
			cloned.Steps[j] = stepCopy
		}
		out.Workflows[i] = cloned
	}

	out.Roles = append([]Role(nil), p.Roles...)
	return out
}

// sortEntities orders every entity array by its stable key, in place.
// Record types by key, fields by name, workflows by key, steps by ordering,
// SLA policies by record type key, assignment rules by (record type key,
// strategy type), roles by key.
func (p *Package) sortEntities() {
	sort.SliceStable(p.RecordTypes, func(i, j int) bool {
		return p.RecordTypes[i].Key < p.RecordTypes[j].Key
	})
	for i := range p.RecordTypes {
		fields := p.RecordTypes[i].Fields
		sort.SliceStable(fields, func(a, b int) bool { return fields[a].Name < fields[b].Name })
	}
	sort.SliceStable(p.SlaPolicies, func(i, j int) bool {
		return p.SlaPolicies[i].RecordTypeKey < p.SlaPolicies[j].RecordTypeKey
	})
	sort.SliceStable(p.AssignmentRules, func(i, j int) bool {
		a, b := p.AssignmentRules[i], p.AssignmentRules[j]
		if a.RecordTypeKey != b.RecordTypeKey {
			return a.RecordTypeKey < b.RecordTypeKey
		}
		return a.StrategyType < b.StrategyType
	})
	sort.SliceStable(p.Workflows, func(i, j int) bool {
		return p.Workflows[i].Key < p.Workflows[j].Key
	})
	for i := range p.Workflows {
		steps := p.Workflows[i].Steps
		sort.SliceStable(steps, func(a, b int) bool { return steps[a].Ordering < steps[b].Ordering })
	}
	sort.SliceStable(p.Roles, func(i, j int) bool { return p.Roles[i].Key < p.Roles[j].Key })
}
