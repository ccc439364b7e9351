// Package override layers tenant-authored overrides onto installed-module
// baselines. Overrides carry explicit typed operations, never free-form
// diffs; composition is deterministic and the baseline's required fields are
// inviolable.
package override

import (
	"time"

	"github.com/c360studio/changeops/pack"
)

// Type classifies what an override targets.
type Type string

const (
	TypeWorkflow Type = "workflow"
	TypeForm     Type = "form"
	TypeRule     Type = "rule"
	TypeConfig   Type = "config"
)

// Status is the override lifecycle state. Only active overrides compose.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Op names for the typed patch operations.
const (
	OpMoveField      = "move_field"
	OpToggleRequired = "toggle_required"
	OpToggleReadOnly = "toggle_read_only"
	OpToggleVisible  = "toggle_visible"
	OpChangeSection  = "change_section"
)

// Op is one typed override operation. The Op discriminator selects which
// fields apply.
type Op struct {
	Op      string `json:"op"`
	FieldID string `json:"fieldId,omitempty"`

	// move_field
	ToSectionID string `json:"toSectionId,omitempty"`

	// toggle_required, toggle_read_only, toggle_visible
	Value bool `json:"value,omitempty"`

	// change_section
	SectionID string `json:"sectionId,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Override is one stored override.
type Override struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenantId"`
	InstalledModuleID string `json:"installedModuleId"`
	OverrideType      Type   `json:"overrideType"`

	// TargetRef names the baseline entity the override applies to, e.g.
	// the record type key for a form override.
	TargetRef string `json:"targetRef"`

	Patch   []Op   `json:"patch"`
	Version int    `json:"version"`
	Status  Status `json:"status"`

	ChangeID  string `json:"changeId,omitempty"`
	CreatedBy string `json:"createdBy"`

	// CompositionErrors records baseline drift detected after a new
	// install. Errors mark the override, they do not retire it.
	CompositionErrors []string `json:"compositionErrors,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultSectionID is where baseline fields live before any move_field.
const DefaultSectionID = "main"

// EffectiveField is one field of a composed form.
type EffectiveField struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	SectionID string `json:"sectionId"`

	// BaselineRequired is the package's required flag; EffectiveRequired
	// may never weaken it.
	BaselineRequired  bool `json:"baselineRequired"`
	EffectiveRequired bool `json:"effectiveRequired"`

	ReadOnly bool `json:"readOnly"`
	Visible  bool `json:"visible"`
}

// EffectiveSection groups composed fields.
type EffectiveSection struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// EffectiveForm is the result of composing active overrides onto a record
// type's baseline form.
type EffectiveForm struct {
	RecordTypeKey string             `json:"recordTypeKey"`
	Sections      []EffectiveSection `json:"sections"`
	Fields        []EffectiveField   `json:"fields"`
}

// baselineForm derives the pre-override form for a record type: every field
// visible and editable in the default section, required as packaged.
func baselineForm(rt *pack.RecordType) *EffectiveForm {
	form := &EffectiveForm{
		RecordTypeKey: rt.Key,
		Sections:      []EffectiveSection{{ID: DefaultSectionID}},
	}
	for _, f := range rt.Fields {
		form.Fields = append(form.Fields, EffectiveField{
			Name:              f.Name,
			Type:              f.Type,
			SectionID:         DefaultSectionID,
			BaselineRequired:  f.Required,
			EffectiveRequired: f.Required,
			Visible:           true,
		})
	}
	return form
}

// findField returns the composed field with the given name, or nil.
func (f *EffectiveForm) findField(name string) *EffectiveField {
	for i := range f.Fields {
		if f.Fields[i].Name == name {
			return &f.Fields[i]
		}
	}
	return nil
}

// hasSection reports whether the form already declares the section.
func (f *EffectiveForm) hasSection(id string) bool {
	for _, s := range f.Sections {
		if s.ID == id {
			return true
		}
	}
	return false
}
