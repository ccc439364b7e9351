// Package draft implements the AI draft engine: prompt-to-package generation
// with a generate, validate, repair, project, diff pipeline, an append-only
// version history per draft, multi-variant generation, and event streaming
// for SSE consumers.
package draft

import (
	"fmt"
	"time"

	"github.com/c360studio/changeops/pack"
)

// Status is the draft lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPreviewed Status = "previewed"
	StatusInstalled Status = "installed"
	StatusDiscarded Status = "discarded"
)

// VersionReason records why a version was appended.
type VersionReason string

const (
	ReasonCreate        VersionReason = "create"
	ReasonRefine        VersionReason = "refine"
	ReasonPatch         VersionReason = "patch"
	ReasonRestore       VersionReason = "restore"
	ReasonCreateVariant VersionReason = "create_variant"
	ReasonAdoptVariant  VersionReason = "adopt_variant"
)

// Draft is a mutable working copy of a package with a version history,
// bound to a project and a target environment.
type Draft struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId,omitempty"`
	Status        Status `json:"status"`
	Prompt        string `json:"prompt"`
	AppName       string `json:"appName,omitempty"`

	Package  *pack.Package `json:"package"`
	Checksum string        `json:"checksum"`

	// VersionCount is the number of the newest version. Versions are dense
	// and 1-based, so the next append is always VersionCount+1.
	VersionCount int `json:"versionCount"`

	LastPreviewDiff   *pack.PackageDiff      `json:"lastPreviewDiff,omitempty"`
	LastPreviewErrors []pack.ValidationError `json:"lastPreviewErrors,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Version is one entry in a draft's append-only version log. Entries are
// never mutated after being written.
type Version struct {
	DraftID       string        `json:"draftId"`
	TenantID      string        `json:"tenantId"`
	VersionNumber int           `json:"versionNumber"`
	Reason        VersionReason `json:"reason"`

	Package  *pack.Package `json:"package"`
	Checksum string        `json:"checksum"`

	PreviewDiff   *pack.PackageDiff      `json:"previewDiff,omitempty"`
	PreviewErrors []pack.ValidationError `json:"previewErrors,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// versionKey builds the bucket key for one version. Zero-padding keeps key
// order aligned with version order so prefix listing yields versions 1..k.
func versionKey(draftID string, n int) string {
	return fmt.Sprintf("%s.v%06d", draftID, n)
}

// versionPrefix is the listing prefix for all versions of one draft.
func versionPrefix(draftID string) string {
	return draftID + ".v"
}

// RepairResult is the outcome of the generate/validate/repair pipeline.
type RepairResult struct {
	Package          *pack.Package          `json:"package,omitempty"`
	Checksum         string                 `json:"checksum,omitempty"`
	Diff             *pack.PackageDiff      `json:"diff,omitempty"`
	ValidationErrors []pack.ValidationError `json:"validationErrors"`
	Attempts         int                    `json:"attempts"`
	Success          bool                   `json:"success"`
}

// InstallResult reports the baseline write performed by an install.
type InstallResult struct {
	EnvironmentID string            `json:"environmentId"`
	Checksum      string            `json:"checksum"`
	Revision      uint64            `json:"revision"`
	Diff          *pack.PackageDiff `json:"diff,omitempty"`
}

// Stage identifies a pipeline phase in a stream of events.
type Stage string

const (
	StageGeneration Stage = "generation"
	StageValidation Stage = "validation"
	StageRepair     Stage = "repair"
	StageProjection Stage = "projection"
	StageDiff       Stage = "diff"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// StreamEvent is one event in a preview or multi-variant stream. Stage events
// for a single variant are strictly ordered; complete carries the final
// RepairResult exactly once per variant.
type StreamEvent struct {
	Stage        Stage         `json:"stage"`
	VariantIndex int           `json:"variantIndex,omitempty"`
	Tokens       string        `json:"tokens,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	Plan         []pack.PlanOp `json:"plan,omitempty"`
	Result       *RepairResult `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
}
