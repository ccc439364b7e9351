// Package workflow implements tenant-defined workflow definitions and their
// execution engine. Execution is an index-based loop over steps sorted by
// order index; approvals pause the execution until an external resume event.
package workflow

import (
	"time"

	"github.com/c360studio/changeops/governance"
)

// DefinitionStatus is the definition lifecycle state.
type DefinitionStatus string

const (
	DefinitionDraft   DefinitionStatus = "draft"
	DefinitionActive  DefinitionStatus = "active"
	DefinitionRetired DefinitionStatus = "retired"
)

// StepType names the built-in step kinds.
type StepType string

const (
	StepAssignment   StepType = "assignment"
	StepApproval     StepType = "approval"
	StepNotification StepType = "notification"
	StepDecision     StepType = "decision"
)

// Step is one step of a definition. Config is decoded per step type at
// execution time; the typed config structs below define the accepted shapes.
type Step struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	StepType   StepType       `json:"stepType"`
	OrderIndex int            `json:"orderIndex"`
	Config     map[string]any `json:"config,omitempty"`
}

// AssignmentConfig routes the record to an assignee.
type AssignmentConfig struct {
	// AssigneeType is one of user, group, or field.
	AssigneeType string `json:"assigneeType"`
	UserID       string `json:"userId,omitempty"`
	GroupKey     string `json:"groupKey,omitempty"`
	// Field names the input field whose value is the assignee.
	Field string `json:"field,omitempty"`
}

// ApprovalConfig controls the approval pause.
type ApprovalConfig struct {
	AutoApprove bool   `json:"autoApprove,omitempty"`
	ApproverRef string `json:"approverRef,omitempty"`
}

// NotificationConfig describes the message a notification step emits.
type NotificationConfig struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`

	// TemplateRef optionally names a body template as a path relative to
	// the module root. It is validated against the module boundary at
	// activation and again at execution.
	TemplateRef string `json:"templateRef,omitempty"`
}

// DecisionConfig branches on a field of the accumulated input. Both branch
// targets are mandatory; activation validation enforces this.
type DecisionConfig struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // equals, not_equals, truthy, falsy
	Value    any    `json:"value,omitempty"`

	OnTrueStepIndex  *int `json:"onTrueStepIndex"`
	OnFalseStepIndex *int `json:"onFalseStepIndex"`
}

// Definition is one tenant workflow definition.
type Definition struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenantId"`
	Name          string           `json:"name"`
	TriggerType   string           `json:"triggerType"`
	TriggerConfig map[string]any   `json:"triggerConfig,omitempty"`
	Steps         []Step           `json:"steps"`
	Status        DefinitionStatus `json:"status"`
	Version       int              `json:"version"`

	// ChangeID links the definition to its governing change. Activation
	// requires that change to be ready or merged.
	ChangeID string `json:"changeId,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExecutionStatus is the execution lifecycle state.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// StepExecutionStatus is the per-step outcome.
type StepExecutionStatus string

const (
	StepPending          StepExecutionStatus = "pending"
	StepCompleted        StepExecutionStatus = "completed"
	StepAwaitingApproval StepExecutionStatus = "awaiting_approval"
	StepFailed           StepExecutionStatus = "failed"
)

// StepExecution records one executed (or paused) step.
type StepExecution struct {
	ID         string              `json:"id"`
	StepID     string              `json:"stepId"`
	StepName   string              `json:"stepName"`
	StepType   StepType            `json:"stepType"`
	OrderIndex int                 `json:"orderIndex"`
	Status     StepExecutionStatus `json:"status"`
	Output     map[string]any      `json:"output,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"startedAt"`
	EndedAt    *time.Time          `json:"endedAt,omitempty"`
}

// Execution is one run of a definition. Every execution is born from a
// dispatched intent; IntentID is mandatory.
type Execution struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	DefinitionID string          `json:"definitionId"`
	IntentID     string          `json:"intentId"`
	Status       ExecutionStatus `json:"status"`

	Input            map[string]any `json:"input,omitempty"`
	AccumulatedInput map[string]any `json:"accumulatedInput,omitempty"`

	Steps []StepExecution `json:"steps,omitempty"`

	// PausedAtStepID is set while the execution waits on an approval.
	PausedAtStepID string `json:"pausedAtStepId,omitempty"`

	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// RequiredCapabilities lists the capability tokens an execution of def needs.
// Every execution reads module state; a notification step additionally
// reaches outside the platform.
func RequiredCapabilities(def *Definition) []governance.Capability {
	caps := []governance.Capability{governance.CapabilityFSRead}
	for _, st := range def.Steps {
		if st.StepType == StepNotification {
			caps = append(caps, governance.CapabilityNetOut)
			break
		}
	}
	return caps
}

// Outcome is an approval resume decision.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)
