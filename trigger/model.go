// Package trigger turns record events, schedules, and manual fire requests
// into workflow execution intents, and dispatches pending intents to the
// workflow engine with exactly-once semantics per (tenant, idempotencyKey).
package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Type names the trigger kinds.
type Type string

const (
	TypeRecord   Type = "record"
	TypeSchedule Type = "schedule"
	TypeManual   Type = "manual"
)

// FieldCondition narrows a record trigger to events whose after-image
// matches. Operators mirror workflow decision operators.
type FieldCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // equals, not_equals, truthy, falsy
	Value    any    `json:"value,omitempty"`
}

// RecordConfig configures a record-event trigger.
type RecordConfig struct {
	RecordType      string           `json:"recordType"`
	Event           string           `json:"event"` // created, updated, deleted
	FieldConditions []FieldCondition `json:"fieldConditions,omitempty"`
}

// ScheduleConfig configures a schedule trigger. Exactly one of Cron or
// IntervalSeconds is set.
type ScheduleConfig struct {
	Cron            string `json:"cron,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
}

// Trigger binds a firing condition to a workflow definition. The typed
// config matching the Type field is the only one consulted.
type Trigger struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	DefinitionID string `json:"definitionId"`
	Name         string `json:"name"`
	Type         Type   `json:"type"`
	Enabled      bool   `json:"enabled"`

	Record   *RecordConfig   `json:"record,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`

	// LastCheck is the schedule poller's high-water mark for this trigger.
	LastCheck time.Time `json:"lastCheck,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IntentStatus is the intent lifecycle state.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentDispatched IntentStatus = "dispatched"
	IntentFailed     IntentStatus = "failed"
	IntentDuplicate  IntentStatus = "duplicate"
)

// Intent is one request to execute a workflow. A second intent with the same
// (tenantId, idempotencyKey) resolves to duplicate and never executes.
type Intent struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	TriggerID      string         `json:"triggerId"`
	DefinitionID   string         `json:"definitionId"`
	TriggerType    Type           `json:"triggerType"`
	TriggerPayload map[string]any `json:"triggerPayload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Status         IntentStatus   `json:"status"`
	ExecutionID    string         `json:"executionId,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// RecordEvent is an incoming record change notification.
type RecordEvent struct {
	EventID    string         `json:"eventId"`
	RecordType string         `json:"recordType"`
	Event      string         `json:"event"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

// IdempotencyKey derives the dedupe key for one trigger firing. The same
// trigger seeing the same event always produces the same key.
func IdempotencyKey(triggerID, eventID string) string {
	sum := sha256.Sum256([]byte(triggerID + "\x00" + eventID))
	return hex.EncodeToString(sum[:])
}
