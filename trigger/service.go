package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/audit"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/store"
)

// Service stores triggers and mints intents. Dispatching pending intents is
// the Dispatcher's job; the Service only creates them.
type Service struct {
	triggers      *store.Collection[Trigger]
	intents       *store.Collection[Intent]
	triggerBucket store.Bucket
	intentBucket  store.Bucket
	recorder      *audit.Recorder
	logger        *slog.Logger
	now           func() time.Time

	// submit hands fresh pending intents to the dispatcher. Nil until a
	// dispatcher attaches; intents are then picked up by its re-scan.
	submit func(*Intent)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService opens the trigger and intent buckets.
func NewService(ctx context.Context, st store.Store, recorder *audit.Recorder, opts ...Option) (*Service, error) {
	triggerBucket, err := st.Bucket(ctx, store.BucketTriggers)
	if err != nil {
		return nil, fmt.Errorf("open triggers bucket: %w", err)
	}
	intentBucket, err := st.Bucket(ctx, store.BucketIntents)
	if err != nil {
		return nil, fmt.Errorf("open intents bucket: %w", err)
	}

	s := &Service{
		triggers:      store.NewCollection[Trigger](triggerBucket),
		intents:       store.NewCollection[Intent](intentBucket),
		triggerBucket: triggerBucket,
		intentBucket:  intentBucket,
		recorder:      recorder,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create stores a new trigger, enabled by default.
func (s *Service) Create(ctx context.Context, op governance.OpContext, t *Trigger) (*Trigger, error) {
	if t.DefinitionID == "" {
		return nil, governance.NewError(governance.CodeValidationError, "trigger requires a definitionId")
	}
	switch t.Type {
	case TypeRecord:
		if t.Record == nil || t.Record.RecordType == "" || t.Record.Event == "" {
			return nil, governance.NewError(governance.CodeValidationError,
				"record trigger requires recordType and event")
		}
	case TypeSchedule:
		if t.Schedule == nil || (t.Schedule.Cron == "" && t.Schedule.IntervalSeconds <= 0) {
			return nil, governance.NewError(governance.CodeValidationError,
				"schedule trigger requires cron or intervalSeconds")
		}
	case TypeManual:
		// No config needed.
	default:
		return nil, governance.NewError(governance.CodeValidationError,
			"unknown trigger type %q", t.Type)
	}

	now := s.now().UTC()
	t.ID = "trg-" + uuid.New().String()[:8]
	t.TenantID = op.Tenant.TenantID
	t.Enabled = true
	t.LastCheck = now
	t.CreatedAt = now
	t.UpdatedAt = now

	if _, err := s.triggers.Create(ctx, t.TenantID, t.ID, t); err != nil {
		return nil, fmt.Errorf("create trigger: %w", err)
	}
	return t, nil
}

// Get loads a trigger, enforcing tenant ownership.
func (s *Service) Get(ctx context.Context, op governance.OpContext, id string) (*Trigger, error) {
	t, _, err := s.triggers.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, governance.NewError(governance.CodeNotFound, "trigger %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := op.RequireTenant(t.TenantID); err != nil {
		return nil, err
	}
	return t, nil
}

// List pages through the tenant's triggers.
func (s *Service) List(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Trigger, string, error) {
	return s.triggers.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// SetEnabled toggles a trigger.
func (s *Service) SetEnabled(ctx context.Context, op governance.OpContext, id string, enabled bool) (*Trigger, error) {
	t, err := s.Get(ctx, op, id)
	if err != nil {
		return nil, err
	}

	t.Enabled = enabled
	t.UpdatedAt = s.now().UTC()
	if _, err := s.triggers.Put(ctx, t.TenantID, t.ID, t, 0); err != nil {
		return nil, fmt.Errorf("update trigger: %w", err)
	}
	return t, nil
}

// EmitRecordEvent matches an incoming record event against the tenant's
// active record triggers and mints one intent per match. An event with no
// event ID cannot be deduplicated and is rejected.
func (s *Service) EmitRecordEvent(ctx context.Context, op governance.OpContext, ev RecordEvent) ([]*Intent, error) {
	if ev.EventID == "" {
		return nil, governance.NewError(governance.CodeValidationError, "record event requires an eventId")
	}

	matches, err := s.matchRecordTriggers(ctx, op, ev)
	if err != nil {
		return nil, err
	}

	intents := make([]*Intent, 0, len(matches))
	for _, t := range matches {
		payload := map[string]any{
			"eventId":    ev.EventID,
			"recordType": ev.RecordType,
			"event":      ev.Event,
		}
		if ev.After != nil {
			payload["after"] = ev.After
		}
		if ev.Before != nil {
			payload["before"] = ev.Before
		}

		intent, err := s.CreateIntent(ctx, op, t, IdempotencyKey(t.ID, ev.EventID), payload)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

// FireManual mints an intent from a manual API call. Disabled triggers
// reject. Each call is a distinct firing, so the idempotency key is fresh.
func (s *Service) FireManual(ctx context.Context, op governance.OpContext, triggerID string, payload map[string]any) (*Intent, error) {
	t, err := s.Get(ctx, op, triggerID)
	if err != nil {
		return nil, err
	}
	if t.Type != TypeManual {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"trigger %s is a %s trigger, not manual", triggerID, t.Type)
	}
	if !t.Enabled {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"trigger %s is disabled", triggerID)
	}

	return s.CreateIntent(ctx, op, t, IdempotencyKey(t.ID, uuid.New().String()), payload)
}

// CreateIntent persists one intent. The idempotency key is claimed with a
// create-only index write; a lost claim stores the intent as duplicate and
// it never reaches the dispatcher.
func (s *Service) CreateIntent(ctx context.Context, op governance.OpContext, t *Trigger, idempotencyKey string, payload map[string]any) (*Intent, error) {
	now := s.now().UTC()
	intent := &Intent{
		ID:             "wfi-" + uuid.New().String()[:8],
		TenantID:       op.Tenant.TenantID,
		TriggerID:      t.ID,
		DefinitionID:   t.DefinitionID,
		TriggerType:    t.Type,
		TriggerPayload: payload,
		IdempotencyKey: idempotencyKey,
		Status:         IntentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	indexKey := store.TenantKey(intent.TenantID, "ik."+idempotencyKey)
	_, err := s.intentBucket.Create(ctx, indexKey, []byte(intent.ID))
	if errors.Is(err, store.ErrConflict) {
		intent.Status = IntentDuplicate
	} else if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}

	if _, err := s.intents.Create(ctx, intent.TenantID, intent.ID, intent); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	if intent.Status == IntentPending && s.submit != nil {
		s.submit(intent)
	}

	s.auditIntent(ctx, op, intent)
	return intent, nil
}

// GetIntent loads one intent, enforcing tenant ownership.
func (s *Service) GetIntent(ctx context.Context, op governance.OpContext, id string) (*Intent, error) {
	intent, _, err := s.intents.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, governance.NewError(governance.CodeNotFound, "intent %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := op.RequireTenant(intent.TenantID); err != nil {
		return nil, err
	}
	return intent, nil
}

// UpdateIntent persists dispatcher outcome transitions.
func (s *Service) UpdateIntent(ctx context.Context, intent *Intent) error {
	intent.UpdatedAt = s.now().UTC()
	if _, err := s.intents.Put(ctx, intent.TenantID, intent.ID, intent, 0); err != nil {
		return fmt.Errorf("update intent %s: %w", intent.ID, err)
	}
	return nil
}

// matchRecordTriggers returns the tenant's enabled record triggers matching
// the event, with field conditions evaluated against the after-image.
func (s *Service) matchRecordTriggers(ctx context.Context, op governance.OpContext, ev RecordEvent) ([]*Trigger, error) {
	var matches []*Trigger
	cursor := ""
	for {
		page, next, err := s.triggers.List(ctx, op.Tenant.TenantID, cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			if !t.Enabled || t.Type != TypeRecord || t.Record == nil {
				continue
			}
			if t.Record.RecordType != ev.RecordType || t.Record.Event != ev.Event {
				continue
			}
			if matchConditions(t.Record.FieldConditions, ev.After) {
				matches = append(matches, t)
			}
		}
		if next == "" {
			return matches, nil
		}
		cursor = next
	}
}

// matchConditions evaluates every field condition against the after-image.
// All conditions must hold.
func matchConditions(conds []FieldCondition, after map[string]any) bool {
	for _, c := range conds {
		v := after[c.Field]
		switch c.Operator {
		case "equals":
			if fmt.Sprintf("%v", v) != fmt.Sprintf("%v", c.Value) {
				return false
			}
		case "not_equals":
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Value) {
				return false
			}
		case "truthy":
			if v == nil || v == false || v == "" || v == float64(0) {
				return false
			}
		case "falsy":
			if !(v == nil || v == false || v == "" || v == float64(0)) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (s *Service) auditIntent(ctx context.Context, op governance.OpContext, intent *Intent) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.Record(ctx, op, audit.Event{
		EntityID:   intent.ID,
		EntityType: audit.EntityChange,
		EventType:  "intent." + string(intent.Status),
	})
	if err != nil {
		s.logger.Warn("Failed to record intent audit event",
			"intent_id", intent.ID, "error", err)
	}
}
