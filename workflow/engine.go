package workflow

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

// Engine manages workflow definitions and drives executions.
type Engine struct {
	definitions *store.Collection[Definition]
	executions  *store.Collection[Execution]
	changes     *governance.ChangeStore
	recorder    *audit.Recorder
	boundary    *governance.Boundary
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithBoundary sets the module boundary that template references are
// validated against.
func WithBoundary(b *governance.Boundary) Option {
	return func(e *Engine) {
		e.boundary = b
	}
}

// NewEngine opens the workflow buckets. The change store gates activation;
// the audit recorder may be nil.
func NewEngine(ctx context.Context, s store.Store, changes *governance.ChangeStore, recorder *audit.Recorder, opts ...Option) (*Engine, error) {
	defBucket, err := s.Bucket(ctx, store.BucketDefinitions)
	if err != nil {
		return nil, fmt.Errorf("open definitions bucket: %w", err)
	}
	execBucket, err := s.Bucket(ctx, store.BucketExecutions)
	if err != nil {
		return nil, fmt.Errorf("open executions bucket: %w", err)
	}

	e := &Engine{
		definitions: store.NewCollection[Definition](defBucket),
		executions:  store.NewCollection[Execution](execBucket),
		changes:     changes,
		recorder:    recorder,
		boundary:    governance.NewBoundary("modules"),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CreateDefinition stores a new definition in draft status.
func (e *Engine) CreateDefinition(ctx context.Context, op governance.OpContext, def *Definition) (*Definition, error) {
	if def.Name == "" {
		return nil, governance.NewError(governance.CodeValidationError, "definition name is required")
	}

	now := e.now().UTC()
	def.ID = "wfd-" + uuid.New().String()[:8]
	def.TenantID = op.Tenant.TenantID
	def.Status = DefinitionDraft
	def.Version = 1
	def.CreatedBy = op.Actor.ID
	def.CreatedAt = now
	def.UpdatedAt = now

	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = "step-" + uuid.New().String()[:8]
		}
	}

	if _, err := e.definitions.Create(ctx, def.TenantID, def.ID, def); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	return def, nil
}

// GetDefinition loads a definition, enforcing tenant ownership.
func (e *Engine) GetDefinition(ctx context.Context, op governance.OpContext, id string) (*Definition, error) {
	def, _, err := e.getDefinition(ctx, op, id)
	return def, err
}

func (e *Engine) getDefinition(ctx context.Context, op governance.OpContext, id string) (*Definition, uint64, error) {
	def, rev, err := e.definitions.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, governance.NewError(governance.CodeNotFound, "workflow definition %s not found", id)
	}
	if err != nil {
		return nil, 0, err
	}
	if err := op.RequireTenant(def.TenantID); err != nil {
		return nil, 0, err
	}
	return def, rev, nil
}

// ListDefinitions pages through the tenant's definitions.
func (e *Engine) ListDefinitions(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Definition, string, error) {
	return e.definitions.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// UpdateDefinition replaces the steps and trigger of a non-retired
// definition and bumps its version. Active definitions must pass structural
// validation again before the update lands.
func (e *Engine) UpdateDefinition(ctx context.Context, op governance.OpContext, def *Definition) (*Definition, error) {
	current, rev, err := e.getDefinition(ctx, op, def.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == DefinitionRetired {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"definition %s is retired", def.ID)
	}
	if current.Status == DefinitionActive {
		if errs := ValidateDefinition(def); len(errs) > 0 {
			return nil, governance.NewError(governance.CodeValidationError,
				"definition invalid: %s", errs[0])
		}
	}

	current.Name = def.Name
	current.TriggerType = def.TriggerType
	current.TriggerConfig = def.TriggerConfig
	current.Steps = def.Steps
	current.ChangeID = def.ChangeID
	current.Version++
	current.UpdatedAt = e.now().UTC()

	for i := range current.Steps {
		if current.Steps[i].ID == "" {
			current.Steps[i].ID = "step-" + uuid.New().String()[:8]
		}
	}

	if err := e.putDefinition(ctx, current, rev); err != nil {
		return nil, err
	}
	return current, nil
}

// Activate transitions a definition to active. Activation requires the
// definition to validate structurally and its linked change to allow
// activation; an unset change fails closed.
func (e *Engine) Activate(ctx context.Context, op governance.OpContext, id string) (*Definition, error) {
	def, rev, err := e.getDefinition(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if def.Status == DefinitionRetired {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"definition %s is retired", id)
	}

	if errs := ValidateDefinition(def); len(errs) > 0 {
		return nil, governance.NewError(governance.CodeValidationError,
			"definition invalid: %s", errs[0])
	}
	if err := e.validateTemplateRefs(def); err != nil {
		return nil, err
	}
	if err := e.changes.CheckActivation(ctx, op, def.ChangeID); err != nil {
		return nil, err
	}

	def.Status = DefinitionActive
	def.UpdatedAt = e.now().UTC()
	if err := e.putDefinition(ctx, def, rev); err != nil {
		return nil, err
	}

	e.audit(ctx, op, def.ID, "workflow.activated")
	return def, nil
}

// Retire terminally deactivates a definition. Running executions finish.
func (e *Engine) Retire(ctx context.Context, op governance.OpContext, id string) (*Definition, error) {
	def, rev, err := e.getDefinition(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if def.Status == DefinitionRetired {
		return def, nil
	}

	def.Status = DefinitionRetired
	def.UpdatedAt = e.now().UTC()
	if err := e.putDefinition(ctx, def, rev); err != nil {
		return nil, err
	}

	e.audit(ctx, op, def.ID, "workflow.retired")
	return def, nil
}

// ValidateDefinition checks structural invariants: unique order indexes and,
// for every decision step, both branch targets present and resolving to an
// existing order index.
func ValidateDefinition(def *Definition) []string {
	var errs []string

	seen := make(map[int]bool, len(def.Steps))
	indexes := make(map[int]bool, len(def.Steps))
	for _, st := range def.Steps {
		if seen[st.OrderIndex] {
			errs = append(errs, fmt.Sprintf("duplicate order index %d", st.OrderIndex))
		}
		seen[st.OrderIndex] = true
		indexes[st.OrderIndex] = true
	}

	for _, st := range def.Steps {
		if st.StepType != StepDecision {
			continue
		}

		var cfg DecisionConfig
		if err := decodeConfig(st.Config, &cfg); err != nil {
			errs = append(errs, fmt.Sprintf("step %d: invalid decision config: %v", st.OrderIndex, err))
			continue
		}
		if cfg.OnTrueStepIndex == nil || cfg.OnFalseStepIndex == nil {
			errs = append(errs, fmt.Sprintf("step %d: decision requires onTrueStepIndex and onFalseStepIndex", st.OrderIndex))
			continue
		}
		if !indexes[*cfg.OnTrueStepIndex] {
			errs = append(errs, fmt.Sprintf("step %d: onTrueStepIndex %d does not exist", st.OrderIndex, *cfg.OnTrueStepIndex))
		}
		if !indexes[*cfg.OnFalseStepIndex] {
			errs = append(errs, fmt.Sprintf("step %d: onFalseStepIndex %d does not exist", st.OrderIndex, *cfg.OnFalseStepIndex))
		}
	}

	return errs
}

// validateTemplateRefs checks every notification template reference against
// the module boundary. An escaping path blocks activation.
func (e *Engine) validateTemplateRefs(def *Definition) error {
	for _, st := range def.Steps {
		if st.StepType != StepNotification {
			continue
		}
		var cfg NotificationConfig
		if err := decodeConfig(st.Config, &cfg); err != nil {
			return governance.NewError(governance.CodeValidationError,
				"step %d: invalid notification config: %v", st.OrderIndex, err)
		}
		if cfg.TemplateRef == "" {
			continue
		}
		if _, err := e.boundary.ValidatePath(cfg.TemplateRef); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) putDefinition(ctx context.Context, def *Definition, expectedRevision uint64) error {
	_, err := e.definitions.Put(ctx, def.TenantID, def.ID, def, expectedRevision)
	if errors.Is(err, store.ErrConflict) {
		return governance.WrapError(governance.CodeConflict, err,
			"definition %s changed since read", def.ID)
	}
	if err != nil {
		return fmt.Errorf("write definition %s: %w", def.ID, err)
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, op governance.OpContext, id, eventType string) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.Record(ctx, op, audit.Event{
		EntityID:   id,
		EntityType: audit.EntityChange,
		EventType:  eventType,
	})
	if err != nil {
		e.logger.Warn("Failed to record workflow audit event",
			"entity_id", id, "event_type", eventType, "error", err)
	}
}
