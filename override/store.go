package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/audit"
	"github.com/c360studio/changeops/env"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

// Composer stores overrides and composes them against environment baselines.
type Composer struct {
	overrides *store.Collection[Override]
	envs      *env.Store
	recorder  *audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Composer.
type Option func(*Composer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composer) {
		c.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		c.now = now
	}
}

// NewComposer opens the overrides bucket. The audit recorder may be nil.
func NewComposer(ctx context.Context, s store.Store, envs *env.Store, recorder *audit.Recorder, opts ...Option) (*Composer, error) {
	bucket, err := s.Bucket(ctx, store.BucketOverrides)
	if err != nil {
		return nil, fmt.Errorf("open overrides bucket: %w", err)
	}

	c := &Composer{
		overrides: store.NewCollection[Override](bucket),
		envs:      envs,
		recorder:  recorder,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create stores a new override in draft status. Overrides are governed
// entities: the write is refused without a change ID.
func (c *Composer) Create(ctx context.Context, op governance.OpContext, o *Override) (*Override, error) {
	if err := op.RequireGovernance("override create"); err != nil {
		return nil, err
	}
	if o.InstalledModuleID == "" || o.TargetRef == "" {
		return nil, governance.NewError(governance.CodeValidationError,
			"installedModuleId and targetRef are required")
	}

	now := c.now().UTC()
	o.ID = "ovr-" + uuid.New().String()[:8]
	o.TenantID = op.Tenant.TenantID
	o.ChangeID = op.Governance.ChangeID
	o.Status = StatusDraft
	o.Version = 1
	o.CreatedBy = op.Actor.ID
	o.CreatedAt = now
	o.UpdatedAt = now

	if _, err := c.overrides.Create(ctx, o.TenantID, o.ID, o); err != nil {
		return nil, fmt.Errorf("create override: %w", err)
	}
	return o, nil
}

// Get loads one override, enforcing tenant ownership.
func (c *Composer) Get(ctx context.Context, op governance.OpContext, id string) (*Override, uint64, error) {
	o, rev, err := c.overrides.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, governance.NewError(governance.CodeNotFound, "override %s not found", id)
	}
	if err != nil {
		return nil, 0, err
	}
	if err := op.RequireTenant(o.TenantID); err != nil {
		return nil, 0, err
	}
	return o, rev, nil
}

// List pages through the tenant's overrides, optionally filtered by the
// installed module they target.
func (c *Composer) List(ctx context.Context, op governance.OpContext, installedModuleID, cursor string, limit int) ([]*Override, string, error) {
	page, next, err := c.overrides.List(ctx, op.Tenant.TenantID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	if installedModuleID == "" {
		return page, next, nil
	}

	out := make([]*Override, 0, len(page))
	for _, o := range page {
		if o.InstalledModuleID == installedModuleID {
			out = append(out, o)
		}
	}
	return out, next, nil
}

// Activate validates the override's patch against the current baseline and
// transitions it to active. Validation failures leave the override in draft.
func (c *Composer) Activate(ctx context.Context, op governance.OpContext, id string) (*Override, error) {
	if err := op.RequireGovernance("override activate"); err != nil {
		return nil, err
	}
	o, rev, err := c.Get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusRetired {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"override %s is retired and cannot be activated", id)
	}

	rt, err := c.baselineRecordType(ctx, op, o)
	if err != nil {
		return nil, err
	}
	if err := ValidatePatch(rt, o.Patch); err != nil {
		return nil, err
	}

	o.Status = StatusActive
	o.CompositionErrors = nil
	o.UpdatedAt = c.now().UTC()
	if err := c.put(ctx, o, rev); err != nil {
		return nil, err
	}

	c.audit(ctx, op, o.ID, "override.activated")
	return o, nil
}

// Retire terminally deactivates an override.
func (c *Composer) Retire(ctx context.Context, op governance.OpContext, id string) (*Override, error) {
	if err := op.RequireGovernance("override retire"); err != nil {
		return nil, err
	}
	o, rev, err := c.Get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusRetired {
		return o, nil
	}

	o.Status = StatusRetired
	o.UpdatedAt = c.now().UTC()
	if err := c.put(ctx, o, rev); err != nil {
		return nil, err
	}

	c.audit(ctx, op, o.ID, "override.retired")
	return o, nil
}

// EffectiveFormFor composes the active overrides for one record type in an
// environment onto its current baseline.
func (c *Composer) EffectiveFormFor(ctx context.Context, op governance.OpContext, environmentID, recordTypeKey string) (*EffectiveForm, []string, error) {
	state, _, err := c.envs.GetState(ctx, op, environmentID)
	if err != nil {
		return nil, nil, err
	}
	if state == nil || state.Package == nil {
		return nil, nil, governance.NewError(governance.CodeNotFound,
			"environment %s has no installed baseline", environmentID)
	}

	rt := state.Package.FindRecordType(recordTypeKey)
	if rt == nil {
		return nil, nil, governance.NewError(governance.CodeNotFound,
			"record type %s not in baseline", recordTypeKey)
	}

	overrides, err := c.allForModule(ctx, op, environmentID)
	if err != nil {
		return nil, nil, err
	}
	return Compose(rt, overrides)
}

// BaselineInstalled recomposes every active override against a freshly
// installed baseline and marks the ones that no longer apply. Marked
// overrides stay active; retiring them is a user decision.
func (c *Composer) BaselineInstalled(ctx context.Context, op governance.OpContext, environmentID string, baseline *pack.Package) error {
	overrides, err := c.allForModule(ctx, op, environmentID)
	if err != nil {
		return err
	}

	for _, o := range overrides {
		if o.Status != StatusActive {
			continue
		}

		var marks []string
		rt := baseline.FindRecordType(o.TargetRef)
		if rt == nil {
			marks = []string{fmt.Sprintf("record type %q no longer in baseline", o.TargetRef)}
		} else if _, composeErrs, err := Compose(rt, []*Override{o}); err != nil {
			marks = []string{err.Error()}
		} else {
			marks = composeErrs
		}

		if len(marks) == 0 && len(o.CompositionErrors) == 0 {
			continue
		}

		o.CompositionErrors = marks
		o.UpdatedAt = c.now().UTC()
		if err := c.put(ctx, o, 0); err != nil {
			c.logger.Warn("Failed to mark override after baseline change",
				"override_id", o.ID, "error", err)
		}
	}
	return nil
}

// allForModule loads every override targeting one installed module.
func (c *Composer) allForModule(ctx context.Context, op governance.OpContext, installedModuleID string) ([]*Override, error) {
	var out []*Override
	cursor := ""
	for {
		page, next, err := c.overrides.List(ctx, op.Tenant.TenantID, cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, o := range page {
			if o.InstalledModuleID == installedModuleID {
				out = append(out, o)
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// baselineRecordType resolves the record type an override targets in its
// module's current baseline.
func (c *Composer) baselineRecordType(ctx context.Context, op governance.OpContext, o *Override) (*pack.RecordType, error) {
	state, _, err := c.envs.GetState(ctx, op, o.InstalledModuleID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Package == nil {
		return nil, governance.NewError(governance.CodeNotFound,
			"module %s has no installed baseline", o.InstalledModuleID)
	}
	rt := state.Package.FindRecordType(o.TargetRef)
	if rt == nil {
		return nil, governance.NewError(governance.CodeValidationError,
			"override targets record type %q which is not in the baseline", o.TargetRef)
	}
	return rt, nil
}

func (c *Composer) put(ctx context.Context, o *Override, expectedRevision uint64) error {
	_, err := c.overrides.Put(ctx, o.TenantID, o.ID, o, expectedRevision)
	if errors.Is(err, store.ErrConflict) {
		return governance.WrapError(governance.CodeConflict, err,
			"override %s changed since read", o.ID)
	}
	if err != nil {
		return fmt.Errorf("write override %s: %w", o.ID, err)
	}
	return nil
}

func (c *Composer) audit(ctx context.Context, op governance.OpContext, id, eventType string) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.Record(ctx, op, audit.Event{
		EntityID:   id,
		EntityType: audit.EntityChange,
		EventType:  eventType,
	})
	if err != nil {
		c.logger.Warn("Failed to record override audit event",
			"override_id", id, "event_type", eventType, "error", err)
	}
}
