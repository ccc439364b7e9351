// Package promotion moves installed baselines between environments through
// an intent state machine: draft, previewed, approved, executed, with reject
// terminal from any non-terminal state.
package promotion

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
	"github.com/c360studio/changeops/override"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

// Status is the intent lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPreviewed Status = "previewed"
	StatusApproved  Status = "approved"
	StatusExecuted  Status = "executed"
	StatusRejected  Status = "rejected"
)

// Result reports what an executed promotion wrote.
type Result struct {
	Checksum   string `json:"checksum"`
	Revision   uint64 `json:"revision"`
	ExecutedAt string `json:"executedAt"`
}

// Intent is one promotion request.
type Intent struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenantId"`
	ProjectID         string `json:"projectId"`
	FromEnvironmentID string `json:"fromEnvironmentId"`
	ToEnvironmentID   string `json:"toEnvironmentId"`
	Status            Status `json:"status"`

	Diff   *pack.PackageDiff `json:"diff,omitempty"`
	Result *Result           `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`

	// TargetRevision is the target baseline revision observed at preview.
	// Execute writes against it so the approved diff cannot silently land
	// on a baseline that changed after review.
	TargetRevision uint64 `json:"targetRevision,omitempty"`

	CreatedBy  string `json:"createdBy"`
	ApprovedBy string `json:"approvedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// terminal reports whether no further transitions are allowed.
func (i *Intent) terminal() bool {
	return i.Status == StatusExecuted || i.Status == StatusRejected
}

// Service drives the promotion state machine.
type Service struct {
	intents  *store.Collection[Intent]
	envs     *env.Store
	composer *override.Composer
	recorder *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
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

// NewService opens the promotion bucket. The composer recomposes overrides
// after execution and may be nil in tests; the recorder may be nil too.
func NewService(ctx context.Context, st store.Store, envs *env.Store, composer *override.Composer, recorder *audit.Recorder, opts ...Option) (*Service, error) {
	bucket, err := st.Bucket(ctx, store.BucketPromotions)
	if err != nil {
		return nil, fmt.Errorf("open promotions bucket: %w", err)
	}

	s := &Service{
		intents:  store.NewCollection[Intent](bucket),
		envs:     envs,
		composer: composer,
		recorder: recorder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a draft intent between two environments of one project.
func (s *Service) Create(ctx context.Context, op governance.OpContext, projectID, fromEnvID, toEnvID string) (*Intent, error) {
	if fromEnvID == toEnvID {
		return nil, governance.NewError(governance.CodeValidationError,
			"source and target environments must differ")
	}

	from, err := s.envs.GetEnvironment(ctx, op, fromEnvID)
	if err != nil {
		return nil, err
	}
	to, err := s.envs.GetEnvironment(ctx, op, toEnvID)
	if err != nil {
		return nil, err
	}
	if from.ProjectID != projectID || to.ProjectID != projectID {
		return nil, governance.NewError(governance.CodeValidationError,
			"both environments must belong to project %s", projectID)
	}

	now := s.now().UTC()
	intent := &Intent{
		ID:                "prm-" + uuid.New().String()[:8],
		TenantID:          op.Tenant.TenantID,
		ProjectID:         projectID,
		FromEnvironmentID: fromEnvID,
		ToEnvironmentID:   toEnvID,
		Status:            StatusDraft,
		CreatedBy:         op.Actor.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if _, err := s.intents.Create(ctx, intent.TenantID, intent.ID, intent); err != nil {
		return nil, fmt.Errorf("create promotion intent: %w", err)
	}

	s.audit(ctx, op, intent.ID, "promotion.created", nil)
	return intent, nil
}

// Get loads one intent, enforcing tenant ownership.
func (s *Service) Get(ctx context.Context, op governance.OpContext, id string) (*Intent, error) {
	intent, _, err := s.get(ctx, op, id)
	return intent, err
}

func (s *Service) get(ctx context.Context, op governance.OpContext, id string) (*Intent, uint64, error) {
	intent, rev, err := s.intents.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, governance.NewError(governance.CodeNotFound, "promotion intent %s not found", id)
	}
	if err != nil {
		return nil, 0, err
	}
	if err := op.RequireTenant(intent.TenantID); err != nil {
		return nil, 0, err
	}
	return intent, rev, nil
}

// List pages through the tenant's intents.
func (s *Service) List(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Intent, string, error) {
	return s.intents.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// Preview computes the diff between the source and target baselines and
// stores it on the intent. draft → previewed.
func (s *Service) Preview(ctx context.Context, op governance.OpContext, id string) (*Intent, error) {
	intent, rev, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if intent.Status != StatusDraft && intent.Status != StatusPreviewed {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"promotion intent %s is %s and cannot be previewed", id, intent.Status)
	}

	source, target, targetRev, err := s.loadBaselines(ctx, op, intent)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"source environment %s has no installed baseline", intent.FromEnvironmentID)
	}

	var targetPkg *pack.Package
	if target != nil {
		targetPkg = target.Package
	}

	intent.Diff = pack.Diff(targetPkg, source.Package)
	intent.TargetRevision = targetRev
	intent.Status = StatusPreviewed
	intent.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, intent, rev); err != nil {
		return nil, err
	}

	s.audit(ctx, op, intent.ID, "promotion.previewed", &intent.Diff.Summary)
	return intent, nil
}

// Approve marks a previewed intent approved. Self-approval by the intent's
// creator is disallowed; environments that do not require approval may still
// be approved explicitly.
func (s *Service) Approve(ctx context.Context, op governance.OpContext, id string) (*Intent, error) {
	intent, rev, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if intent.Status != StatusPreviewed {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"promotion intent %s is %s and cannot be approved", id, intent.Status)
	}
	if op.Actor.ID != "" && op.Actor.ID == intent.CreatedBy {
		return nil, governance.NewError(governance.CodeInvariantViolation,
			"promotion intent %s cannot be approved by its creator", id)
	}

	intent.Status = StatusApproved
	intent.ApprovedBy = op.Actor.ID
	intent.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, intent, rev); err != nil {
		return nil, err
	}

	s.audit(ctx, op, intent.ID, "promotion.approved", nil)
	return intent, nil
}

// Reject terminally rejects an intent from any non-terminal state.
func (s *Service) Reject(ctx context.Context, op governance.OpContext, id, reason string) (*Intent, error) {
	intent, rev, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if intent.terminal() {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"promotion intent %s is already %s", id, intent.Status)
	}

	intent.Status = StatusRejected
	intent.Error = reason
	intent.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, intent, rev); err != nil {
		return nil, err
	}

	s.audit(ctx, op, intent.ID, "promotion.rejected", nil)
	return intent, nil
}

// Execute installs the source baseline as the target's new baseline at the
// revision observed during preview, then recomposes the target's overrides.
// A target baseline that changed since preview conflicts on the write and
// transitions the intent to rejected with the error recorded; the approved
// diff never lands on state nobody reviewed. The baseline write is governed:
// execution is refused without a change ID.
func (s *Service) Execute(ctx context.Context, op governance.OpContext, id string) (*Intent, error) {
	if err := op.RequireGovernance("promotion execute"); err != nil {
		return nil, err
	}
	intent, rev, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}

	to, err := s.envs.GetEnvironment(ctx, op, intent.ToEnvironmentID)
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case StatusApproved:
		// Ready to execute.
	case StatusPreviewed:
		if to.RequiresPromotionApproval {
			return nil, governance.NewError(governance.CodeGovernanceRequired,
				"environment %s requires promotion approval", intent.ToEnvironmentID)
		}
	default:
		return nil, governance.NewError(governance.CodeStateInvalid,
			"promotion intent %s is %s and cannot be executed", id, intent.Status)
	}

	source, _, _, err := s.loadBaselines(ctx, op, intent)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"source environment %s has no installed baseline", intent.FromEnvironmentID)
	}

	now := s.now().UTC()
	newState := &env.PackageState{
		EnvironmentID: intent.ToEnvironmentID,
		TenantID:      intent.TenantID,
		PackageKey:    source.PackageKey,
		Package:       source.Package,
		Checksum:      source.Checksum,
		InstalledAt:   now,
		InstalledBy:   op.Actor.ID,
	}

	newRev, err := s.envs.PutState(ctx, op, newState, intent.TargetRevision)
	if governance.IsCode(err, governance.CodeConflict) {
		intent.Status = StatusRejected
		intent.Error = err.Error()
		intent.UpdatedAt = now
		if putErr := s.put(ctx, intent, rev); putErr != nil {
			return nil, putErr
		}
		s.audit(ctx, op, intent.ID, "promotion.rejected", nil)
		return intent, nil
	}
	if err != nil {
		return nil, err
	}

	if s.composer != nil {
		if err := s.composer.BaselineInstalled(ctx, op, intent.ToEnvironmentID, source.Package); err != nil {
			s.logger.Warn("Post-promotion recomposition failed",
				"intent_id", intent.ID,
				"environment_id", intent.ToEnvironmentID,
				"error", err)
		}
	}

	intent.Status = StatusExecuted
	intent.Result = &Result{
		Checksum:   source.Checksum,
		Revision:   newRev,
		ExecutedAt: now.Format(time.RFC3339Nano),
	}
	intent.UpdatedAt = now

	if err := s.put(ctx, intent, rev); err != nil {
		return nil, err
	}

	var summary *pack.DiffSummary
	if intent.Diff != nil {
		summary = &intent.Diff.Summary
	}
	s.audit(ctx, op, intent.ID, "promotion.executed", summary)
	return intent, nil
}

// DriftReport compares each environment's baseline checksum against the
// others in the same project and flags environments whose installed package
// differs from the project's most recently installed baseline.
func (s *Service) DriftReport(ctx context.Context, op governance.OpContext, projectID string) (map[string]bool, error) {
	envs, err := s.listProjectEnvironments(ctx, op, projectID)
	if err != nil {
		return nil, err
	}

	type installed struct {
		envID       string
		checksum    string
		installedAt time.Time
	}

	var states []installed
	for _, e := range envs {
		st, _, err := s.envs.GetState(ctx, op, e.ID)
		if err != nil {
			return nil, err
		}
		if st != nil {
			states = append(states, installed{e.ID, st.Checksum, st.InstalledAt})
		}
	}

	// The newest install is the reference; anything different has drifted.
	var reference string
	var newest time.Time
	for _, st := range states {
		if st.installedAt.After(newest) {
			newest = st.installedAt
			reference = st.checksum
		}
	}

	report := make(map[string]bool, len(envs))
	for _, e := range envs {
		report[e.ID] = false
	}
	for _, st := range states {
		report[st.envID] = st.checksum != reference
	}
	return report, nil
}

// loadBaselines reads the source and target package states and the target's
// revision for the optimistic execute write.
func (s *Service) loadBaselines(ctx context.Context, op governance.OpContext, intent *Intent) (*env.PackageState, *env.PackageState, uint64, error) {
	source, _, err := s.envs.GetState(ctx, op, intent.FromEnvironmentID)
	if err != nil {
		return nil, nil, 0, err
	}
	target, targetRev, err := s.envs.GetState(ctx, op, intent.ToEnvironmentID)
	if err != nil {
		return nil, nil, 0, err
	}
	return source, target, targetRev, nil
}

func (s *Service) listProjectEnvironments(ctx context.Context, op governance.OpContext, projectID string) ([]*env.Environment, error) {
	var out []*env.Environment
	cursor := ""
	for {
		page, next, err := s.envs.ListEnvironments(ctx, op, cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if projectID == "" || e.ProjectID == projectID {
				out = append(out, e)
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func (s *Service) put(ctx context.Context, intent *Intent, expectedRevision uint64) error {
	_, err := s.intents.Put(ctx, intent.TenantID, intent.ID, intent, expectedRevision)
	if errors.Is(err, store.ErrConflict) {
		return governance.WrapError(governance.CodeConflict, err,
			"promotion intent %s changed since read", intent.ID)
	}
	if err != nil {
		return fmt.Errorf("write promotion intent %s: %w", intent.ID, err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, op governance.OpContext, id, eventType string, summary *pack.DiffSummary) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.Record(ctx, op, audit.Event{
		EntityID:    id,
		EntityType:  audit.EntityPromotionIntent,
		EventType:   eventType,
		DiffSummary: summary,
	})
	if err != nil {
		s.logger.Warn("Failed to record promotion audit event",
			"intent_id", id, "event_type", eventType, "error", err)
	}
}
