package draft

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
	"github.com/c360studio/changeops/llm"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

// InstallHook is notified after a draft's package becomes an environment's
// baseline. The override composer uses it to recompose active overrides
// against the new baseline.
type InstallHook interface {
	BaselineInstalled(ctx context.Context, op governance.OpContext, environmentID string, baseline *pack.Package) error
}

// Engine manages the draft lifecycle.
type Engine struct {
	drafts   *store.Collection[Draft]
	versions *store.Collection[Version]
	envs     *env.Store
	producer llm.Completer
	recorder *audit.Recorder
	hook     InstallHook
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithInstallHook registers the post-install recomposition hook.
func WithInstallHook(hook InstallHook) Option {
	return func(e *Engine) {
		e.hook = hook
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine opens the draft buckets and wires the pipeline dependencies.
// The audit recorder may be nil in tests.
func NewEngine(ctx context.Context, s store.Store, producer llm.Completer, envs *env.Store, recorder *audit.Recorder, opts ...Option) (*Engine, error) {
	draftBucket, err := s.Bucket(ctx, store.BucketDrafts)
	if err != nil {
		return nil, fmt.Errorf("open drafts bucket: %w", err)
	}
	versionBucket, err := s.Bucket(ctx, store.BucketDraftVersions)
	if err != nil {
		return nil, fmt.Errorf("open draft versions bucket: %w", err)
	}

	e := &Engine{
		drafts:   store.NewCollection[Draft](draftBucket),
		versions: store.NewCollection[Version](versionBucket),
		envs:     envs,
		producer: producer,
		recorder: recorder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// newDraftID returns the random suffix for a draft ID.
func newDraftID() string {
	return uuid.New().String()[:8]
}

// Get loads a draft, enforcing tenant ownership.
func (e *Engine) Get(ctx context.Context, op governance.OpContext, id string) (*Draft, error) {
	d, _, err := e.get(ctx, op, id)
	return d, err
}

func (e *Engine) get(ctx context.Context, op governance.OpContext, id string) (*Draft, uint64, error) {
	d, rev, err := e.drafts.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, governance.NewError(governance.CodeNotFound, "draft %s not found", id)
	}
	if err != nil {
		return nil, 0, err
	}
	if err := op.RequireTenant(d.TenantID); err != nil {
		return nil, 0, err
	}
	return d, rev, nil
}

// List pages through the tenant's drafts.
func (e *Engine) List(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Draft, string, error) {
	return e.drafts.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// Generate creates a new draft from a prompt. The producer is called through
// the repair loop; the draft is created even when validation never converged
// so the caller can inspect and patch the candidate.
func (e *Engine) Generate(ctx context.Context, op governance.OpContext, projectID, environmentID, prompt, appName string) (*Draft, *RepairResult, error) {
	return e.generate(ctx, op, projectID, environmentID, prompt, appName, nil)
}

func (e *Engine) generate(ctx context.Context, op governance.OpContext, projectID, environmentID, prompt, appName string, emit emitFunc) (*Draft, *RepairResult, error) {
	result, err := e.runRepairLoop(ctx, prompt, appName, nil, emit, false)
	if err != nil {
		return nil, nil, err
	}
	if result.Package == nil {
		return nil, result, governance.NewError(governance.CodeProducerError,
			"producer returned no usable package after %d attempts", result.Attempts)
	}

	now := e.now().UTC()
	d := &Draft{
		ID:            "draft-" + newDraftID(),
		TenantID:      op.Tenant.TenantID,
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Status:        StatusDraft,
		Prompt:        prompt,
		AppName:       appName,
		Package:       result.Package,
		Checksum:      result.Checksum,
		VersionCount:  1,
		CreatedBy:     op.Actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := e.drafts.Create(ctx, d.TenantID, d.ID, d); err != nil {
		return nil, nil, fmt.Errorf("create draft: %w", err)
	}
	if err := e.appendVersion(ctx, d, 1, ReasonCreate, op.Actor.ID); err != nil {
		return nil, nil, err
	}

	e.audit(ctx, op, d.ID, "draft.generated", nil)
	return d, result, nil
}

// Refine re-runs generation seeded with the draft's current package plus a
// new instruction and appends a version. Concurrent refinements serialize on
// the draft revision; the loser observes CONFLICT and must retry.
func (e *Engine) Refine(ctx context.Context, op governance.OpContext, draftID, prompt string) (*Draft, *RepairResult, error) {
	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, nil, err
	}
	if err := requireMutable(d); err != nil {
		return nil, nil, err
	}

	result, err := e.runRepairLoop(ctx, prompt, d.AppName, d.Package, nil, false)
	if err != nil {
		return nil, nil, err
	}
	if result.Package == nil {
		return nil, result, governance.NewError(governance.CodeProducerError,
			"producer returned no usable package after %d attempts", result.Attempts)
	}

	d.Package = result.Package
	d.Checksum = result.Checksum
	d.Prompt = prompt
	d.VersionCount++
	d.UpdatedAt = e.now().UTC()
	invalidatePreview(d)

	if err := e.put(ctx, d, rev); err != nil {
		return nil, nil, err
	}
	if err := e.appendVersion(ctx, d, d.VersionCount, ReasonRefine, op.Actor.ID); err != nil {
		return nil, nil, err
	}

	e.audit(ctx, op, d.ID, "draft.refined", nil)
	return d, result, nil
}

// Patch applies explicit typed operations to the draft's package. The batch
// is all-or-nothing: any failing op rejects the whole batch, the draft is
// unchanged, and no version is appended.
func (e *Engine) Patch(ctx context.Context, op governance.OpContext, draftID string, ops []pack.PatchOp) (*Draft, []pack.ValidationError, error) {
	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, nil, err
	}
	if err := requireMutable(d); err != nil {
		return nil, nil, err
	}

	patched, verrs := pack.ApplyPatch(d.Package, ops)
	if len(verrs) > 0 {
		return nil, verrs, governance.NewError(governance.CodeValidationError,
			"patch rejected: %s", verrs[0].Message)
	}

	checksum, err := pack.Checksum(patched)
	if err != nil {
		return nil, nil, fmt.Errorf("checksum patched package: %w", err)
	}

	d.Package = patched
	d.Checksum = checksum
	d.VersionCount++
	d.UpdatedAt = e.now().UTC()
	invalidatePreview(d)

	if err := e.put(ctx, d, rev); err != nil {
		return nil, nil, err
	}
	if err := e.appendVersion(ctx, d, d.VersionCount, ReasonPatch, op.Actor.ID); err != nil {
		return nil, nil, err
	}

	e.audit(ctx, op, d.ID, "draft.patched", nil)
	return d, nil, nil
}

// Preview validates the draft and computes its diff against the target
// environment's baseline, storing both on the draft. Re-previewing an
// unchanged draft is a no-op.
func (e *Engine) Preview(ctx context.Context, op governance.OpContext, draftID string) (*Draft, error) {
	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusInstalled || d.Status == StatusDiscarded {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"draft %s is %s and cannot be previewed", d.ID, d.Status)
	}
	if d.Status == StatusPreviewed && d.LastPreviewDiff != nil {
		return d, nil
	}

	verrs := pack.Validate(d.Package)

	var baseline *pack.Package
	if d.EnvironmentID != "" {
		state, _, err := e.envs.GetState(ctx, op, d.EnvironmentID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			baseline = state.Package
		}
	}

	d.LastPreviewDiff = pack.Diff(baseline, d.Package)
	d.LastPreviewErrors = verrs
	d.Status = StatusPreviewed
	d.UpdatedAt = e.now().UTC()

	if err := e.put(ctx, d, rev); err != nil {
		return nil, err
	}

	e.audit(ctx, op, d.ID, "draft.previewed", &d.LastPreviewDiff.Summary)
	return d, nil
}

// Install writes the draft's package as the environment's new baseline and
// transitions the draft to installed. Refused unless the draft is in draft or
// previewed state with no outstanding validation errors. A baseline revision
// conflict surfaces as CONFLICT; the caller must re-preview. Installing is a
// governed write: it is refused without a change ID.
func (e *Engine) Install(ctx context.Context, op governance.OpContext, draftID string) (*Draft, *InstallResult, error) {
	if err := op.RequireGovernance("draft install"); err != nil {
		return nil, nil, err
	}
	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != StatusDraft && d.Status != StatusPreviewed {
		return nil, nil, governance.NewError(governance.CodeStateInvalid,
			"draft %s is %s and cannot be installed", d.ID, d.Status)
	}
	if d.EnvironmentID == "" {
		return nil, nil, governance.NewError(governance.CodeStateInvalid,
			"draft %s has no target environment", d.ID)
	}
	if verrs := pack.Validate(d.Package); len(verrs) > 0 {
		return nil, nil, governance.NewError(governance.CodeValidationError,
			"draft %s has %d validation errors; resolve them before install", d.ID, len(verrs))
	}

	state, stateRev, err := e.envs.GetState(ctx, op, d.EnvironmentID)
	if err != nil {
		return nil, nil, err
	}

	var prior *pack.Package
	if state != nil {
		prior = state.Package
	}
	diff := pack.Diff(prior, d.Package)

	now := e.now().UTC()
	newState := &env.PackageState{
		EnvironmentID: d.EnvironmentID,
		TenantID:      d.TenantID,
		PackageKey:    d.Package.PackageKey,
		Package:       d.Package,
		Checksum:      d.Checksum,
		InstalledAt:   now,
		InstalledBy:   op.Actor.ID,
	}

	newRev, err := e.envs.PutState(ctx, op, newState, stateRev)
	if err != nil {
		return nil, nil, err
	}

	if e.hook != nil {
		if err := e.hook.BaselineInstalled(ctx, op, d.EnvironmentID, d.Package); err != nil {
			e.logger.Warn("Post-install recomposition failed",
				"draft_id", d.ID,
				"environment_id", d.EnvironmentID,
				"error", err)
		}
	}

	d.Status = StatusInstalled
	d.UpdatedAt = now
	if err := e.put(ctx, d, rev); err != nil {
		return nil, nil, err
	}

	e.audit(ctx, op, d.ID, "draft.installed", &diff.Summary)
	return d, &InstallResult{
		EnvironmentID: d.EnvironmentID,
		Checksum:      d.Checksum,
		Revision:      newRev,
		Diff:          diff,
	}, nil
}

// Discard terminally retires a draft. Irreversible.
func (e *Engine) Discard(ctx context.Context, op governance.OpContext, draftID string) (*Draft, error) {
	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusDiscarded {
		return d, nil
	}

	d.Status = StatusDiscarded
	d.UpdatedAt = e.now().UTC()
	if err := e.put(ctx, d, rev); err != nil {
		return nil, err
	}

	e.audit(ctx, op, d.ID, "draft.discarded", nil)
	return d, nil
}

// ListVersions returns the draft's full version history, oldest first.
func (e *Engine) ListVersions(ctx context.Context, op governance.OpContext, draftID string) ([]*Version, error) {
	if _, _, err := e.get(ctx, op, draftID); err != nil {
		return nil, err
	}

	var out []*Version
	cursor := ""
	for {
		page, next, err := e.versions.ListPrefix(ctx, op.Tenant.TenantID, versionPrefix(draftID), cursor, 256)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// GetVersion returns one version by number.
func (e *Engine) GetVersion(ctx context.Context, op governance.OpContext, draftID string, n int) (*Version, error) {
	if _, _, err := e.get(ctx, op, draftID); err != nil {
		return nil, err
	}

	v, _, err := e.versions.Get(ctx, op.Tenant.TenantID, versionKey(draftID, n))
	if errors.Is(err, store.ErrNotFound) {
		return nil, governance.NewError(governance.CodeNotFound,
			"draft %s has no version %d", draftID, n)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RestoreVersion copies version n's package into the current draft and
// appends a new version with reason restore. The restored checksum equals
// version n's checksum.
func (e *Engine) RestoreVersion(ctx context.Context, op governance.OpContext, draftID string, n int) (*Draft, error) {
	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	if err := requireMutable(d); err != nil {
		return nil, err
	}

	v, err := e.GetVersion(ctx, op, draftID, n)
	if err != nil {
		return nil, err
	}

	d.Package = v.Package.Clone()
	d.Checksum = v.Checksum
	d.VersionCount++
	d.UpdatedAt = e.now().UTC()
	invalidatePreview(d)

	if err := e.put(ctx, d, rev); err != nil {
		return nil, err
	}
	if err := e.appendVersion(ctx, d, d.VersionCount, ReasonRestore, op.Actor.ID); err != nil {
		return nil, err
	}

	e.audit(ctx, op, d.ID, "draft.restored", nil)
	return d, nil
}

// DiffVersions diffs two versions of one draft.
func (e *Engine) DiffVersions(ctx context.Context, op governance.OpContext, draftID string, a, b int) (*pack.PackageDiff, error) {
	va, err := e.GetVersion(ctx, op, draftID, a)
	if err != nil {
		return nil, err
	}
	vb, err := e.GetVersion(ctx, op, draftID, b)
	if err != nil {
		return nil, err
	}
	return pack.Diff(va.Package, vb.Package), nil
}

// DiffVariants diffs two candidate packages.
func DiffVariants(a, b *pack.Package) *pack.PackageDiff {
	return pack.Diff(a, b)
}

// invalidatePreview drops a draft back to draft status after its package
// changed. The stored preview no longer describes the current content.
func invalidatePreview(d *Draft) {
	d.Status = StatusDraft
	d.LastPreviewDiff = nil
	d.LastPreviewErrors = nil
}

// requireMutable rejects content mutation on drafts past the point of no
// return. Previewed drafts stay mutable; mutation invalidates the preview.
func requireMutable(d *Draft) error {
	if d.Status == StatusInstalled || d.Status == StatusDiscarded {
		return governance.NewError(governance.CodeStateInvalid,
			"draft %s is %s and cannot be modified", d.ID, d.Status)
	}
	return nil
}

// put writes the draft with its expected revision, mapping a stale revision
// to CONFLICT.
func (e *Engine) put(ctx context.Context, d *Draft, expectedRevision uint64) error {
	_, err := e.drafts.Put(ctx, d.TenantID, d.ID, d, expectedRevision)
	if errors.Is(err, store.ErrConflict) {
		return governance.WrapError(governance.CodeConflict, err,
			"draft %s changed since read; retry against the newest version", d.ID)
	}
	if err != nil {
		return fmt.Errorf("write draft %s: %w", d.ID, err)
	}
	return nil
}

// appendVersion writes one immutable version log entry. Create-only writes
// guarantee an existing version is never overwritten.
func (e *Engine) appendVersion(ctx context.Context, d *Draft, n int, reason VersionReason, createdBy string) error {
	v := &Version{
		DraftID:       d.ID,
		TenantID:      d.TenantID,
		VersionNumber: n,
		Reason:        reason,
		Package:       d.Package,
		Checksum:      d.Checksum,
		PreviewDiff:   d.LastPreviewDiff,
		PreviewErrors: d.LastPreviewErrors,
		CreatedBy:     createdBy,
		CreatedAt:     e.now().UTC(),
	}
	if _, err := e.versions.Create(ctx, d.TenantID, versionKey(d.ID, n), v); err != nil {
		return fmt.Errorf("append draft version %d: %w", n, err)
	}
	return nil
}

// audit emits a draft lifecycle event, best effort.
func (e *Engine) audit(ctx context.Context, op governance.OpContext, draftID, eventType string, summary *pack.DiffSummary) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.Record(ctx, op, audit.Event{
		EntityID:    draftID,
		EntityType:  audit.EntityDraft,
		EventType:   eventType,
		DiffSummary: summary,
	})
	if err != nil {
		e.logger.Warn("Failed to record draft audit event",
			"draft_id", draftID,
			"event_type", eventType,
			"error", err)
	}
}
