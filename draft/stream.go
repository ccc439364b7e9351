package draft

import (
	"context"
	"sync"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
)

// streamBuffer bounds the event channel so a slow SSE consumer backpressures
// the pipeline instead of growing memory.
const streamBuffer = 16

// GenerateRequest carries the inputs for a streamed generation.
type GenerateRequest struct {
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId,omitempty"`
	Prompt        string `json:"prompt"`
	AppName       string `json:"appName,omitempty"`

	// Tokens enables token frames during the generation and repair stages.
	// Set by the stream-tokens route, not by the request body.
	Tokens bool `json:"-"`
}

// PreviewStream runs the full generate/validate/repair/project/diff pipeline
// and emits stage events on the returned channel. The channel closes after
// the complete (or error) event. Cancellation emits an error event carrying
// "canceled"; versions already committed are retained.
func (e *Engine) PreviewStream(ctx context.Context, op governance.OpContext, req GenerateRequest) <-chan StreamEvent {
	events := make(chan StreamEvent, streamBuffer)

	go func() {
		defer close(events)
		e.runStream(ctx, op, req, 0, events)
	}()

	return events
}

// GenerateMulti produces count independent candidate packages without
// touching draft state. The caller adopts one via AdoptVariant.
func (e *Engine) GenerateMulti(ctx context.Context, op governance.OpContext, req GenerateRequest, count int) ([]*RepairResult, error) {
	if count < 1 {
		count = 1
	}

	results := make([]*RepairResult, count)
	errs := make([]error, count)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = e.runRepairLoop(ctx, req.Prompt, req.AppName, nil, nil, false)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// GenerateMultiStream runs count independent pipelines and multiplexes their
// events onto one channel, tagged with variantIndex. Complete events arrive
// per variant in any order, each exactly once.
func (e *Engine) GenerateMultiStream(ctx context.Context, op governance.OpContext, req GenerateRequest, count int) <-chan StreamEvent {
	if count < 1 {
		count = 1
	}
	events := make(chan StreamEvent, streamBuffer)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e.runStream(ctx, op, req, idx, events)
		}(i)
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	return events
}

// runStream drives one variant's pipeline and emits its events. Events carry
// the variant index so multiplexed consumers can demux.
func (e *Engine) runStream(ctx context.Context, op governance.OpContext, req GenerateRequest, variantIndex int, events chan<- StreamEvent) {
	emit := func(ev StreamEvent) {
		ev.VariantIndex = variantIndex
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	result, err := e.runRepairLoop(ctx, req.Prompt, req.AppName, nil, emit, req.Tokens)
	if err != nil {
		if ctx.Err() != nil {
			// The ctx-guarded emit would drop this event, so send it
			// best effort on the buffered channel directly.
			select {
			case events <- StreamEvent{Stage: StageError, VariantIndex: variantIndex, Error: "canceled"}:
			default:
			}
		} else {
			emit(StreamEvent{Stage: StageError, Error: err.Error()})
		}
		return
	}

	// Projection and diff run against the target environment's baseline.
	var baseline *pack.Package
	if req.EnvironmentID != "" {
		state, _, err := e.envs.GetState(ctx, op, req.EnvironmentID)
		if err != nil {
			emit(StreamEvent{Stage: StageError, Error: err.Error()})
			return
		}
		if state != nil {
			baseline = state.Package
		}
	}

	if result.Package != nil {
		plan := pack.Project(result.Package, baseline)
		emit(StreamEvent{Stage: StageProjection, Plan: plan})

		result.Diff = pack.Diff(baseline, result.Package)
		emit(StreamEvent{Stage: StageDiff, Result: &RepairResult{Diff: result.Diff}})
	}

	emit(StreamEvent{Stage: StageComplete, Result: result})
}

// AdoptVariant takes one candidate from a multi-variant generation and folds
// it into draft state. With an empty draftID a new draft is created with a
// create_variant version; otherwise the variant is appended to the existing
// draft as an adopt_variant version.
func (e *Engine) AdoptVariant(ctx context.Context, op governance.OpContext, draftID string, req GenerateRequest, variant *pack.Package) (*Draft, error) {
	if variant == nil {
		return nil, governance.NewError(governance.CodeValidationError, "variant package is required")
	}

	checksum, err := pack.Checksum(variant)
	if err != nil {
		return nil, err
	}

	if draftID == "" {
		return e.createFromVariant(ctx, op, req, variant, checksum)
	}

	d, rev, err := e.get(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	if err := requireMutable(d); err != nil {
		return nil, err
	}

	d.Package = variant.Clone()
	d.Checksum = checksum
	d.VersionCount++
	d.UpdatedAt = e.now().UTC()
	invalidatePreview(d)

	if err := e.put(ctx, d, rev); err != nil {
		return nil, err
	}
	if err := e.appendVersion(ctx, d, d.VersionCount, ReasonAdoptVariant, op.Actor.ID); err != nil {
		return nil, err
	}

	e.audit(ctx, op, d.ID, "draft.variant_adopted", nil)
	return d, nil
}

func (e *Engine) createFromVariant(ctx context.Context, op governance.OpContext, req GenerateRequest, variant *pack.Package, checksum string) (*Draft, error) {
	now := e.now().UTC()
	d := &Draft{
		ID:            "draft-" + newDraftID(),
		TenantID:      op.Tenant.TenantID,
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Status:        StatusDraft,
		Prompt:        req.Prompt,
		AppName:       req.AppName,
		Package:       variant.Clone(),
		Checksum:      checksum,
		VersionCount:  1,
		CreatedBy:     op.Actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := e.drafts.Create(ctx, d.TenantID, d.ID, d); err != nil {
		return nil, err
	}
	if err := e.appendVersion(ctx, d, 1, ReasonCreateVariant, op.Actor.ID); err != nil {
		return nil, err
	}

	e.audit(ctx, op, d.ID, "draft.variant_created", nil)
	return d, nil
}
