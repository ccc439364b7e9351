package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/changeops/env"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

type promotionFixture struct {
	service *Service
	envs    *env.Store
	dev     *env.Environment
	prod    *env.Environment
	op      governance.OpContext
}

func newPromotionFixture(t *testing.T) *promotionFixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	// Execution writes baselines under governance; the fixture carries a change.
	op := governance.SystemContext("acme")
	op.Governance.ChangeID = "chg-test"

	envs, err := env.NewStore(ctx, s)
	require.NoError(t, err)
	service, err := NewService(ctx, s, envs, nil, nil)
	require.NoError(t, err)

	dev, err := envs.CreateEnvironment(ctx, op, "proj-1", "Dev", env.KindDev)
	require.NoError(t, err)
	prod, err := envs.CreateEnvironment(ctx, op, "proj-1", "Prod", env.KindProd)
	require.NoError(t, err)

	return &promotionFixture{service: service, envs: envs, dev: dev, prod: prod, op: op}
}

func helpdeskPackage(version string) *pack.Package {
	return &pack.Package{
		PackageKey: "vibe.helpdesk",
		Version:    version,
		RecordTypes: []pack.RecordType{
			{Key: "ticket", Name: "Ticket", Fields: []pack.FieldDef{
				{Name: "title", Type: "string", Required: true},
				{Name: "priority", Type: "string"},
			}},
		},
	}
}

// installBaseline writes a package as the environment's baseline.
func (f *promotionFixture) installBaseline(t *testing.T, envID string, p *pack.Package) {
	t.Helper()
	ctx := context.Background()

	checksum, err := pack.Checksum(p)
	require.NoError(t, err)

	_, rev, err := f.envs.GetState(ctx, f.op, envID)
	require.NoError(t, err)

	_, err = f.envs.PutState(ctx, f.op, &env.PackageState{
		EnvironmentID: envID,
		TenantID:      "acme",
		PackageKey:    p.PackageKey,
		Package:       p,
		Checksum:      checksum,
		InstalledAt:   time.Now().UTC(),
	}, rev)
	require.NoError(t, err)
}

// approver is a second human so the creator is not approving their own intent.
func approver(tenantID string) governance.OpContext {
	op := governance.SystemContext(tenantID)
	op.Actor = governance.Actor{ID: "carol", Type: governance.ActorTypeUser}
	return op
}

func TestCreateIntent(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, intent.Status)
	assert.Contains(t, intent.ID, "prm-")
	assert.Equal(t, f.op.Actor.ID, intent.CreatedBy)

	got, err := f.service.Get(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, got.ID)
}

func TestCreateIntentValidation(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	_, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.dev.ID)
	assert.True(t, governance.IsCode(err, governance.CodeValidationError),
		"same source and target")

	_, err = f.service.Create(ctx, f.op, "proj-2", f.dev.ID, f.prod.ID)
	assert.True(t, governance.IsCode(err, governance.CodeValidationError),
		"environments outside the project")

	_, err = f.service.Create(ctx, f.op, "proj-1", "env-ghost", f.prod.ID)
	assert.True(t, governance.IsCode(err, governance.CodeNotFound))
}

func TestPreviewDiffsBaselines(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.1.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)

	// Empty target: everything in the source baseline reads as added.
	previewed, err := f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPreviewed, previewed.Status)
	require.NotNil(t, previewed.Diff)
	assert.Equal(t, 1, previewed.Diff.Summary.Added)
	assert.Zero(t, previewed.Diff.Summary.Removed)
}

func TestPreviewRequiresSourceBaseline(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)

	_, err = f.service.Preview(ctx, f.op, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.0.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)

	// The creator cannot approve their own intent.
	_, err = f.service.Approve(ctx, f.op, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeInvariantViolation))

	approved, err := f.service.Approve(ctx, approver("acme"), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "carol", approved.ApprovedBy)
}

func TestApproveRequiresPreview(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)

	_, err = f.service.Approve(ctx, approver("acme"), intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
}

func TestExecutePromotesBaseline(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	source := helpdeskPackage("1.2.0")
	f.installBaseline(t, f.dev.ID, source)

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)
	_, err = f.service.Approve(ctx, approver("acme"), intent.ID)
	require.NoError(t, err)

	executed, err := f.service.Execute(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, executed.Status)
	require.NotNil(t, executed.Result)

	state, _, err := f.envs.GetState(ctx, f.op, f.prod.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "1.2.0", state.Package.Version)
	assert.Equal(t, executed.Result.Checksum, state.Checksum)

	// Terminal afterward.
	_, err = f.service.Execute(ctx, f.op, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
	_, err = f.service.Reject(ctx, f.op, intent.ID, "too late")
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
}

func TestExecuteRequiresGovernance(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.0.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)
	_, err = f.service.Approve(ctx, approver("acme"), intent.ID)
	require.NoError(t, err)

	// An approved intent still cannot execute without a change ID.
	bare := governance.SystemContext("acme")
	_, err = f.service.Execute(ctx, bare, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeGovernanceRequired))

	// The target baseline was not touched and the intent stays approved.
	state, _, err := f.envs.GetState(ctx, f.op, f.prod.ID)
	require.NoError(t, err)
	assert.Nil(t, state)
	got, err := f.service.Get(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestExecuteIntoProdRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.0.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)

	_, err = f.service.Execute(ctx, f.op, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeGovernanceRequired))
}

func TestExecutePreviewedIntoUnguardedEnvironment(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	test, err := f.envs.CreateEnvironment(ctx, f.op, "proj-1", "Test", env.KindTest)
	require.NoError(t, err)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.0.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, test.ID)
	require.NoError(t, err)
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)

	// No approval gate on a test environment.
	executed, err := f.service.Execute(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, executed.Status)
}

func TestExecuteDraftIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.0.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)

	_, err = f.service.Execute(ctx, f.op, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
}

func TestExecuteBaselineConflictRejectsIntent(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)
	f.installBaseline(t, f.dev.ID, helpdeskPackage("1.1.0"))
	f.installBaseline(t, f.prod.ID, helpdeskPackage("1.0.0"))

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	require.NoError(t, err)
	_, err = f.service.Approve(ctx, approver("acme"), intent.ID)
	require.NoError(t, err)

	// Someone else installs into prod between approval and execution; the
	// previewed revision is now stale.
	f.installBaseline(t, f.prod.ID, helpdeskPackage("2.0.0"))

	rejected, err := f.service.Execute(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.NotEmpty(t, rejected.Error)

	// The concurrent install stands.
	state, _, err := f.envs.GetState(ctx, f.op, f.prod.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", state.Package.Version)
}

func TestRejectFromAnyNonTerminalState(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)

	rejected, err := f.service.Reject(ctx, f.op, intent.ID, "wrong target")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "wrong target", rejected.Error)

	_, err = f.service.Reject(ctx, f.op, intent.ID, "again")
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
	_, err = f.service.Preview(ctx, f.op, intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeStateInvalid))
}

func TestPromotionTenantIsolation(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	intent, err := f.service.Create(ctx, f.op, "proj-1", f.dev.ID, f.prod.ID)
	require.NoError(t, err)

	_, err = f.service.Get(ctx, governance.SystemContext("globex"), intent.ID)
	assert.True(t, governance.IsCode(err, governance.CodeNotFound))
}

func TestDriftReport(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	f.installBaseline(t, f.dev.ID, helpdeskPackage("2.0.0"))
	f.installBaseline(t, f.prod.ID, helpdeskPackage("1.0.0"))

	// Dev was installed first, prod second; the newest install is the
	// reference, so dev reads as drifted.
	report, err := f.service.DriftReport(ctx, f.op, "proj-1")
	require.NoError(t, err)
	assert.True(t, report[f.dev.ID])
	assert.False(t, report[f.prod.ID])

	// Once prod carries the same package nothing drifts.
	f.installBaseline(t, f.prod.ID, helpdeskPackage("2.0.0"))
	report, err = f.service.DriftReport(ctx, f.op, "proj-1")
	require.NoError(t, err)
	assert.False(t, report[f.dev.ID])
	assert.False(t, report[f.prod.ID])
}

func TestDriftReportEmptyEnvironments(t *testing.T) {
	ctx := context.Background()
	f := newPromotionFixture(t)

	report, err := f.service.DriftReport(ctx, f.op, "proj-1")
	require.NoError(t, err)
	assert.False(t, report[f.dev.ID])
	assert.False(t, report[f.prod.ID])
}
