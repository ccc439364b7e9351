package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/store"
	"github.com/c360studio/changeops/workflow"
)

type dispatcherFixture struct {
	service    *Service
	dispatcher *Dispatcher
	engine     *workflow.Engine
	definition *workflow.Definition
	op         governance.OpContext
}

func newDispatcherFixture(t *testing.T, opts ...Option) *dispatcherFixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	op := governance.SystemContext("acme")

	changes, err := governance.NewChangeStore(ctx, s)
	require.NoError(t, err)
	engine, err := workflow.NewEngine(ctx, s, changes, nil)
	require.NoError(t, err)

	change := governance.NewChange("acme", "Enable triage", "alice")
	change.Status = governance.ChangeStatusReady
	require.NoError(t, changes.Put(ctx, op, change))

	def, err := engine.CreateDefinition(ctx, op, &workflow.Definition{
		Name:        "Triage",
		TriggerType: "record.created",
		ChangeID:    change.ID,
		Steps: []workflow.Step{
			{Name: "assign", StepType: workflow.StepAssignment, OrderIndex: 1,
				Config: map[string]any{"assigneeType": "group", "groupKey": "support"}},
		},
	})
	require.NoError(t, err)
	def, err = engine.Activate(ctx, op, def.ID)
	require.NoError(t, err)

	service, err := NewService(ctx, s, nil, opts...)
	require.NoError(t, err)
	dispatcher := NewDispatcher(service, engine, WithWorkers(2))

	return &dispatcherFixture{
		service:    service,
		dispatcher: dispatcher,
		engine:     engine,
		definition: def,
		op:         op,
	}
}

func (f *dispatcherFixture) pendingIntent(t *testing.T, idempotencyKey string) *Intent {
	t.Helper()
	trg, err := f.service.Create(context.Background(), f.op, &Trigger{
		DefinitionID: f.definition.ID,
		Type:         TypeManual,
	})
	require.NoError(t, err)

	intent, err := f.service.CreateIntent(context.Background(), f.op, trg, idempotencyKey, nil)
	require.NoError(t, err)
	return intent
}

func TestDispatchStartsExecution(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	intent := f.pendingIntent(t, "key-1")

	f.dispatcher.dispatch(ctx, intent)

	got, err := f.service.GetIntent(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentDispatched, got.Status)
	require.NotEmpty(t, got.ExecutionID)

	exec, err := f.engine.GetExecution(ctx, f.op, got.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	assert.Equal(t, intent.ID, exec.IntentID)
}

func TestDispatchFailureMarksIntent(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	intent := f.pendingIntent(t, "key-1")
	intent.DefinitionID = "wfd-missing"

	f.dispatcher.dispatch(ctx, intent)

	got, err := f.service.GetIntent(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Empty(t, got.ExecutionID)
}

func TestDispatchSkipsNonPending(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	intent := f.pendingIntent(t, "key-1")
	intent.Status = IntentDuplicate

	f.dispatcher.dispatch(ctx, intent)

	// The skip leaves the stored intent untouched.
	got, err := f.service.GetIntent(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, got.Status)
	assert.Empty(t, got.ExecutionID)
}

// notifyDefinition activates a definition whose notification step needs an
// outbound-network grant.
func (f *dispatcherFixture) notifyDefinition(t *testing.T) *workflow.Definition {
	t.Helper()
	ctx := context.Background()

	def, err := f.engine.CreateDefinition(ctx, f.op, &workflow.Definition{
		Name:        "Escalate",
		TriggerType: "manual",
		ChangeID:    f.definition.ChangeID,
		Steps: []workflow.Step{
			{Name: "notify", StepType: workflow.StepNotification, OrderIndex: 1,
				Config: map[string]any{"channel": "email", "recipient": "oncall", "body": "escalated"}},
		},
	})
	require.NoError(t, err)
	def, err = f.engine.Activate(ctx, f.op, def.ID)
	require.NoError(t, err)
	return def
}

func TestDispatchDeniesMissingCapability(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	def := f.notifyDefinition(t)

	restricted := NewDispatcher(f.service, f.engine,
		WithCapabilityProfile(governance.ProfileReadOnly))

	trg, err := f.service.Create(ctx, f.op, &Trigger{DefinitionID: def.ID, Type: TypeManual})
	require.NoError(t, err)
	intent, err := f.service.CreateIntent(ctx, f.op, trg, "key-caps", nil)
	require.NoError(t, err)

	restricted.dispatch(ctx, intent)

	// The denial fails the intent before any execution exists.
	got, err := f.service.GetIntent(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentFailed, got.Status)
	assert.Contains(t, got.Error, string(governance.CapabilityNetOut))
	assert.Empty(t, got.ExecutionID)

	execs, _, err := f.engine.ListExecutions(ctx, f.op, "", 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestDispatchDefaultProfileAllowsNotification(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	def := f.notifyDefinition(t)

	trg, err := f.service.Create(ctx, f.op, &Trigger{DefinitionID: def.ID, Type: TypeManual})
	require.NoError(t, err)
	intent, err := f.service.CreateIntent(ctx, f.op, trg, "key-notify", nil)
	require.NoError(t, err)

	f.dispatcher.dispatch(ctx, intent)

	got, err := f.service.GetIntent(ctx, f.op, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentDispatched, got.Status)
}

func TestDequeueRoundRobinAcrossTenants(t *testing.T) {
	f := newDispatcherFixture(t)
	d := f.dispatcher

	d.enqueue(&Intent{ID: "a1", TenantID: "acme"})
	d.enqueue(&Intent{ID: "a2", TenantID: "acme"})
	d.enqueue(&Intent{ID: "a3", TenantID: "acme"})
	d.enqueue(&Intent{ID: "g1", TenantID: "globex"})

	var order []string
	for {
		intent := d.dequeue()
		if intent == nil {
			break
		}
		order = append(order, intent.ID)
	}

	// Globex gets a turn before acme's backlog drains.
	assert.Equal(t, []string{"a1", "g1", "a2", "a3"}, order)
}

func TestRescanReclaimsStrandedIntents(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	f := newDispatcherFixture(t, WithClock(func() time.Time { return old }))

	// The intent was created before any dispatcher attached, so it was
	// persisted pending but never enqueued. Detach the submit sink to
	// simulate that.
	f.service.submit = nil
	stranded := f.pendingIntent(t, "key-1")

	f.dispatcher.rescan(ctx, []string{"acme"})

	got := f.dispatcher.dequeue()
	require.NotNil(t, got)
	assert.Equal(t, stranded.ID, got.ID)
}

func TestRunDispatchesSubmittedIntents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newDispatcherFixture(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.dispatcher.Run(ctx, []string{"acme"})
	}()

	intent := f.pendingIntent(t, "key-1")

	require.Eventually(t, func() bool {
		got, err := f.service.GetIntent(context.Background(), f.op, intent.ID)
		return err == nil && got.Status == IntentDispatched
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}
