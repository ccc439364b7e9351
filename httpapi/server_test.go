package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/changeops/audit"
	"github.com/c360studio/changeops/draft"
	"github.com/c360studio/changeops/env"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/llm"
	"github.com/c360studio/changeops/llm/testutil"
	"github.com/c360studio/changeops/override"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/promotion"
	"github.com/c360studio/changeops/store"
	"github.com/c360studio/changeops/tenant"
	"github.com/c360studio/changeops/trigger"
	"github.com/c360studio/changeops/workflow"
)

type serverFixture struct {
	mux     *http.ServeMux
	mock    *testutil.MockCompleter
	changes *governance.ChangeStore
	envs    *env.Store
	op      governance.OpContext
}

func newServerFixture(t *testing.T, opts ...ServerOption) *serverFixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	tenants, err := tenant.NewRegistry(ctx, s)
	require.NoError(t, err)
	recorder, err := audit.NewRecorder(ctx, s, nil)
	require.NoError(t, err)
	envs, err := env.NewStore(ctx, s)
	require.NoError(t, err)
	changes, err := governance.NewChangeStore(ctx, s)
	require.NoError(t, err)

	mock := &testutil.MockCompleter{}
	drafts, err := draft.NewEngine(ctx, s, mock, envs, recorder)
	require.NoError(t, err)
	overrides, err := override.NewComposer(ctx, s, envs, recorder)
	require.NoError(t, err)
	workflows, err := workflow.NewEngine(ctx, s, changes, recorder)
	require.NoError(t, err)
	triggers, err := trigger.NewService(ctx, s, recorder)
	require.NoError(t, err)
	promotions, err := promotion.NewService(ctx, s, envs, overrides, recorder)
	require.NoError(t, err)

	server := NewServer(tenants, drafts, overrides, workflows, triggers, promotions, envs, recorder, opts...)

	return &serverFixture{
		mux:     server.Routes(),
		mock:    mock,
		changes: changes,
		envs:    envs,
		op:      governance.SystemContext("acme"),
	}
}

// request runs one tenant-scoped request through the mux.
func (f *serverFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("x-tenant-id", "acme")
	req.Header.Set("x-user-id", "alice")
	req.Header.Set("x-change-id", "chg-test")

	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

// requestWithoutChange runs a tenant-scoped request with no change ID bound.
func (f *serverFixture) requestWithoutChange(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("x-tenant-id", "acme")
	req.Header.Set("x-user-id", "alice")

	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func vibePackage() *pack.Package {
	return &pack.Package{
		PackageKey: "vibe.helpdesk",
		Version:    "1.0.0",
		RecordTypes: []pack.RecordType{
			{Key: "ticket", Name: "Ticket", Fields: []pack.FieldDef{
				{Name: "title", Type: "string", Required: true},
			}},
		},
	}
}

func packageResponse(t *testing.T, p *pack.Package) *llm.Response {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &llm.Response{Content: string(data), Model: "test-model"}
}

func TestTenantHeadersRequired(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/vibe/drafts", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "x-tenant-id")

	req = httptest.NewRequest(http.MethodGet, "/api/vibe/drafts", nil)
	req.Header.Set("x-tenant-id", "acme")
	w = httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "x-user-id")
}

func TestTenantRegistryRoutes(t *testing.T) {
	f := newServerFixture(t)

	// The registry sits above the tenant middleware; no headers needed.
	req := httptest.NewRequest(http.MethodPost, "/api/tenants",
		strings.NewReader(`{"name":"Acme Corp"}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody(t, w)
	assert.Contains(t, created["id"], "tnt-")

	req = httptest.NewRequest(http.MethodGet, "/api/tenants", nil)
	w = httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])

	// Missing name maps to 400 through the taxonomy.
	req = httptest.NewRequest(http.MethodPost, "/api/tenants", strings.NewReader(`{}`))
	w = httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(governance.CodeValidationError), decodeBody(t, w)["code"])
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.mock.Responses = []*llm.Response{packageResponse(t, vibePackage())}

	w := f.request(t, http.MethodPost, "/api/vibe/drafts", CreateDraftRequest{
		ProjectID: "proj-1",
		Prompt:    "a helpdesk with tickets",
		AppName:   "helpdesk",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created DraftResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.Draft)
	assert.True(t, created.Result.Success)
	draftID := created.Draft.ID

	w = f.request(t, http.MethodGet, "/api/vibe/drafts/"+draftID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPost, "/api/vibe/drafts/"+draftID+"/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	previewed := decodeBody(t, w)
	assert.Equal(t, string(draft.StatusPreviewed), previewed["status"])

	w = f.request(t, http.MethodGet, "/api/vibe/drafts/"+draftID+"/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])

	w = f.request(t, http.MethodPost, "/api/vibe/drafts/"+draftID+"/discard", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Discarded drafts are frozen: 422 with the state code.
	w = f.request(t, http.MethodPost, "/api/vibe/drafts/"+draftID+"/preview", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(governance.CodeStateInvalid), decodeBody(t, w)["code"])
}

func TestCreateDraftRequiresPrompt(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/vibe/drafts", CreateDraftRequest{ProjectID: "proj-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDraftNotFound(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/api/vibe/drafts/drf-ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(governance.CodeNotFound), decodeBody(t, w)["code"])
}

func TestProducerFailureMapsToBadGateway(t *testing.T) {
	f := newServerFixture(t)
	f.mock.Err = llm.NewFatalError(assert.AnError)

	w := f.request(t, http.MethodPost, "/api/vibe/drafts", CreateDraftRequest{
		ProjectID: "proj-1",
		Prompt:    "a helpdesk",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(governance.CodeProducerError), decodeBody(t, w)["code"])
}

func TestPreviewStreamEmitsSSEFrames(t *testing.T) {
	f := newServerFixture(t)
	f.mock.Responses = []*llm.Response{packageResponse(t, vibePackage())}

	w := f.request(t, http.MethodPost, "/api/vibe/preview/stream", CreateDraftRequest{
		ProjectID: "proj-1",
		Prompt:    "a helpdesk",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var stages []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Stage string `json:"stage"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		stages = append(stages, ev.Stage)
	}
	require.NotEmpty(t, stages)
	assert.Equal(t, string(draft.StageGeneration), stages[0])
	assert.Equal(t, string(draft.StageComplete), stages[len(stages)-1])
}

func TestPreviewStreamTokensRouteEmitsTokenFrames(t *testing.T) {
	f := newServerFixture(t)
	f.mock.Responses = []*llm.Response{packageResponse(t, vibePackage())}

	w := f.request(t, http.MethodPost, "/api/vibe/preview/stream-tokens", CreateDraftRequest{
		ProjectID: "proj-1",
		Prompt:    "a helpdesk",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	tokenFrames := 0
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Stage  string `json:"stage"`
			Tokens string `json:"tokens"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev.Tokens != "" {
			tokenFrames++
			assert.Equal(t, string(draft.StageGeneration), ev.Stage)
		}
	}
	assert.NotZero(t, tokenFrames, "token route interleaves producer token frames")
}

func TestWorkflowActivationGovernanceOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/workflow-definitions", workflow.Definition{
		Name:        "Triage",
		TriggerType: "record.created",
		Steps: []workflow.Step{
			{Name: "assign", StepType: workflow.StepAssignment, OrderIndex: 1,
				Config: map[string]any{"assigneeType": "user", "userId": "alice"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	defID := decodeBody(t, w)["id"].(string)

	// No change bound: activation is refused at the governance boundary.
	w = f.request(t, http.MethodPost, "/api/workflow-definitions/"+defID+"/activate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(governance.CodeGovernanceRequired), decodeBody(t, w)["code"])
}

func TestManualTriggerFireOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)

	// Activate a definition behind a ready change so the trigger has a target.
	change := governance.NewChange("acme", "Enable triage", "alice")
	change.Status = governance.ChangeStatusReady
	require.NoError(t, f.changes.Put(ctx, f.op, change))

	w := f.request(t, http.MethodPost, "/api/workflow-definitions", workflow.Definition{
		Name:        "Triage",
		TriggerType: "manual",
		ChangeID:    change.ID,
		Steps: []workflow.Step{
			{Name: "assign", StepType: workflow.StepAssignment, OrderIndex: 1,
				Config: map[string]any{"assigneeType": "user", "userId": "alice"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	defID := decodeBody(t, w)["id"].(string)

	w = f.request(t, http.MethodPost, "/api/workflow-definitions/"+defID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPost, "/api/workflow-triggers", trigger.Trigger{
		DefinitionID: defID,
		Type:         trigger.TypeManual,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	triggerID := decodeBody(t, w)["id"].(string)

	w = f.request(t, http.MethodPost, "/api/workflow-triggers/"+triggerID+"/fire",
		map[string]any{"payload": map[string]any{"reason": "ops"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, string(trigger.IntentPending), decodeBody(t, w)["status"])

	// Disabled triggers refuse with the state code.
	w = f.request(t, http.MethodPost, "/api/workflow-triggers/"+triggerID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.request(t, http.MethodPost, "/api/workflow-triggers/"+triggerID+"/fire", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDirectDefinitionExecuteOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)

	change := governance.NewChange("acme", "Enable triage", "alice")
	change.Status = governance.ChangeStatusReady
	require.NoError(t, f.changes.Put(ctx, f.op, change))

	w := f.request(t, http.MethodPost, "/api/workflow-definitions", workflow.Definition{
		Name:        "Triage",
		TriggerType: "manual",
		ChangeID:    change.ID,
		Steps: []workflow.Step{
			{Name: "assign", StepType: workflow.StepAssignment, OrderIndex: 1,
				Config: map[string]any{"assigneeType": "user", "userId": "alice"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	defID := decodeBody(t, w)["id"].(string)

	w = f.request(t, http.MethodPost, "/api/workflow-definitions/"+defID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Direct execution bypasses triggers; the intent is synthesized.
	w = f.request(t, http.MethodPost, "/api/workflow-definitions/"+defID+"/execute",
		map[string]any{"input": map[string]any{"recordId": "r1"}})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, string(workflow.ExecutionCompleted), body["status"])
	assert.Contains(t, body["intentId"], "wfi-")

	// Draft definitions refuse direct execution.
	w = f.request(t, http.MethodPost, "/api/workflow-definitions", workflow.Definition{
		Name:        "Dormant",
		TriggerType: "manual",
		Steps: []workflow.Step{
			{Name: "assign", StepType: workflow.StepAssignment, OrderIndex: 1,
				Config: map[string]any{"assigneeType": "user", "userId": "alice"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	draftID := decodeBody(t, w)["id"].(string)
	w = f.request(t, http.MethodPost, "/api/workflow-definitions/"+draftID+"/execute",
		map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRecordEventIngress(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/workflow-triggers", trigger.Trigger{
		DefinitionID: "wfd-1",
		Type:         trigger.TypeRecord,
		Record:       &trigger.RecordConfig{RecordType: "ticket", Event: "created"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.request(t, http.MethodPost, "/api/record-events", trigger.RecordEvent{
		EventID:    "evt-1",
		RecordType: "ticket",
		Event:      "created",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["matched"])
}

func TestEnvironmentAndPromotionRoutes(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/admin/environments",
		map[string]any{"projectId": "proj-1", "name": "Dev", "kind": "dev"})
	require.Equal(t, http.StatusCreated, w.Code)
	devID := decodeBody(t, w)["id"].(string)

	w = f.request(t, http.MethodPost, "/api/admin/environments",
		map[string]any{"projectId": "proj-1", "name": "Test", "kind": "test"})
	require.Equal(t, http.StatusCreated, w.Code)
	testID := decodeBody(t, w)["id"].(string)

	p := vibePackage()
	checksum, err := pack.Checksum(p)
	require.NoError(t, err)
	_, err = f.envs.PutState(ctx, f.op, &env.PackageState{
		EnvironmentID: devID,
		TenantID:      "acme",
		PackageKey:    p.PackageKey,
		Package:       p,
		Checksum:      checksum,
	}, 0)
	require.NoError(t, err)

	w = f.request(t, http.MethodGet,
		"/api/admin/environments/diff?fromEnvId="+devID+"&toEnvId="+testID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPost, "/api/admin/environments/promotions",
		map[string]any{"projectId": "proj-1", "fromEnvironmentId": devID, "toEnvironmentId": testID})
	require.Equal(t, http.StatusCreated, w.Code)
	intentID := decodeBody(t, w)["id"].(string)

	w = f.request(t, http.MethodPost,
		"/api/admin/environments/promotions/"+intentID+"/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Test environments have no approval gate, so execute follows preview.
	w = f.request(t, http.MethodPost,
		"/api/admin/environments/promotions/"+intentID+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(promotion.StatusExecuted), decodeBody(t, w)["status"])

	state, _, err := f.envs.GetState(ctx, f.op, testID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, checksum, state.Checksum)
}

func TestGovernedWritesRequireChangeHeader(t *testing.T) {
	f := newServerFixture(t)

	body := map[string]any{
		"installedModuleId": "env-1",
		"overrideType":      "form",
		"targetRef":         "ticket",
	}

	w := f.requestWithoutChange(t, http.MethodPost, "/api/overrides", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(governance.CodeGovernanceRequired), decodeBody(t, w)["code"])

	w = f.request(t, http.MethodPost, "/api/overrides", body)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "chg-test", decodeBody(t, w)["changeId"])
}

func TestEffectiveFormQueryValidation(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/api/overrides/effective-form?environmentId=env-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimelineRoute(t *testing.T) {
	f := newServerFixture(t)
	f.mock.Responses = []*llm.Response{packageResponse(t, vibePackage())}

	w := f.request(t, http.MethodPost, "/api/vibe/drafts", CreateDraftRequest{
		ProjectID: "proj-1",
		Prompt:    "a helpdesk",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.request(t, http.MethodGet, "/api/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody(t, w)["events"].([]any)
	assert.NotEmpty(t, events)
}

func TestSharedPrimitivesCatalog(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)

	// The catalog spans tenants without tenant headers.
	req := httptest.NewRequest(http.MethodPost, "/api/tenants",
		strings.NewReader(`{"name":"Acme"}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	tenantID := decodeBody(t, w)["id"].(string)

	op := governance.SystemContext(tenantID)
	e, err := f.envs.CreateEnvironment(ctx, op, "proj-1", "Dev", env.KindDev)
	require.NoError(t, err)
	p := vibePackage()
	checksum, err := pack.Checksum(p)
	require.NoError(t, err)
	_, err = f.envs.PutState(ctx, op, &env.PackageState{
		EnvironmentID: e.ID,
		TenantID:      tenantID,
		PackageKey:    p.PackageKey,
		Package:       p,
		Checksum:      checksum,
	}, 0)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/primitives/shared", nil)
	w = httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, float64(1), body["total"])
	first := body["primitives"].([]any)[0].(map[string]any)
	assert.Equal(t, "ticket", first["key"])
	assert.Equal(t, float64(1), first["tenantCount"])
}
