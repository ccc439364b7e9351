// Package httpapi exposes the control plane over HTTP/JSON. Routes are
// tenant-scoped through the x-tenant-id / x-user-id headers except the
// tenant registry itself; errors map taxonomy codes to HTTP statuses.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/audit"
	"github.com/c360studio/changeops/draft"
	"github.com/c360studio/changeops/env"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/override"
	"github.com/c360studio/changeops/promotion"
	"github.com/c360studio/changeops/tenant"
	"github.com/c360studio/changeops/trigger"
	"github.com/c360studio/changeops/workflow"
)

// maxBodySize limits request bodies to prevent memory exhaustion.
const maxBodySize = 1 << 20 // 1 MB

// Server aggregates the engines behind the HTTP surface.
type Server struct {
	tenants    *tenant.Registry
	drafts     *draft.Engine
	overrides  *override.Composer
	workflows  *workflow.Engine
	triggers   *trigger.Service
	promotions *promotion.Service
	envs       *env.Store
	recorder   *audit.Recorder
	logger     *slog.Logger

	// strictFrames makes SSE encoding failures surface as an error event
	// instead of being silently dropped.
	strictFrames bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStrictFrames surfaces malformed SSE frames instead of dropping them.
func WithStrictFrames(strict bool) ServerOption {
	return func(s *Server) {
		s.strictFrames = strict
	}
}

// NewServer wires the HTTP surface over the engines.
func NewServer(
	tenants *tenant.Registry,
	drafts *draft.Engine,
	overrides *override.Composer,
	workflows *workflow.Engine,
	triggers *trigger.Service,
	promotions *promotion.Service,
	envs *env.Store,
	recorder *audit.Recorder,
	opts ...ServerOption,
) *Server {
	s := &Server{
		tenants:    tenants,
		drafts:     drafts,
		overrides:  overrides,
		workflows:  workflows,
		triggers:   triggers,
		promotions: promotions,
		envs:       envs,
		recorder:   recorder,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Tenant registry sits above the tenant middleware.
	mux.HandleFunc("GET /api/tenants", s.handleListTenants)
	mux.HandleFunc("POST /api/tenants", s.handleCreateTenant)

	// Drafts.
	mux.HandleFunc("GET /api/vibe/drafts", s.tenantScoped(s.handleListDrafts))
	mux.HandleFunc("POST /api/vibe/drafts", s.tenantScoped(s.handleCreateDraft))
	mux.HandleFunc("GET /api/vibe/drafts/{id}", s.tenantScoped(s.handleGetDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/refine", s.tenantScoped(s.handleRefineDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/preview", s.tenantScoped(s.handlePreviewDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/install", s.tenantScoped(s.handleInstallDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/discard", s.tenantScoped(s.handleDiscardDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/restore", s.tenantScoped(s.handleRestoreDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/patch", s.tenantScoped(s.handlePatchDraft))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/adopt-variant", s.tenantScoped(s.handleAdoptVariant))
	mux.HandleFunc("GET /api/vibe/drafts/{id}/versions", s.tenantScoped(s.handleListVersions))
	mux.HandleFunc("GET /api/vibe/drafts/{id}/versions/{n}", s.tenantScoped(s.handleGetVersion))
	mux.HandleFunc("POST /api/vibe/drafts/{id}/versions/diff", s.tenantScoped(s.handleDiffVersions))

	// Streaming generation.
	mux.HandleFunc("POST /api/vibe/preview/stream", s.tenantScoped(s.handlePreviewStream))
	mux.HandleFunc("POST /api/vibe/preview/stream-tokens", s.tenantScoped(s.handlePreviewStreamTokens))
	mux.HandleFunc("POST /api/vibe/generate-multi", s.tenantScoped(s.handleGenerateMulti))
	mux.HandleFunc("POST /api/vibe/generate-multi/stream", s.tenantScoped(s.handleGenerateMultiStream))
	mux.HandleFunc("POST /api/vibe/variants/diff", s.tenantScoped(s.handleDiffVariants))

	// Overrides.
	mux.HandleFunc("GET /api/overrides", s.tenantScoped(s.handleListOverrides))
	mux.HandleFunc("POST /api/overrides", s.tenantScoped(s.handleCreateOverride))
	mux.HandleFunc("POST /api/overrides/{id}/activate", s.tenantScoped(s.handleActivateOverride))
	mux.HandleFunc("POST /api/overrides/{id}/retire", s.tenantScoped(s.handleRetireOverride))
	mux.HandleFunc("GET /api/overrides/effective-form", s.tenantScoped(s.handleEffectiveForm))

	// Workflow definitions and executions.
	mux.HandleFunc("GET /api/workflow-definitions", s.tenantScoped(s.handleListDefinitions))
	mux.HandleFunc("POST /api/workflow-definitions", s.tenantScoped(s.handleCreateDefinition))
	mux.HandleFunc("GET /api/workflow-definitions/{id}", s.tenantScoped(s.handleGetDefinition))
	mux.HandleFunc("POST /api/workflow-definitions/{id}/activate", s.tenantScoped(s.handleActivateDefinition))
	mux.HandleFunc("POST /api/workflow-definitions/{id}/retire", s.tenantScoped(s.handleRetireDefinition))
	mux.HandleFunc("POST /api/workflow-definitions/{id}/steps", s.tenantScoped(s.handleUpdateSteps))
	mux.HandleFunc("POST /api/workflow-definitions/{id}/execute", s.tenantScoped(s.handleExecuteDefinition))
	mux.HandleFunc("GET /api/workflow-executions", s.tenantScoped(s.handleListExecutions))
	mux.HandleFunc("GET /api/workflow-executions/{id}", s.tenantScoped(s.handleGetExecution))
	mux.HandleFunc("GET /api/workflow-executions/{id}/steps", s.tenantScoped(s.handleExecutionSteps))
	mux.HandleFunc("POST /api/workflow-executions/{id}/resume", s.tenantScoped(s.handleResumeExecution))

	// Triggers and event ingress.
	mux.HandleFunc("GET /api/workflow-triggers", s.tenantScoped(s.handleListTriggers))
	mux.HandleFunc("POST /api/workflow-triggers", s.tenantScoped(s.handleCreateTrigger))
	mux.HandleFunc("GET /api/workflow-triggers/{id}", s.tenantScoped(s.handleGetTrigger))
	mux.HandleFunc("POST /api/workflow-triggers/{id}/enable", s.tenantScoped(s.handleEnableTrigger))
	mux.HandleFunc("POST /api/workflow-triggers/{id}/disable", s.tenantScoped(s.handleDisableTrigger))
	mux.HandleFunc("POST /api/workflow-triggers/{id}/fire", s.tenantScoped(s.handleFireTrigger))
	mux.HandleFunc("POST /api/record-events", s.tenantScoped(s.handleRecordEvent))

	// Environments and promotions.
	mux.HandleFunc("GET /api/admin/environments", s.tenantScoped(s.handleListEnvironments))
	mux.HandleFunc("POST /api/admin/environments", s.tenantScoped(s.handleCreateEnvironment))
	mux.HandleFunc("GET /api/admin/environments/diff", s.tenantScoped(s.handleEnvDiff))
	mux.HandleFunc("GET /api/admin/environments/drift", s.tenantScoped(s.handleEnvDrift))
	mux.HandleFunc("GET /api/admin/environments/promotions", s.tenantScoped(s.handleListPromotions))
	mux.HandleFunc("POST /api/admin/environments/promotions", s.tenantScoped(s.handleCreatePromotion))
	mux.HandleFunc("POST /api/admin/environments/promotions/{id}/preview", s.tenantScoped(s.handlePreviewPromotion))
	mux.HandleFunc("POST /api/admin/environments/promotions/{id}/approve", s.tenantScoped(s.handleApprovePromotion))
	mux.HandleFunc("POST /api/admin/environments/promotions/{id}/execute", s.tenantScoped(s.handleExecutePromotion))
	mux.HandleFunc("POST /api/admin/environments/promotions/{id}/reject", s.tenantScoped(s.handleRejectPromotion))

	// Timeline and catalog.
	mux.HandleFunc("GET /api/timeline", s.tenantScoped(s.handleTimeline))
	mux.HandleFunc("GET /api/primitives/shared", s.handleSharedPrimitives)

	return mux
}

// tenantHandler is a handler that receives the resolved operation context.
type tenantHandler func(w http.ResponseWriter, r *http.Request, op governance.OpContext)

// tenantScoped resolves the tenant and actor headers into an OpContext.
// Requests without a tenant are rejected before reaching the handler.
func (s *Server) tenantScoped(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("x-tenant-id")
		if tenantID == "" {
			s.writeError(w, http.StatusBadRequest, "x-tenant-id header is required")
			return
		}
		userID := r.Header.Get("x-user-id")
		if userID == "" {
			s.writeError(w, http.StatusBadRequest, "x-user-id header is required")
			return
		}

		op := governance.OpContext{
			Tenant: governance.TenantContext{
				TenantID: tenantID,
				Source:   governance.TenantSourceHeader,
			},
			Actor: governance.Actor{
				ID:   userID,
				Type: governance.ActorTypeUser,
			},
			Governance: governance.Governance{
				ChangeID: r.Header.Get("x-change-id"),
			},
			RequestID: uuid.New().String(),
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		h(w, r, op)
	}
}

// decode reads a JSON request body into target.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryLimit parses the limit query parameter with a default of 50.
func queryLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 1 && parsed <= 1000 {
			limit = parsed
		}
	}
	return limit
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

// writeError writes a plain error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}

// writeDomainError maps a taxonomy-coded error onto an HTTP status. The code
// rides along in the body so clients can branch without parsing messages.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := governance.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case governance.CodeValidationError:
		status = http.StatusBadRequest
	case governance.CodeNotFound:
		status = http.StatusNotFound
	case governance.CodeConflict:
		status = http.StatusConflict
	case governance.CodeStateInvalid, governance.CodeInvariantViolation:
		status = http.StatusUnprocessableEntity
	case governance.CodeGovernanceRequired, governance.CodeCapabilityDenied, governance.CodeModuleBoundaryEscape:
		status = http.StatusForbidden
	case governance.CodeProducerError:
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": err.Error()}
	if code != "" {
		body["code"] = string(code)
	}
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// handleListTenants handles GET /api/tenants.
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.tenants.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list tenants", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants, "total": len(tenants)})
}

// handleCreateTenant handles POST /api/tenants.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	t, err := s.tenants.Create(r.Context(), req.Name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}
