package httpapi

import (
	"net/http"
	"sort"

	"github.com/c360studio/changeops/env"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
)

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	envs, next, err := s.envs.ListEnvironments(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"environments": envs, "nextCursor": next})
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		ProjectID string   `json:"projectId"`
		Name      string   `json:"name"`
		Kind      env.Kind `json:"kind"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "name and kind are required")
		return
	}

	created, err := s.envs.CreateEnvironment(r.Context(), op, req.ProjectID, req.Name, req.Kind)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleEnvDiff handles GET /api/admin/environments/diff?fromEnvId&toEnvId.
func (s *Server) handleEnvDiff(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	fromID := r.URL.Query().Get("fromEnvId")
	toID := r.URL.Query().Get("toEnvId")
	if fromID == "" || toID == "" {
		s.writeError(w, http.StatusBadRequest, "fromEnvId and toEnvId are required")
		return
	}

	fromState, _, err := s.envs.GetState(r.Context(), op, fromID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	toState, _, err := s.envs.GetState(r.Context(), op, toID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	var fromPkg, toPkg *pack.Package
	if fromState != nil {
		fromPkg = fromState.Package
	}
	if toState != nil {
		toPkg = toState.Package
	}

	s.writeJSON(w, http.StatusOK, pack.Diff(toPkg, fromPkg))
}

// handleEnvDrift handles GET /api/admin/environments/drift?projectId.
func (s *Server) handleEnvDrift(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	report, err := s.promotions.DriftReport(r.Context(), op, r.URL.Query().Get("projectId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListPromotions(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	intents, next, err := s.promotions.List(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"promotions": intents, "nextCursor": next})
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		ProjectID         string `json:"projectId"`
		FromEnvironmentID string `json:"fromEnvironmentId"`
		ToEnvironmentID   string `json:"toEnvironmentId"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	intent, err := s.promotions.Create(r.Context(), op, req.ProjectID, req.FromEnvironmentID, req.ToEnvironmentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handlePreviewPromotion(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	intent, err := s.promotions.Preview(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleApprovePromotion(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	intent, err := s.promotions.Approve(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleExecutePromotion(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	intent, err := s.promotions.Execute(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleRejectPromotion(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	intent, err := s.promotions.Reject(r.Context(), op, r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	if entityID := r.URL.Query().Get("entityId"); entityID != "" {
		events, err := s.recorder.EntityTimeline(r.Context(), op, entityID, queryLimit(r))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
		return
	}

	events, next, err := s.recorder.Timeline(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "nextCursor": next})
}

// SharedPrimitive is one entry of the cross-tenant record-type catalog.
type SharedPrimitive struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	TenantCount int    `json:"tenantCount"`
}

// handleSharedPrimitives handles GET /api/primitives/shared. The catalog
// aggregates record-type keys across every tenant's installed baselines; no
// tenant-owned data beyond the key and display name leaves its silo.
func (s *Server) handleSharedPrimitives(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDs, err := s.tenants.IDs(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants for catalog", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build catalog")
		return
	}

	type entry struct {
		name    string
		tenants map[string]bool
	}
	catalog := make(map[string]*entry)

	for _, tenantID := range tenantIDs {
		op := governance.SystemContext(tenantID)

		cursor := ""
		for {
			envs, next, err := s.envs.ListEnvironments(ctx, op, cursor, 256)
			if err != nil {
				break
			}
			for _, e := range envs {
				state, _, err := s.envs.GetState(ctx, op, e.ID)
				if err != nil || state == nil || state.Package == nil {
					continue
				}
				for _, rt := range state.Package.RecordTypes {
					ent, ok := catalog[rt.Key]
					if !ok {
						ent = &entry{name: rt.Name, tenants: make(map[string]bool)}
						catalog[rt.Key] = ent
					}
					ent.tenants[tenantID] = true
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	out := make([]SharedPrimitive, 0, len(catalog))
	for key, ent := range catalog {
		out = append(out, SharedPrimitive{Key: key, Name: ent.name, TenantCount: len(ent.tenants)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	s.writeJSON(w, http.StatusOK, map[string]any{"primitives": out, "total": len(out)})
}
