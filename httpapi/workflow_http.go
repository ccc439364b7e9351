package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/override"
	"github.com/c360studio/changeops/trigger"
	"github.com/c360studio/changeops/workflow"
)

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	defs, next, err := s.workflows.ListDefinitions(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"definitions": defs, "nextCursor": next})
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var def workflow.Definition
	if !s.decode(w, r, &def) {
		return
	}

	created, err := s.workflows.CreateDefinition(r.Context(), op, &def)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	def, err := s.workflows.GetDefinition(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleActivateDefinition(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	def, err := s.workflows.Activate(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleRetireDefinition(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	def, err := s.workflows.Retire(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateSteps(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req workflow.Definition
	if !s.decode(w, r, &req) {
		return
	}
	req.ID = r.PathValue("id")

	def, err := s.workflows.UpdateDefinition(r.Context(), op, &req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

// handleExecuteDefinition starts an execution directly, outside any trigger.
// Executions always trace back to an intent, so one is synthesized for the
// call.
func (s *Server) handleExecuteDefinition(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		Input map[string]any `json:"input,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	intentID := "wfi-" + uuid.New().String()[:8]
	exec, err := s.workflows.Start(r.Context(), op, r.PathValue("id"), intentID, req.Input)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	execs, next, err := s.workflows.ListExecutions(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "nextCursor": next})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	exec, err := s.workflows.GetExecution(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionSteps(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	exec, err := s.workflows.GetExecution(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"steps": exec.Steps, "total": len(exec.Steps)})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		StepExecutionID string           `json:"stepExecutionId"`
		Outcome         workflow.Outcome `json:"outcome"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	exec, err := s.workflows.Resume(r.Context(), op, r.PathValue("id"), req.StepExecutionID, req.Outcome)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	triggers, next, err := s.triggers.List(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers, "nextCursor": next})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var t trigger.Trigger
	if !s.decode(w, r, &t) {
		return
	}

	created, err := s.triggers.Create(r.Context(), op, &t)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	t, err := s.triggers.Get(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleEnableTrigger(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	t, err := s.triggers.SetEnabled(r.Context(), op, r.PathValue("id"), true)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDisableTrigger(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	t, err := s.triggers.SetEnabled(r.Context(), op, r.PathValue("id"), false)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		Payload map[string]any `json:"payload,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	intent, err := s.triggers.FireManual(r.Context(), op, r.PathValue("id"), req.Payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, intent)
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var ev trigger.RecordEvent
	if !s.decode(w, r, &ev) {
		return
	}

	intents, err := s.triggers.EmitRecordEvent(r.Context(), op, ev)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"intents": intents, "matched": len(intents)})
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	overrides, next, err := s.overrides.List(r.Context(), op,
		r.URL.Query().Get("installedModuleId"), r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides, "nextCursor": next})
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var o override.Override
	if !s.decode(w, r, &o) {
		return
	}

	created, err := s.overrides.Create(r.Context(), op, &o)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleActivateOverride(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	o, err := s.overrides.Activate(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRetireOverride(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	o, err := s.overrides.Retire(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleEffectiveForm(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	envID := r.URL.Query().Get("environmentId")
	recordType := r.URL.Query().Get("recordType")
	if envID == "" || recordType == "" {
		s.writeError(w, http.StatusBadRequest, "environmentId and recordType are required")
		return
	}

	form, composeErrs, err := s.overrides.EffectiveFormFor(r.Context(), op, envID, recordType)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"form": form, "compositionErrors": composeErrs})
}
