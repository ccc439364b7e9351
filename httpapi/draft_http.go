package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/c360studio/changeops/draft"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
)

// CreateDraftRequest is the body for POST /api/vibe/drafts.
type CreateDraftRequest struct {
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId,omitempty"`
	Prompt        string `json:"prompt"`
	AppName       string `json:"appName,omitempty"`
}

// DraftResponse pairs a draft with the pipeline result that produced it.
type DraftResponse struct {
	Draft  *draft.Draft        `json:"draft"`
	Result *draft.RepairResult `json:"result,omitempty"`
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	drafts, next, err := s.drafts.List(r.Context(), op, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts, "nextCursor": next})
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req CreateDraftRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	d, result, err := s.drafts.Generate(r.Context(), op, req.ProjectID, req.EnvironmentID, req.Prompt, req.AppName)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, DraftResponse{Draft: d, Result: result})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	d, err := s.drafts.Get(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRefineDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	d, result, err := s.drafts.Refine(r.Context(), op, r.PathValue("id"), req.Prompt)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, DraftResponse{Draft: d, Result: result})
}

func (s *Server) handlePreviewDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	d, err := s.drafts.Preview(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleInstallDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	d, result, err := s.drafts.Install(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"draft": d, "install": result})
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	d, err := s.drafts.Discard(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRestoreDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		VersionNumber int `json:"versionNumber"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.VersionNumber < 1 {
		s.writeError(w, http.StatusBadRequest, "versionNumber must be >= 1")
		return
	}

	d, err := s.drafts.RestoreVersion(r.Context(), op, r.PathValue("id"), req.VersionNumber)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		Ops []pack.PatchOp `json:"ops"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Ops) == 0 {
		s.writeError(w, http.StatusBadRequest, "ops is required")
		return
	}

	d, verrs, err := s.drafts.Patch(r.Context(), op, r.PathValue("id"), req.Ops)
	if err != nil {
		if len(verrs) > 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":            err.Error(),
				"code":             string(governance.CodeValidationError),
				"validationErrors": verrs,
			})
			return
		}
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAdoptVariant(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		Variant *pack.Package `json:"variant"`
		CreateDraftRequest
	}
	if !s.decode(w, r, &req) {
		return
	}

	d, err := s.drafts.AdoptVariant(r.Context(), op, r.PathValue("id"), draft.GenerateRequest{
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Prompt:        req.Prompt,
		AppName:       req.AppName,
	}, req.Variant)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	versions, err := s.drafts.ListVersions(r.Context(), op, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "total": len(versions)})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		s.writeError(w, http.StatusBadRequest, "version number must be a positive integer")
		return
	}

	v, err := s.drafts.GetVersion(r.Context(), op, r.PathValue("id"), n)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDiffVersions(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	diff, err := s.drafts.DiffVersions(r.Context(), op, r.PathValue("id"), req.From, req.To)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleGenerateMulti(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		CreateDraftRequest
		Count int `json:"count"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	variants, err := s.drafts.GenerateMulti(r.Context(), op, draft.GenerateRequest{
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Prompt:        req.Prompt,
		AppName:       req.AppName,
	}, req.Count)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"variants": variants})
}

func (s *Server) handleDiffVariants(w http.ResponseWriter, r *http.Request, _ governance.OpContext) {
	var req struct {
		A *pack.Package `json:"a"`
		B *pack.Package `json:"b"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	s.writeJSON(w, http.StatusOK, draft.DiffVariants(req.A, req.B))
}

func (s *Server) handlePreviewStream(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	s.previewStream(w, r, op, false)
}

// handlePreviewStreamTokens is the stream route with producer token frames
// interleaved between the stage events.
func (s *Server) handlePreviewStreamTokens(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	s.previewStream(w, r, op, true)
}

func (s *Server) previewStream(w http.ResponseWriter, r *http.Request, op governance.OpContext, tokens bool) {
	var req CreateDraftRequest
	if !s.decode(w, r, &req) {
		return
	}

	events := s.drafts.PreviewStream(r.Context(), op, draft.GenerateRequest{
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Prompt:        req.Prompt,
		AppName:       req.AppName,
		Tokens:        tokens,
	})
	s.streamEvents(w, r, events)
}

func (s *Server) handleGenerateMultiStream(w http.ResponseWriter, r *http.Request, op governance.OpContext) {
	var req struct {
		CreateDraftRequest
		Count int `json:"count"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	events := s.drafts.GenerateMultiStream(r.Context(), op, draft.GenerateRequest{
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Prompt:        req.Prompt,
		AppName:       req.AppName,
	}, req.Count)
	s.streamEvents(w, r, events)
}

// streamEvents forwards pipeline events as SSE data frames. Encoding
// failures are dropped by default; with strict frames enabled the stream
// surfaces an error event and stops.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan draft.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("Failed to encode stream event", "stage", ev.Stage, "error", err)
				if s.strictFrames {
					fmt.Fprintf(w, "data: {\"stage\":\"error\",\"error\":\"malformed frame\"}\n\n")
					flusher.Flush()
					return
				}
				continue
			}

			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
