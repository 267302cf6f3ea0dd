package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"opsdesk/backend/opsdeskd/internal/changes"
	"opsdesk/backend/opsdeskd/pkg/httpx"
)

type createChangeRequest struct {
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	AssignedTo       string     `json:"assignedTo,omitempty"`
	ScheduledFor     *time.Time `json:"scheduledFor,omitempty"`
	EstimatedEndTime *time.Time `json:"estimatedEndTime,omitempty"`
}

// POST /api/v1/changes
func (s *Server) handleCreateChange(w http.ResponseWriter, r *http.Request) {
	body, err := validateCreateChange(r)
	if err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "change.bad_payload", err.Error())
		return
	}

	c := &changes.Change{
		Title:            body.Title,
		Description:      body.Description,
		RequestedBy:      actorFrom(r).ID,
		AssignedTo:       body.AssignedTo,
		ScheduledFor:     body.ScheduledFor,
		EstimatedEndTime: body.EstimatedEndTime,
	}
	if err := s.store.CreateChange(r.Context(), c); err != nil {
		s.logger.Error().Err(err).Msg("create change failed")
		httpx.WriteTypedError(w, http.StatusInternalServerError, "change.store_error", "Failed to create change")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(c)
}

// GET /api/v1/changes?status=&limit=
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	status := changes.Status(r.URL.Query().Get("status"))
	list, err := s.store.ListChanges(r.Context(), status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list changes failed")
		httpx.WriteTypedError(w, http.StatusInternalServerError, "change.store_error", "Failed to list changes")
		return
	}
	if list == nil {
		list = []*changes.Change{}
	}
	writeJSON(w, map[string]any{"changes": list})
}

// GET /api/v1/changes/{id}
func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChange(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeChangeError(w, err)
		return
	}
	writeJSON(w, c)
}

// POST /api/v1/changes/{id}/approval
func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.RequestApproval(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		s.writeChangeError(w, err)
		return
	}
	writeJSON(w, c)
}

// PUT /api/v1/changes/{id}/approval
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action   string `json:"action"`
		Comments string `json:"comments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "change.bad_payload", "Invalid JSON body")
		return
	}
	decision := changes.Decision(body.Action)
	if decision != changes.DecisionApprove && decision != changes.DecisionReject {
		httpx.WriteTypedError(w, http.StatusBadRequest, "change.bad_payload", "action must be approve or reject")
		return
	}
	c, err := s.engine.DecideApproval(r.Context(), chi.URLParam(r, "id"), actorFrom(r), decision, body.Comments)
	if err != nil {
		s.writeChangeError(w, err)
		return
	}
	writeJSON(w, c)
}

// POST /api/v1/changes/{id}/completion
func (s *Server) handleReportCompletion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome string `json:"outcome"`
		Notes   string `json:"notes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "change.bad_payload", "Invalid JSON body")
		return
	}
	outcome := changes.Outcome(body.Outcome)
	if outcome != changes.OutcomeCompleted && outcome != changes.OutcomeFailed {
		httpx.WriteTypedError(w, http.StatusBadRequest, "change.bad_payload", "outcome must be completed or failed")
		return
	}
	c, err := s.engine.ReportCompletion(r.Context(), chi.URLParam(r, "id"), actorFrom(r), outcome, body.Notes)
	if err != nil {
		s.writeChangeError(w, err)
		return
	}
	writeJSON(w, c)
}

// GET /api/v1/changes/{id}/completion
func (s *Server) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChange(r.Context(), id); err != nil {
		s.writeChangeError(w, err)
		return
	}
	resp, err := s.store.LatestCompletionResponse(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Msg("get completion failed")
		httpx.WriteTypedError(w, http.StatusInternalServerError, "change.store_error", "Failed to load completion response")
		return
	}
	writeJSON(w, map[string]any{"completion": resp})
}

// GET /api/v1/notifications?limit=
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"notifications": s.notifier.List(intQuery(r, "limit", 50))})
}

func (s *Server) writeChangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, changes.ErrNotFound):
		httpx.WriteTypedError(w, http.StatusNotFound, "change.not_found", err.Error())
	case errors.Is(err, changes.ErrForbidden):
		httpx.WriteTypedError(w, http.StatusForbidden, "change.forbidden", err.Error())
	case errors.Is(err, changes.ErrInvalidState):
		httpx.WriteTypedError(w, http.StatusConflict, "change.invalid_state", err.Error())
	default:
		s.logger.Error().Err(err).Msg("change operation failed")
		httpx.WriteTypedError(w, http.StatusInternalServerError, "change.internal", "Internal error")
	}
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}
