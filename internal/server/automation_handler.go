package server

import (
	"net/http"

	"opsdesk/backend/opsdeskd/internal/changes"
	"opsdesk/backend/opsdeskd/pkg/httpx"
)

// POST /api/v1/automation/sweep
//
// Runs one sweep and reports per-record outcomes. Always 200: a bad
// record is an entry in errors, never a batch failure.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sweeper.Sweep(r.Context()))
}

// GET /api/v1/automation/status?limit=
func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	pending, err := s.store.PendingAutomations(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("pending automations query failed")
		httpx.WriteTypedError(w, http.StatusInternalServerError, "automation.store_error", "Failed to load automation records")
		return
	}
	recent, err := s.store.RecentAutomations(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent automations query failed")
		httpx.WriteTypedError(w, http.StatusInternalServerError, "automation.store_error", "Failed to load automation records")
		return
	}
	if pending == nil {
		pending = []*changes.Automation{}
	}
	if recent == nil {
		recent = []*changes.Automation{}
	}
	writeJSON(w, map[string]any{"pending": pending, "recentlyExecuted": recent})
}
