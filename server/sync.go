package server

import (
	"net/http"
)

// HandleSync handles POST /api/sync: reconcile all active schedules into the
// external orchestrator. Per-schedule failures are reported, not raised.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "Orchestrator sync is not enabled")
		return
	}

	result, err := s.reconciler.SyncAll(r.Context())
	if err != nil {
		s.logger.Errorw("Sync pass failed", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleSyncStatus handles GET /api/sync/status
func (s *Server) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "Orchestrator sync is not enabled")
		return
	}

	statuses, err := s.reconciler.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": statuses,
		"count":     len(statuses),
	})
}
