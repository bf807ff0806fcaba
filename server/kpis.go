package server

import (
	"net/http"

	"github.com/3FramesLab/kpi-engine/kpi/audit"
	"github.com/3FramesLab/kpi-engine/notify"
)

// HandleKpi handles requests to /api/kpis/{id}/...
// POST {id}/execute: Submit an async run
// GET {id}/versions: Definition version history
// GET {id}/audit: Audit trail
// GET/PUT/DELETE {id}/notifications: Notification preferences
func (s *Server) HandleKpi(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/kpis/")
	if len(pathParts) < 2 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing KPI ID or resource")
		return
	}
	kpiID := pathParts[0]

	switch pathParts[1] {
	case "execute":
		s.handleExecuteKpi(w, r, kpiID)
	case "versions":
		s.handleKpiVersions(w, r, kpiID)
	case "audit":
		s.handleKpiAudit(w, r, kpiID)
	case "notifications":
		s.handleKpiNotifications(w, r, kpiID)
	default:
		writeError(w, http.StatusNotFound, "Unknown KPI resource: "+pathParts[1])
	}
}

// executeRequest is the body of POST /api/kpis/{id}/execute
type executeRequest struct {
	Params map[string]interface{} `json:"params"`
}

func (s *Server) handleExecuteKpi(w http.ResponseWriter, r *http.Request, kpiID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req executeRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}

	jobID := s.jobs.Submit(r.Context(), kpiID, req.Params)

	s.logger.Infow("Async KPI execution submitted", "kpi_id", kpiID, "job_id", shortID(jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "pending",
	})
}

func (s *Server) handleKpiVersions(w http.ResponseWriter, r *http.Request, kpiID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	versions, err := s.auditStore.ListVersions(kpiID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if versions == nil {
		versions = []*audit.DefinitionVersion{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kpi_id":   kpiID,
		"versions": versions,
		"count":    len(versions),
	})
}

func (s *Server) handleKpiAudit(w http.ResponseWriter, r *http.Request, kpiID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	entries, err := s.auditStore.ListByKpi(kpiID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kpi_id":  kpiID,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleKpiNotifications(w http.ResponseWriter, r *http.Request, kpiID string) {
	switch r.Method {
	case http.MethodGet:
		prefs, err := s.prefs.ListByKpi(kpiID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if prefs == nil {
			prefs = []*notify.Preference{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"kpi_id":      kpiID,
			"preferences": prefs,
		})

	case http.MethodPut:
		var pref notify.Preference
		if err := readJSON(w, r, &pref); err != nil {
			return
		}
		pref.KpiID = kpiID
		if err := s.prefs.Upsert(&pref); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &pref)

	case http.MethodDelete:
		channel := r.URL.Query().Get("channel")
		target := r.URL.Query().Get("target")
		if channel == "" || target == "" {
			writeError(w, http.StatusBadRequest, "channel and target query parameters are required")
			return
		}
		if err := s.prefs.Delete(kpiID, channel, target); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleJob handles GET /api/jobs/{id}
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}

	job, err := s.jobs.GetStatus(pathParts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// batchRequest is the body of POST /api/kpis/execute-batch
type batchRequest struct {
	KpiIDs []string               `json:"kpi_ids"`
	Params map[string]interface{} `json:"params"`
}

// HandleExecuteBatch runs several KPIs in one request, containing per-item
// failures in the response instead of failing the batch.
func (s *Server) HandleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req batchRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.KpiIDs) == 0 {
		writeError(w, http.StatusBadRequest, "kpi_ids must not be empty")
		return
	}

	result := s.runner.RunBatch(r.Context(), req.KpiIDs, req.Params)

	s.logger.Infow("Batch execution finished",
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed)
	writeJSON(w, http.StatusOK, result)
}
