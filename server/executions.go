package server

import (
	"net/http"
)

// HandleExecution handles requests to /api/executions/{id} and sub-resources
// GET: Execution details
// GET {id}/results: Paginated drill-down into stored result rows
// POST {id}/cancel: Cooperative cancellation
func (s *Server) HandleExecution(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/executions/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing execution ID")
		return
	}
	executionID := pathParts[0]

	if len(pathParts) > 1 {
		switch pathParts[1] {
		case "results":
			s.handleExecutionResults(w, r, executionID)
		case "cancel":
			s.handleCancelExecution(w, r, executionID)
		default:
			writeError(w, http.StatusNotFound, "Unknown execution resource: "+pathParts[1])
		}
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	exec, err := s.executions.Get(executionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionResults(w http.ResponseWriter, r *http.Request, executionID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	exec, err := s.executions.Get(executionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	result, err := s.results.GetPage(executionID, page, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"kpi_id":       exec.KpiID,
		"columns":      exec.ResultColumns,
		"total":        result.Total,
		"page":         result.Page,
		"page_size":    result.PageSize,
		"total_pages":  result.TotalPages,
		"data":         result.Data,
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.runner.Cancel(executionID); err != nil {
		writeServiceError(w, err)
		return
	}

	s.logger.Infow("Execution cancellation requested", "execution_id", shortID(executionID))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": executionID})
}
