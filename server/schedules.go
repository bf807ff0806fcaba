package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/3FramesLab/kpi-engine/kpi/audit"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
)

// HandleSchedules handles requests to /api/schedules
// GET: List schedules
// POST: Create a new schedule
func (s *Server) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSchedules(w, r)
	case http.MethodPost:
		s.handleCreateSchedule(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleSchedule handles requests to /api/schedules/{id} and its sub-resources
// GET: Get schedule details
// PATCH: Update schedule
// DELETE: Deactivate schedule
// POST {id}/trigger: Fire the schedule now
// GET {id}/executions: Execution history
// GET {id}/statistics: Execution statistics
func (s *Server) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/schedules/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing schedule ID")
		return
	}
	scheduleID := pathParts[0]

	if len(pathParts) > 1 {
		switch pathParts[1] {
		case "trigger":
			s.handleTriggerSchedule(w, r, scheduleID)
		case "executions":
			s.handleScheduleExecutions(w, r, scheduleID)
		case "statistics":
			s.handleScheduleStatistics(w, r, scheduleID)
		default:
			writeError(w, http.StatusNotFound, "Unknown schedule resource: "+pathParts[1])
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetSchedule(w, r, scheduleID)
	case http.MethodPatch:
		s.handleUpdateSchedule(w, r, scheduleID)
	case http.MethodDelete:
		s.handleDeactivateSchedule(w, r, scheduleID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	schedules, err := s.schedules.List(includeInactive)
	if err != nil {
		s.logger.Errorw("Failed to list schedules", "error", err)
		writeServiceError(w, err)
		return
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched schedule.Schedule
	if err := readJSON(w, r, &sched); err != nil {
		return
	}
	s.applyScheduleDefaults(&sched)

	snapshot, _ := json.Marshal(&sched)
	performedBy := requestUser(r)

	err := s.auditMgr.WithAudit(sched.KpiID, audit.ActionCreate, performedBy, string(snapshot),
		map[string]interface{}{"name": sched.Name, "schedule_type": sched.ScheduleType},
		func() error {
			return s.schedules.Create(&sched)
		})
	if err != nil {
		s.logger.Errorw("Failed to create schedule", "kpi_id", sched.KpiID, "error", err)
		writeServiceError(w, err)
		return
	}

	s.logger.Infow("Schedule created",
		"schedule_id", shortID(sched.ID),
		"kpi_id", sched.KpiID,
		"schedule_type", sched.ScheduleType)
	writeJSON(w, http.StatusCreated, &sched)
}

// applyScheduleDefaults fills policy values the request left unset
func (s *Server) applyScheduleDefaults(sched *schedule.Schedule) {
	if sched.RetryCount == 0 {
		sched.RetryCount = s.cfg.Scheduler.DefaultRetryCount
	}
	if sched.RetryDelaySeconds == 0 {
		sched.RetryDelaySeconds = s.cfg.Scheduler.DefaultRetryDelaySeconds
	}
	if sched.TimeoutSeconds == 0 {
		sched.TimeoutSeconds = s.cfg.Scheduler.DefaultTimeoutSeconds
	}
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	sched, err := s.schedules.Get(scheduleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// schedulePatch is the partial-update body for PATCH /api/schedules/{id}
type schedulePatch struct {
	Name              *string    `json:"name"`
	ScheduleType      *string    `json:"schedule_type"`
	CronExpression    *string    `json:"cron_expression"`
	Timezone          *string    `json:"timezone"`
	IsActive          *bool      `json:"is_active"`
	StartDate         *time.Time `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
	RetryCount        *int       `json:"retry_count"`
	RetryDelaySeconds *int       `json:"retry_delay_seconds"`
	TimeoutSeconds    *int       `json:"timeout_seconds"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	sched, err := s.schedules.Get(scheduleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Snapshot before mutating, so the version history records the state
	// being replaced
	snapshot, _ := json.Marshal(sched)

	var patch schedulePatch
	if err := readJSON(w, r, &patch); err != nil {
		return
	}

	changes := map[string]interface{}{}
	if patch.Name != nil {
		sched.Name = *patch.Name
		changes["name"] = *patch.Name
	}
	if patch.ScheduleType != nil {
		sched.ScheduleType = *patch.ScheduleType
		changes["schedule_type"] = *patch.ScheduleType
	}
	if patch.CronExpression != nil {
		sched.CronExpression = *patch.CronExpression
		changes["cron_expression"] = *patch.CronExpression
	}
	if patch.Timezone != nil {
		sched.Timezone = *patch.Timezone
		changes["timezone"] = *patch.Timezone
	}
	if patch.IsActive != nil {
		sched.IsActive = *patch.IsActive
		changes["is_active"] = *patch.IsActive
	}
	if patch.StartDate != nil {
		sched.StartDate = *patch.StartDate
		changes["start_date"] = *patch.StartDate
	}
	if patch.EndDate != nil {
		sched.EndDate = patch.EndDate
		changes["end_date"] = *patch.EndDate
	}
	if patch.RetryCount != nil {
		sched.RetryCount = *patch.RetryCount
		changes["retry_count"] = *patch.RetryCount
	}
	if patch.RetryDelaySeconds != nil {
		sched.RetryDelaySeconds = *patch.RetryDelaySeconds
		changes["retry_delay_seconds"] = *patch.RetryDelaySeconds
	}
	if patch.TimeoutSeconds != nil {
		sched.TimeoutSeconds = *patch.TimeoutSeconds
		changes["timeout_seconds"] = *patch.TimeoutSeconds
	}

	err = s.auditMgr.WithAudit(sched.KpiID, audit.ActionUpdate, requestUser(r), string(snapshot),
		changes, func() error {
			return s.schedules.Update(sched)
		})
	if err != nil {
		s.logger.Errorw("Failed to update schedule", "schedule_id", shortID(scheduleID), "error", err)
		writeServiceError(w, err)
		return
	}

	s.logger.Infow("Schedule updated", "schedule_id", shortID(scheduleID))
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeactivateSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	sched, err := s.schedules.Get(scheduleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	err = s.auditMgr.WithAudit(sched.KpiID, audit.ActionDelete, requestUser(r), "",
		map[string]interface{}{"schedule_id": scheduleID},
		func() error {
			return s.schedules.Deactivate(scheduleID)
		})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.logger.Infow("Schedule deactivated", "schedule_id", shortID(scheduleID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "id": scheduleID})
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	exec, err := s.runner.TriggerAsync(r.Context(), scheduleID, true)
	if err != nil {
		s.logger.Warnw("Manual trigger rejected", "schedule_id", shortID(scheduleID), "error", err)
		writeServiceError(w, err)
		return
	}

	s.logger.Infow("Schedule triggered manually",
		"schedule_id", shortID(scheduleID),
		"execution_id", shortID(exec.ID))
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleScheduleExecutions(w http.ResponseWriter, r *http.Request, scheduleID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := s.schedules.Get(scheduleID); err != nil {
		writeServiceError(w, err)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	if page < 1 || pageSize < 1 || pageSize > 200 {
		writeError(w, http.StatusBadRequest, "Invalid pagination parameters")
		return
	}
	statusFilter := r.URL.Query().Get("status")

	executions, total, err := s.executions.ListBySchedule(scheduleID, pageSize, (page-1)*pageSize, statusFilter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions":  executions,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + pageSize - 1) / pageSize,
	})
}

func (s *Server) handleScheduleStatistics(w http.ResponseWriter, r *http.Request, scheduleID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := s.schedules.Get(scheduleID); err != nil {
		writeServiceError(w, err)
		return
	}

	days := queryInt(r, "days", 7)
	if days < 1 {
		writeError(w, http.StatusBadRequest, "days must be >= 1")
		return
	}

	stats, err := s.executions.GetStatistics(scheduleID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedule_id": scheduleID,
		"window_days": days,
		"statistics":  stats,
	})
}

// queryInt parses an integer query parameter with a fallback
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

// requestUser resolves who performed a mutation for the audit trail
func requestUser(r *http.Request) string {
	if user := r.Header.Get("X-User"); user != "" {
		return user
	}
	return "api"
}
