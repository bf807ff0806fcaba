package server

import (
	"net/http"
	"time"

	"github.com/3FramesLab/kpi-engine/kpi/execution"
)

// Alert flags a schedule that needs attention
type Alert struct {
	ScheduleID string `json:"schedule_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

// HandleDashboard handles GET /api/dashboard: a single-call overview of
// schedules, the last 24h of executions, sync health and alerts.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	schedules, err := s.schedules.List(true)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	activeCount := 0
	syncedCount := 0
	for _, sched := range schedules {
		if sched.IsActive {
			activeCount++
		}
		if sched.ExternalDagID != "" {
			syncedCount++
		}
	}

	since := time.Now().Add(-24 * time.Hour)
	counts, err := s.executions.CountByStatusSince(since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	total24h := 0
	for _, n := range counts {
		total24h += n
	}
	terminal := counts[execution.StatusSuccess] + counts[execution.StatusFailed] + counts[execution.StatusCancelled]
	successRate := 0.0
	if terminal > 0 {
		successRate = float64(counts[execution.StatusSuccess]) / float64(terminal)
	}

	recent, err := s.executions.ListRecent(10)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if recent == nil {
		recent = []*execution.Execution{}
	}

	alerts := s.collectAlerts()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": map[string]interface{}{
			"total":  len(schedules),
			"active": activeCount,
			"synced": syncedCount,
		},
		"executions_24h": map[string]interface{}{
			"total":        total24h,
			"by_status":    counts,
			"success_rate": successRate,
		},
		"recent_executions": recent,
		"alerts":            alerts,
	})
}

// staleSyncThreshold is how old a sync can be before it is flagged
const staleSyncThreshold = 24 * time.Hour

// collectAlerts flags active schedules whose latest execution failed and, when
// sync is enabled, schedules whose orchestrator mirror is missing or stale.
func (s *Server) collectAlerts() []Alert {
	alerts := []Alert{}

	schedules, err := s.schedules.List(false)
	if err != nil {
		s.logger.Warnw("Failed to list schedules for alerts", "error", err)
		return alerts
	}

	syncEnabled := s.reconciler != nil
	now := time.Now()

	for _, sched := range schedules {
		latest, _, err := s.executions.ListBySchedule(sched.ID, 1, 0, "")
		if err != nil {
			s.logger.Warnw("Failed to load latest execution for alerts",
				"schedule_id", sched.ID, "error", err)
			continue
		}
		if len(latest) > 0 && latest[0].Status == execution.StatusFailed {
			alerts = append(alerts, Alert{
				ScheduleID: sched.ID,
				Name:       sched.Name,
				Kind:       "last_execution_failed",
				Detail:     latest[0].ErrorMessage,
			})
		}

		if syncEnabled {
			if sched.LastSyncAt == nil {
				alerts = append(alerts, Alert{
					ScheduleID: sched.ID,
					Name:       sched.Name,
					Kind:       "never_synced",
					Detail:     "schedule has not been pushed to the orchestrator",
				})
			} else if now.Sub(*sched.LastSyncAt) > staleSyncThreshold {
				alerts = append(alerts, Alert{
					ScheduleID: sched.ID,
					Name:       sched.Name,
					Kind:       "stale_sync",
					Detail:     "last sync at " + sched.LastSyncAt.UTC().Format(time.RFC3339),
				})
			}
		}
	}

	return alerts
}
