// Package airflow reconciles schedule definitions into an external
// orchestrator. The orchestrator is a mirror, not the source of truth: local
// scheduling never depends on a sync having succeeded.
package airflow

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/kpi/schedule"
)

// TimingSpec is the orchestrator-facing projection of a schedule
type TimingSpec struct {
	ScheduleType   string     `json:"schedule_type"`
	CronExpression string     `json:"cron_expression,omitempty"`
	Timezone       string     `json:"timezone"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// Orchestrator is the external scheduling system. Identifiers are opaque;
// nothing here assumes Airflow specifically beyond the DAG vocabulary.
type Orchestrator interface {
	// PushSchedule upserts the timing spec under the given DAG ID
	PushSchedule(ctx context.Context, dagID string, spec TimingSpec) error
	// PullSyncStatus reports the orchestrator's state for a DAG
	PullSyncStatus(ctx context.Context, dagID string) (string, error)
}

// DagID derives a deterministic DAG identifier from the schedule. The same
// schedule always maps to the same ID, which makes every push an upsert.
func DagID(prefix string, s *schedule.Schedule) string {
	name := sanitize(s.Name)
	short := s.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "_" + name + "_" + short
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// SpecFor builds the timing projection pushed to the orchestrator
func SpecFor(s *schedule.Schedule) TimingSpec {
	return TimingSpec{
		ScheduleType:   s.ScheduleType,
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
		StartDate:      s.StartDate,
		EndDate:        s.EndDate,
		IsActive:       s.IsActive,
	}
}

// ScheduleError is one schedule's sync failure
type ScheduleError struct {
	ScheduleID string `json:"schedule_id"`
	Error      string `json:"error"`
}

// SyncResult summarizes a reconciliation pass
type SyncResult struct {
	Total  int             `json:"total"`
	Synced int             `json:"synced"`
	Failed []ScheduleError `json:"failed,omitempty"`
}

// ScheduleSyncStatus is one schedule's view in the sync status report
type ScheduleSyncStatus struct {
	ScheduleID        string     `json:"schedule_id"`
	Name              string     `json:"name"`
	DagID             string     `json:"dag_id,omitempty"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	OrchestratorState string     `json:"orchestrator_state,omitempty"`
}

// Reconciler pushes schedule definitions to the orchestrator and records
// sync state locally.
type Reconciler struct {
	schedules *schedule.Store
	orch      Orchestrator
	dagPrefix string
	log       *zap.SugaredLogger
}

// NewReconciler creates a reconciler
func NewReconciler(schedules *schedule.Store, orch Orchestrator, dagPrefix string, log *zap.SugaredLogger) *Reconciler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{
		schedules: schedules,
		orch:      orch,
		dagPrefix: dagPrefix,
		log:       log,
	}
}

// SyncOne pushes a single schedule. On success the schedule's external DAG ID
// and last sync time are persisted; on failure local state is untouched.
func (r *Reconciler) SyncOne(ctx context.Context, s *schedule.Schedule) error {
	dagID := DagID(r.dagPrefix, s)

	if err := r.orch.PushSchedule(ctx, dagID, SpecFor(s)); err != nil {
		return err
	}
	if err := r.schedules.UpdateSyncState(s.ID, dagID, time.Now()); err != nil {
		return err
	}

	r.log.Infow("schedule synced", "schedule_id", s.ID, "dag_id", dagID)
	return nil
}

// SyncAll reconciles every active schedule. Failures are collected per
// schedule and never abort the pass; running it twice in a row is a no-op on
// the orchestrator side because DAG IDs are stable.
func (r *Reconciler) SyncAll(ctx context.Context) (*SyncResult, error) {
	schedules, err := r.schedules.List(false)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Total: len(schedules)}
	for _, s := range schedules {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.SyncOne(ctx, s); err != nil {
			result.Failed = append(result.Failed, ScheduleError{
				ScheduleID: s.ID,
				Error:      err.Error(),
			})
			r.log.Warnw("schedule sync failed", "schedule_id", s.ID, "error", err)
			continue
		}
		result.Synced++
	}

	r.log.Infow("sync pass finished",
		"total", result.Total, "synced", result.Synced, "failed", len(result.Failed))
	return result, nil
}

// Status reports each active schedule's sync state, including the
// orchestrator's own view where a DAG has been pushed before.
func (r *Reconciler) Status(ctx context.Context) ([]ScheduleSyncStatus, error) {
	schedules, err := r.schedules.List(false)
	if err != nil {
		return nil, err
	}

	statuses := make([]ScheduleSyncStatus, 0, len(schedules))
	for _, s := range schedules {
		status := ScheduleSyncStatus{
			ScheduleID: s.ID,
			Name:       s.Name,
			DagID:      s.ExternalDagID,
			LastSyncAt: s.LastSyncAt,
		}
		if s.ExternalDagID != "" {
			state, err := r.orch.PullSyncStatus(ctx, s.ExternalDagID)
			if err != nil {
				status.OrchestratorState = "unknown"
				r.log.Warnw("failed to pull sync status",
					"schedule_id", s.ID, "dag_id", s.ExternalDagID, "error", err)
			} else {
				status.OrchestratorState = state
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
