// Package schedule provides KPI schedule definitions and their persistence.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/3FramesLab/kpi-engine/errors"
)

// Schedule types
const (
	TypeDaily   = "daily"
	TypeWeekly  = "weekly"
	TypeMonthly = "monthly"
	TypeCron    = "cron"
)

// cronParser is the standard 5-field parser (minute hour day month weekday).
// Expressions are validated at save time, never at fire time.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule represents a recurring KPI execution definition
type Schedule struct {
	ID             string `json:"id"`
	KpiID          string `json:"kpi_id"`
	Name           string `json:"name"`
	ScheduleType   string `json:"schedule_type"`
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone"`
	IsActive       bool   `json:"is_active"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// Retry policy applied to every execution of this schedule
	RetryCount        int `json:"retry_count"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
	TimeoutSeconds    int `json:"timeout_seconds"`

	// External orchestrator mirror state, owned by the sync reconciler
	ExternalDagID string     `json:"external_dag_id,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`

	// LastRunAt records when the schedule last fired. NextRunAt is
	// materialized so that due-schedule discovery is an indexed comparison;
	// both are advanced together after every scheduled trigger.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the definition invariants. Violations return a validation
// error and nothing is persisted.
func (s *Schedule) Validate() error {
	if s.KpiID == "" {
		return errors.NewValidationError("kpi_id is required")
	}
	if s.Name == "" {
		return errors.NewValidationError("name is required")
	}

	switch s.ScheduleType {
	case TypeDaily, TypeWeekly, TypeMonthly:
		if s.CronExpression != "" {
			return errors.NewValidationError("cron_expression must be empty for %s schedules", s.ScheduleType)
		}
	case TypeCron:
		if s.CronExpression == "" {
			return errors.NewValidationError("cron_expression is required for cron schedules")
		}
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return errors.NewValidationError("invalid cron expression %q: %v", s.CronExpression, err)
		}
	default:
		return errors.NewValidationError("unknown schedule_type: %s", s.ScheduleType)
	}

	if s.StartDate.IsZero() {
		return errors.NewValidationError("start_date is required")
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return errors.NewValidationError("end_date must not be before start_date")
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return errors.NewValidationError("unknown timezone %q", s.Timezone)
		}
	}

	if s.RetryCount < 0 {
		return errors.NewValidationError("retry_count cannot be negative")
	}
	if s.RetryDelaySeconds < 0 {
		return errors.NewValidationError("retry_delay_seconds cannot be negative")
	}
	if s.TimeoutSeconds <= 0 {
		return errors.NewValidationError("timeout_seconds must be positive")
	}

	return nil
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InWindow reports whether now falls inside the schedule's
// [start_date, end_date] activity window.
func (s *Schedule) InWindow(now time.Time) bool {
	if now.Before(s.StartDate) {
		return false
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return false
	}
	return true
}
