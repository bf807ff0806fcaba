// Package execution tracks KPI executions and their row-oriented results.
package execution

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. actual_end_time is set only
// in a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether the status occupies the schedule's single
// execution slot.
func (s Status) InFlight() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying:
		return true
	default:
		return false
	}
}

// Execution represents a single run of a scheduled (or manually triggered) KPI.
// Mutated only by the runner.
type Execution struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	KpiID      string `json:"kpi_id"`

	// ResultRef points at the stored result set; set only on success
	ResultRef *string `json:"result_ref,omitempty"`

	ScheduledTime   time.Time  `json:"scheduled_time"`
	ActualStartTime *time.Time `json:"actual_start_time,omitempty"`
	ActualEndTime   *time.Time `json:"actual_end_time,omitempty"`

	Status Status `json:"status"`

	// External orchestrator references, when the run was mirrored
	ExternalTaskRef string `json:"external_task_ref,omitempty"`
	ExternalRunRef  string `json:"external_run_ref,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`

	// FirstRowPreview caches a representative row as JSON for cheap previews
	// without a result store round trip
	FirstRowPreview string `json:"first_row_preview,omitempty"`
	// ResultColumns preserves column order of the stored result set
	ResultColumns []string `json:"result_columns,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a pending execution for a schedule
func New(scheduleID, kpiID string, scheduledTime time.Time, maxRetries int) *Execution {
	now := time.Now()
	return &Execution{
		ID:            uuid.NewString(),
		ScheduleID:    scheduleID,
		KpiID:         kpiID,
		ScheduledTime: scheduledTime,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Start marks the execution as running and records the start time
func (e *Execution) Start() {
	now := time.Now()
	e.Status = StatusRunning
	e.ActualStartTime = &now
	e.UpdatedAt = now
}

// MarkRetrying records a failed attempt that will be retried. The transition
// is persisted per attempt so retry progress is observable mid-flight.
func (e *Execution) MarkRetrying() {
	e.Status = StatusRetrying
	e.RetryCount++
	e.UpdatedAt = time.Now()
}

// Resume moves a retrying execution back to running for the next attempt
func (e *Execution) Resume() {
	e.Status = StatusRunning
	e.UpdatedAt = time.Now()
}

// Succeed marks the execution successful with a reference to its result set
func (e *Execution) Succeed(resultRef string) {
	now := time.Now()
	e.Status = StatusSuccess
	e.ResultRef = &resultRef
	e.ActualEndTime = &now
	e.UpdatedAt = now
}

// Fail marks the execution terminally failed with a classified reason
func (e *Execution) Fail(message string) {
	now := time.Now()
	e.Status = StatusFailed
	e.ErrorMessage = message
	e.ActualEndTime = &now
	e.UpdatedAt = now
}

// Cancel marks the execution cancelled. Already-committed result rows are
// never un-written.
func (e *Execution) Cancel(reason string) {
	now := time.Now()
	e.Status = StatusCancelled
	e.ErrorMessage = reason
	e.ActualEndTime = &now
	e.UpdatedAt = now
}

// DurationMs returns the wall-clock duration in milliseconds, or nil while
// the execution has not finished.
func (e *Execution) DurationMs() *int64 {
	if e.ActualStartTime == nil || e.ActualEndTime == nil {
		return nil
	}
	ms := e.ActualEndTime.Sub(*e.ActualStartTime).Milliseconds()
	return &ms
}
