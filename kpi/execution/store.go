package execution

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/3FramesLab/kpi-engine/errors"
)

// timeLayout stores execution timestamps as UTC with millisecond precision so
// durations survive the round trip and SQL string comparison stays
// chronological.
const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Store handles persistence of KPI executions
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const executionColumns = `id, schedule_id, kpi_id, result_ref, scheduled_time,
	actual_start_time, actual_end_time, status, external_task_ref,
	external_run_ref, error_message, retry_count, max_retries,
	first_row_preview, result_columns, created_at, updated_at`

// Claim inserts the pending execution row. The partial unique index on
// in-flight executions makes this the atomic claim: if another worker already
// holds the schedule's slot the insert fails and ErrAlreadyRunning is
// returned, with no new row created.
func (s *Store) Claim(exec *Execution) error {
	query := `
		INSERT INTO kpi_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query, s.insertArgs(exec)...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(err.Error(), "idx_kpi_executions_active") {
			return errors.Wrapf(errors.ErrAlreadyRunning, "schedule %s", exec.ScheduleID)
		}
		return errors.Wrap(err, "failed to claim execution")
	}

	return nil
}

func (s *Store) insertArgs(exec *Execution) []interface{} {
	var resultRef, taskRef, runRef, errMsg, preview, columns interface{}
	if exec.ResultRef != nil {
		resultRef = *exec.ResultRef
	}
	if exec.ExternalTaskRef != "" {
		taskRef = exec.ExternalTaskRef
	}
	if exec.ExternalRunRef != "" {
		runRef = exec.ExternalRunRef
	}
	if exec.ErrorMessage != "" {
		errMsg = exec.ErrorMessage
	}
	if exec.FirstRowPreview != "" {
		preview = exec.FirstRowPreview
	}
	if len(exec.ResultColumns) > 0 {
		data, _ := json.Marshal(exec.ResultColumns)
		columns = string(data)
	}

	return []interface{}{
		exec.ID,
		exec.ScheduleID,
		exec.KpiID,
		resultRef,
		fmtTime(exec.ScheduledTime),
		fmtTimePtr(exec.ActualStartTime),
		fmtTimePtr(exec.ActualEndTime),
		exec.Status,
		taskRef,
		runRef,
		errMsg,
		exec.RetryCount,
		exec.MaxRetries,
		preview,
		columns,
		fmtTime(exec.CreatedAt),
		fmtTime(exec.UpdatedAt),
	}
}

// Update persists changes to an existing execution record
func (s *Store) Update(exec *Execution) error {
	query := `
		UPDATE kpi_executions
		SET result_ref = ?,
		    actual_start_time = ?,
		    actual_end_time = ?,
		    status = ?,
		    external_task_ref = ?,
		    external_run_ref = ?,
		    error_message = ?,
		    retry_count = ?,
		    first_row_preview = ?,
		    result_columns = ?,
		    updated_at = ?
		WHERE id = ?
	`

	var resultRef, taskRef, runRef, errMsg, preview, columns interface{}
	if exec.ResultRef != nil {
		resultRef = *exec.ResultRef
	}
	if exec.ExternalTaskRef != "" {
		taskRef = exec.ExternalTaskRef
	}
	if exec.ExternalRunRef != "" {
		runRef = exec.ExternalRunRef
	}
	if exec.ErrorMessage != "" {
		errMsg = exec.ErrorMessage
	}
	if exec.FirstRowPreview != "" {
		preview = exec.FirstRowPreview
	}
	if len(exec.ResultColumns) > 0 {
		data, _ := json.Marshal(exec.ResultColumns)
		columns = string(data)
	}

	result, err := s.db.Exec(query,
		resultRef,
		fmtTimePtr(exec.ActualStartTime),
		fmtTimePtr(exec.ActualEndTime),
		exec.Status,
		taskRef,
		runRef,
		errMsg,
		exec.RetryCount,
		preview,
		columns,
		fmtTime(time.Now()),
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution not found: %s", exec.ID)
	}

	return nil
}

// Get retrieves an execution by ID
func (s *Store) Get(id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM kpi_executions WHERE id = ?`

	exec, err := scanExecution(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// GetActive returns the in-flight execution for a schedule, or nil if the
// schedule's slot is free.
func (s *Store) GetActive(scheduleID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM kpi_executions
		WHERE schedule_id = ? AND status IN ('pending', 'running', 'retrying')
		LIMIT 1`

	exec, err := scanExecution(s.db.QueryRow(query, scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active execution")
	}
	return exec, nil
}

// ListBySchedule retrieves executions for a schedule with pagination and an
// optional status filter. Returns the page plus the total matching count.
func (s *Store) ListBySchedule(scheduleID string, limit, offset int, statusFilter string) ([]*Execution, int, error) {
	baseQuery := ` FROM kpi_executions WHERE schedule_id = ?`
	args := []interface{}{scheduleID}

	if statusFilter != "" {
		baseQuery += " AND status = ?"
		args = append(args, statusFilter)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*)"+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}

	query := `SELECT ` + executionColumns + baseQuery + `
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

// ListRecent returns the most recent executions across all schedules
func (s *Store) ListRecent(limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM kpi_executions
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent executions")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// CountByStatusSince returns execution counts grouped by status for
// executions created after the cutoff. Used by the dashboard overview.
func (s *Store) CountByStatusSince(since time.Time) (map[Status]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM kpi_executions
		WHERE created_at >= ?
		GROUP BY status
	`

	rows, err := s.db.Query(query, fmtTime(since))
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}
	return counts, nil
}

// Statistics summarizes a schedule's executions over a window
type Statistics struct {
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// GetStatistics computes total/success-rate/failed-count/avg-duration for a
// schedule's executions created after the cutoff.
func (s *Store) GetStatistics(scheduleID string, since time.Time) (*Statistics, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(
				CASE WHEN actual_start_time IS NOT NULL AND actual_end_time IS NOT NULL
				THEN (julianday(actual_end_time) - julianday(actual_start_time)) * 86400000.0
				END
			), 0)
		FROM kpi_executions
		WHERE schedule_id = ? AND created_at >= ?
	`

	var stats Statistics
	err := s.db.QueryRow(query, scheduleID, fmtTime(since)).Scan(
		&stats.Total,
		&stats.Succeeded,
		&stats.Failed,
		&stats.AvgDurationMs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute execution statistics")
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return &stats, nil
}

// CleanupOlderThan deletes terminal executions (and their result rows via
// CASCADE) older than the retention period. Returns the number deleted.
func (s *Store) CleanupOlderThan(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	query := `
		DELETE FROM kpi_executions
		WHERE created_at < ?
		  AND status IN ('success', 'failed', 'cancelled')
	`

	result, err := s.db.Exec(query, fmtTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var resultRef, startTime, endTime, taskRef, runRef, errMsg, preview, columns sql.NullString
	var scheduledTime, createdAt, updatedAt string

	err := row.Scan(
		&exec.ID,
		&exec.ScheduleID,
		&exec.KpiID,
		&resultRef,
		&scheduledTime,
		&startTime,
		&endTime,
		&exec.Status,
		&taskRef,
		&runRef,
		&errMsg,
		&exec.RetryCount,
		&exec.MaxRetries,
		&preview,
		&columns,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.ScheduledTime, err = parseTime(scheduledTime)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_time for execution %s", exec.ID)
	}
	exec.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for execution %s", exec.ID)
	}
	exec.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for execution %s", exec.ID)
	}

	if startTime.Valid {
		t, err := parseTime(startTime.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse actual_start_time for execution %s", exec.ID)
		}
		exec.ActualStartTime = &t
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse actual_end_time for execution %s", exec.ID)
		}
		exec.ActualEndTime = &t
	}
	if resultRef.Valid {
		exec.ResultRef = &resultRef.String
	}
	if taskRef.Valid {
		exec.ExternalTaskRef = taskRef.String
	}
	if runRef.Valid {
		exec.ExternalRunRef = runRef.String
	}
	if errMsg.Valid {
		exec.ErrorMessage = errMsg.String
	}
	if preview.Valid {
		exec.FirstRowPreview = preview.String
	}
	if columns.Valid {
		if err := json.Unmarshal([]byte(columns.String), &exec.ResultColumns); err != nil {
			return nil, errors.Wrapf(err, "failed to parse result_columns for execution %s", exec.ID)
		}
	}

	return &exec, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}
