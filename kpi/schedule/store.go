package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/3FramesLab/kpi-engine/errors"
)

// DueBatchLimit bounds how many due schedules a single tick will pick up.
const DueBatchLimit = 100

// Store handles persistence of KPI schedules
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const scheduleColumns = `id, kpi_id, name, schedule_type, cron_expression, timezone,
	is_active, start_date, end_date, retry_count, retry_delay_seconds,
	timeout_seconds, external_dag_id, last_sync_at, last_run_at, next_run_at,
	created_at, updated_at`

// fmtTime stores all timestamps as RFC3339 UTC so that SQL string comparison
// matches chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// Create validates and persists a new schedule. A missing ID is generated;
// a missing next_run_at is computed from the schedule's timing definition.
func (s *Store) Create(sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if sched.NextRunAt == nil {
		next, err := NextFireTime(sched, now)
		if err != nil {
			return err
		}
		sched.NextRunAt = &next
	}

	query := `
		INSERT INTO kpi_schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var cronExpr, dagID interface{}
	if sched.CronExpression != "" {
		cronExpr = sched.CronExpression
	}
	if sched.ExternalDagID != "" {
		dagID = sched.ExternalDagID
	}

	_, err := s.db.Exec(query,
		sched.ID,
		sched.KpiID,
		sched.Name,
		sched.ScheduleType,
		cronExpr,
		sched.Timezone,
		sched.IsActive,
		fmtTime(sched.StartDate),
		fmtTimePtr(sched.EndDate),
		sched.RetryCount,
		sched.RetryDelaySeconds,
		sched.TimeoutSeconds,
		dagID,
		fmtTimePtr(sched.LastSyncAt),
		fmtTimePtr(sched.LastRunAt),
		fmtTimePtr(sched.NextRunAt),
		fmtTime(sched.CreatedAt),
		fmtTime(sched.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}

	return nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(id string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM kpi_schedules WHERE id = ?`

	sched, err := scanSchedule(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return sched, nil
}

// Update validates and persists changes to a schedule's mutable fields.
// The next fire time is recomputed so timing edits take effect immediately.
func (s *Store) Update(sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	now := time.Now()
	sched.UpdatedAt = now

	next, err := NextFireTime(sched, now)
	if err != nil {
		return err
	}
	sched.NextRunAt = &next

	query := `
		UPDATE kpi_schedules
		SET kpi_id = ?,
		    name = ?,
		    schedule_type = ?,
		    cron_expression = ?,
		    timezone = ?,
		    is_active = ?,
		    start_date = ?,
		    end_date = ?,
		    retry_count = ?,
		    retry_delay_seconds = ?,
		    timeout_seconds = ?,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	var cronExpr interface{}
	if sched.CronExpression != "" {
		cronExpr = sched.CronExpression
	}

	result, err := s.db.Exec(query,
		sched.KpiID,
		sched.Name,
		sched.ScheduleType,
		cronExpr,
		sched.Timezone,
		sched.IsActive,
		fmtTime(sched.StartDate),
		fmtTimePtr(sched.EndDate),
		sched.RetryCount,
		sched.RetryDelaySeconds,
		sched.TimeoutSeconds,
		fmtTimePtr(sched.NextRunAt),
		fmtTime(sched.UpdatedAt),
		sched.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("schedule not found: %s", sched.ID)
	}

	return nil
}

// Deactivate marks a schedule inactive. Schedules are never deleted while
// executions reference them.
func (s *Store) Deactivate(id string) error {
	query := `UPDATE kpi_schedules SET is_active = 0, updated_at = ? WHERE id = ?`

	result, err := s.db.Exec(query, fmtTime(time.Now()), id)
	if err != nil {
		return errors.Wrap(err, "failed to deactivate schedule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("schedule not found: %s", id)
	}

	return nil
}

// List returns schedules ordered by creation time, newest first.
func (s *Store) List(includeInactive bool) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM kpi_schedules`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC LIMIT 1000`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// ListDue returns active schedules whose next fire time has arrived and whose
// [start_date, end_date] window contains now. Ordered by next_run_at ASC so
// the oldest due schedule runs first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM kpi_schedules
		WHERE is_active = 1
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		  AND start_date <= ?
		  AND (end_date IS NULL OR end_date >= ?)
		ORDER BY next_run_at ASC
		LIMIT ?
	`

	ts := fmtTime(now)
	rows, err := s.db.QueryContext(ctx, query, ts, ts, ts, DueBatchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// UpdateAfterTrigger records the occurrence that just fired and advances the
// schedule's next fire time
func (s *Store) UpdateAfterTrigger(id string, lastRun, next time.Time) error {
	query := `UPDATE kpi_schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.Exec(query, fmtTime(lastRun), fmtTime(next), fmtTime(time.Now()), id)
	if err != nil {
		return errors.Wrap(err, "failed to update run bookkeeping")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("schedule not found: %s", id)
	}

	return nil
}

// UpdateSyncState records a successful push to the external orchestrator.
// Only sync metadata is touched, so the reconciler can run concurrently with
// executions.
func (s *Store) UpdateSyncState(id, externalDagID string, at time.Time) error {
	query := `UPDATE kpi_schedules SET external_dag_id = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.Exec(query, externalDagID, fmtTime(at), fmtTime(time.Now()), id)
	if err != nil {
		return errors.Wrap(err, "failed to update sync state")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("schedule not found: %s", id)
	}

	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var cronExpr, endDate, dagID, lastSyncAt, lastRunAt, nextRunAt sql.NullString
	var startDate, createdAt, updatedAt string

	err := row.Scan(
		&sched.ID,
		&sched.KpiID,
		&sched.Name,
		&sched.ScheduleType,
		&cronExpr,
		&sched.Timezone,
		&sched.IsActive,
		&startDate,
		&endDate,
		&sched.RetryCount,
		&sched.RetryDelaySeconds,
		&sched.TimeoutSeconds,
		&dagID,
		&lastSyncAt,
		&lastRunAt,
		&nextRunAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Parse timestamps (return error if parsing fails - indicates data
	// corruption or schema mismatch)
	sched.StartDate, err = time.Parse(time.RFC3339, startDate)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse start_date for schedule %s", sched.ID)
	}
	sched.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for schedule %s", sched.ID)
	}
	sched.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for schedule %s", sched.ID)
	}

	if cronExpr.Valid {
		sched.CronExpression = cronExpr.String
	}
	if dagID.Valid {
		sched.ExternalDagID = dagID.String
	}
	for _, opt := range []struct {
		src  sql.NullString
		dst  **time.Time
		name string
	}{
		{endDate, &sched.EndDate, "end_date"},
		{lastSyncAt, &sched.LastSyncAt, "last_sync_at"},
		{lastRunAt, &sched.LastRunAt, "last_run_at"},
		{nextRunAt, &sched.NextRunAt, "next_run_at"},
	} {
		if !opt.src.Valid {
			continue
		}
		t, err := time.Parse(time.RFC3339, opt.src.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s for schedule %s", opt.name, sched.ID)
		}
		*opt.dst = &t
	}

	return &sched, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating schedules")
	}
	return schedules, nil
}
