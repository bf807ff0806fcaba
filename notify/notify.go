// Package notify persists per-KPI notification preferences and dispatches
// execution outcomes to them. Delivery is best-effort: a failed notification
// is logged and never changes an execution's outcome.
package notify

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/errors"
	"github.com/3FramesLab/kpi-engine/kpi/execution"
)

// Preference routes one KPI's outcomes to one target on one channel
type Preference struct {
	KpiID           string    `json:"kpi_id"`
	Channel         string    `json:"channel"`
	Target          string    `json:"target"`
	NotifyOnFailure bool      `json:"notify_on_failure"`
	NotifyOnSuccess bool      `json:"notify_on_success"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notifier delivers one outcome to one preference's target
type Notifier interface {
	Send(pref Preference, exec *execution.Execution) error
}

// Store persists notification preferences
type Store struct {
	db *sql.DB
}

// NewStore creates a new preference store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert creates or replaces a preference
func (s *Store) Upsert(pref *Preference) error {
	if pref.KpiID == "" || pref.Channel == "" || pref.Target == "" {
		return errors.NewValidationError("kpi_id, channel and target are required")
	}

	_, err := s.db.Exec(`
		INSERT INTO notification_preferences (kpi_id, channel, target, notify_on_failure, notify_on_success, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kpi_id, channel, target) DO UPDATE SET
			notify_on_failure = excluded.notify_on_failure,
			notify_on_success = excluded.notify_on_success
	`, pref.KpiID, pref.Channel, pref.Target, pref.NotifyOnFailure, pref.NotifyOnSuccess,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "failed to upsert notification preference")
	}
	return nil
}

// ListByKpi returns all preferences for a KPI
func (s *Store) ListByKpi(kpiID string) ([]*Preference, error) {
	rows, err := s.db.Query(`
		SELECT kpi_id, channel, target, notify_on_failure, notify_on_success, created_at
		FROM notification_preferences
		WHERE kpi_id = ?
		ORDER BY channel, target
	`, kpiID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notification preferences")
	}
	defer rows.Close()

	var prefs []*Preference
	for rows.Next() {
		var pref Preference
		var createdAt string
		if err := rows.Scan(&pref.KpiID, &pref.Channel, &pref.Target,
			&pref.NotifyOnFailure, &pref.NotifyOnSuccess, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification preference")
		}
		pref.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse created_at for notification preference")
		}
		prefs = append(prefs, &pref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating notification preferences")
	}
	return prefs, nil
}

// Delete removes a preference
func (s *Store) Delete(kpiID, channel, target string) error {
	result, err := s.db.Exec(`
		DELETE FROM notification_preferences WHERE kpi_id = ? AND channel = ? AND target = ?
	`, kpiID, channel, target)
	if err != nil {
		return errors.Wrap(err, "failed to delete notification preference")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("notification preference not found for kpi %s", kpiID)
	}
	return nil
}

// Dispatcher fans terminal executions out to matching preferences
type Dispatcher struct {
	store    *Store
	notifier Notifier
	log      *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher. A nil notifier defaults to log-only.
func NewDispatcher(store *Store, notifier Notifier, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = &LogNotifier{Log: log}
	}
	return &Dispatcher{store: store, notifier: notifier, log: log}
}

// ExecutionFinished delivers the outcome to every preference whose flags
// match it. Errors are logged and swallowed.
func (d *Dispatcher) ExecutionFinished(exec *execution.Execution, manual bool) {
	prefs, err := d.store.ListByKpi(exec.KpiID)
	if err != nil {
		d.log.Warnw("failed to load notification preferences",
			"kpi_id", exec.KpiID, "error", err)
		return
	}

	succeeded := exec.Status == execution.StatusSuccess
	for _, pref := range prefs {
		if succeeded && !pref.NotifyOnSuccess {
			continue
		}
		if !succeeded && !pref.NotifyOnFailure {
			continue
		}
		if err := d.notifier.Send(*pref, exec); err != nil {
			d.log.Warnw("notification delivery failed",
				"kpi_id", exec.KpiID,
				"channel", pref.Channel,
				"target", pref.Target,
				"error", err)
		}
	}
}

// LogNotifier is the default delivery transport: it writes the outcome to the
// structured log. Real transports plug in behind the Notifier interface.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

// Send logs the outcome
func (n *LogNotifier) Send(pref Preference, exec *execution.Execution) error {
	n.Log.Infow("kpi execution notification",
		"kpi_id", exec.KpiID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"channel", pref.Channel,
		"target", pref.Target,
		"error_message", exec.ErrorMessage)
	return nil
}
