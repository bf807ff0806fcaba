// Package audit keeps the append-only trail of KPI mutations and the
// immutable version history of KPI definitions.
package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/3FramesLab/kpi-engine/errors"
)

// Action is the kind of event being audited
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
	ActionTrigger Action = "trigger"
)

// Entry is one audit record
type Entry struct {
	ID          int64          `json:"id"`
	KpiID       string         `json:"kpi_id"`
	Action      Action         `json:"action"`
	PerformedBy string         `json:"performed_by"`
	Changes     map[string]any `json:"changes,omitempty"`
	PerformedAt time.Time      `json:"performed_at"`
}

// DefinitionVersion is one immutable snapshot of a KPI definition
type DefinitionVersion struct {
	KpiID     string    `json:"kpi_id"`
	Version   int       `json:"version"`
	Snapshot  string    `json:"snapshot"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// Store persists audit entries and definition versions
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes one audit entry
func (s *Store) Append(kpiID string, action Action, performedBy string, changes map[string]any) error {
	var changesJSON interface{}
	if len(changes) > 0 {
		data, err := json.Marshal(changes)
		if err != nil {
			return errors.Wrap(err, "failed to marshal audit changes")
		}
		changesJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO kpi_audit_entries (kpi_id, action, performed_by, changes, performed_at)
		VALUES (?, ?, ?, ?, ?)
	`, kpiID, action, performedBy, changesJSON, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}
	return nil
}

// ListByKpi returns a KPI's audit trail, newest first
func (s *Store) ListByKpi(kpiID string, limit int) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, kpi_id, action, performed_by, changes, performed_at
		FROM kpi_audit_entries
		WHERE kpi_id = ?
		ORDER BY performed_at DESC, id DESC
		LIMIT ?
	`, kpiID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var changes sql.NullString
		var performedAt string
		if err := rows.Scan(&entry.ID, &entry.KpiID, &entry.Action, &entry.PerformedBy, &changes, &performedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entry.PerformedAt, err = time.Parse(time.RFC3339, performedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse performed_at for audit entry %d", entry.ID)
		}
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &entry.Changes); err != nil {
				return nil, errors.Wrapf(err, "failed to parse changes for audit entry %d", entry.ID)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating audit entries")
	}
	return entries, nil
}

// RecordVersion appends the next version snapshot for a KPI. Version numbers
// are assigned inside the transaction, so concurrent writers cannot produce
// gaps or duplicates.
func (s *Store) RecordVersion(kpiID, snapshot, changedBy string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin version transaction")
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRow(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM kpi_definition_versions WHERE kpi_id = ?
	`, kpiID).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute next version")
	}

	_, err = tx.Exec(`
		INSERT INTO kpi_definition_versions (kpi_id, version, snapshot, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, kpiID, version, snapshot, changedBy, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert definition version")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit definition version")
	}
	return version, nil
}

// ListVersions returns a KPI's version history, newest first
func (s *Store) ListVersions(kpiID string) ([]*DefinitionVersion, error) {
	rows, err := s.db.Query(`
		SELECT kpi_id, version, snapshot, changed_by, changed_at
		FROM kpi_definition_versions
		WHERE kpi_id = ?
		ORDER BY version DESC
	`, kpiID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list definition versions")
	}
	defer rows.Close()

	var versions []*DefinitionVersion
	for rows.Next() {
		var v DefinitionVersion
		var changedAt string
		if err := rows.Scan(&v.KpiID, &v.Version, &v.Snapshot, &v.ChangedBy, &changedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan definition version")
		}
		v.ChangedAt, err = time.Parse(time.RFC3339, changedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse changed_at for version %d of %s", v.Version, kpiID)
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating definition versions")
	}
	return versions, nil
}

// GetVersion returns one specific version of a KPI definition
func (s *Store) GetVersion(kpiID string, version int) (*DefinitionVersion, error) {
	var v DefinitionVersion
	var changedAt string
	err := s.db.QueryRow(`
		SELECT kpi_id, version, snapshot, changed_by, changed_at
		FROM kpi_definition_versions
		WHERE kpi_id = ? AND version = ?
	`, kpiID, version).Scan(&v.KpiID, &v.Version, &v.Snapshot, &v.ChangedBy, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("version %d not found for kpi %s", version, kpiID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get definition version")
	}
	v.ChangedAt, err = time.Parse(time.RFC3339, changedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse changed_at for version %d of %s", version, kpiID)
	}
	return &v, nil
}
