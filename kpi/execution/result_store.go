package execution

import (
	"database/sql"
	"encoding/json"

	"github.com/3FramesLab/kpi-engine/errors"
)

// ResultStore handles row-oriented storage of execution results.
//
// Result sets can be arbitrarily large; storing and reading row by row keeps
// drill-down views from loading an entire result into memory.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore creates a new result store
func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Page is one page of an execution's result rows
type Page struct {
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalPages int              `json:"total_pages"`
	Data       []map[string]any `json:"data"`
}

// StoreRows writes the result rows for an execution in a single transaction
// with row_number 1..N. Either all rows become visible or none do, so a
// concurrent pagination read never observes a partial result set.
func (s *ResultStore) StoreRows(executionID string, rows []map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin result transaction")
	}

	stmt, err := tx.Prepare(`INSERT INTO kpi_result_rows (execution_id, row_number, row_data) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to prepare result insert")
	}
	defer stmt.Close()

	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to marshal result row %d", i+1)
		}
		if _, err := stmt.Exec(executionID, i+1, string(data)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to insert result row %d", i+1)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit result rows")
	}

	return nil
}

// GetPage returns rows [(page-1)*pageSize+1 .. min(page*pageSize, total)]
// with total_pages = ceil(total / pageSize). Pages are 1-based.
func (s *ResultStore) GetPage(executionID string, page, pageSize int) (*Page, error) {
	if page < 1 {
		return nil, errors.NewValidationError("page must be >= 1, got %d", page)
	}
	if pageSize < 1 {
		return nil, errors.NewValidationError("page_size must be >= 1, got %d", pageSize)
	}

	var total int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM kpi_result_rows WHERE execution_id = ?`, executionID).Scan(&total)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count result rows")
	}

	result := &Page{
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
		Data:       []map[string]any{},
	}

	first := (page-1)*pageSize + 1
	last := page * pageSize

	rows, err := s.db.Query(`
		SELECT row_data
		FROM kpi_result_rows
		WHERE execution_id = ? AND row_number BETWEEN ? AND ?
		ORDER BY row_number ASC
	`, executionID, first, last)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read result page")
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "failed to scan result row")
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal result row")
		}
		result.Data = append(result.Data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating result rows")
	}

	return result, nil
}

// Count returns the stored row count for an execution
func (s *ResultStore) Count(executionID string) (int, error) {
	var total int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM kpi_result_rows WHERE execution_id = ?`, executionID).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count result rows")
	}
	return total, nil
}
