package stage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/metis/db"
	"github.com/teranos/metis/errors"
)

// Store handles persistence of stage executions
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// CreateExecution inserts a new execution
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	params, err := json.Marshal(e.Parameters)
	if err != nil {
		return errors.Wrap(err, "failed to marshal parameters")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_executions (
			id, stage_type, dataset_id, parameters, status,
			progress_current, progress_total,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StageType, e.DatasetID, string(params), e.Status,
		e.Progress.Current, e.Progress.Total,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM stage_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return e, nil
}

// UpdateExecution writes the mutable fields of e
func (s *Store) UpdateExecution(ctx context.Context, e *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_executions
		SET status = ?,
		    error = ?,
		    progress_current = ?,
		    progress_total = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		e.Status,
		sql.NullString{String: e.Error, Valid: e.Error != ""},
		e.Progress.Current,
		e.Progress.Total,
		e.StartedAt,
		e.CompletedAt,
		e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("execution not found: %s", e.ID)
	}
	return nil
}

// ClaimNext moves the oldest queued execution to running and returns it.
// Returns nil when nothing is queued. The select and update share one
// immediate transaction, so two pools on the same database never claim the
// same execution.
func (s *Store) ClaimNext(ctx context.Context) (*Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim")
	}

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM stage_executions
		WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.Rollback(tx, nil)
	}
	if err != nil {
		return nil, db.Rollback(tx, errors.Wrap(err, "failed to select queued execution"))
	}

	e.Start()
	_, err = tx.ExecContext(ctx,
		`UPDATE stage_executions SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		e.Status, e.StartedAt, e.UpdatedAt, e.ID)
	if err != nil {
		return nil, db.Rollback(tx, errors.Wrap(err, "failed to mark execution running"))
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return e, nil
}

// ListExecutions returns executions newest first, optionally filtered by status
func (s *Store) ListExecutions(ctx context.Context, status *Status, limit int) ([]*Execution, error) {
	query := `SELECT ` + selectColumns + ` FROM stage_executions`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	return scanExecutions(rows, "executions")
}

// ListActiveForDataset returns queued or running executions of datasetID
func (s *Store) ListActiveForDataset(ctx context.Context, datasetID string) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM stage_executions
		WHERE dataset_id = ? AND status IN ('queued', 'running')
		ORDER BY created_at ASC`, datasetID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active executions")
	}
	defer rows.Close()

	return scanExecutions(rows, "active executions")
}

// CountByStatus returns the number of executions per status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM stage_executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating execution counts")
	}
	return counts, nil
}

// CountActive returns the number of queued plus running executions
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_executions WHERE status IN ('queued', 'running')`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active executions")
	}
	return n, nil
}

// CleanupOld removes completed/failed executions not updated since olderThan ago
func (s *Store) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stage_executions
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}
