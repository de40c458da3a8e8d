// Package counter keeps per-scope pattern counters and pattern records that
// concurrent chunk workers update during a stage run.
//
// Every write is one statement; the database resolves concurrent writers.
package counter

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/metis/db"
	"github.com/teranos/metis/errors"
)

// UpsertResult tells apart a written pattern record from one that another
// row already held.
type UpsertResult int

const (
	Upserted UpsertResult = iota
	AlreadyPresent
)

func (r UpsertResult) String() string {
	if r == AlreadyPresent {
		return "already_present"
	}
	return "upserted"
}

// PatternRecord links one record to a category inside a scope.
// (ScopeID, RecordID, CategoryID) is unique across rows.
type PatternRecord struct {
	ID         string
	ScopeID    int64
	RecordID   string
	CategoryID string
	Message    string
}

// Store handles persistence of counters
type Store struct {
	db *sql.DB
}

// NewStore creates a new counter store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// ExecutionPoint returns the scope id of (datasetID, step, ts), creating
// the scope on first use.
func (s *Store) ExecutionPoint(ctx context.Context, datasetID, step string, ts time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_points (dataset_id, execution_step, execution_timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(dataset_id, execution_step, execution_timestamp)
			DO UPDATE SET execution_step = excluded.execution_step
		RETURNING id`,
		datasetID, step, ts.UTC(),
	).Scan(&id)
	if err != nil {
		err = errors.Wrapf(err, "execution point for %s", step)
		return 0, errors.WithDetailf(err, "Dataset ID: %s", datasetID)
	}
	return id, nil
}

// LookupExecutionPoint returns the scope id of (datasetID, step, ts)
// without creating it.
func (s *Store) LookupExecutionPoint(ctx context.Context, datasetID, step string, ts time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM execution_points
		WHERE dataset_id = ? AND execution_step = ? AND execution_timestamp = ?`,
		datasetID, step, ts.UTC(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFoundError("execution point %s of dataset %s", step, datasetID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "lookup execution point for %s", step)
	}
	return id, nil
}

// Increment adds delta to the (scopeID, categoryID) counter, creating it
// at delta, and returns the new total.
func (s *Store) Increment(ctx context.Context, scopeID int64, categoryID string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, errors.NewInvalidRequestError("counter delta must not be negative, got %d", delta)
	}

	var total int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pattern_counters (scope_id, category_id, count)
		VALUES (?, ?, ?)
		ON CONFLICT(scope_id, category_id) DO UPDATE SET count = count + excluded.count
		RETURNING count`,
		scopeID, categoryID, delta,
	).Scan(&total)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return 0, errors.NewNotFoundError("counter scope %d", scopeID)
		}
		return 0, errors.Wrapf(err, "increment %s in scope %d", categoryID, scopeID)
	}
	return total, nil
}

// Get returns the current value of a counter.
func (s *Store) Get(ctx context.Context, scopeID int64, categoryID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM pattern_counters WHERE scope_id = ? AND category_id = ?`,
		scopeID, categoryID,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFoundError("counter %s in scope %d", categoryID, scopeID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get %s in scope %d", categoryID, scopeID)
	}
	return total, nil
}

// Totals returns every counter of a scope by category.
func (s *Store) Totals(ctx context.Context, scopeID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category_id, count FROM pattern_counters WHERE scope_id = ?`, scopeID)
	if err != nil {
		return nil, errors.Wrapf(err, "totals of scope %d", scopeID)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan counter")
		}
		totals[category] = n
	}
	return totals, rows.Err()
}

// UpsertIfAbsent writes pr under its id, inserting or updating in place.
// When another row already holds pr's (scope, record, category) it does
// nothing and returns AlreadyPresent, so re-delivered records are absorbed.
func (s *Store) UpsertIfAbsent(ctx context.Context, pr *PatternRecord) (UpsertResult, error) {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_records (id, scope_id, record_id, category_id, message)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope_id = excluded.scope_id,
			record_id = excluded.record_id,
			category_id = excluded.category_id,
			message = excluded.message
		ON CONFLICT DO NOTHING`,
		pr.ID, pr.ScopeID, pr.RecordID, pr.CategoryID, pr.Message,
	)
	if err != nil {
		// the in-place update collided with another row's unique key
		if db.IsUniqueViolation(err) {
			return AlreadyPresent, nil
		}
		err = errors.Wrapf(err, "upsert pattern record %s", pr.ID)
		return 0, errors.WithDetailf(err, "Record ID: %s", pr.RecordID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return AlreadyPresent, nil
	}
	return Upserted, nil
}

// DeleteScope removes a scope with its counters and pattern records.
func (s *Store) DeleteScope(ctx context.Context, scopeID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	for _, q := range []string{
		`DELETE FROM pattern_records WHERE scope_id = ?`,
		`DELETE FROM pattern_counters WHERE scope_id = ?`,
		`DELETE FROM execution_points WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, scopeID); err != nil {
			return db.Rollback(tx, errors.Wrapf(err, "delete scope %d", scopeID))
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit scope delete")
}

// DeleteForDataset removes every scope of datasetID inside tx and returns
// the number of rows deleted.
func DeleteForDataset(ctx context.Context, tx *sql.Tx, datasetID string) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM pattern_records WHERE scope_id IN (SELECT id FROM execution_points WHERE dataset_id = ?)`,
		`DELETE FROM pattern_counters WHERE scope_id IN (SELECT id FROM execution_points WHERE dataset_id = ?)`,
		`DELETE FROM execution_points WHERE dataset_id = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, datasetID)
		if err != nil {
			return total, errors.Wrapf(err, "delete counters of dataset %s", datasetID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, errors.Wrap(err, "failed to get rows affected")
		}
		total += n
	}
	return total, nil
}
