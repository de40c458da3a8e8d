// Package dataset stores dataset metadata and serialises lifecycle
// bookkeeping per dataset.
package dataset

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/metis/db"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/workflow"
)

// Dataset is the metadata the composer and orchestrator need.
type Dataset struct {
	ID                 string                  `json:"id"`
	Name               string                  `json:"name"`
	Classification     workflow.Classification `json:"classification"`
	HasCustomTransform bool                    `json:"has_custom_transform"`
	RecordCount        int                     `json:"record_count"`
	CreatedAt          time.Time               `json:"created_at"`
}

// Store handles persistence of datasets
type Store struct {
	db *sql.DB
}

// NewStore creates a new dataset store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Create inserts d, assigning an ID and CreatedAt when unset.
func (s *Store) Create(ctx context.Context, d *Dataset) error {
	if d.Name == "" {
		return errors.NewInvalidRequestError("dataset name is required")
	}
	class, err := workflow.ParseClassification(string(d.Classification))
	if err != nil {
		return err
	}
	d.Classification = class
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, classification, has_custom_transform, record_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, string(d.Classification), d.HasCustomTransform, d.RecordCount, d.CreatedAt.UTC(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "dataset %s already exists", d.ID), errors.ErrConflict)
		}
		return errors.Wrap(err, "failed to create dataset")
	}
	return nil
}

// Get returns the dataset or an ErrNotFound-marked error.
func (s *Store) Get(ctx context.Context, id string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM datasets WHERE id = ?`, id)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("dataset not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dataset")
	}
	return d, nil
}

// UpdateRecordCount sets the denominator used by progress reporting.
func (s *Store) UpdateRecordCount(ctx context.Context, id string, count int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET record_count = ? WHERE id = ?`, count, id)
	if err != nil {
		return errors.Wrap(err, "failed to update record count")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("dataset not found: %s", id)
	}
	return nil
}

// List returns datasets newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM datasets ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list datasets")
	}
	defer rows.Close()
	return scanDatasets(rows)
}

// ListCreatedBefore returns datasets created before cutoff, oldest first.
func (s *Store) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM datasets WHERE created_at < ? ORDER BY created_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired datasets")
	}
	defer rows.Close()
	return scanDatasets(rows)
}

// Delete removes the dataset row inside the caller's transaction. Child
// rows must already be gone or the foreign keys reject it.
func Delete(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete dataset")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

const selectColumns = `id, name, classification, has_custom_transform, record_count, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var d Dataset
	var class string
	if err := row.Scan(&d.ID, &d.Name, &class, &d.HasCustomTransform, &d.RecordCount, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Classification = workflow.Classification(class)
	return &d, nil
}

func scanDatasets(rows *sql.Rows) ([]*Dataset, error) {
	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dataset")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating datasets")
	}
	return out, nil
}
