package record

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/teranos/metis/db"
	"github.com/teranos/metis/errors"
)

// Store persists records keyed by their identity 5-tuple.
type Store struct {
	db *sql.DB
}

// NewStore creates a new record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WriteResult summarises one WriteBatch call.
type WriteResult struct {
	Written    int // Success rows inserted
	Failed     int // Fail rows inserted
	Duplicates int // rows whose 5-tuple already existed; left untouched
}

const (
	// A key lives in exactly one of records and record_errors. Each insert
	// skips keys the other table already holds; the WHERE clause also keeps
	// sqlite from reading ON CONFLICT as part of the SELECT.
	insertSuccessQuery = `
		INSERT INTO records (
			dataset_id, execution_id, execution_name,
			source_record_id, record_id, content, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM record_errors
			WHERE dataset_id = ? AND execution_id = ? AND execution_name = ?
			  AND source_record_id = ? AND record_id = ?
		)
		ON CONFLICT (dataset_id, execution_id, execution_name, source_record_id, record_id) DO NOTHING
		RETURNING id`

	insertFailQuery = `
		INSERT INTO record_errors (
			dataset_id, execution_id, execution_name,
			source_record_id, record_id, exception, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM records
			WHERE dataset_id = ? AND execution_id = ? AND execution_name = ?
			  AND source_record_id = ? AND record_id = ?
		)
		ON CONFLICT (dataset_id, execution_id, execution_name, source_record_id, record_id) DO NOTHING`

	insertWarningQuery = `INSERT INTO record_warnings (record_row_id, dataset_id, message) VALUES (?, ?, ?)`

	insertTierQuery = `
		INSERT INTO record_tier_contexts (
			record_row_id, dataset_id,
			content_tier, metadata_tier, language_tier,
			enabling_elements_tier, contextual_classes_tier, license
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

// WriteBatch writes one chunk of records in a single transaction.
// Success rows go to records with their warnings and tier context, Fail rows
// to record_errors. A row whose 5-tuple already exists in either table is
// counted as a duplicate and never overwritten, so a re-delivered chunk is
// harmless and a record never ends up as both Success and Fail.
func (s *Store) WriteBatch(ctx context.Context, records []Record) (WriteResult, error) {
	var result WriteResult
	if len(records) == 0 {
		return result, nil
	}

	for _, r := range records {
		if err := r.RecordKey().Validate(); err != nil {
			return result, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.Wrap(err, "failed to begin record batch")
	}

	now := time.Now().UTC()
	for _, r := range records {
		err := Match(r,
			func(rec Success) error { return s.writeSuccess(ctx, tx, rec, now, &result) },
			func(rec Fail) error { return s.writeFail(ctx, tx, rec, now, &result) },
		)
		if err != nil {
			return WriteResult{}, db.Rollback(tx, errors.WithDetailf(err, "Record: %s", r.RecordKey()))
		}
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, errors.Wrap(err, "failed to commit record batch")
	}
	return result, nil
}

func (s *Store) writeSuccess(ctx context.Context, tx *sql.Tx, rec Success, now time.Time, result *WriteResult) error {
	k := rec.Key
	content := rec.Content
	if content == nil {
		content = []byte{}
	}

	var rowID int64
	err := tx.QueryRowContext(ctx, insertSuccessQuery,
		k.DatasetID, k.ExecutionID, k.ExecutionName, k.SourceRecordID, k.RecordID, content, now,
		k.DatasetID, k.ExecutionID, k.ExecutionName, k.SourceRecordID, k.RecordID,
	).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		result.Duplicates++
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to insert record")
	}

	for _, w := range rec.Warnings {
		if _, err := tx.ExecContext(ctx, insertWarningQuery, rowID, k.DatasetID, w); err != nil {
			return errors.Wrap(err, "failed to insert record warning")
		}
	}

	if t := rec.Tier; t != nil {
		_, err := tx.ExecContext(ctx, insertTierQuery,
			rowID, k.DatasetID,
			t.ContentTier, t.MetadataTier, t.LanguageTier,
			t.EnablingElementsTier, t.ContextualClassesTier, t.License,
		)
		if err != nil {
			return errors.Wrap(err, "failed to insert tier context")
		}
	}

	result.Written++
	return nil
}

func (s *Store) writeFail(ctx context.Context, tx *sql.Tx, rec Fail, now time.Time, result *WriteResult) error {
	k := rec.Key
	res, err := tx.ExecContext(ctx, insertFailQuery,
		k.DatasetID, k.ExecutionID, k.ExecutionName, k.SourceRecordID, k.RecordID, rec.Exception, now,
		k.DatasetID, k.ExecutionID, k.ExecutionName, k.SourceRecordID, k.RecordID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert record error")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		result.Duplicates++
		return nil
	}
	result.Failed++
	return nil
}

// ReadSuccess returns up to limit Success rows of src positioned after the
// cursor, ordered by record id. Pass the zero Cursor for the first page and
// After(lastKey) for the next one.
func (s *Store) ReadSuccess(ctx context.Context, src Source, after Cursor, limit int) ([]Success, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.NewInvalidRequestError("read limit must be positive, got %d", limit)
	}

	query := `
		SELECT r.dataset_id, r.execution_id, r.execution_name,
		       r.source_record_id, r.record_id, r.content,
		       t.content_tier, t.metadata_tier, t.language_tier,
		       t.enabling_elements_tier, t.contextual_classes_tier, t.license
		FROM records r
		LEFT JOIN record_tier_contexts t ON t.record_row_id = r.id
		WHERE r.dataset_id = ?
		  AND r.execution_id = ?
		  AND (? = '' OR r.execution_name = ?)
		  AND (r.record_id, r.source_record_id) > (?, ?)
		ORDER BY r.record_id ASC, r.source_record_id ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		src.DatasetID, src.ExecutionID,
		src.ExecutionName, src.ExecutionName,
		after.RecordID, after.SourceRecordID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read records")
	}
	defer rows.Close()

	var out []Success
	for rows.Next() {
		rec, err := scanSuccess(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating records")
	}
	return out, nil
}

// CountSuccess counts the Success rows produced by src.
func (s *Store) CountSuccess(ctx context.Context, src Source) (int, error) {
	return s.count(ctx, "records", src)
}

// CountFail counts the Fail rows produced by src.
func (s *Store) CountFail(ctx context.Context, src Source) (int, error) {
	return s.count(ctx, "record_errors", src)
}

func (s *Store) count(ctx context.Context, table string, src Source) (int, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}
	// table is one of two constants above, never caller input
	query := `SELECT COUNT(*) FROM ` + table + `
		WHERE dataset_id = ? AND execution_id = ? AND (? = '' OR execution_name = ?)`

	var n int
	err := s.db.QueryRowContext(ctx, query,
		src.DatasetID, src.ExecutionID, src.ExecutionName, src.ExecutionName,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s", table)
	}
	return n, nil
}

// WriteExternalIdentifiers records source-assigned identifiers. Already
// recorded (dataset, execution, source record) triples are left as they are.
func (s *Store) WriteExternalIdentifiers(ctx context.Context, ids []ExternalIdentifier) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin external identifier batch")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO record_external_ids (dataset_id, execution_id, source_record_id, external_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset_id, execution_id, source_record_id) DO NOTHING`)
	if err != nil {
		return db.Rollback(tx, errors.Wrap(err, "failed to prepare external identifier insert"))
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id.DatasetID, id.ExecutionID, id.SourceRecordID, id.ExternalID); err != nil {
			return db.Rollback(tx, errors.Wrapf(err, "failed to insert external identifier %s", id.ExternalID))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit external identifiers")
	}
	return nil
}

// LineageEntry is one stage's outcome for a source record.
type LineageEntry struct {
	Key       Key
	Success   bool
	Exception string
	CreatedAt time.Time
}

// Lineage returns every outcome recorded for sourceRecordID across all
// stages of the dataset, oldest first.
func (s *Store) Lineage(ctx context.Context, datasetID, sourceRecordID string) ([]LineageEntry, error) {
	successes, err := s.lineageRows(ctx, `
		SELECT dataset_id, execution_id, execution_name, source_record_id, record_id, '', created_at
		FROM records
		WHERE dataset_id = ? AND source_record_id = ?
		ORDER BY id`, datasetID, sourceRecordID, true)
	if err != nil {
		return nil, err
	}

	fails, err := s.lineageRows(ctx, `
		SELECT dataset_id, execution_id, execution_name, source_record_id, record_id, exception, created_at
		FROM record_errors
		WHERE dataset_id = ? AND source_record_id = ?
		ORDER BY id`, datasetID, sourceRecordID, false)
	if err != nil {
		return nil, err
	}

	out := append(successes, fails...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) lineageRows(ctx context.Context, query, datasetID, sourceRecordID string, success bool) ([]LineageEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, datasetID, sourceRecordID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query lineage")
	}
	defer rows.Close()

	var out []LineageEntry
	for rows.Next() {
		e := LineageEntry{Success: success}
		err := rows.Scan(
			&e.Key.DatasetID, &e.Key.ExecutionID, &e.Key.ExecutionName,
			&e.Key.SourceRecordID, &e.Key.RecordID,
			&e.Exception, &e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan lineage entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating lineage")
	}
	return out, nil
}
