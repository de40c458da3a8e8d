package stage

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/metis/errors"
)

// executionScanArgs holds the nullable columns of a stage_executions row.
type executionScanArgs struct {
	Parameters  string
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// executionScanTargets returns pointers in the order of selectColumns
func executionScanTargets(e *Execution, args *executionScanArgs) []interface{} {
	return []interface{}{
		&e.ID,
		&e.StageType,
		&e.DatasetID,
		&args.Parameters,
		&e.Status,
		&args.ErrorMsg,
		&e.Progress.Current,
		&e.Progress.Total,
		&e.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&e.UpdatedAt,
	}
}

func (args *executionScanArgs) apply(e *Execution) error {
	e.Parameters = map[string]string{}
	if args.Parameters != "" {
		if err := json.Unmarshal([]byte(args.Parameters), &e.Parameters); err != nil {
			return errors.Wrapf(err, "failed to unmarshal parameters for execution %s", e.ID)
		}
	}
	if args.ErrorMsg.Valid {
		e.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		e.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		e.CompletedAt = &args.CompletedAt.Time
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var args executionScanArgs
	if err := row.Scan(executionScanTargets(&e, &args)...); err != nil {
		return nil, err
	}
	if err := args.apply(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanExecutions(rows *sql.Rows, context string) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return out, nil
}

const selectColumns = `id, stage_type, dataset_id, parameters, status, error,
		progress_current, progress_total,
		created_at, started_at, completed_at, updated_at`
