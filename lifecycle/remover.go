// Package lifecycle removes datasets with everything recorded for them, on
// request and on a retention schedule.
package lifecycle

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/metis/counter"
	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/db"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/stage"
)

// ActiveExecutions reports the queued or running stage executions of a
// dataset. *stage.Queue implements it.
type ActiveExecutions interface {
	ActiveForDataset(ctx context.Context, datasetID string) ([]*stage.Execution, error)
}

// recordTables are cleared in this order, children before the records
// they reference.
var recordTables = []string{
	"record_errors",
	"record_warnings",
	"record_tier_contexts",
	"record_external_ids",
}

// Removal reports what RemoveDataset deleted, rows per table.
type Removal struct {
	DatasetID string
	Deleted   map[string]int64
	Duration  time.Duration
}

// Total returns the number of rows deleted across tables.
func (r *Removal) Total() int64 {
	var n int64
	for _, c := range r.Deleted {
		n += c
	}
	return n
}

// Remover deletes datasets.
type Remover struct {
	db     *sql.DB
	active ActiveExecutions
	locks  *dataset.Locks
	logger *zap.SugaredLogger
}

// NewRemover creates a remover. locks must be the registry the orchestrator
// uses so removal never overlaps its dataset bookkeeping.
func NewRemover(conn *sql.DB, active ActiveExecutions, locks *dataset.Locks, log *zap.SugaredLogger) *Remover {
	return &Remover{db: conn, active: active, locks: locks, logger: log.Named("lifecycle")}
}

// RemoveDataset deletes every row recorded for datasetID and then the
// dataset itself, all in one transaction. A dataset with a queued or running
// stage is refused with ErrDatasetBusy. Any other failure rolls back
// everything and is marked ErrRemoval.
func (r *Remover) RemoveDataset(ctx context.Context, datasetID string) (*Removal, error) {
	unlock := r.locks.Lock(datasetID)
	defer unlock()

	start := time.Now()
	log := r.logger.With(logger.FieldDatasetID, datasetID)

	active, err := r.active.ActiveForDataset(ctx, datasetID)
	if err != nil {
		return nil, errors.WrapRemoval(err, datasetID)
	}
	if len(active) > 0 {
		err := errors.Mark(errors.Newf("dataset %s has %d active stage executions", datasetID, len(active)), errors.ErrDatasetBusy)
		err = errors.WithDetailf(err, "Execution ID: %s", active[0].ID)
		return nil, errors.WithHint(err, "wait for the running stage to finish, then remove again")
	}

	removal := &Removal{DatasetID: datasetID, Deleted: make(map[string]int64)}
	if err := r.removeTx(ctx, datasetID, removal); err != nil {
		log.Warnw("Dataset removal rolled back", logger.FieldError, err)
		return nil, errors.WrapRemoval(err, datasetID)
	}

	removal.Duration = time.Since(start)
	log.Infow("Dataset removed",
		logger.FieldCount, removal.Total(),
		logger.FieldDurationMS, removal.Duration.Milliseconds())
	return removal, nil
}

func (r *Remover) removeTx(ctx context.Context, datasetID string, removal *Removal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	deleteFrom := func(table, query string) error {
		res, err := tx.ExecContext(ctx, query, datasetID)
		if err != nil {
			return errors.Wrapf(err, "delete from %s", table)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		removal.Deleted[table] += n
		return nil
	}

	for _, table := range recordTables {
		if err := deleteFrom(table, `DELETE FROM `+table+` WHERE dataset_id = ?`); err != nil {
			return db.Rollback(tx, err)
		}
	}

	n, err := counter.DeleteForDataset(ctx, tx, datasetID)
	if err != nil {
		return db.Rollback(tx, err)
	}
	removal.Deleted["counters"] = n

	for _, table := range []string{"record_events", "records"} {
		if err := deleteFrom(table, `DELETE FROM `+table+` WHERE dataset_id = ?`); err != nil {
			return db.Rollback(tx, err)
		}
	}

	found, err := dataset.Delete(ctx, tx, datasetID)
	if err != nil {
		return db.Rollback(tx, err)
	}
	if !found {
		return db.Rollback(tx, errors.NewNotFoundError("dataset %s", datasetID))
	}
	removal.Deleted["datasets"] = 1

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit removal")
	}
	return nil
}
