package events

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
)

// LogConsumer persists record events into record_events.
type LogConsumer struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewLogConsumer creates a consumer writing to db
func NewLogConsumer(db *sql.DB, log *zap.SugaredLogger) *LogConsumer {
	return &LogConsumer{db: db, logger: log.Named("events")}
}

// Run persists events from sub until it is closed or ctx is done.
// A failed insert is logged and skipped.
func (c *LogConsumer) Run(ctx context.Context, sub <-chan RecordEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := c.Persist(ctx, ev); err != nil {
				c.logger.Warnw("Failed to persist record event",
					logger.FieldDatasetID, ev.DatasetID,
					logger.FieldExecutionID, ev.ExecutionID,
					logger.FieldRecordID, ev.RecordID,
					logger.FieldError, err)
			}
		}
	}
}

// Persist writes one event
func (c *LogConsumer) Persist(ctx context.Context, ev RecordEvent) error {
	warnings := ev.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal warnings")
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO record_events (
			dataset_id, execution_id, execution_name,
			source_record_id, record_id,
			status, warnings, error, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.DatasetID, ev.ExecutionID, ev.ExecutionName,
		ev.SourceRecordID, ev.RecordID,
		string(ev.Status), string(warningsJSON), ev.Error, ev.At,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert record event")
	}
	return nil
}

// CountByStatus returns persisted event counts for one execution.
func (c *LogConsumer) CountByStatus(ctx context.Context, datasetID, executionID string) (map[Status]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM record_events
		WHERE dataset_id = ? AND execution_id = ?
		GROUP BY status`, datasetID, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count record events")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan record event count")
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating record event counts")
	}
	return counts, nil
}
