package steps

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/metis/counter"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/events"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
)

// Runner executes one consuming stage: it pages through the Success rows of
// the source execution in record id order and fans chunks out to workers.
// Each chunk is written in one batch under the current execution, and its
// failures and warnings are counted under the run's execution point.
type Runner struct {
	records   *record.Store
	counters  *counter.Store
	publisher events.Publisher
	cfg       Config
	logger    *zap.SugaredLogger
}

// NewRunner creates a runner. counters and publisher may be nil.
func NewRunner(records *record.Store, counters *counter.Store, publisher events.Publisher, cfg Config, log *zap.SugaredLogger) *Runner {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Runner{
		records:   records,
		counters:  counters,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    log.Named("steps"),
	}
}

// Run processes every Success row of the execution named by exec's
// source_execution_id through proc.
func (r *Runner) Run(ctx context.Context, exec *stage.Execution, proc Processor, report stage.ProgressReporter) (Summary, error) {
	src := record.Source{
		DatasetID:     exec.DatasetID,
		ExecutionID:   exec.Param(stage.ParamSourceExecutionID),
		ExecutionName: exec.Param(stage.ParamSourceExecutionName),
	}
	if src.ExecutionID == "" {
		return Summary{}, errors.NewInvalidRequestError("stage %s needs parameter %s", exec.StageType, stage.ParamSourceExecutionID)
	}

	log := r.logger.With(
		logger.FieldDatasetID, exec.DatasetID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldStage, exec.StageType,
		logger.FieldSourceExecutionID, src.ExecutionID,
	)

	total, err := r.records.CountSuccess(ctx, src)
	if err != nil {
		return Summary{}, err
	}
	chunkSize := r.cfg.chunkSize(exec)
	log.Infow("Stage input", logger.FieldTotalCount, total, logger.FieldBatchSize, chunkSize)

	var scopeID int64
	if r.counters != nil {
		// a re-run of the same execution lands on the same scope
		scopeID, err = r.counters.ExecutionPoint(ctx, exec.DatasetID, exec.StageType, exec.CreatedAt)
		if err != nil {
			return Summary{}, err
		}
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	progress := func(res record.WriteResult, read int) {
		mu.Lock()
		defer mu.Unlock()
		summary.Read += read
		summary.add(res)
		if report != nil {
			report(summary.Read, total)
		}
	}
	progress(record.WriteResult{}, 0)

	chunks := make(chan []record.Success)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		cursor := record.Cursor{}
		for {
			page, err := r.records.ReadSuccess(gctx, src, cursor, chunkSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			select {
			case chunks <- page:
			case <-gctx.Done():
				return gctx.Err()
			}
			cursor = record.After(page[len(page)-1].Key)
		}
	})

	for i := 0; i < r.cfg.ChunkWorkers; i++ {
		g.Go(func() error {
			for chunk := range chunks {
				out, err := r.processChunk(gctx, exec, proc, chunk)
				if err != nil {
					return err
				}
				res, err := r.records.WriteBatch(gctx, out)
				if err != nil {
					return errors.Wrapf(err, "write chunk starting at %s", chunk[0].Key.RecordID)
				}
				if r.counters != nil {
					if err := r.countPatterns(gctx, scopeID, out); err != nil {
						return err
					}
				}
				now := time.Now()
				for _, rec := range out {
					r.publisher.Publish(gctx, events.FromRecord(rec, now))
				}
				progress(res, len(chunk))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	if r.counters != nil {
		if summary.Patterns, err = r.counters.Totals(ctx, scopeID); err != nil {
			return summary, err
		}
	}

	log.Infow("Stage output",
		"read", summary.Read,
		"written", summary.Written,
		"failed", summary.Failed,
		"duplicates", summary.Duplicates)
	return summary, nil
}

// processChunk turns each input into its Success or Fail output record
func (r *Runner) processChunk(ctx context.Context, exec *stage.Execution, proc Processor, chunk []record.Success) ([]record.Record, error) {
	outID := exec.OutputExecutionID()
	out := make([]record.Record, 0, len(chunk))

	for _, in := range chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := proc.Process(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.FromContext(ctx, r.logger).Debugw("Record failed",
				logger.FieldExecutionName, exec.StageType,
				logger.FieldSourceRecordID, in.Key.SourceRecordID,
				logger.FieldRecordID, in.Key.RecordID,
				logger.FieldError, err)
			out = append(out, record.Fail{
				Key:       in.Key.Next(outID, exec.StageType, ""),
				Exception: err.Error(),
			})
			continue
		}

		content := res.Content
		if content == nil {
			content = in.Content
		}
		out = append(out, record.Success{
			Key:      in.Key.Next(outID, exec.StageType, res.RecordID),
			Content:  content,
			Warnings: res.Warnings,
			Tier:     res.Tier,
		})
	}
	return out, nil
}

// CategoryFailure counts Fail rows. Every distinct warning message is a
// category of its own.
const CategoryFailure = "FAILURE"

// countPatterns records one pattern per (record, category) of out and bumps
// the counters by the patterns that were new, so a re-delivered chunk does
// not count twice.
func (r *Runner) countPatterns(ctx context.Context, scopeID int64, out []record.Record) error {
	deltas := make(map[string]int64)
	for _, rec := range out {
		for _, pr := range patternsOf(rec) {
			pr.ScopeID = scopeID
			res, err := r.counters.UpsertIfAbsent(ctx, &pr)
			if err != nil {
				return err
			}
			if res == counter.Upserted {
				deltas[pr.CategoryID]++
			}
		}
	}
	for category, n := range deltas {
		if _, err := r.counters.Increment(ctx, scopeID, category, n); err != nil {
			return err
		}
	}
	return nil
}

func patternsOf(rec record.Record) []counter.PatternRecord {
	return record.Match(rec,
		func(s record.Success) []counter.PatternRecord {
			out := make([]counter.PatternRecord, 0, len(s.Warnings))
			for _, w := range s.Warnings {
				out = append(out, counter.PatternRecord{RecordID: s.Key.RecordID, CategoryID: w, Message: w})
			}
			return out
		},
		func(f record.Fail) []counter.PatternRecord {
			return []counter.PatternRecord{{RecordID: f.Key.RecordID, CategoryID: CategoryFailure, Message: f.Exception}}
		},
	)
}
