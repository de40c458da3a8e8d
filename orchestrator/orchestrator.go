// Package orchestrator drives stage chains for a dataset: it submits each
// stage to the execution substrate, waits for it to reach a terminal status
// and derives the next stage's input from the finished one.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
	"github.com/teranos/metis/workflow"
)

// DefaultPollInterval bounds how long a wait goes without checking status
// when no notification arrives.
const DefaultPollInterval = time.Second

// Substrate is the execution substrate stages are submitted to.
type Substrate interface {
	Submit(ctx context.Context, stageType string, params map[string]string) (stage.Handle, error)
	Status(ctx context.Context, h stage.Handle) (stage.Status, error)
	Registry() *stage.HandlerRegistry
}

// Notifier is implemented by substrates that push execution changes.
// AwaitCompletion still polls as a fallback since pushes may be dropped.
type Notifier interface {
	Subscribe() chan *stage.Execution
	Unsubscribe(ch chan *stage.Execution)
}

// Config controls waiting.
type Config struct {
	PollInterval time.Duration
	Deadline     time.Duration // 0 waits until terminal status
}

// ConfigFrom maps the orchestrator section of the configuration.
func ConfigFrom(cfg am.OrchestratorConfig) Config {
	return Config{PollInterval: cfg.PollInterval(), Deadline: cfg.Deadline()}
}

// Orchestrator launches stages and chains them.
type Orchestrator struct {
	substrate Substrate
	composer  *workflow.Composer
	datasets  *dataset.Store
	records   *record.Store
	locks     *dataset.Locks
	cfg       Config
	logger    *zap.SugaredLogger
}

// New creates an orchestrator. locks must be shared with anything else that
// does bookkeeping on datasets (the lifecycle remover).
func New(substrate Substrate, composer *workflow.Composer, datasets *dataset.Store, records *record.Store, locks *dataset.Locks, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Orchestrator{
		substrate: substrate,
		composer:  composer,
		datasets:  datasets,
		records:   records,
		locks:     locks,
		cfg:       cfg,
		logger:    log.Named("orchestrator"),
	}
}

// Launch submits a stage and returns without waiting. It fails with a
// configuration error when no handler serves stageType and with a retryable
// submission error when the substrate is full.
func (o *Orchestrator) Launch(ctx context.Context, stageType workflow.Stage, params map[string]string) (stage.Handle, error) {
	h, err := o.substrate.Submit(ctx, string(stageType), params)
	if err != nil {
		return stage.Handle{}, errors.Wrapf(err, "launch %s", stageType)
	}

	o.logger.Infow("Stage launched",
		logger.FieldStage, stageType,
		logger.FieldExecutionID, h.ID,
		logger.FieldDatasetID, h.DatasetID)
	return h, nil
}

// AwaitCompletion blocks until h reaches a terminal status and returns it.
//
// Cancelling ctx abandons only the wait: the stage keeps running and the
// returned error is marked ErrInterrupted. With a configured deadline an
// overlong wait returns ErrDeadlineExceeded, again leaving the stage alone.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, h stage.Handle) (stage.Status, error) {
	waitCtx := ctx
	if o.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.cfg.Deadline)
		defer cancel()
	}

	// subscribe before the first status read so no transition is missed
	var updates chan *stage.Execution
	if n, ok := o.substrate.(Notifier); ok {
		updates = n.Subscribe()
		defer n.Unsubscribe(updates)
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := o.substrate.Status(waitCtx, h)
		if err != nil {
			if waitCtx.Err() != nil {
				return "", o.abandoned(ctx, h)
			}
			return "", errors.Wrapf(err, "status of %s execution %s", h.StageType, h.ID)
		}
		if status.Terminal() {
			return status, nil
		}

	wait:
		for {
			select {
			case <-waitCtx.Done():
				return "", o.abandoned(ctx, h)
			case e := <-updates:
				if e.ID != h.ID {
					continue
				}
				if e.Status.Terminal() {
					return e.Status, nil
				}
			case <-ticker.C:
				break wait
			}
		}
	}
}

// abandoned explains why a wait on h ended early
func (o *Orchestrator) abandoned(ctx context.Context, h stage.Handle) error {
	log := o.logger.With(logger.FieldStage, h.StageType, logger.FieldExecutionID, h.ID)

	if ctx.Err() != nil {
		log.Infow("Wait interrupted, stage left running")
		err := errors.Mark(errors.Wrapf(ctx.Err(), "wait for %s execution %s", h.StageType, h.ID), errors.ErrInterrupted)
		return errors.WithDetailf(err, "Dataset ID: %s", h.DatasetID)
	}

	log.Warnw("Completion deadline exceeded, stage left running", "deadline", o.cfg.Deadline)
	err := errors.Mark(errors.Newf("%s execution %s not finished after %s", h.StageType, h.ID, o.cfg.Deadline), errors.ErrDeadlineExceeded)
	return errors.WithDetailf(err, "Dataset ID: %s", h.DatasetID)
}
