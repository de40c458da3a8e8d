package orchestrator

import (
	"context"

	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
	"github.com/teranos/metis/workflow"
)

// State is where a chain is in its run.
type State string

const (
	StateIdle             State = "IDLE"
	StateStageRunning     State = "STAGE_RUNNING"
	StateStageDoneSuccess State = "STAGE_DONE_SUCCESS"
	StateStageDoneFailure State = "STAGE_DONE_FAILURE"
	StateChainComplete    State = "CHAIN_COMPLETE"
)

// ChainResult is the outcome of Chain or RunPlan. Executions holds one
// handle per launched stage, in launch order, each with its terminal status.
type ChainResult struct {
	State      State
	Executions []stage.Handle
}

// First returns the first launched stage, if any.
func (r *ChainResult) First() (stage.Handle, bool) { return r.at(0) }

// Second returns the second launched stage, if any.
func (r *ChainResult) Second() (stage.Handle, bool) { return r.at(1) }

func (r *ChainResult) at(i int) (stage.Handle, bool) {
	if i < 0 || i >= len(r.Executions) {
		return stage.Handle{}, false
	}
	return r.Executions[i], true
}

// Last returns the most recently launched stage, if any.
func (r *ChainResult) Last() (stage.Handle, bool) { return r.at(len(r.Executions) - 1) }

// Succeeded reports whether every stage ran and completed.
func (r *ChainResult) Succeeded() bool { return r.State == StateChainComplete }

// Chain runs first then, only if it completed, second over first's output.
//
// A failed stage ends the chain without error: its failure is recorded on
// the execution itself and the result's State is STAGE_DONE_FAILURE.
// Errors are returned for launch and wait problems only.
func (o *Orchestrator) Chain(ctx context.Context, ds *dataset.Dataset, first workflow.Stage, firstParams map[string]string, second workflow.Stage) (*ChainResult, error) {
	return o.run(ctx, ds, []workflow.Stage{first, second}, firstParams)
}

// RunPlan composes the execution plan of ds and drives it stage by stage
// with the same propagation rule as Chain. Every stage of the plan must have
// a handler before anything is launched.
func (o *Orchestrator) RunPlan(ctx context.Context, ds *dataset.Dataset, firstParams map[string]string) (*ChainResult, error) {
	plan, err := o.composer.ExecutionPlan(ds.Classification, ds.HasCustomTransform)
	if err != nil {
		return nil, errors.WithDetailf(err, "Dataset ID: %s", ds.ID)
	}

	registry := o.substrate.Registry()
	var missing []workflow.Stage
	for _, s := range plan.Stages() {
		if !registry.Has(string(s)) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		err := errors.NewConfigurationError("no handler registered for stages %v of plan %s", missing, plan)
		return nil, errors.WithDetailf(err, "Dataset ID: %s", ds.ID)
	}

	o.logger.Infow("Execution plan composed",
		logger.FieldDatasetID, ds.ID,
		logger.FieldClassification, ds.Classification,
		"plan", plan.String())
	return o.run(ctx, ds, plan.Stages(), firstParams)
}

func (o *Orchestrator) run(ctx context.Context, ds *dataset.Dataset, stages []workflow.Stage, firstParams map[string]string) (*ChainResult, error) {
	log := o.logger.With(logger.FieldDatasetID, ds.ID)
	res := &ChainResult{State: StateIdle}
	transition := func(next State, s workflow.Stage) {
		log.Debugw("Chain transition", logger.FieldChainState, next, "from", res.State, logger.FieldStage, s)
		res.State = next
	}

	params := cloneParams(firstParams)
	params[stage.ParamDatasetID] = ds.ID

	// The dataset lock is held from a stage's completion bookkeeping up to
	// the next stage's submission. Once submitted, the remover sees the
	// execution as active and refuses.
	unlock := o.locks.Lock(ds.ID)
	release := func() {
		if unlock != nil {
			unlock()
			unlock = nil
		}
	}
	defer release()

	for i, s := range stages {
		h, err := o.launchForDataset(ctx, ds.ID, s, params)
		release()
		if err != nil {
			return res, err
		}
		transition(StateStageRunning, s)

		status, err := o.AwaitCompletion(ctx, h)
		if err != nil {
			res.Executions = append(res.Executions, h)
			return res, err
		}
		h.Status = status
		res.Executions = append(res.Executions, h)

		if status != stage.StatusCompleted {
			transition(StateStageDoneFailure, s)
			log.Warnw("Stage did not complete, chain stopped",
				logger.FieldStage, s,
				logger.FieldExecutionID, h.ID,
				logger.FieldStatus, status,
				"skipped", len(stages)-i-1)
			return res, nil
		}
		transition(StateStageDoneSuccess, s)

		unlock = o.locks.Lock(ds.ID)
		if i == 0 {
			if err := o.refreshRecordCount(ctx, ds.ID, h); err != nil {
				return res, err
			}
		}
		params = nextParams(ds.ID, h, firstParams)
	}
	release()

	transition(StateChainComplete, "")
	log.Infow("Chain complete", logger.FieldCount, len(res.Executions))
	return res, nil
}

// launchForDataset submits s unless the dataset was removed meanwhile.
// The caller holds the dataset lock.
func (o *Orchestrator) launchForDataset(ctx context.Context, datasetID string, s workflow.Stage, params map[string]string) (stage.Handle, error) {
	if _, err := o.datasets.Get(ctx, datasetID); err != nil {
		return stage.Handle{}, errors.Wrapf(err, "launch %s", s)
	}
	return o.Launch(ctx, s, params)
}

// refreshRecordCount sets the dataset's record total to what h produced so
// later stages report progress against the right denominator. The caller
// holds the dataset lock.
func (o *Orchestrator) refreshRecordCount(ctx context.Context, datasetID string, h stage.Handle) error {
	count, err := o.records.CountSuccess(ctx, record.Source{
		DatasetID:     datasetID,
		ExecutionID:   h.OutputExecutionID(),
		ExecutionName: h.StageType,
	})
	if err != nil {
		return errors.Wrapf(err, "count output of %s execution %s", h.StageType, h.ID)
	}
	if err := o.datasets.UpdateRecordCount(ctx, datasetID, count); err != nil {
		return err
	}

	o.logger.Infow("Dataset record count updated",
		logger.FieldDatasetID, datasetID,
		logger.FieldExecutionID, h.ID,
		logger.FieldTotalCount, count)
	return nil
}

// nextParams builds the input of the stage consuming prev's output.
func nextParams(datasetID string, prev stage.Handle, firstParams map[string]string) map[string]string {
	params := map[string]string{
		stage.ParamDatasetID:           datasetID,
		stage.ParamSourceExecutionID:   prev.OutputExecutionID(),
		stage.ParamSourceExecutionName: prev.StageType,
	}
	if step := firstParams[stage.ParamStepSize]; step != "" {
		params[stage.ParamStepSize] = step
	}
	return params
}

func cloneParams(params map[string]string) map[string]string {
	cp := make(map[string]string, len(params)+1)
	for k, v := range params {
		cp[k] = v
	}
	return cp
}
