package stage

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/db"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
)

// MaxOrphanedToRecover limits how many running executions are re-queued at start.
const MaxOrphanedToRecover = 1000

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 500 * time.Millisecond,
	}
}

// WorkerPoolConfigFrom maps the substrate section of the configuration.
func WorkerPoolConfigFrom(cfg am.SubstrateConfig) WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval(),
	}
}

// WorkerPool runs queued executions through their registered handlers.
type WorkerPool struct {
	queue      *Queue
	poolConfig WorkerPoolConfig
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	mu            sync.Mutex
	activeWorkers int
	processed     int
}

// NewWorkerPool creates a pool draining queue. Cancelling ctx stops it.
func NewWorkerPool(ctx context.Context, queue *Queue, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:      queue,
		poolConfig: cfg,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     log.Named("substrate"),
	}
}

// Queue returns the queue this pool drains
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers
func (wp *WorkerPool) Workers() int {
	return wp.poolConfig.Workers
}

// Start recovers executions orphaned by an earlier crash, then starts the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// restarted after Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	if n, err := wp.recoverOrphaned(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned executions", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Infow("Re-queued executions orphaned by previous shutdown", logger.FieldCount, n)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.poolConfig.Workers)
	}

	for i := 0; i < wp.poolConfig.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infow("Worker pool started",
		"workers", wp.poolConfig.Workers,
		"poll_interval", wp.poolConfig.PollInterval,
		"stages", wp.queue.registry.StageTypes(),
	)
}

// Stop cancels the workers and waits up to 30s for them to exit.
// Executions interrupted mid-run are re-queued.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped")
	case <-time.After(timeout):
		wp.logger.Warnw("Worker pool stop timed out, workers may still be exiting", "timeout", timeout)
	}
}

// recoverOrphaned re-queues executions left running by an ungraceful shutdown
func (wp *WorkerPool) recoverOrphaned() (int, error) {
	running := StatusRunning
	orphans, err := wp.queue.List(wp.context(), &running, MaxOrphanedToRecover)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range orphans {
		e.Status = StatusQueued
		e.StartedAt = nil
		e.Error = ""
		e.UpdatedAt = time.Now().UTC()
		if err := wp.queue.UpdateExecution(wp.context(), e); err != nil {
			wp.logger.Warnw("Failed to recover orphaned execution", logger.FieldExecutionID, e.ID, logger.FieldError, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (wp *WorkerPool) context() context.Context {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.ctx
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	ctx := wp.context()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		// drain back to back while work is available
		for {
			worked, err := wp.processNext(ctx)
			if err != nil {
				if ctx.Err() != nil || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing execution",
					logger.FieldWorkerID, id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, id, "backoff", backoff)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors", logger.FieldWorkerID, id, "previous_error_count", errorCount)
				errorCount = 0
				backoff = time.Second
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processNext runs at most one execution. worked is false when the queue was empty.
func (wp *WorkerPool) processNext(ctx context.Context) (worked bool, err error) {
	if ctx.Err() != nil {
		return false, nil
	}

	exec, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to dequeue execution")
	}
	if exec == nil {
		return false, nil
	}

	log := wp.logger.With(
		logger.FieldExecutionID, exec.ID,
		logger.FieldStage, exec.StageType,
		logger.FieldDatasetID, exec.DatasetID,
	)

	handler := wp.queue.registry.Get(exec.StageType)
	if handler == nil {
		cause := errors.NewConfigurationError("no handler registered for stage %s", exec.StageType)
		log.Errorw("Execution has no handler", logger.FieldError, cause)
		return true, wp.queue.Fail(ctx, exec, cause)
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.processed++
		wp.mu.Unlock()
	}()

	started := time.Now()
	log.Infow("Execution started")
	runCtx := logger.WithExecutionID(logger.WithDatasetID(ctx, exec.DatasetID), exec.ID)

	report := func(current, total int) {
		exec.UpdateProgress(current, total)
		if err := wp.queue.UpdateExecution(ctx, exec); err != nil && ctx.Err() == nil {
			log.Warnw("Failed to record progress", logger.FieldError, err)
		}
	}

	if runErr := wp.execute(runCtx, handler, exec, report); runErr != nil {
		if ctx.Err() != nil {
			// Shutting down: put it back for the next start instead of failing it.
			// A fresh context is needed since ctx is already cancelled.
			exec.Status = StatusQueued
			exec.StartedAt = nil
			exec.UpdatedAt = time.Now().UTC()
			if err := wp.queue.UpdateExecution(context.Background(), exec); err != nil {
				log.Errorw("Failed to re-queue interrupted execution", logger.FieldError, err)
			}
			log.Warnw("Execution interrupted by shutdown, re-queued")
			return true, nil
		}

		log.Warnw("Execution failed",
			logger.FieldError, runErr,
			logger.FieldDurationMS, time.Since(started).Milliseconds())
		return true, wp.queue.Fail(ctx, exec, runErr)
	}

	log.Infow("Execution completed",
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
		"progress", fmt.Sprintf("%d/%d", exec.Progress.Current, exec.Progress.Total))
	return true, wp.queue.Complete(ctx, exec)
}

// execute converts a handler panic into a failed execution
func (wp *WorkerPool) execute(ctx context.Context, h Handler, exec *Execution, report ProgressReporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("stage handler panicked: %v", r)
			err = errors.WithDetail(err, string(debug.Stack()))
		}
	}()
	return h.Execute(ctx, exec, report)
}
