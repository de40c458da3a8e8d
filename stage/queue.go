package stage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// QueueConfig bounds what the queue accepts.
type QueueConfig struct {
	MaxActive            int     // queued+running executions before Submit rejects (0 = unlimited)
	SubmissionsPerSecond float64 // token bucket refill rate (0 = unlimited)
	SubmissionBurst      int
}

// QueueConfigFrom maps the substrate section of the configuration.
func QueueConfigFrom(cfg am.SubstrateConfig) QueueConfig {
	return QueueConfig{
		MaxActive:            cfg.MaxActive,
		SubmissionsPerSecond: cfg.SubmissionsPerSecond,
		SubmissionBurst:      cfg.SubmissionBurst,
	}
}

// Queue accepts stage submissions and tracks their executions.
type Queue struct {
	store    *Store
	registry *HandlerRegistry
	limiter  *rate.Limiter
	cfg      QueueConfig

	mu          sync.RWMutex
	subscribers []chan *Execution
}

// NewQueue creates a queue over db. Submissions are only accepted for stage
// types registered in registry.
func NewQueue(db *sql.DB, registry *HandlerRegistry, cfg QueueConfig) *Queue {
	limit := rate.Inf
	burst := cfg.SubmissionBurst
	if cfg.SubmissionsPerSecond > 0 {
		limit = rate.Limit(cfg.SubmissionsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Queue{
		store:       NewStore(db),
		registry:    registry,
		limiter:     rate.NewLimiter(limit, burst),
		cfg:         cfg,
		subscribers: make([]chan *Execution, 0),
	}
}

// Registry returns the handler registry backing this queue.
func (q *Queue) Registry() *HandlerRegistry {
	return q.registry
}

// Store returns the underlying execution store.
func (q *Queue) Store() *Store {
	return q.store
}

// Submit persists a queued execution of stageType and returns its handle
// without waiting for it to run.
//
// An unregistered stage type is a configuration error. A full substrate
// (max_active reached, or the submission rate exceeded) rejects with a
// retryable submission error; nothing is retried here.
func (q *Queue) Submit(ctx context.Context, stageType string, params map[string]string) (Handle, error) {
	if !q.registry.Has(stageType) {
		err := errors.NewConfigurationError("no handler registered for stage %s", stageType)
		return Handle{}, errors.WithDetailf(err, "Registered stages: %v", q.registry.StageTypes())
	}

	exec, err := NewExecution(stageType, params)
	if err != nil {
		return Handle{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxActive > 0 {
		active, err := q.store.CountActive(ctx)
		if err != nil {
			return Handle{}, err
		}
		if active >= q.cfg.MaxActive {
			err := errors.NewSubmissionRejected("substrate at capacity: %d active executions", active)
			return Handle{}, errors.WithDetailf(err, "Stage: %s", stageType)
		}
	}

	if !q.limiter.Allow() {
		err := errors.NewSubmissionRejected("submission rate exceeded (%.2f/s)", q.cfg.SubmissionsPerSecond)
		return Handle{}, errors.WithDetailf(err, "Stage: %s", stageType)
	}

	if err := q.store.CreateExecution(ctx, exec); err != nil {
		err = errors.Wrap(err, "failed to submit execution")
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", exec.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Stage: %s", stageType))
		err = errors.WithDetail(err, fmt.Sprintf("Dataset ID: %s", exec.DatasetID))
		return Handle{}, err
	}

	q.notifySubscribers(exec)
	return exec.Handle(), nil
}

// Dequeue claims the next queued execution and marks it as running.
// Returns nil when nothing is queued.
func (q *Queue) Dequeue(ctx context.Context) (*Execution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	exec, err := q.store.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	if exec != nil {
		q.notifySubscribers(exec)
	}
	return exec, nil
}

// Get retrieves an execution by ID
func (q *Queue) Get(ctx context.Context, id string) (*Execution, error) {
	return q.store.GetExecution(ctx, id)
}

// Status returns the current status of the execution behind h.
func (q *Queue) Status(ctx context.Context, h Handle) (Status, error) {
	exec, err := q.store.GetExecution(ctx, h.ID)
	if err != nil {
		return "", err
	}
	return exec.Status, nil
}

// IsRunning reports whether h has not reached a terminal status.
func (q *Queue) IsRunning(ctx context.Context, h Handle) (bool, error) {
	status, err := q.Status(ctx, h)
	if err != nil {
		return false, err
	}
	return !status.Terminal(), nil
}

// UpdateExecution persists e and notifies subscribers
func (q *Queue) UpdateExecution(ctx context.Context, e *Execution) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateExecution(ctx, e); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Execution ID: %s", e.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Stage: %s", e.StageType))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", e.Status))
		return err
	}

	q.notifySubscribers(e)
	return nil
}

// Complete marks an execution as completed
func (q *Queue) Complete(ctx context.Context, e *Execution) error {
	e.Complete()
	return q.UpdateExecution(ctx, e)
}

// Fail marks an execution as failed with cause
func (q *Queue) Fail(ctx context.Context, e *Execution, cause error) error {
	e.Fail(cause)
	return q.UpdateExecution(ctx, e)
}

// ActiveForDataset returns the queued or running executions of a dataset.
func (q *Queue) ActiveForDataset(ctx context.Context, datasetID string) ([]*Execution, error) {
	return q.store.ListActiveForDataset(ctx, datasetID)
}

// List returns executions newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status *Status, limit int) ([]*Execution, error) {
	return q.store.ListExecutions(ctx, status, limit)
}

// Subscribe returns a channel that receives a snapshot of every execution
// change. The caller is responsible for calling Unsubscribe when done.
// Sends never block: a full channel drops the update.
func (q *Queue) Subscribe() chan *Execution {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Execution, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed.
func (q *Queue) Unsubscribe(ch chan *Execution) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// REQUIRES: q.mu held by caller.
func (q *Queue) notifySubscribers(e *Execution) {
	for _, ch := range q.subscribers {
		select {
		case ch <- e.Clone():
		default:
		}
	}
}

// CleanupOld removes terminal executions older than olderThan.
func (q *Queue) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.CleanupOld(ctx, olderThan)
}

// Stats summarises executions by status
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Stats returns execution counts by status
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{
		Queued:    counts[StatusQueued],
		Running:   counts[StatusRunning],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
	}
	s.Total = s.Queued + s.Running + s.Completed + s.Failed
	return s, nil
}
