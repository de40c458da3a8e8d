package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metis/errors"
	metistest "github.com/teranos/metis/internal/testing"
)

func noopHandler(stageType string) Handler {
	return HandlerFunc{Stage: stageType, Fn: func(context.Context, *Execution, ProgressReporter) error { return nil }}
}

func newTestQueue(t *testing.T, cfg QueueConfig, stages ...string) *Queue {
	t.Helper()
	registry := NewHandlerRegistry()
	for _, s := range stages {
		registry.Register(noopHandler(s))
	}
	return NewQueue(metistest.CreateTestDB(t), registry, cfg)
}

func params(datasetID string) map[string]string {
	return map[string]string{ParamDatasetID: datasetID}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("returns a queued handle and notifies subscribers", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{}, "HARVEST_OAI")
		sub := q.Subscribe()
		defer q.Unsubscribe(sub)

		p := params("ds-1")
		p[ParamEndpoint] = "https://oai.example.org"
		h, err := q.Submit(ctx, "HARVEST_OAI", p)
		require.NoError(t, err)
		assert.NotEmpty(t, h.ID)
		assert.Equal(t, StatusQueued, h.Status)
		assert.Equal(t, "ds-1", h.DatasetID)
		assert.Equal(t, "https://oai.example.org", h.Parameters[ParamEndpoint])

		// handle is a snapshot
		p[ParamEndpoint] = "changed"
		assert.Equal(t, "https://oai.example.org", h.Parameters[ParamEndpoint])

		select {
		case e := <-sub:
			assert.Equal(t, h.ID, e.ID)
		case <-time.After(time.Second):
			t.Fatal("no notification")
		}

		running, err := q.IsRunning(ctx, h)
		require.NoError(t, err)
		assert.True(t, running)
	})

	t.Run("unregistered stage is a configuration error", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{}, "HARVEST_OAI")
		_, err := q.Submit(ctx, "NORMALIZE", params("ds-1"))
		require.Error(t, err)
		assert.True(t, errors.IsConfiguration(err))
		assert.False(t, errors.IsRetryable(err))
	})

	t.Run("dataset id is required", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{}, "HARVEST_OAI")
		_, err := q.Submit(ctx, "HARVEST_OAI", map[string]string{})
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("override job id replaces the generated id", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{}, "HARVEST_OAI")
		p := params("ds-1")
		p[ParamOverrideJobID] = "fixed-run"
		h, err := q.Submit(ctx, "HARVEST_OAI", p)
		require.NoError(t, err)
		assert.Equal(t, "fixed-run", h.ID)
	})

	t.Run("capacity rejection is retryable", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{MaxActive: 2}, "HARVEST_OAI")
		for i := 0; i < 2; i++ {
			_, err := q.Submit(ctx, "HARVEST_OAI", params("ds-1"))
			require.NoError(t, err)
		}
		_, err := q.Submit(ctx, "HARVEST_OAI", params("ds-1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSubmissionRejected))
		assert.True(t, errors.IsRetryable(err))
		assert.Equal(t, 429, errors.HTTPStatus(err))

		// a terminal execution frees a slot
		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, e))
		_, err = q.Submit(ctx, "HARVEST_OAI", params("ds-1"))
		assert.NoError(t, err)
	})

	t.Run("rate limit rejection", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{SubmissionsPerSecond: 0.001, SubmissionBurst: 1}, "HARVEST_OAI")
		_, err := q.Submit(ctx, "HARVEST_OAI", params("ds-1"))
		require.NoError(t, err)
		_, err = q.Submit(ctx, "HARVEST_OAI", params("ds-1"))
		assert.True(t, errors.Is(err, errors.ErrSubmissionRejected))
	})
}

func TestDequeueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, QueueConfig{}, "HARVEST_FILE", "VALIDATE_EXTERNAL")

	first, err := q.Submit(ctx, "HARVEST_FILE", params("ds-1"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := q.Submit(ctx, "VALIDATE_EXTERNAL", params("ds-2"))
	require.NoError(t, err)

	e, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, first.ID, e.ID, "oldest first")
	assert.Equal(t, StatusRunning, e.Status)
	assert.NotNil(t, e.StartedAt)

	active, err := q.ActiveForDataset(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	e.UpdateProgress(5, 10)
	require.NoError(t, q.UpdateExecution(ctx, e))
	require.NoError(t, q.Fail(ctx, e, errors.New("harvest endpoint unreachable")))

	got, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "harvest endpoint unreachable", got.Error)
	assert.Equal(t, 50.0, got.Progress.Percentage())
	assert.Equal(t, "ds-1", got.Param(ParamDatasetID))

	active, err = q.ActiveForDataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	e2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, e2.ID)

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Complete(ctx, e2))
	status, err := q.Status(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1, Failed: 1, Total: 2}, *stats)

	_, err = q.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCleanupOld(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, QueueConfig{}, "HARVEST_FILE")

	h, err := q.Submit(ctx, "HARVEST_FILE", params("ds-1"))
	require.NoError(t, err)
	_, err = q.Submit(ctx, "HARVEST_FILE", params("ds-1"))
	require.NoError(t, err)

	e, err := q.Get(ctx, h.ID)
	require.NoError(t, err)
	e.Complete()
	e.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, q.store.UpdateExecution(ctx, e))

	n, err := q.CleanupOld(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only terminal executions past the window are removed")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	r.Register(noopHandler("B"))
	r.Register(noopHandler("A"))

	assert.True(t, r.Has("A"))
	assert.Nil(t, r.Get("C"))
	assert.Equal(t, []string{"A", "B"}, r.StageTypes())
	assert.Panics(t, func() { r.Register(noopHandler("A")) })
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, IsValidStatus("running"))
	assert.False(t, IsValidStatus("paused"))
}
