package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metis/errors"
	metistest "github.com/teranos/metis/internal/testing"
	"github.com/teranos/metis/workflow"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(metistest.CreateTestDB(t))

	d := &Dataset{Name: "museum", Classification: workflow.OAIHarvest, HasCustomTransform: true}
	require.NoError(t, store.Create(ctx, d))
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "museum", got.Name)
	assert.Equal(t, workflow.OAIHarvest, got.Classification)
	assert.True(t, got.HasCustomTransform)

	require.NoError(t, store.UpdateRecordCount(ctx, d.ID, 42))
	got, err = store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.RecordCount)

	t.Run("duplicate id is a conflict", func(t *testing.T) {
		err := store.Create(ctx, &Dataset{ID: d.ID, Name: "again", Classification: workflow.FileHarvest})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})

	t.Run("unknown classification is a configuration error", func(t *testing.T) {
		err := store.Create(ctx, &Dataset{Name: "x", Classification: "FTP"})
		assert.True(t, errors.IsConfiguration(err))
	})

	t.Run("missing dataset", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.True(t, errors.IsNotFoundError(err))
		assert.True(t, errors.IsNotFoundError(store.UpdateRecordCount(ctx, "nope", 1)))
	})
}

func TestListCreatedBefore(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	store := NewStore(conn)

	now := time.Now().UTC()
	for name, age := range map[string]time.Duration{
		"old":    30 * 24 * time.Hour,
		"older":  60 * 24 * time.Hour,
		"recent": time.Hour,
	} {
		require.NoError(t, store.Create(ctx, &Dataset{
			ID: name, Name: name, Classification: workflow.FileHarvest, CreatedAt: now.Add(-age),
		}))
	}

	expired, err := store.ListCreatedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "older", expired[0].ID)
	assert.Equal(t, "old", expired[1].ID)

	all, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "recent", all[0].ID)

	tx, err := conn.Begin()
	require.NoError(t, err)
	deleted, err := Delete(ctx, tx, "old")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = Delete(ctx, tx, "old")
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, tx.Commit())
}
