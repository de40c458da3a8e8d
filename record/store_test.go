package record

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metistest "github.com/teranos/metis/internal/testing"
)

func harvestKey(i int) Key {
	return Key{
		DatasetID:      "ds-1",
		ExecutionID:    "exec-harvest",
		ExecutionName:  "HARVEST_OAI",
		SourceRecordID: fmt.Sprintf("src-%03d", i),
		RecordID:       fmt.Sprintf("rec-%03d", i),
	}
}

func TestWriteBatch(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	store := NewStore(conn)

	batch := []Record{
		Success{
			Key:      harvestKey(1),
			Content:  []byte("<record>1</record>"),
			Warnings: []string{"missing rights statement", "empty title"},
			Tier:     &TierResult{ContentTier: "2", MetadataTier: "B", License: "CC-BY"},
		},
		Success{Key: harvestKey(2), Content: []byte("<record>2</record>")},
		Fail{Key: harvestKey(3), Exception: "unparseable"},
	}

	res, err := store.WriteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Written: 2, Failed: 1}, res)

	var warnings int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM record_warnings WHERE dataset_id = 'ds-1'").Scan(&warnings))
	assert.Equal(t, 2, warnings)

	t.Run("duplicate 5-tuple is absorbed, not overwritten", func(t *testing.T) {
		res, err := store.WriteBatch(ctx, []Record{
			Success{Key: harvestKey(1), Content: []byte("<record>changed</record>")},
			Fail{Key: harvestKey(3), Exception: "different"},
		})
		require.NoError(t, err)
		assert.Equal(t, WriteResult{Duplicates: 2}, res)

		page, err := store.ReadSuccess(ctx, harvestKey(1).Source(), Cursor{}, 10)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "<record>1</record>", string(page[0].Content))
		require.NotNil(t, page[0].Tier)
		assert.Equal(t, "CC-BY", page[0].Tier.License)
		assert.Nil(t, page[1].Tier)

		var exception string
		require.NoError(t, conn.QueryRow("SELECT exception FROM record_errors").Scan(&exception))
		assert.Equal(t, "unparseable", exception)
	})

	t.Run("retry under a new execution id does not collide", func(t *testing.T) {
		k := harvestKey(1)
		k.ExecutionID = "exec-harvest-retry"
		res, err := store.WriteBatch(ctx, []Record{Success{Key: k, Content: []byte("<record>1</record>")}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Written)
	})

	t.Run("invalid key rejects the whole batch", func(t *testing.T) {
		bad := harvestKey(9)
		bad.RecordID = ""
		_, err := store.WriteBatch(ctx, []Record{Success{Key: harvestKey(8)}, Success{Key: bad}})
		require.Error(t, err)

		n, err := store.CountSuccess(ctx, harvestKey(8).Source())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("unknown dataset rolls back the batch", func(t *testing.T) {
		orphan := harvestKey(20)
		orphan.DatasetID = "missing"
		_, err := store.WriteBatch(ctx, []Record{Success{Key: harvestKey(21)}, Success{Key: orphan}})
		require.Error(t, err)

		n, err := store.CountSuccess(ctx, harvestKey(21).Source())
		require.NoError(t, err)
		assert.Equal(t, 2, n, "first row of the failed batch must not persist")
	})
}

func TestWriteBatchSingleVariant(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	store := NewStore(conn)

	rows := func(table string) int {
		var n int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		return n
	}

	t.Run("fail after success is absorbed", func(t *testing.T) {
		res, err := store.WriteBatch(ctx, []Record{Success{Key: harvestKey(1), Content: []byte("<r/>")}})
		require.NoError(t, err)
		assert.Equal(t, WriteResult{Written: 1}, res)

		res, err = store.WriteBatch(ctx, []Record{Fail{Key: harvestKey(1), Exception: "re-run failed"}})
		require.NoError(t, err)
		assert.Equal(t, WriteResult{Duplicates: 1}, res)
	})

	t.Run("success after fail is absorbed", func(t *testing.T) {
		res, err := store.WriteBatch(ctx, []Record{Fail{Key: harvestKey(2), Exception: "empty content"}})
		require.NoError(t, err)
		assert.Equal(t, WriteResult{Failed: 1}, res)

		res, err = store.WriteBatch(ctx, []Record{Success{Key: harvestKey(2), Warnings: []string{"late"}}})
		require.NoError(t, err)
		assert.Equal(t, WriteResult{Duplicates: 1}, res)
	})

	t.Run("both variants in one batch keep the first", func(t *testing.T) {
		res, err := store.WriteBatch(ctx, []Record{
			Fail{Key: harvestKey(3), Exception: "first"},
			Success{Key: harvestKey(3)},
		})
		require.NoError(t, err)
		assert.Equal(t, WriteResult{Failed: 1, Duplicates: 1}, res)
	})

	assert.Equal(t, 1, rows("records"))
	assert.Equal(t, 2, rows("record_errors"))
	assert.Zero(t, rows("record_warnings"))

	var both int
	require.NoError(t, conn.QueryRow(`
		SELECT COUNT(*) FROM records r JOIN record_errors e
		  ON e.dataset_id = r.dataset_id AND e.execution_id = r.execution_id
		 AND e.execution_name = r.execution_name
		 AND e.source_record_id = r.source_record_id AND e.record_id = r.record_id`).Scan(&both))
	assert.Zero(t, both)
}

func TestReadSuccessPaging(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	store := NewStore(conn)

	// Written out of order; read back ordered by record id
	var batch []Record
	for _, i := range []int{5, 1, 4, 2, 3, 7, 6} {
		batch = append(batch, Success{Key: harvestKey(i), Content: []byte("x")})
	}
	// Another execution of the same dataset must not leak into the page
	other := harvestKey(100)
	other.ExecutionID = "exec-other"
	batch = append(batch, Success{Key: other, Content: []byte("x")})

	_, err := store.WriteBatch(ctx, batch)
	require.NoError(t, err)

	src := Source{DatasetID: "ds-1", ExecutionID: "exec-harvest"}
	var seen []string
	cursor := Cursor{}
	for {
		page, err := store.ReadSuccess(ctx, src, cursor, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			seen = append(seen, rec.Key.RecordID)
		}
		cursor = After(page[len(page)-1].Key)
	}

	assert.Equal(t, []string{"rec-001", "rec-002", "rec-003", "rec-004", "rec-005", "rec-006", "rec-007"}, seen)

	_, err = store.ReadSuccess(ctx, src, Cursor{}, 0)
	assert.Error(t, err)
	_, err = store.ReadSuccess(ctx, Source{DatasetID: "ds-1"}, Cursor{}, 10)
	assert.Error(t, err)
}

func TestReadSuccessSharedRecordID(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	store := NewStore(conn)

	// Two source records normalised onto the same record id
	a, b := harvestKey(1), harvestKey(2)
	b.RecordID = a.RecordID
	_, err := store.WriteBatch(ctx, []Record{Success{Key: a}, Success{Key: b}})
	require.NoError(t, err)

	first, err := store.ReadSuccess(ctx, a.Source(), Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	second, err := store.ReadSuccess(ctx, a.Source(), After(first[0].Key), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].Key.SourceRecordID, second[0].Key.SourceRecordID)
}

func TestCountsAndLineage(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	store := NewStore(conn)

	harvested := harvestKey(1)
	_, err := store.WriteBatch(ctx, []Record{
		Success{Key: harvested, Content: []byte("<r/>")},
		Success{Key: harvestKey(2), Content: []byte("<r/>")},
	})
	require.NoError(t, err)

	validated := harvested.Next("exec-validate", "VALIDATE_EXTERNAL", "canonical-1")
	_, err = store.WriteBatch(ctx, []Record{
		Success{Key: validated, Content: []byte("<r/>")},
		Fail{Key: harvestKey(2).Next("exec-validate", "VALIDATE_EXTERNAL", ""), Exception: "invalid"},
	})
	require.NoError(t, err)

	n, err := store.CountSuccess(ctx, harvested.Source())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountFail(ctx, validated.Source())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lineage, err := store.Lineage(ctx, "ds-1", harvested.SourceRecordID)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, "HARVEST_OAI", lineage[0].Key.ExecutionName)
	assert.Equal(t, "canonical-1", lineage[1].Key.RecordID)
	assert.True(t, lineage[1].Success)

	lineage, err = store.Lineage(ctx, "ds-1", harvestKey(2).SourceRecordID)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.False(t, lineage[1].Success)
	assert.Equal(t, "invalid", lineage[1].Exception)
}

func TestWriteExternalIdentifiers(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	store := NewStore(conn)

	ids := []ExternalIdentifier{
		{DatasetID: "ds-1", ExecutionID: "exec-harvest", SourceRecordID: "src-001", ExternalID: "oai:example:1"},
		{DatasetID: "ds-1", ExecutionID: "exec-harvest", SourceRecordID: "src-002", ExternalID: "oai:example:2"},
	}
	require.NoError(t, store.WriteExternalIdentifiers(ctx, ids))
	require.NoError(t, store.WriteExternalIdentifiers(ctx, ids), "re-delivery is absorbed")

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM record_external_ids").Scan(&n))
	assert.Equal(t, 2, n)
}
