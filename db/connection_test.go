package db

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metis/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas on every connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		// Force more than one pooled connection
		db.SetMaxOpenConns(4)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx, err := db.Begin()
				if !assert.NoError(t, err) {
					return
				}
				defer tx.Rollback()

				var foreignKeys, busyTimeout int
				assert.NoError(t, tx.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
				assert.NoError(t, tx.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
				assert.Equal(t, 1, foreignKeys)
				assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
			}()
		}
		wg.Wait()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}

		require.Error(t, err)
		assert.NotNil(t, errors.GetStack(err), "error should have stack trace from errors.Wrap")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})
}

func TestErrorClassification(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "errs.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO datasets (id, name, classification, created_at) VALUES ('d1', 'n', 'OAI_HARVEST', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO datasets (id, name, classification, created_at) VALUES ('d1', 'n', 'OAI_HARVEST', CURRENT_TIMESTAMP)`)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsForeignKeyViolation(err))

	_, err = db.Exec(`INSERT INTO records (dataset_id, execution_id, execution_name, source_record_id, record_id, content)
		VALUES ('missing', 'e', 'n', 's', 'r', x'00')`)
	require.Error(t, err)
	assert.True(t, IsForeignKeyViolation(err))

	require.NoError(t, db.Close())
	_, err = db.Exec("SELECT 1")
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
