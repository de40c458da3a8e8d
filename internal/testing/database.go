package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/metis/db"
)

// CreateTestDB creates a migrated SQLite test database in a temp directory.
// File-backed so that every pooled connection sees the same data, which the
// concurrency tests depend on. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// SeedDataset inserts a minimal dataset row so that FK-bound tables accept writes.
func SeedDataset(t *testing.T, conn *sql.DB, datasetID string) {
	t.Helper()

	_, err := conn.Exec(
		`INSERT INTO datasets (id, name, classification, has_custom_transform, record_count, created_at)
		 VALUES (?, ?, 'OAI_HARVEST', 0, 0, CURRENT_TIMESTAMP)`,
		datasetID, "dataset "+datasetID,
	)
	if err != nil {
		t.Fatalf("Failed to seed dataset %s: %v", datasetID, err)
	}
}
