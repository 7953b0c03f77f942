package repository

import (
	"path/filepath"
	"testing"

	"github.com/botmaster/botmaster/internal/db"
	"github.com/botmaster/botmaster/internal/task/repository/sqlite"
)

func createTestSQLiteRepo(t *testing.T) (*sqlite.Repository, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	pool, err := db.Open(db.Options{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		t.Fatalf("failed to create SQLite repository: %v", err)
	}

	cleanup := func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close repo: %v", err)
		}
		if err := pool.Close(); err != nil {
			t.Errorf("failed to close db pool: %v", err)
		}
	}

	return repo, cleanup
}
