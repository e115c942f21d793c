package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create in-memory SQLite database
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	applyTestPragmas(t, db)

	// Register cleanup
	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// CreateTestDBFile creates a file-backed SQLite test database under t.TempDir().
// Use this when the test exercises WAL mode or reopening behavior that an
// in-memory database cannot represent.
func CreateTestDBFile(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "weft-test.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("Failed to create test database at %s: %v", path, err)
	}

	applyTestPragmas(t, db)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func applyTestPragmas(t *testing.T, db *sql.DB) {
	t.Helper()

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}
}
