package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the artifacts table if
// it doesn't exist. ":memory:" keeps the registry process-local.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection: an in-memory database lives and dies with its
	// connection, and a single writer avoids SQLITE_BUSY on file databases.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		storage_location TEXT NOT NULL,
		display_name TEXT NOT NULL,
		content_type TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		consumed_by TEXT
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create artifacts table: %w", err)
	}

	return db, nil
}
