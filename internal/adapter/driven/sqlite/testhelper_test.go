package sqlite

import (
	"context"
	"net/url"
	"testing"
)

// setupTestDB opens a migrated in-memory database named after the test.
// cache=shared lets the writer and reader pools see the same data.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// WAL does not apply to in-memory databases.
	dsn := buildDSN(url.PathEscape(t.Name()), []string{"busy_timeout(5000)"}, "mode=memory", "cache=shared")

	db, err := open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := RunMigrations(db.Writer); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return db
}
