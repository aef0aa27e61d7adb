package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// The slot table is the only record of which codes the lock holds, so every
// commit is fsynced (synchronous FULL). It never grows beyond the lock's
// capacity, which keeps the page cache at the driver default.
var filePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(FULL)",
}

// readerConns bounds concurrent list and suggest reads.
const readerConns = 2

// DB holds the slot table connections. Writes go through a single writer
// connection so SQLite never reports "database is locked"; list and
// suggestion reads use a small reader pool and never wait on the writer.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
}

// NewDB opens the credential database file at dbPath.
func NewDB(ctx context.Context, dbPath string) (*DB, error) {
	return open(ctx, buildDSN(dbPath, filePragmas))
}

// buildDSN renders a modernc sqlite URI for name with one _pragma parameter
// per entry.
func buildDSN(name string, pragmas []string, params ...string) string {
	q := make([]string, 0, len(params)+len(pragmas))
	q = append(q, params...)
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	return "file:" + name + "?" + strings.Join(q, "&")
}

func open(ctx context.Context, dsn string) (*DB, error) {
	writer, err := openPool(ctx, dsn, 1)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	reader, err := openPool(ctx, dsn, readerConns)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	return &DB{Writer: writer, Reader: reader}, nil
}

// openPool opens a pool capped at maxConns and checks it can reach the file.
func openPool(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(maxConns)

	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close closes both pools and returns the first error encountered.
func (db *DB) Close() error {
	var firstErr error

	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}

	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}

	return firstErr
}
