// Package store is the durable state of the deaddrop server: the registry
// of users, agents and endpoints, the message journal, reported artifacts,
// and the event log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"deaddrop/pkg/protocol"
)

// Open opens the SQLite database at path with WAL journaling and a 5-second
// busy timeout, and applies the schema. The busy timeout is also set in the
// DSN so every pooled connection carries it.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	return db, nil
}

// IsConstraintError reports whether err is a SQLite uniqueness or primary
// key violation.
func IsConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Store wraps the server database.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db. The schema must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

var countableTables = map[string]bool{
	"users": true, "agents": true, "endpoints": true, "task_results": true,
	"messages": true, "credentials": true, "files": true, "events": true,
}

// CountRows returns the number of rows in one of the server tables.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	if !countableTables[table] {
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
