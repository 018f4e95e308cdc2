// Package eventlog provides read-only access to the server's event journal.
// It backs the CLI's events command and any tool that needs to follow task
// and messaging activity without touching the running server.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteTime is the layout of SQLite's datetime('now').
const sqliteTime = "2006-01-02 15:04:05"

// Event is a single journal entry.
type Event struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	TaskID     string    `json:"task_id,omitempty"`
	EndpointID string    `json:"endpoint_id,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueryOpts specifies filter criteria for querying events. Zero fields do
// not filter.
type QueryOpts struct {
	// Type filters to one event type (e.g., "task_failed", "duplicate_artifact")
	Type string

	// Source filters to the component that wrote the event (queue, messaging, orchestrator)
	Source string

	TaskID     string
	EndpointID string

	// After filters events created at or after this time
	After *time.Time

	// Before filters events created at or before this time
	Before *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Reader provides read-only access to the event journal.
type Reader struct {
	db    *sql.DB
	owned bool
}

// NewReader opens the server database read-only. Returns an error if the
// database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db, owned: true}, nil
}

// NewReaderDB wraps an already open database. Close does not close db.
func NewReaderDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection opened by NewReader. A Reader from
// NewReaderDB leaves its db open. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	db, owned := r.db, r.owned
	r.db = nil
	if !owned {
		return nil
	}
	return db.Close()
}

// Query retrieves events matching opts, newest first. Returns an empty slice
// if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e         Event
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.TaskID, &e.EndpointID, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Task returns every event of one task unit, oldest first.
func (r *Reader) Task(ctx context.Context, taskID string) ([]Event, error) {
	events, err := r.Query(ctx, QueryOpts{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	return t, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	query := `SELECT id, type, source, COALESCE(task_id, ''), COALESCE(endpoint_id, ''),
	                 COALESCE(payload, ''), created_at
	          FROM events WHERE 1=1`

	for _, f := range []struct{ col, val string }{
		{"type", opts.Type},
		{"source", opts.Source},
		{"task_id", opts.TaskID},
		{"endpoint_id", opts.EndpointID},
	} {
		if f.val != "" {
			conditions = append(conditions, f.col+" = ?")
			args = append(args, f.val)
		}
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(sqliteTime))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(sqliteTime))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
