// Package task runs named units of work from the task_results table. A row
// is written the moment a unit is scheduled, so its status can be read by id
// before any worker picks it up.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"deaddrop/pkg/protocol"
)

// Status is the lifecycle state of a unit.
type Status string

// Unit statuses.
const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Unit is one row of task_results.
type Unit struct {
	ID        string          `json:"task_id"`
	Name      string          `json:"task_name"`
	Args      json.RawMessage `json:"task_args"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatorID *int64          `json:"creator_id,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt string          `json:"created_at"`
	StartedAt string          `json:"started_at,omitempty"`
	DoneAt    string          `json:"done_at,omitempty"`
}

// DecodeArgs unmarshals the unit's arguments into v.
func (u Unit) DecodeArgs(v any) error {
	if err := json.Unmarshal(u.Args, v); err != nil {
		return fmt.Errorf("task %s args: %w", u.ID, err)
	}
	return nil
}

// Store reads and writes task_results.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store over db. The schema must already be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a PENDING row.
func (s *Store) Create(ctx context.Context, id, name string, args json.RawMessage, creator *int64) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (task_id, task_name, task_args, status, creator_id) VALUES (?, ?, ?, ?, ?)`,
		id, name, string(args), string(StatusPending), creator)
	if err != nil {
		return fmt.Errorf("task create: %w", err)
	}
	return nil
}

const unitColumns = `task_id, task_name, task_args, status, result, creator_id, attempts,
	created_at, COALESCE(started_at, ''), COALESCE(done_at, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (Unit, error) {
	var (
		u       Unit
		args    string
		status  string
		result  sql.NullString
		creator sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Name, &args, &status, &result, &creator, &u.Attempts,
		&u.CreatedAt, &u.StartedAt, &u.DoneAt); err != nil {
		return Unit{}, err
	}
	u.Args = json.RawMessage(args)
	u.Status = Status(status)
	if result.Valid {
		u.Result = json.RawMessage(result.String)
	}
	if creator.Valid {
		u.CreatorID = &creator.Int64
	}
	return u, nil
}

// Get returns the unit with the given id, or *protocol.TaskNotFoundError.
func (s *Store) Get(ctx context.Context, id string) (Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM task_results WHERE task_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return Unit{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return u, nil
}

// AttributeUser stamps the unit with the user who initiated it. An unknown
// user yields *protocol.UnresolvedUserError and leaves the row unchanged.
func (s *Store) AttributeUser(ctx context.Context, id string, userID int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &protocol.UnresolvedUserError{UserID: userID}
	}
	if err != nil {
		return fmt.Errorf("resolve user %d: %w", userID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE task_results SET creator_id = ? WHERE task_id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("attribute task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attribute task rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.TaskNotFoundError{TaskID: id}
	}
	return nil
}

// Claim moves the oldest PENDING unit to RUNNING and returns it. ok is false
// when nothing is pending.
func (s *Store) Claim(ctx context.Context) (u Unit, ok bool, err error) {
	u, err = scanUnit(s.db.QueryRowContext(ctx,
		`UPDATE task_results
		 SET status = ?, attempts = attempts + 1, started_at = datetime('now')
		 WHERE seq = (SELECT seq FROM task_results WHERE status = ? ORDER BY seq LIMIT 1)
		 RETURNING `+unitColumns,
		string(StatusRunning), string(StatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, false, nil
	}
	if err != nil {
		return Unit{}, false, fmt.Errorf("claim task: %w", err)
	}
	return u, true, nil
}

// Complete records a terminal status and result payload.
func (s *Store) Complete(ctx context.Context, id string, status Status, result json.RawMessage) error {
	if !status.Terminal() {
		return fmt.Errorf("complete task %s: %s is not a terminal status", id, status)
	}
	var payload any
	if len(result) > 0 {
		payload = string(result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_results SET status = ?, result = ?, done_at = datetime('now') WHERE task_id = ?`,
		string(status), payload, id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.TaskNotFoundError{TaskID: id}
	}
	return nil
}

// Requeue returns RUNNING units to PENDING. Called on startup, so a unit
// interrupted by a crash runs again.
func (s *Store) Requeue(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE task_results SET status = ?, started_at = NULL WHERE status = ? RETURNING task_id`,
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("requeue tasks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan requeued task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requeued tasks: %w", err)
	}
	return ids, nil
}

// ListOpts filters List.
type ListOpts struct {
	Status    Status
	Name      string
	CreatorID int64
	Limit     int
}

// List returns units newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]Unit, error) {
	var (
		conditions []string
		args       []any
	)
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Name != "" {
		conditions = append(conditions, "task_name = ?")
		args = append(args, opts.Name)
	}
	if opts.CreatorID != 0 {
		conditions = append(conditions, "creator_id = ?")
		args = append(args, opts.CreatorID)
	}

	query := `SELECT ` + unitColumns + ` FROM task_results`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}
