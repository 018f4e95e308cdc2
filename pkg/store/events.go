package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// LogEvent appends one entry to the events journal.
func (s *Store) LogEvent(ctx context.Context, evType, source, taskID, endpointID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, endpoint_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, endpointID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// LogEventJSON is LogEvent with v encoded as the payload.
func (s *Store) LogEventJSON(ctx context.Context, evType, source, taskID, endpointID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event payload: %w", evType, err)
	}
	return s.LogEvent(ctx, evType, source, taskID, endpointID, string(b))
}

// CountEvents returns the number of journal entries of the given type.
func (s *Store) CountEvents(ctx context.Context, evType string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type = ?`, evType).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s events: %w", evType, err)
	}
	return n, nil
}
