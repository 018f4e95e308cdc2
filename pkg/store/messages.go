package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deaddrop/pkg/protocol"
)

// InsertMessage records a sent or received message. Reusing a message id
// yields *protocol.DuplicateKeyError.
func (s *Store) InsertMessage(ctx context.Context, m protocol.Message) error {
	payload, err := messagePayload(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, user_id, source_id, destination_id, timestamp, message_type, payload, digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.UserID, nullable(m.Source), nullable(m.Destination),
		m.Timestamp.UTC().Format(time.RFC3339Nano), string(m.Payload.Type), payload, m.Signature)
	if err != nil {
		if IsConstraintError(err) {
			return &protocol.DuplicateKeyError{Table: "messages", Key: m.MessageID}
		}
		return fmt.Errorf("message insert: %w", err)
	}
	return nil
}

// GetMessage returns a recorded message.
func (s *Store) GetMessage(ctx context.Context, id string) (protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+` WHERE message_id = ?`, id)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return protocol.Message{}, err
	}
	if len(msgs) == 0 {
		return protocol.Message{}, fmt.Errorf("message %s: %w", id, sql.ErrNoRows)
	}
	return msgs[0], nil
}

// ListMessages returns messages to or from an endpoint, oldest first.
func (s *Store) ListMessages(ctx context.Context, endpointID string) ([]protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		messageSelect+` WHERE source_id = ? OR destination_id = ? ORDER BY rowid`, endpointID, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

const messageSelect = `SELECT message_id, user_id, COALESCE(source_id, ''), COALESCE(destination_id, ''),
	timestamp, message_type, payload, digest FROM messages`

func scanMessages(rows *sql.Rows) ([]protocol.Message, error) {
	defer rows.Close()
	var out []protocol.Message
	for rows.Next() {
		var (
			m       protocol.Message
			userID  sql.NullInt64
			ts      string
			typ     string
			payload string
		)
		if err := rows.Scan(&m.MessageID, &userID, &m.Source, &m.Destination, &ts, &typ, &payload, &m.Signature); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if userID.Valid {
			m.UserID = &userID.Int64
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse message timestamp: %w", err)
		}
		m.Timestamp = parsed
		if err := decodePayload(&m, typ, payload); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func messagePayload(m protocol.Message) (string, error) {
	b, err := json.Marshal(m.Payload)
	if err != nil {
		return "", fmt.Errorf("encode message %s payload: %w", m.MessageID, err)
	}
	return string(b), nil
}

func decodePayload(m *protocol.Message, typ, payload string) error {
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return fmt.Errorf("decode message %s payload: %w", m.MessageID, err)
	}
	if string(m.Payload.Type) != typ {
		return fmt.Errorf("message %s: payload type %q does not match recorded type %q", m.MessageID, m.Payload.Type, typ)
	}
	return nil
}

// IsDuplicate reports whether err is a *protocol.DuplicateKeyError.
func IsDuplicate(err error) bool {
	var dup *protocol.DuplicateKeyError
	return errors.As(err, &dup)
}
