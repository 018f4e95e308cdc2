package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deaddrop/pkg/protocol"
)

// ArtifactOrigin tags a stored artifact with the unit and endpoint that
// reported it.
type ArtifactOrigin struct {
	TaskID   string
	SourceID string
}

// InsertCredential stores a reported credential. A credential id that is
// already stored yields *protocol.DuplicateKeyError; the store never checks
// before writing.
func (s *Store) InsertCredential(ctx context.Context, c protocol.Credential, origin ArtifactOrigin) error {
	var expiry any
	if c.Expiry != nil {
		expiry = c.Expiry.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (credential_id, source_id, task_id, credential_type, credential_value, expiry)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.CredentialID, nullable(origin.SourceID), nullable(origin.TaskID), c.Type, c.Value, expiry)
	if err != nil {
		if IsConstraintError(err) {
			return &protocol.DuplicateKeyError{Table: "credentials", Key: c.CredentialID}
		}
		return fmt.Errorf("credential insert: %w", err)
	}
	return nil
}

// InsertFile stores a reported file, compressed. A file id that is already
// stored yields *protocol.DuplicateKeyError.
func (s *Store) InsertFile(ctx context.Context, f protocol.File, origin ArtifactOrigin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (file_id, source_id, task_id, remote_path, compression, size, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.FileID, nullable(origin.SourceID), nullable(origin.TaskID), f.RemotePath,
		compressionZstd, len(f.Data), compressBlob(f.Data))
	if err != nil {
		if IsConstraintError(err) {
			return &protocol.DuplicateKeyError{Table: "files", Key: f.FileID}
		}
		return fmt.Errorf("file insert: %w", err)
	}
	return nil
}

// GetFile returns a stored file with its data decompressed.
func (s *Store) GetFile(ctx context.Context, id string) (protocol.FileRow, error) {
	var (
		f           protocol.FileRow
		source, tid sql.NullString
		compression string
		blob        []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, source_id, task_id, COALESCE(remote_path, ''), compression, size, data, created_at
		 FROM files WHERE file_id = ?`, id,
	).Scan(&f.FileID, &source, &tid, &f.RemotePath, &compression, &f.Size, &blob, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.FileRow{}, fmt.Errorf("file %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return protocol.FileRow{}, fmt.Errorf("get file %s: %w", id, err)
	}
	f.SourceID, f.TaskID = source.String, tid.String
	switch compression {
	case compressionZstd:
		f.Data, err = decompressBlob(blob, f.Size)
		if err != nil {
			return protocol.FileRow{}, fmt.Errorf("file %s: %w", id, err)
		}
	case "", "none":
		f.Data = blob
	default:
		return protocol.FileRow{}, fmt.Errorf("file %s: unknown compression %q", id, compression)
	}
	return f, nil
}

// ArtifactFilter narrows artifact listings.
type ArtifactFilter struct {
	TaskID   string
	SourceID string
	Limit    int
}

func (f ArtifactFilter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if f.TaskID != "" {
		clause += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	if f.SourceID != "" {
		clause += " AND source_id = ?"
		args = append(args, f.SourceID)
	}
	return clause, args
}

func (f ArtifactFilter) limit() string {
	if f.Limit > 0 {
		return fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return ""
}

// ListCredentials returns stored credentials, oldest first.
func (s *Store) ListCredentials(ctx context.Context, filter ArtifactFilter) ([]protocol.CredentialRow, error) {
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id, COALESCE(source_id, ''), COALESCE(task_id, ''), credential_type,
		        credential_value, COALESCE(expiry, ''), created_at
		 FROM credentials`+where+` ORDER BY rowid`+filter.limit(), args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []protocol.CredentialRow
	for rows.Next() {
		var c protocol.CredentialRow
		if err := rows.Scan(&c.CredentialID, &c.SourceID, &c.TaskID, &c.Type, &c.Value, &c.Expiry, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// ListFiles returns stored file metadata, oldest first. Data is not loaded.
func (s *Store) ListFiles(ctx context.Context, filter ArtifactFilter) ([]protocol.FileRow, error) {
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, COALESCE(source_id, ''), COALESCE(task_id, ''), COALESCE(remote_path, ''), size, created_at
		 FROM files`+where+` ORDER BY rowid`+filter.limit(), args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []protocol.FileRow
	for rows.Next() {
		var f protocol.FileRow
		if err := rows.Scan(&f.FileID, &f.SourceID, &f.TaskID, &f.RemotePath, &f.Size, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
