package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketsync/pocketsync/internal/types"
)

// BlobFile is one cached file attachment, keyed by (record_id, filename).
type BlobFile struct {
	RecordID   string
	Filename   string
	Data       []byte
	Expiration *time.Time
	Created    string
	Updated    string
}

// SetFile caches file bytes for a record, atomically replacing any prior
// content under the same key. A nil expiration means the blob never
// auto-expires.
func (s *Store) SetFile(ctx context.Context, recordID, filename string, data []byte, expiration *time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM blob_files WHERE record_id = ? AND filename = ?", recordID, filename); err != nil {
		return fmt.Errorf("failed to replace blob %s/%s: %w", recordID, filename, err)
	}

	now := types.NowTimestamp()
	var exp sql.NullString
	if expiration != nil {
		exp = sql.NullString{String: types.FormatTime(*expiration), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blob_files (record_id, filename, data, expiration, created, updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		recordID, filename, data, exp, now, now); err != nil {
		return fmt.Errorf("failed to insert blob %s/%s: %w", recordID, filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit blob write: %w", err)
	}
	return nil
}

// GetFile returns the cached blob for (recordID, filename), or nil when the
// file is not cached.
func (s *Store) GetFile(ctx context.Context, recordID, filename string) (*BlobFile, error) {
	var (
		blob BlobFile
		exp  sql.NullString
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT record_id, filename, data, expiration, created, updated
		FROM blob_files WHERE record_id = ? AND filename = ?`,
		recordID, filename).Scan(
		&blob.RecordID, &blob.Filename, &blob.Data, &exp, &blob.Created, &blob.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob %s/%s: %w", recordID, filename, err)
	}

	if exp.Valid {
		if t, err := time.Parse(time.RFC3339Nano, exp.String); err == nil {
			blob.Expiration = &t
		}
	}
	return &blob, nil
}

// DeleteFile removes one cached blob. Removing a missing blob is a no-op.
func (s *Store) DeleteFile(ctx context.Context, recordID, filename string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM blob_files WHERE record_id = ? AND filename = ?", recordID, filename); err != nil {
		return fmt.Errorf("failed to delete blob %s/%s: %w", recordID, filename, err)
	}
	return nil
}

// DeleteFilesFor removes every cached blob owned by a record.
func (s *Store) DeleteFilesFor(ctx context.Context, recordID string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM blob_files WHERE record_id = ?", recordID); err != nil {
		return fmt.Errorf("failed to delete blobs for %s: %w", recordID, err)
	}
	return nil
}

// CountFiles returns the number of cached blobs, used by status reporting.
func (s *Store) CountFiles(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM blob_files").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count blobs: %w", err)
	}
	return count, nil
}
