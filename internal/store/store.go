// Package store implements the local record cache over embedded SQLite.
//
// All server collections share one table: services(id, service, data,
// created, updated) with the record's JSON document in the data column.
// File attachments live in blob_files and idempotent remote responses in
// cached_responses. The database is opened in WAL mode for concurrent
// readers during writes.
//
// The store owns every row. Higher layers (policy engine, sync manager)
// hold shared handles and must tolerate rows disappearing between a scan
// and a later read.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/ncruces/go-sqlite3/vfs/memdb"

	"github.com/pocketsync/pocketsync/internal/schema"
	"github.com/pocketsync/pocketsync/internal/types"
)

// schemaVersion is the current migration level. Version 1 creates the
// services table, version 2 adds blob_files, version 3 adds
// cached_responses.
const schemaVersion = 3

// Store wraps the SQLite connection with record-cache operations.
type Store struct {
	conn    *sql.DB
	path    string
	schemas *schema.Registry
	logger  *log.Logger
}

// Open creates or opens the cache database at path.
//
// The database runs in WAL mode with a 5 second busy timeout. Missing
// parent directories are created. The caller MUST call Close() when done.
func Open(path string, schemas *schema.Registry, logger *log.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open("file:"+path, path, schemas, logger)
}

// memDBSeq names in-memory databases so each OpenMemory call gets its own
// instance while the connection pool still shares one database.
var memDBSeq atomic.Int64

// OpenMemory opens an in-memory cache, used by tests and ephemeral clients.
// The memdb VFS keeps the database shared across pooled connections.
func OpenMemory(schemas *schema.Registry, logger *log.Logger) (*Store, error) {
	name := fmt.Sprintf("file:/memdb%d?vfs=memdb", memDBSeq.Add(1))
	return open(name, ":memory:", schemas, logger)
}

func open(connStr, path string, schemas *schema.Registry, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if schemas == nil {
		schemas = schema.NewRegistry(logger)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, schemas: schemas, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// RawDB returns the underlying sql.DB, used by the query engine.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Schemas returns the schema registry backing validation.
func (s *Store) Schemas() *schema.Registry {
	return s.schemas
}

// migrate brings the database up to the current schema version. Each
// version's DDL runs once inside a transaction; re-running is a no-op.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err := s.conn.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
		if _, err := s.conn.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("failed to seed schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	migrations := []string{
		// v1: the single-table record store
		`CREATE TABLE IF NOT EXISTS services (
			id TEXT NOT NULL,
			service TEXT NOT NULL,
			data TEXT NOT NULL,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			PRIMARY KEY (id, service)
		);
		CREATE INDEX IF NOT EXISTS idx_services_service ON services(service);
		CREATE INDEX IF NOT EXISTS idx_services_updated ON services(service, updated);`,

		// v2: per-record file attachments
		`CREATE TABLE IF NOT EXISTS blob_files (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			data BLOB NOT NULL,
			expiration TEXT,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			UNIQUE (record_id, filename)
		);
		CREATE INDEX IF NOT EXISTS idx_blob_files_record ON blob_files(record_id);`,

		// v3: idempotent remote response cache
		`CREATE TABLE IF NOT EXISTS cached_responses (
			request_key TEXT PRIMARY KEY,
			response_data TEXT NOT NULL,
			cached_at TEXT NOT NULL
		);`,
	}

	for v := current; v < schemaVersion; v++ {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration v%d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = ?", v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", v+1, err)
		}
	}
	return nil
}

// CreateRow inserts a record into a collection.
//
// A missing id is filled with a freshly generated server-compatible id, and
// missing timestamps with the current time. With validate set, the
// collection schema must be cached and the data must pass field validation.
func (s *Store) CreateRow(ctx context.Context, service string, data types.Record, validate bool) (types.Record, error) {
	rec := data.Clone()
	if rec.ID() == "" {
		rec.SetID(types.NewID())
	}
	now := types.NowTimestamp()
	if rec.Created() == "" {
		rec["created"] = now
	}
	if rec.Updated() == "" {
		rec["updated"] = now
	}

	if validate {
		if err := s.validateAgainstSchema(service, rec); err != nil {
			return nil, err
		}
	}

	if err := s.upsert(ctx, service, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRow applies a partial update to a record.
//
// The persisted row is merged under the overlay so a partial update never
// fails validation for required fields the row already carries. The id
// always wins over anything in the overlay.
func (s *Store) UpdateRow(ctx context.Context, service, id string, data types.Record, validate bool) (types.Record, error) {
	existing, err := s.GetRow(ctx, service, id)
	if err != nil && !errors.Is(err, types.ErrCacheMiss) {
		return nil, err
	}

	merged := types.Record{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	merged.SetID(id)
	merged["updated"] = types.NowTimestamp()
	if merged.Created() == "" {
		merged["created"] = merged["updated"]
	}

	if validate {
		if err := s.validateAgainstSchema(service, merged); err != nil {
			return nil, err
		}
	}

	if err := s.upsert(ctx, service, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// validateAgainstSchema runs schema validation for regular collections.
// The schema collection itself is exempt.
func (s *Store) validateAgainstSchema(service string, rec types.Record) error {
	if service == schema.SchemaCollection {
		return nil
	}
	col := s.schemas.ByName(service)
	if col == nil {
		return &types.SchemaMissingError{Collection: service}
	}
	return col.Validate(rec)
}

// upsert writes the record's canonical JSON blob, replacing any prior row.
func (s *Store) upsert(ctx context.Context, service string, rec types.Record) error {
	blob, err := rec.MarshalData()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO services (id, service, data, created, updated)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id, service) DO UPDATE SET
		data = excluded.data,
		updated = excluded.updated
	`
	_, err = s.conn.ExecContext(ctx, query,
		rec.ID(), service, blob, rec.Created(), rec.Updated())
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", service, rec.ID(), err)
	}
	return nil
}

// GetRow fetches one record. Returns types.ErrCacheMiss when absent.
func (s *Store) GetRow(ctx context.Context, service, id string) (types.Record, error) {
	var blob string
	err := s.conn.QueryRowContext(ctx,
		"SELECT data FROM services WHERE service = ? AND id = ?", service, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s/%s: %w", service, id, err)
	}
	return types.UnmarshalData(blob)
}

// DeleteRow removes a record and its file blobs in one transaction.
//
// File blobs are resolved through the collection schema's file fields; when
// no schema is cached, every blob owned by the record id is removed instead.
func (s *Store) DeleteRow(ctx context.Context, service, id string) error {
	rec, err := s.GetRow(ctx, service, id)
	if errors.Is(err, types.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if col := s.schemas.ByName(service); col != nil {
		for _, f := range col.FileFields() {
			for _, name := range fileNames(rec[f.Name]) {
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM blob_files WHERE record_id = ? AND filename = ?", id, name); err != nil {
					return fmt.Errorf("failed to delete blob %s/%s: %w", id, name, err)
				}
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, "DELETE FROM blob_files WHERE record_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete blobs for %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM services WHERE service = ? AND id = ?", service, id); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", service, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// fileNames extracts the filenames referenced by a file field value, which
// is a string for single fields and a list for multi fields.
func fileNames(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// pendingPredicate selects rows that must be replayed to the server.
const pendingPredicate = `
	json_extract(data,'$.synced') = 0
	AND (json_extract(data,'$.noSync') IS NULL OR json_extract(data,'$.noSync') = 0)`

// PendingServices lists the collections holding unsynced local changes.
func (s *Store) PendingServices(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT DISTINCT service FROM services WHERE"+pendingPredicate)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, fmt.Errorf("failed to scan pending service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending services: %w", err)
	}
	return services, nil
}

// PendingRows returns a collection's unsynced rows in local creation order,
// the order the sync manager replays them in.
func (s *Store) PendingRows(ctx context.Context, service string) ([]types.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT data FROM services WHERE service = ? AND"+pendingPredicate+
			" ORDER BY created ASC, id ASC", service)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rows: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Rows returns every cached record of a collection in creation order.
func (s *Store) Rows(ctx context.Context, service string) ([]types.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT data FROM services WHERE service = ? ORDER BY created ASC, id ASC", service)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows for %s: %w", service, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CountRows returns the number of cached rows for a collection.
func (s *Store) CountRows(ctx context.Context, service string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM services WHERE service = ?", service).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows for %s: %w", service, err)
	}
	return count, nil
}

// Services lists every collection present in the cache.
func (s *Store) Services(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT DISTINCT service FROM services ORDER BY service")
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating services: %w", err)
	}
	return services, nil
}

// scanRecords decodes data blobs from a one-column result set.
func scanRecords(rows *sql.Rows) ([]types.Record, error) {
	var records []types.Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := types.UnmarshalData(blob)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
