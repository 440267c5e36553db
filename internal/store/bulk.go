package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/pocketsync/pocketsync/internal/filter"
	"github.com/pocketsync/pocketsync/internal/types"
)

// staleGuardThreshold aborts a reconcile that would wipe more than this many
// rows when the server response came back empty. An empty response paired
// with a large local candidate set usually means a server-side fault, not a
// mass deletion.
const staleGuardThreshold = 10

// SetLocal bulk-upserts server records, overwriting whatever is cached.
// Each written row is marked synced.
func (s *Store) SetLocal(ctx context.Context, service string, items []types.Record) error {
	for _, item := range items {
		rec := item.Clone()
		rec.SetFlags(true, false, false)
		if err := s.upsert(ctx, service, rec); err != nil {
			return err
		}
	}
	return nil
}

// MergeLocal upserts server records with last-write-wins semantics: a row is
// written only when it is absent locally or its updated timestamp is
// strictly newer than the cached one. Written rows are marked synced.
func (s *Store) MergeLocal(ctx context.Context, service string, items []types.Record) error {
	for _, item := range items {
		newer, err := s.incomingIsNewer(ctx, service, item)
		if err != nil {
			return err
		}
		if !newer {
			continue
		}
		rec := item.Clone()
		rec.SetFlags(true, false, false)
		if err := s.upsert(ctx, service, rec); err != nil {
			return err
		}
	}
	return nil
}

// incomingIsNewer compares the incoming updated timestamp against the cached
// row without decoding the full local document.
func (s *Store) incomingIsNewer(ctx context.Context, service string, item types.Record) (bool, error) {
	var blob string
	err := s.conn.QueryRowContext(ctx,
		"SELECT data FROM services WHERE service = ? AND id = ?", service, item.ID()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cached row %s/%s: %w", service, item.ID(), err)
	}

	local := gjson.Get(blob, "updated").String()
	if local == "" {
		local = gjson.Get(blob, "updatedAt").String()
	}
	return item.Updated() > local, nil
}

// SyncLocal merges a full filtered server listing into the cache and then
// deletes cached rows the server no longer returned for the same filter.
//
// Rows are kept when they appeared in the listing, carry unsynced local
// changes, are local-only, or are tombstones awaiting a server delete.
func (s *Store) SyncLocal(ctx context.Context, service string, items []types.Record, filterExpr string) error {
	if err := s.MergeLocal(ctx, service, items); err != nil {
		return err
	}
	return s.reconcileStale(ctx, service, items, filterExpr)
}

func (s *Store) reconcileStale(ctx context.Context, service string, items []types.Record, filterExpr string) error {
	incoming := make(map[string]bool, len(items))
	for _, item := range items {
		incoming[item.ID()] = true
	}

	// Candidates are the locally cached rows matching the same filter that
	// was sent to the server.
	candidates, err := s.FilterRows(ctx, service, filterExpr)
	if err != nil {
		return err
	}

	var stale []string
	for _, blob := range candidates {
		id := gjson.Get(blob, "id").String()
		if incoming[id] {
			continue
		}
		if !gjson.Get(blob, types.FlagSynced).Bool() {
			continue
		}
		if gjson.Get(blob, types.FlagNoSync).Bool() {
			continue
		}
		if gjson.Get(blob, types.FlagDeleted).Bool() {
			continue
		}
		stale = append(stale, id)
	}

	if len(incoming) == 0 && len(stale) > staleGuardThreshold {
		s.logger.Printf("WARNING: refusing to delete %d rows from %s after an empty server response", len(stale), service)
		return nil
	}

	for _, id := range stale {
		if err := s.DeleteRow(ctx, service, id); err != nil {
			return fmt.Errorf("failed to delete stale record %s/%s: %w", service, id, err)
		}
	}
	if len(stale) > 0 {
		s.logger.Printf("Reconciled %s: deleted %d stale rows", service, len(stale))
	}
	return nil
}

// FilterRows returns the raw data blobs of rows matching a filter
// expression, in creation order. An empty filter matches every row.
func (s *Store) FilterRows(ctx context.Context, service, filterExpr string) ([]string, error) {
	pred, params, err := filter.New().Compile(filterExpr)
	if err != nil {
		return nil, err
	}

	query := "SELECT data FROM services WHERE service = ? AND (" + pred + ") ORDER BY created ASC, id ASC"
	args := append([]any{service}, params...)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter rows for %s: %w", service, err)
	}
	defer rows.Close()

	var blobs []string
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		blobs = append(blobs, blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return blobs, nil
}
