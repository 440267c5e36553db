package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketsync/pocketsync/internal/types"
)

// MaintenanceResult reports what a cleanup pass removed.
type MaintenanceResult struct {
	DeletedRecords   int
	DeletedResponses int
	DeletedFiles     int
}

// Total returns the number of rows removed across all tables.
func (r MaintenanceResult) Total() int {
	return r.DeletedRecords + r.DeletedResponses + r.DeletedFiles
}

// RunMaintenance deletes expired cache contents.
//
// Records are removed only when they are synced, not local-only, not
// tombstones, and strictly older than the TTL cutoff; unsynced local
// changes survive indefinitely. Cached responses age out on the same TTL.
// File blobs go by their own expiration column. A nil ttl disables cleanup
// entirely, blob expiration included, and returns zero counts.
func (s *Store) RunMaintenance(ctx context.Context, ttl *time.Duration) (MaintenanceResult, error) {
	var result MaintenanceResult
	if ttl == nil {
		return result, nil
	}

	cutoff := types.FormatTime(time.Now().UTC().Add(-*ttl))

	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM services
		WHERE json_extract(data,'$.synced') = 1
		  AND (json_extract(data,'$.noSync') IS NULL OR json_extract(data,'$.noSync') = 0)
		  AND (json_extract(data,'$.deleted') IS NULL OR json_extract(data,'$.deleted') = 0)
		  AND updated < ?`, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to expire records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DeletedRecords = int(n)
	}

	res, err = s.conn.ExecContext(ctx,
		"DELETE FROM cached_responses WHERE cached_at < ?", cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to expire cached responses: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DeletedResponses = int(n)
	}

	now := types.NowTimestamp()
	res, err = s.conn.ExecContext(ctx,
		"DELETE FROM blob_files WHERE expiration IS NOT NULL AND expiration < ?", now)
	if err != nil {
		return result, fmt.Errorf("failed to expire blobs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DeletedFiles = int(n)
	}

	if result.Total() > 0 {
		s.logger.Printf("Maintenance removed %d records, %d responses, %d blobs",
			result.DeletedRecords, result.DeletedResponses, result.DeletedFiles)
	}
	return result, nil
}
