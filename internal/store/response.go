package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketsync/pocketsync/internal/types"
)

// Paths that must never be served from the response cache: administrative
// and operational routes whose responses are not plain record reads. Record
// reads under /api/collections/{name}/records stay cacheable.
var uncacheablePrefixes = []string{
	"/api/admins",
	"/api/batch",
	"/api/health",
	"/api/realtime",
	"/api/collections",
	"/api/settings",
	"/api/logs",
	"/api/backups",
	"/api/files",
}

// RequestKey builds the canonical fingerprint of an idempotent remote read.
//
// Only GET requests produce a key; every other method, and any path on the
// uncacheable list, returns "" which disables caching for that call. Query
// and body maps are serialized with sorted keys so logically equal requests
// collide.
func RequestKey(method, path string, query map[string]string, body map[string]any) string {
	if !strings.EqualFold(method, http.MethodGet) {
		return ""
	}
	recordRead := strings.HasPrefix(path, "/api/collections/") && strings.Contains(path, "/records")
	for _, prefix := range uncacheablePrefixes {
		if strings.HasPrefix(path, prefix) && !recordRead {
			return ""
		}
	}

	// encoding/json writes map keys in sorted order, which is exactly the
	// canonical form needed here.
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return ""
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s::%s::%s::%s", strings.ToUpper(method), path, queryJSON, bodyJSON)
}

// SaveResponse stores a remote response under its request key. An empty key
// is ignored.
func (s *Store) SaveResponse(ctx context.Context, key, responseData string) error {
	if key == "" {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cached_responses (request_key, response_data, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_key) DO UPDATE SET
			response_data = excluded.response_data,
			cached_at = excluded.cached_at`,
		key, responseData, types.NowTimestamp())
	if err != nil {
		return fmt.Errorf("failed to save cached response: %w", err)
	}
	return nil
}

// GetResponse returns the cached response body and its cache time, or
// ("", zero, nil) when the key is not cached.
func (s *Store) GetResponse(ctx context.Context, key string) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, nil
	}
	var (
		data     string
		cachedAt string
	)
	err := s.conn.QueryRowContext(ctx,
		"SELECT response_data, cached_at FROM cached_responses WHERE request_key = ?", key).
		Scan(&data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to query cached response: %w", err)
	}

	t, _ := time.Parse(time.RFC3339Nano, cachedAt)
	return data, t, nil
}

// CountResponses returns the number of cached responses.
func (s *Store) CountResponses(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cached_responses").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cached responses: %w", err)
	}
	return count, nil
}
