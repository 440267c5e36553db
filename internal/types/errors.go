package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on.
var (
	// ErrOffline is returned when a policy required the network but
	// connectivity is down.
	ErrOffline = errors.New("offline: network required but connectivity is down")

	// ErrCacheMiss is returned by cache-only reads that found no row.
	ErrCacheMiss = errors.New("cache miss")
)

// RemoteError wraps a non-2xx server response.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote request failed with status %d: %s", e.Status, e.Body)
}

// IsRemoteStatus reports whether err is a RemoteError with the given status.
func IsRemoteStatus(err error, status int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == status
}

// ValidationError reports a field that failed local schema validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Reason)
}

// SchemaMissingError is returned when a collection has no cached schema and
// validation was requested.
type SchemaMissingError struct {
	Collection string
}

func (e *SchemaMissingError) Error() string {
	return fmt.Sprintf("no schema cached for collection %q", e.Collection)
}

// ParseError reports a malformed filter expression.
type ParseError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse filter at offset %d: %s", e.Pos, e.Reason)
}
