// Package types provides the shared data model for the offline-first cache:
// dynamic records, the request policy enum, and the error taxonomy.
package types

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// Reserved control flags carried inside a record's data blob. They track the
// record's position in the local-to-server lifecycle.
const (
	FlagSynced  = "synced"  // row reflects a server-confirmed state
	FlagIsNew   = "isNew"   // row was created locally, never existed remotely
	FlagNoSync  = "noSync"  // local-only row, never sent to the server
	FlagDeleted = "deleted" // tombstone captured while offline
)

// Fields owned by the server. They are stripped before replaying a local
// create so the server assigns its own values.
var ServerManagedFields = []string{
	"created", "updated", "collectionId", "collectionName",
	"expand", FlagSynced, FlagIsNew, FlagDeleted,
}

// Record is a single dynamic JSON document belonging to a collection.
// Domain fields and control flags live side by side in the same map,
// mirroring the wire format of the backend.
type Record map[string]any

// ID returns the record id, or "" when unset.
func (r Record) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SetID sets the record id.
func (r Record) SetID(id string) {
	r["id"] = id
}

// Created returns the creation timestamp string, accepting the fallback
// createdAt key used by some server versions.
func (r Record) Created() string {
	if s, ok := r["created"].(string); ok && s != "" {
		return s
	}
	s, _ := r["createdAt"].(string)
	return s
}

// Updated returns the update timestamp string, accepting the fallback
// updatedAt key used by some server versions.
func (r Record) Updated() string {
	if s, ok := r["updated"].(string); ok && s != "" {
		return s
	}
	s, _ := r["updatedAt"].(string)
	return s
}

// UpdatedTime parses the update timestamp. The zero time is returned for
// missing or malformed values, which sorts older than any real timestamp.
func (r Record) UpdatedTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.Updated())
	if err != nil {
		return time.Time{}
	}
	return t
}

// flag reads a boolean control flag. JSON decoding may surface booleans as
// bool or, for rows round-tripped through SQL, as float64 0/1.
func (r Record) flag(name string) bool {
	switch v := r[name].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case json.Number:
		return v.String() != "0"
	default:
		return false
	}
}

// Synced reports whether the row reflects a server-confirmed state.
func (r Record) Synced() bool { return r.flag(FlagSynced) }

// IsNew reports whether the row was created locally and has never been
// accepted by the server.
func (r Record) IsNew() bool { return r.flag(FlagIsNew) }

// NoSync reports whether the row is local-only.
func (r Record) NoSync() bool { return r.flag(FlagNoSync) }

// Deleted reports whether the row is a tombstone awaiting a server delete.
func (r Record) Deleted() bool { return r.flag(FlagDeleted) }

// SetFlags overwrites the lifecycle flags in one call.
func (r Record) SetFlags(synced, isNew, deleted bool) {
	r[FlagSynced] = synced
	r[FlagIsNew] = isNew
	r[FlagDeleted] = deleted
}

// Pending reports whether the row must be replayed to the server.
func (r Record) Pending() bool {
	return !r.Synced() && !r.NoSync()
}

// Clone returns a shallow copy. Nested maps and slices are shared; callers
// that mutate nested values must copy them first.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StripServerManaged returns a copy without server-owned fields, suitable as
// the body of a create replay.
func (r Record) StripServerManaged() Record {
	out := r.Clone()
	for _, f := range ServerManagedFields {
		delete(out, f)
	}
	return out
}

// MarshalData serializes the record to its canonical JSON data blob.
func (r Record) MarshalData() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record %s: %w", r.ID(), err)
	}
	return string(b), nil
}

// UnmarshalData parses a JSON data blob into a Record.
func UnmarshalData(data string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data: %w", err)
	}
	return r, nil
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// IDLength is the length of server-compatible record ids.
const IDLength = 15

// NewID generates a server-compatible local record id: 15 characters over
// [a-z0-9] from a cryptographically strong source. Because the format matches
// what the server itself issues, locally generated ids are normally accepted
// as-is on replay.
func NewID() string {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// TimeFormat is the fixed-width timestamp layout used for stored rows.
// Fixed width keeps lexicographic SQL comparisons consistent with time order.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// NowTimestamp returns the current UTC time in the stored timestamp format.
func NowTimestamp() string {
	return time.Now().UTC().Format(TimeFormat)
}

// FormatTime renders t in the stored timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
