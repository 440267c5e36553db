// Package remote defines the transport contract against the backend server
// and provides the default HTTP implementation with multipart file upload
// and a WebSocket realtime subscriber.
package remote

import (
	"context"

	"github.com/pocketsync/pocketsync/internal/types"
)

// File is one attachment buffered for upload, bound to its record field.
type File struct {
	Field string
	Name  string
	Data  []byte
}

// ListResult is one page of a record listing.
type ListResult struct {
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalItems int            `json:"totalItems"`
	TotalPages int            `json:"totalPages"`
	Items      []types.Record `json:"items"`
}

// Event is a realtime push: a create, update, or delete of one record.
type Event struct {
	Action string       `json:"action"`
	Record types.Record `json:"record,omitempty"`
}

// AuthStore holds the auth token between requests. Persistent
// implementations live outside the core; the default keeps the token in
// memory for the life of the client.
type AuthStore interface {
	Token() string
	Save(token string) error
	Clear() error
}

// Client is the full transport surface consumed by the cache layer.
type Client interface {
	GetOne(ctx context.Context, service, id string, query map[string]string) (types.Record, error)
	GetList(ctx context.Context, service string, page, perPage int, query map[string]string) (*ListResult, error)
	Create(ctx context.Context, service string, body types.Record, files []File, query map[string]string) (types.Record, error)
	Update(ctx context.Context, service, id string, body types.Record, files []File, query map[string]string) (types.Record, error)
	Delete(ctx context.Context, service, id string) error

	// Send issues an arbitrary request against the server, for routes the
	// typed methods do not cover.
	Send(ctx context.Context, method, path string, query map[string]string, body map[string]any) ([]byte, error)

	// Subscribe registers a realtime callback for a topic
	// ("collection" or "collection/recordId"). The returned cancel func
	// unsubscribes.
	Subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error)
}

// MemoryAuthStore is the default in-process AuthStore.
type MemoryAuthStore struct {
	token string
}

func (m *MemoryAuthStore) Token() string { return m.token }

func (m *MemoryAuthStore) Save(token string) error {
	m.token = token
	return nil
}

func (m *MemoryAuthStore) Clear() error {
	m.token = ""
	return nil
}
