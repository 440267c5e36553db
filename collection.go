package pocketsync

import (
	"context"

	"github.com/pocketsync/pocketsync/internal/policy"
	"github.com/pocketsync/pocketsync/internal/query"
	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/types"
)

// Collection is a handle on one server collection. All methods accept a nil
// options pointer, which means "defaults with the client's policy".
type Collection struct {
	client *Client
	name   string
}

// Name returns the collection name.
func (col *Collection) Name() string {
	return col.name
}

// GetOptions shape a single-record read.
type GetOptions struct {
	Policy Policy
	Expand string
	Fields string
}

// ListOptions shape a list read.
type ListOptions struct {
	Policy Policy
	Filter string
	Sort   string
	Expand string
	Fields string
}

// WriteOptions shape a create, update, or delete.
type WriteOptions struct {
	Policy Policy
	Files  []File
}

func (col *Collection) resolve(p Policy) Policy {
	if p == types.PolicyUnspecified {
		return col.client.cfg.RequestPolicy
	}
	return p
}

// GetOne reads one record by id.
func (col *Collection) GetOne(ctx context.Context, id string, opts *GetOptions) (Record, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	return col.client.engine.FetchOne(ctx, col.resolve(opts.Policy), col.name, id,
		policy.FetchOptions{Expand: opts.Expand, Fields: opts.Fields})
}

// GetFullList reads the entire filtered listing. Under NetworkFirst and
// CacheAndNetwork this drains every server page, merges it into the cache,
// and reconciles stale local rows against the same filter; NetworkOnly
// returns the server pages without caching them.
func (col *Collection) GetFullList(ctx context.Context, opts *ListOptions) ([]Record, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	return col.client.engine.FetchList(ctx, col.resolve(opts.Policy), col.name, query.Options{
		Filter: opts.Filter,
		Sort:   opts.Sort,
		Expand: opts.Expand,
		Fields: opts.Fields,
	})
}

// GetList reads one page of the listing. Pages merge into the cache but do
// not trigger stale reconciliation.
func (col *Collection) GetList(ctx context.Context, page, perPage int, opts *ListOptions) ([]Record, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	result, err := col.client.engine.FetchPage(ctx, col.resolve(opts.Policy), col.name, page, perPage, query.Options{
		Filter: opts.Filter,
		Sort:   opts.Sort,
		Expand: opts.Expand,
		Fields: opts.Fields,
	})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Watch returns a reactive full-list stream: it emits the cached listing
// first and, when the network round trip completes, a second merged
// listing. The channel closes after the final emission or when ctx ends.
// Partial pages are never interleaved into the stream.
func (col *Collection) Watch(ctx context.Context, opts *ListOptions) (<-chan []Record, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	qopts := query.Options{
		Filter: opts.Filter,
		Sort:   opts.Sort,
		Expand: opts.Expand,
		Fields: opts.Fields,
	}

	cached, err := col.client.engine.FetchList(ctx, CacheOnly, col.name, qopts)
	if err != nil {
		return nil, err
	}

	ch := make(chan []Record, 2)
	ch <- cached

	if !col.client.Online() {
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		merged, err := col.client.engine.FetchList(ctx, NetworkFirst, col.name, qopts)
		if err != nil {
			col.client.logger.Printf("WARNING: watch refresh of %s failed: %v", col.name, err)
			return
		}
		select {
		case ch <- merged:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Create inserts a record.
func (col *Collection) Create(ctx context.Context, body Record, opts *WriteOptions) (Record, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	return col.client.engine.Create(ctx, col.resolve(opts.Policy), col.name, body, opts.Files)
}

// Update applies a partial update to a record.
func (col *Collection) Update(ctx context.Context, id string, body Record, opts *WriteOptions) (Record, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	return col.client.engine.Update(ctx, col.resolve(opts.Policy), col.name, id, body, opts.Files)
}

// Delete removes a record.
func (col *Collection) Delete(ctx context.Context, id string, opts *WriteOptions) error {
	if opts == nil {
		opts = &WriteOptions{}
	}
	return col.client.engine.Delete(ctx, col.resolve(opts.Policy), col.name, id)
}

// GetFile returns locally cached file bytes for a record, or nil when the
// file is not cached.
func (col *Collection) GetFile(ctx context.Context, recordID, filename string) ([]byte, error) {
	blob, err := col.client.store.GetFile(ctx, recordID, filename)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	return blob.Data, nil
}

// Subscribe registers a realtime callback for the collection (recordID
// empty) or a single record. Incoming events are folded into the cache
// before the callback runs: creates and updates upsert, deletes remove.
// The returned cancel func unsubscribes.
func (col *Collection) Subscribe(ctx context.Context, recordID string, fn func(Event)) (func(), error) {
	if col.client.remote == nil {
		return nil, types.ErrOffline
	}

	topic := col.name
	if recordID != "" {
		topic += "/" + recordID
	}

	return col.client.remote.Subscribe(ctx, topic, func(event remote.Event) {
		col.ingest(event)
		if fn != nil {
			fn(event)
		}
	})
}

// ingest applies a server push to the cache.
func (col *Collection) ingest(event remote.Event) {
	ctx := col.client.ctx
	switch event.Action {
	case "create", "update":
		if event.Record == nil {
			return
		}
		if err := col.client.store.MergeLocal(ctx, col.name, []types.Record{event.Record}); err != nil {
			col.client.logger.Printf("WARNING: failed to ingest %s event for %s: %v", event.Action, col.name, err)
		}
	case "delete":
		if event.Record == nil {
			return
		}
		if err := col.client.store.DeleteRow(ctx, col.name, event.Record.ID()); err != nil {
			col.client.logger.Printf("WARNING: failed to ingest delete event for %s: %v", col.name, err)
		}
	}
}
