package policy

import (
	"context"
	"time"

	"github.com/pocketsync/pocketsync/internal/query"
	"github.com/pocketsync/pocketsync/internal/store"
	"github.com/pocketsync/pocketsync/internal/types"
)

// Cache adapts the record store and query engine into the CacheOps surface.
type Cache struct {
	Store   *store.Store
	Queries *query.Engine
}

// NewCache builds the standard CacheOps over a store.
func NewCache(st *store.Store) *Cache {
	return &Cache{Store: st, Queries: query.New(st, nil)}
}

func (c *Cache) GetRow(ctx context.Context, service, id string) (types.Record, error) {
	return c.Store.GetRow(ctx, service, id)
}

func (c *Cache) QueryOne(ctx context.Context, service, id, expand string) (types.Record, error) {
	return c.Queries.QueryOne(ctx, service, id, expand)
}

func (c *Cache) Query(ctx context.Context, service string, opts query.Options) ([]types.Record, error) {
	return c.Queries.Query(ctx, service, opts)
}

func (c *Cache) CreateRow(ctx context.Context, service string, data types.Record, validate bool) (types.Record, error) {
	return c.Store.CreateRow(ctx, service, data, validate)
}

func (c *Cache) UpdateRow(ctx context.Context, service, id string, data types.Record, validate bool) (types.Record, error) {
	return c.Store.UpdateRow(ctx, service, id, data, validate)
}

func (c *Cache) DeleteRow(ctx context.Context, service, id string) error {
	return c.Store.DeleteRow(ctx, service, id)
}

func (c *Cache) SetLocal(ctx context.Context, service string, items []types.Record) error {
	return c.Store.SetLocal(ctx, service, items)
}

func (c *Cache) MergeLocal(ctx context.Context, service string, items []types.Record) error {
	return c.Store.MergeLocal(ctx, service, items)
}

func (c *Cache) SyncLocal(ctx context.Context, service string, items []types.Record, filter string) error {
	return c.Store.SyncLocal(ctx, service, items, filter)
}

func (c *Cache) SetFile(ctx context.Context, recordID, filename string, data []byte, expiration *time.Time) error {
	return c.Store.SetFile(ctx, recordID, filename, data, expiration)
}
