// Package policy routes reads and writes between the local cache and the
// remote server.
//
// Five request policies are recognized, each with distinct read, write, and
// delete semantics: cacheOnly and networkOnly touch exactly one side,
// cacheFirst answers locally and refreshes in the background, networkFirst
// prefers the server with a cache fallback, and cacheAndNetwork is the
// resilient offline-first default that always lands in the cache and tags
// the row with the remote outcome.
//
// The engine is composed over narrow CacheOps and RemoteOps interfaces so
// the two sides stay independently replaceable.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pocketsync/pocketsync/internal/connectivity"
	"github.com/pocketsync/pocketsync/internal/query"
	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/types"
)

// listPageSize is the page size used when draining a full server listing.
const listPageSize = 500

// CacheOps is the cache surface the engine drives. *store.Store combined
// with the query engine satisfies it.
type CacheOps interface {
	GetRow(ctx context.Context, service, id string) (types.Record, error)
	QueryOne(ctx context.Context, service, id, expand string) (types.Record, error)
	Query(ctx context.Context, service string, opts query.Options) ([]types.Record, error)
	CreateRow(ctx context.Context, service string, data types.Record, validate bool) (types.Record, error)
	UpdateRow(ctx context.Context, service, id string, data types.Record, validate bool) (types.Record, error)
	DeleteRow(ctx context.Context, service, id string) error
	SetLocal(ctx context.Context, service string, items []types.Record) error
	MergeLocal(ctx context.Context, service string, items []types.Record) error
	SyncLocal(ctx context.Context, service string, items []types.Record, filter string) error
	SetFile(ctx context.Context, recordID, filename string, data []byte, expiration *time.Time) error
}

// RemoteOps is the transport surface the engine drives; a subset of
// remote.Client.
type RemoteOps interface {
	GetOne(ctx context.Context, service, id string, query map[string]string) (types.Record, error)
	GetList(ctx context.Context, service string, page, perPage int, query map[string]string) (*remote.ListResult, error)
	Create(ctx context.Context, service string, body types.Record, files []remote.File, query map[string]string) (types.Record, error)
	Update(ctx context.Context, service, id string, body types.Record, files []remote.File, query map[string]string) (types.Record, error)
	Delete(ctx context.Context, service, id string) error
}

// Engine routes operations according to the requested policy.
type Engine struct {
	cache    CacheOps
	remote   RemoteOps
	conn     connectivity.Source
	logger   *log.Logger
	validate bool

	// Background refreshes are bound to scope so they die with the client
	// instead of leaking across a reload.
	scope context.Context
	bg    sync.WaitGroup
}

// New creates an engine. scope bounds the lifetime of background tasks; it
// is normally the owning client's context.
func New(scope context.Context, cache CacheOps, rem RemoteOps, conn connectivity.Source, validate bool, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[policy] ", log.LstdFlags)
	}
	return &Engine{
		cache:    cache,
		remote:   rem,
		conn:     conn,
		logger:   logger,
		validate: validate,
		scope:    scope,
	}
}

// WaitBackground blocks until in-flight background refreshes finish. Tests
// use it to observe out-of-band cache updates deterministically.
func (e *Engine) WaitBackground() {
	e.bg.Wait()
}

func (e *Engine) spawn(name string, fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Printf("WARNING: background %s panicked: %v", name, r)
			}
		}()
		fn(e.scope)
	}()
}

// online reports connectivity; a nil source means always offline, which
// keeps a cache-only client honest.
func (e *Engine) online() bool {
	return e.conn != nil && e.conn.Online()
}

// ---- reads ----

// FetchOptions shape a policy-routed read.
type FetchOptions struct {
	Expand string
	Fields string
}

// FetchOne reads a single record under the given policy.
func (e *Engine) FetchOne(ctx context.Context, p types.Policy, service, id string, opts FetchOptions) (types.Record, error) {
	switch p {
	case types.CacheOnly:
		return e.cache.QueryOne(ctx, service, id, opts.Expand)

	case types.NetworkOnly:
		if !e.online() {
			return nil, types.ErrOffline
		}
		return e.remote.GetOne(ctx, service, id, fetchQuery(opts))

	case types.CacheFirst:
		cached, err := e.cache.QueryOne(ctx, service, id, opts.Expand)
		if err == nil {
			if e.online() {
				e.spawn("refresh "+service+"/"+id, func(ctx context.Context) {
					e.refreshOne(ctx, service, id, opts)
				})
			}
			return cached, nil
		}
		if !errors.Is(err, types.ErrCacheMiss) {
			return nil, err
		}
		if !e.online() {
			return nil, err
		}
		rec, rerr := e.remote.GetOne(ctx, service, id, fetchQuery(opts))
		if rerr != nil {
			return nil, rerr
		}
		if cerr := e.cache.SetLocal(ctx, service, []types.Record{rec}); cerr != nil {
			e.logger.Printf("WARNING: failed to cache fetched record %s/%s: %v", service, id, cerr)
		}
		return rec, nil

	case types.NetworkFirst, types.CacheAndNetwork:
		if e.online() {
			rec, rerr := e.remote.GetOne(ctx, service, id, fetchQuery(opts))
			if rerr == nil {
				if cerr := e.cache.SetLocal(ctx, service, []types.Record{rec}); cerr != nil {
					e.logger.Printf("WARNING: failed to cache fetched record %s/%s: %v", service, id, cerr)
				}
				return rec, nil
			}
			cached, cerr := e.cache.QueryOne(ctx, service, id, opts.Expand)
			if cerr != nil {
				return nil, fmt.Errorf("remote fetch failed (%w) and cache fallback failed: %w", rerr, cerr)
			}
			return cached, nil
		}
		return e.cache.QueryOne(ctx, service, id, opts.Expand)

	default:
		return nil, fmt.Errorf("unknown request policy %v", p)
	}
}

func (e *Engine) refreshOne(ctx context.Context, service, id string, opts FetchOptions) {
	rec, err := e.remote.GetOne(ctx, service, id, fetchQuery(opts))
	if err != nil {
		e.logger.Printf("WARNING: background refresh of %s/%s failed: %v", service, id, err)
		return
	}
	if err := e.cache.SetLocal(ctx, service, []types.Record{rec}); err != nil {
		e.logger.Printf("WARNING: failed to cache refreshed record %s/%s: %v", service, id, err)
	}
}

func fetchQuery(opts FetchOptions) map[string]string {
	q := map[string]string{}
	if opts.Expand != "" {
		q["expand"] = opts.Expand
	}
	if opts.Fields != "" {
		q["fields"] = opts.Fields
	}
	return q
}

// FetchList reads a full filtered listing under the given policy.
//
// NetworkFirst and CacheAndNetwork drain every server page, merge the result
// into the cache with stale reconciliation against the same filter, and answer
// from the cache so unsynced local rows appear in the result. NetworkOnly
// returns the server pages without touching the cache.
func (e *Engine) FetchList(ctx context.Context, p types.Policy, service string, opts query.Options) ([]types.Record, error) {
	switch p {
	case types.CacheOnly:
		return e.cache.Query(ctx, service, opts)

	case types.NetworkOnly:
		if !e.online() {
			return nil, types.ErrOffline
		}
		return e.fetchAllPages(ctx, service, opts)

	case types.CacheFirst:
		cached, err := e.cache.Query(ctx, service, opts)
		if err != nil {
			return nil, err
		}
		if e.online() {
			e.spawn("refresh list "+service, func(ctx context.Context) {
				if err := e.refreshList(ctx, service, opts); err != nil {
					e.logger.Printf("WARNING: background list refresh of %s failed: %v", service, err)
				}
			})
		}
		return cached, nil

	case types.NetworkFirst, types.CacheAndNetwork:
		if e.online() {
			if err := e.refreshList(ctx, service, opts); err != nil {
				e.logger.Printf("WARNING: list fetch of %s fell back to cache: %v", service, err)
			}
		}
		return e.cache.Query(ctx, service, opts)

	default:
		return nil, fmt.Errorf("unknown request policy %v", p)
	}
}

// FetchPage reads one page of a listing under the given policy.
//
// Unlike FetchList, a page fetch merges into the cache without stale
// reconciliation: a single page cannot prove a cached row is gone.
func (e *Engine) FetchPage(ctx context.Context, p types.Policy, service string, page, perPage int, opts query.Options) (*remote.ListResult, error) {
	cachePage := func() (*remote.ListResult, error) {
		pageOpts := opts
		pageOpts.Limit = perPage
		pageOpts.Offset = (page - 1) * perPage
		items, err := e.cache.Query(ctx, service, pageOpts)
		if err != nil {
			return nil, err
		}
		return &remote.ListResult{Page: page, PerPage: perPage, TotalItems: len(items), Items: items}, nil
	}

	switch p {
	case types.CacheOnly:
		return cachePage()

	case types.NetworkOnly:
		if !e.online() {
			return nil, types.ErrOffline
		}
		return e.remote.GetList(ctx, service, page, perPage, listQuery(opts))

	case types.CacheFirst:
		result, err := cachePage()
		if err != nil {
			return nil, err
		}
		if e.online() {
			e.spawn("refresh page "+service, func(ctx context.Context) {
				fetched, rerr := e.remote.GetList(ctx, service, page, perPage, listQuery(opts))
				if rerr != nil {
					e.logger.Printf("WARNING: background page refresh of %s failed: %v", service, rerr)
					return
				}
				if cerr := e.cache.MergeLocal(ctx, service, fetched.Items); cerr != nil {
					e.logger.Printf("WARNING: failed to merge page of %s: %v", service, cerr)
				}
			})
		}
		return result, nil

	case types.NetworkFirst, types.CacheAndNetwork:
		if e.online() {
			result, rerr := e.remote.GetList(ctx, service, page, perPage, listQuery(opts))
			if rerr == nil {
				if cerr := e.cache.MergeLocal(ctx, service, result.Items); cerr != nil {
					e.logger.Printf("WARNING: failed to merge page of %s: %v", service, cerr)
				}
				return result, nil
			}
			e.logger.Printf("WARNING: page fetch of %s fell back to cache: %v", service, rerr)
		}
		return cachePage()

	default:
		return nil, fmt.Errorf("unknown request policy %v", p)
	}
}

func listQuery(opts query.Options) map[string]string {
	q := map[string]string{}
	if opts.Filter != "" {
		q["filter"] = opts.Filter
	}
	if opts.Sort != "" {
		q["sort"] = opts.Sort
	}
	if opts.Expand != "" {
		q["expand"] = opts.Expand
	}
	return q
}

// refreshList drains the server listing and reconciles the cache.
func (e *Engine) refreshList(ctx context.Context, service string, opts query.Options) error {
	items, err := e.fetchAllPages(ctx, service, opts)
	if err != nil {
		return err
	}
	return e.cache.SyncLocal(ctx, service, items, opts.Filter)
}

func (e *Engine) fetchAllPages(ctx context.Context, service string, opts query.Options) ([]types.Record, error) {
	q := listQuery(opts)

	var items []types.Record
	for page := 1; ; page++ {
		result, err := e.remote.GetList(ctx, service, page, listPageSize, q)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if page >= result.TotalPages || len(result.Items) == 0 {
			break
		}
	}
	return items, nil
}
