package pocketsync

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pocketsync/pocketsync/internal/connectivity"
	"github.com/pocketsync/pocketsync/internal/policy"
	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/schema"
	"github.com/pocketsync/pocketsync/internal/store"
	syncmgr "github.com/pocketsync/pocketsync/internal/sync"
	"github.com/pocketsync/pocketsync/internal/types"
)

// Client is the entry point: it owns the cache store and the background
// machinery, and hands out Collection handles that share them.
type Client struct {
	cfg     Config
	store   *store.Store
	schemas *schema.Registry
	remote  remote.Client
	conn    connectivity.Source
	engine  *policy.Engine
	syncer  *syncmgr.Manager
	logger  *log.Logger

	// ctx bounds every background task; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the cache and wires the sync machinery. The caller MUST call
// Close() when done.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[pocketsync] ", log.LstdFlags)
	}

	registry := schema.NewRegistry(logger)
	if cfg.SchemaSnapshot != "" {
		if err := registry.LoadSnapshot(cfg.SchemaSnapshot); err != nil {
			return nil, err
		}
	}

	var (
		st  *store.Store
		err error
	)
	if cfg.DBPath == "" {
		st, err = store.OpenMemory(registry, logger)
	} else {
		st, err = store.Open(cfg.DBPath, registry, logger)
	}
	if err != nil {
		return nil, err
	}

	// Schema rows cached by a previous session repopulate the registry on
	// top of the bundled snapshot.
	if rows, err := st.Rows(context.Background(), schema.SchemaCollection); err == nil && len(rows) > 0 {
		cols, err := schema.FromRecords(rows)
		if err != nil {
			logger.Printf("WARNING: ignoring cached schema rows: %v", err)
		} else {
			for _, col := range cols {
				registry.Set(col)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	rem := cfg.Remote
	if rem == nil && cfg.BaseURL != "" {
		rem = remote.NewHTTPClient(cfg.BaseURL, cfg.HTTPClient, cfg.AuthStore, cfg.Lang, logger)
	}

	conn := cfg.Connectivity
	if conn == nil {
		if cfg.BaseURL != "" {
			probe := connectivity.NewProbe(cfg.BaseURL+"/api/health", cfg.ProbeInterval, logger)
			go probe.Start(ctx)
			conn = probe
		} else {
			conn = connectivity.NewManual(false)
		}
	}

	defaultPolicy := cfg.RequestPolicy
	if defaultPolicy == types.PolicyUnspecified {
		defaultPolicy = CacheAndNetwork
	}
	cfg.RequestPolicy = defaultPolicy

	var remoteOps policy.RemoteOps
	if rem != nil {
		remoteOps = rem
	} else {
		remoteOps = unreachableRemote{}
	}

	engine := policy.New(ctx, policy.NewCache(st), remoteOps, conn, cfg.Validate, logger)
	syncer := syncmgr.New(st, engine, conn, logger)
	syncer.Start(ctx)

	c := &Client{
		cfg:     cfg,
		store:   st,
		schemas: registry,
		remote:  rem,
		conn:    conn,
		engine:  engine,
		syncer:  syncer,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.SchemaSnapshot != "" && cfg.WatchSchemaSnapshot {
		go func() {
			if err := registry.Watch(ctx, cfg.SchemaSnapshot); err != nil {
				logger.Printf("WARNING: schema snapshot watcher stopped: %v", err)
			}
		}()
	}

	return c, nil
}

// unreachableRemote stands in when no transport is configured. The
// connectivity source reports offline in that setup, so these paths are
// never taken; reaching one anyway is a wiring bug worth a loud error.
type unreachableRemote struct{}

func (unreachableRemote) GetOne(ctx context.Context, service, id string, q map[string]string) (types.Record, error) {
	return nil, fmt.Errorf("no remote transport configured")
}

func (unreachableRemote) GetList(ctx context.Context, service string, page, perPage int, q map[string]string) (*remote.ListResult, error) {
	return nil, fmt.Errorf("no remote transport configured")
}

func (unreachableRemote) Create(ctx context.Context, service string, body types.Record, files []remote.File, q map[string]string) (types.Record, error) {
	return nil, fmt.Errorf("no remote transport configured")
}

func (unreachableRemote) Update(ctx context.Context, service, id string, body types.Record, files []remote.File, q map[string]string) (types.Record, error) {
	return nil, fmt.Errorf("no remote transport configured")
}

func (unreachableRemote) Delete(ctx context.Context, service, id string) error {
	return fmt.Errorf("no remote transport configured")
}

// Collection returns a handle for one collection. Handles are cheap and
// share the client's cache; they must not outlive it.
func (c *Client) Collection(name string) *Collection {
	return &Collection{client: c, name: name}
}

// Online reports current connectivity.
func (c *Client) Online() bool {
	return c.conn.Online()
}

// Sync triggers a drain of pending local changes and waits for it.
func (c *Client) Sync(ctx context.Context) error {
	select {
	case <-c.syncer.Trigger(ctx):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyResume tells the client the host app returned to the foreground;
// pending changes drain if the network is reachable.
func (c *Client) NotifyResume() {
	c.syncer.NotifyResume(c.ctx)
}

// Send issues an arbitrary request against the server. Idempotent GET
// responses are cached; while offline, a cached response is served instead
// and anything uncached fails with ErrOffline.
func (c *Client) Send(ctx context.Context, method, path string, query map[string]string, body map[string]any) ([]byte, error) {
	key := store.RequestKey(method, path, query, body)

	if c.remote == nil || !c.conn.Online() {
		if key != "" {
			if data, _, err := c.store.GetResponse(ctx, key); err == nil && data != "" {
				return []byte(data), nil
			}
		}
		return nil, types.ErrOffline
	}

	data, err := c.remote.Send(ctx, method, path, query, body)
	if err != nil {
		if key != "" {
			if cached, _, cerr := c.store.GetResponse(ctx, key); cerr == nil && cached != "" {
				return []byte(cached), nil
			}
		}
		return nil, err
	}
	if key != "" {
		if err := c.store.SaveResponse(ctx, key, string(data)); err != nil {
			c.logger.Printf("WARNING: failed to cache response for %s: %v", path, err)
		}
	}
	return data, nil
}

// RunMaintenance removes expired records, responses, and file blobs per
// the configured CacheTTL.
func (c *Client) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	return c.store.RunMaintenance(ctx, c.cfg.CacheTTL)
}

// PendingServices lists collections that still hold unsynced changes.
func (c *Client) PendingServices(ctx context.Context) ([]string, error) {
	return c.store.PendingServices(ctx)
}

// Store exposes the underlying cache store for status reporting and tests.
func (c *Client) Store() *store.Store {
	return c.store
}

// Schemas exposes the collection-schema registry.
func (c *Client) Schemas() *schema.Registry {
	return c.schemas
}

// Close stops background tasks and closes the cache. The client and its
// collection handles are unusable afterwards.
func (c *Client) Close() error {
	c.cancel()
	c.syncer.Shutdown()
	c.engine.WaitBackground()
	return c.store.Close()
}
