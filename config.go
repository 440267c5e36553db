package pocketsync

import (
	"log"
	"net/http"
	"time"

	"github.com/pocketsync/pocketsync/internal/connectivity"
	"github.com/pocketsync/pocketsync/internal/query"
	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/store"
	"github.com/pocketsync/pocketsync/internal/types"
)

// Re-exported core types. The machinery lives under internal/; these
// aliases are the public names.
type (
	// Record is one dynamic JSON document.
	Record = types.Record

	// Policy selects cache/network routing for an operation.
	Policy = types.Policy

	// File is an attachment buffered for upload.
	File = remote.File

	// Event is a realtime push notification.
	Event = remote.Event

	// AuthStore persists the auth token between requests.
	AuthStore = remote.AuthStore

	// RemoteClient is the pluggable transport contract.
	RemoteClient = remote.Client

	// Connectivity is the pluggable reachability probe.
	Connectivity = connectivity.Source

	// MaintenanceResult reports what a cleanup pass removed.
	MaintenanceResult = store.MaintenanceResult

	// QueryOptions are the recognized list-query parameters.
	QueryOptions = query.Options
)

// The five request policies.
const (
	CacheOnly       = types.CacheOnly
	NetworkOnly     = types.NetworkOnly
	CacheFirst      = types.CacheFirst
	NetworkFirst    = types.NetworkFirst
	CacheAndNetwork = types.CacheAndNetwork
)

// Error sentinels callers branch on with errors.Is / errors.As.
var (
	ErrOffline   = types.ErrOffline
	ErrCacheMiss = types.ErrCacheMiss
)

// ParsePolicy parses a policy name ("cacheAndNetwork", ...) as used in
// config files and CLI flags.
func ParsePolicy(s string) (Policy, error) {
	return types.ParsePolicy(s)
}

// Config configures a Client. The zero value is usable for an offline,
// in-memory cache.
type Config struct {
	// BaseURL is the remote server URL. Empty means no transport: the
	// client runs purely against the cache.
	BaseURL string

	// RequestPolicy is the default routing policy for every operation.
	// Unset defaults to CacheAndNetwork.
	RequestPolicy Policy

	// CacheTTL bounds the age of synced records and cached responses.
	// Nil disables TTL cleanup.
	CacheTTL *time.Duration

	// DBPath locates the cache database file. Empty means in-memory.
	DBPath string

	// SchemaSnapshot optionally points at a bundled collection-schema
	// export (.json or .yaml) loaded at startup for offline bootstrap.
	SchemaSnapshot string

	// WatchSchemaSnapshot reloads the snapshot when the file changes.
	WatchSchemaSnapshot bool

	// Validate enables schema validation of local writes.
	Validate bool

	// HTTPClient overrides the transport's HTTP client.
	HTTPClient *http.Client

	// AuthStore persists the auth token. Nil keeps it in memory.
	AuthStore AuthStore

	// Lang is sent as Accept-Language on remote requests.
	Lang string

	// Remote overrides the transport entirely; BaseURL then only locates the
	// default health probe.
	Remote RemoteClient

	// Connectivity overrides the reachability probe. Nil with a BaseURL
	// installs a health-endpoint poller; nil without one means offline.
	Connectivity Connectivity

	// ProbeInterval paces the default health poller. Zero means 10s.
	ProbeInterval time.Duration

	// Logger receives client activity. Nil logs to stderr.
	Logger *log.Logger
}
