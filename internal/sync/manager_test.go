package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketsync/pocketsync/internal/connectivity"
	"github.com/pocketsync/pocketsync/internal/policy"
	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/schema"
	"github.com/pocketsync/pocketsync/internal/store"
	"github.com/pocketsync/pocketsync/internal/types"
)

// fakeServer is a minimal in-memory RemoteOps double for drain tests.
type fakeServer struct {
	mu      gosync.Mutex
	records map[string]types.Record
	creates []string
	updates []string
	deletes []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{records: make(map[string]types.Record)}
}

func (f *fakeServer) GetOne(ctx context.Context, service, id string, q map[string]string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, &types.RemoteError{Status: 404, Body: "not found"}
	}
	return rec.Clone(), nil
}

func (f *fakeServer) GetList(ctx context.Context, service string, page, perPage int, q map[string]string) (*remote.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []types.Record
	for _, rec := range f.records {
		items = append(items, rec.Clone())
	}
	return &remote.ListResult{Page: page, PerPage: perPage, TotalItems: len(items), TotalPages: 1, Items: items}, nil
}

func (f *fakeServer) Create(ctx context.Context, service string, body types.Record, files []remote.File, q map[string]string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := body.Clone()
	if rec.ID() == "" {
		rec.SetID(types.NewID())
	}
	now := types.NowTimestamp()
	rec["created"] = now
	rec["updated"] = now
	f.records[rec.ID()] = rec
	f.creates = append(f.creates, rec.ID())
	return rec.Clone(), nil
}

func (f *fakeServer) Update(ctx context.Context, service, id string, body types.Record, files []remote.File, q map[string]string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, &types.RemoteError{Status: 404, Body: "not found"}
	}
	for k, v := range body {
		rec[k] = v
	}
	rec["updated"] = types.NowTimestamp()
	f.updates = append(f.updates, id)
	return rec.Clone(), nil
}

func (f *fakeServer) Delete(ctx context.Context, service, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeServer) created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creates...)
}

func testSetup(t *testing.T) (*Manager, *policy.Engine, *fakeServer, *store.Store, *connectivity.Manual) {
	t.Helper()

	reg := schema.NewRegistry(nil)
	reg.Set(&schema.Collection{
		ID:   "col_posts",
		Name: "posts",
		Fields: []schema.Field{
			{Name: "title", Type: schema.FieldText, Required: true},
		},
	})

	st, err := store.OpenMemory(reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	server := newFakeServer()
	conn := connectivity.NewManual(false)
	engine := policy.New(context.Background(), policy.NewCache(st), server, conn, false, nil)
	mgr := New(st, engine, conn, nil)
	return mgr, engine, server, st, conn
}

// Offline create, then a connectivity rising edge: the drain replays the
// create with the same local id and the cached row flips to synced.
func TestDrain_OfflineCreateThenReconnect(t *testing.T) {
	mgr, engine, server, st, conn := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := engine.Create(ctx, types.CacheAndNetwork, "posts", types.Record{"title": "Hi"}, nil)
	require.NoError(t, err)
	require.False(t, rec.Synced())
	require.True(t, rec.IsNew())

	mgr.Start(ctx)
	conn.Set(true)

	require.Eventually(t, func() bool {
		got, err := st.GetRow(ctx, "posts", rec.ID())
		return err == nil && got.Synced() && !got.IsNew()
	}, 2*time.Second, 10*time.Millisecond, "row should flip to synced after the drain")

	created := server.created()
	require.Len(t, created, 1)
	assert.Equal(t, rec.ID(), created[0], "the server must receive the locally generated id")

	cancel()
	mgr.Shutdown()
}

func TestDrain_TombstoneReplay(t *testing.T) {
	mgr, engine, server, st, conn := testSetup(t)
	ctx := context.Background()

	// A synced row deleted while offline becomes a tombstone.
	seeded := types.Record{"id": "aaaaaaaaaaaaaaa", "title": "t"}
	seeded.SetFlags(true, false, false)
	_, err := st.CreateRow(ctx, "posts", seeded, false)
	require.NoError(t, err)
	server.records["aaaaaaaaaaaaaaa"] = seeded.Clone()

	require.NoError(t, engine.Delete(ctx, types.CacheAndNetwork, "posts", "aaaaaaaaaaaaaaa"))
	row, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.True(t, row.Deleted())

	conn.Set(true)
	<-mgr.Trigger(ctx)

	_, err = st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, types.ErrCacheMiss, "tombstone should be gone after replay")
	assert.Contains(t, server.deletes, "aaaaaaaaaaaaaaa")
}

func TestDrain_UpdateReplay(t *testing.T) {
	mgr, engine, server, st, conn := testSetup(t)
	ctx := context.Background()

	seeded := types.Record{"id": "aaaaaaaaaaaaaaa", "title": "original"}
	seeded.SetFlags(true, false, false)
	_, err := st.CreateRow(ctx, "posts", seeded, false)
	require.NoError(t, err)
	server.records["aaaaaaaaaaaaaaa"] = seeded.Clone()

	// Offline edit leaves a pending non-new row.
	_, err = engine.Update(ctx, types.CacheAndNetwork, "posts", "aaaaaaaaaaaaaaa", types.Record{"title": "edited"}, nil)
	require.NoError(t, err)

	conn.Set(true)
	<-mgr.Trigger(ctx)

	assert.Contains(t, server.updates, "aaaaaaaaaaaaaaa")
	got, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.True(t, got.Synced())
	assert.Equal(t, "edited", got["title"])
}

// Local-only rows and the schema collection never reach the server.
func TestDrain_SkipsNoSyncAndReserved(t *testing.T) {
	mgr, _, server, st, conn := testSetup(t)
	ctx := context.Background()

	localOnly := types.Record{"id": "lllllllllllllll", "title": "local",
		types.FlagSynced: false, types.FlagNoSync: true}
	_, err := st.CreateRow(ctx, "posts", localOnly, false)
	require.NoError(t, err)

	schemaRow := types.Record{"id": "sssssssssssssss", "name": "posts",
		types.FlagSynced: false}
	_, err = st.CreateRow(ctx, "schema", schemaRow, false)
	require.NoError(t, err)

	conn.Set(true)
	<-mgr.Trigger(ctx)

	assert.Empty(t, server.created())
	assert.Empty(t, server.updates)
}

// Duplicate triggers coalesce into the running drain.
func TestTrigger_Coalesces(t *testing.T) {
	mgr, _, _, st, conn := testSetup(t)
	ctx := context.Background()
	conn.Set(true)

	// Seed enough pending rows that the drain is observably in flight.
	for i := 0; i < 20; i++ {
		r := types.Record{"id": types.NewID(), "title": "x"}
		r.SetFlags(false, true, false)
		_, err := st.CreateRow(ctx, "posts", r, false)
		require.NoError(t, err)
	}

	first := mgr.Trigger(ctx)
	second := mgr.Trigger(ctx)
	if first != second {
		// The first drain may already have finished; the important part is
		// both channels close.
		<-first
	}
	<-second

	require.NoError(t, mgr.Wait(ctx))
}

func TestWait_NoDrain(t *testing.T) {
	mgr, _, _, _, _ := testSetup(t)
	require.NoError(t, mgr.Wait(context.Background()))
}

func TestNotifyResume(t *testing.T) {
	mgr, engine, server, _, conn := testSetup(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, types.CacheAndNetwork, "posts", types.Record{"title": "Hi"}, nil)
	require.NoError(t, err)

	// Offline resume does nothing.
	mgr.NotifyResume(ctx)
	require.NoError(t, mgr.Wait(ctx))
	assert.Empty(t, server.created())

	// Online resume drains.
	conn.Set(true)
	mgr.NotifyResume(ctx)
	require.NoError(t, mgr.Wait(ctx))
	assert.Len(t, server.created(), 1)
}
