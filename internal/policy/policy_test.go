package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketsync/pocketsync/internal/connectivity"
	"github.com/pocketsync/pocketsync/internal/query"
	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/schema"
	"github.com/pocketsync/pocketsync/internal/store"
	"github.com/pocketsync/pocketsync/internal/types"
)

func intPtr(n int) *int { return &n }

// fakeRemote is an in-memory server double implementing RemoteOps.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]map[string]types.Record

	// reassignID makes creates ignore the client id and answer with this
	// one instead, simulating a server that rejects client ids.
	reassignID string

	// renameFiles makes creates/updates rename uploaded files the way the
	// server does: <stem>_<nonce><ext>.
	renameFiles bool

	failWith       error
	failCreateWith error
	createN        int
	updateN        int
	deleteN        int
	lastBody       types.Record
	lastFiles      []remote.File
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]map[string]types.Record)}
}

func (f *fakeRemote) bucket(service string) map[string]types.Record {
	if f.records[service] == nil {
		f.records[service] = make(map[string]types.Record)
	}
	return f.records[service]
}

func (f *fakeRemote) GetOne(ctx context.Context, service, id string, q map[string]string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	rec, ok := f.bucket(service)[id]
	if !ok {
		return nil, &types.RemoteError{Status: 404, Body: "not found"}
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) GetList(ctx context.Context, service string, page, perPage int, q map[string]string) (*remote.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var items []types.Record
	for _, rec := range f.bucket(service) {
		items = append(items, rec.Clone())
	}
	return &remote.ListResult{Page: page, PerPage: perPage, TotalItems: len(items), TotalPages: 1, Items: items}, nil
}

func (f *fakeRemote) Create(ctx context.Context, service string, body types.Record, files []remote.File, q map[string]string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createN++
	f.lastBody = body.Clone()
	f.lastFiles = files
	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.failCreateWith != nil {
		return nil, f.failCreateWith
	}

	rec := body.Clone()
	if f.reassignID != "" {
		rec.SetID(f.reassignID)
	} else if rec.ID() == "" {
		rec.SetID(types.NewID())
	}
	now := types.NowTimestamp()
	rec["created"] = now
	rec["updated"] = now
	f.applyRenames(rec, files)
	f.bucket(service)[rec.ID()] = rec
	return rec.Clone(), nil
}

func (f *fakeRemote) Update(ctx context.Context, service, id string, body types.Record, files []remote.File, q map[string]string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateN++
	if f.failWith != nil {
		return nil, f.failWith
	}
	existing, ok := f.bucket(service)[id]
	if !ok {
		return nil, &types.RemoteError{Status: 404, Body: "not found"}
	}
	for k, v := range body {
		existing[k] = v
	}
	existing.SetID(id)
	existing["updated"] = types.NowTimestamp()
	f.applyRenames(existing, files)
	return existing.Clone(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, service, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteN++
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.bucket(service), id)
	return nil
}

func (f *fakeRemote) applyRenames(rec types.Record, files []remote.File) {
	if !f.renameFiles {
		return
	}
	for _, file := range files {
		ext := ""
		stem := file.Name
		if i := len(file.Name) - 4; i > 0 && file.Name[i] == '.' {
			stem, ext = file.Name[:i], file.Name[i:]
		}
		rec[file.Field] = fmt.Sprintf("%s_x7f3k9%s", stem, ext)
	}
}

func testEngine(t *testing.T, online bool) (*Engine, *fakeRemote, *store.Store, *connectivity.Manual) {
	t.Helper()

	reg := schema.NewRegistry(nil)
	reg.Set(&schema.Collection{
		ID:   "col_users",
		Name: "users",
		Fields: []schema.Field{
			{Name: "name", Type: schema.FieldText, Required: true},
		},
	})
	reg.Set(&schema.Collection{
		ID:   "col_posts",
		Name: "posts",
		Fields: []schema.Field{
			{Name: "title", Type: schema.FieldText, Required: true},
			{Name: "author", Type: schema.FieldRelation, Options: schema.FieldOptions{MaxSelect: intPtr(1), CollectionID: "col_users"}},
			{Name: "document", Type: schema.FieldFile, Options: schema.FieldOptions{MaxSelect: intPtr(1)}},
		},
	})

	st, err := store.OpenMemory(reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rem := newFakeRemote()
	conn := connectivity.NewManual(online)
	eng := New(context.Background(), NewCache(st), rem, conn, false, nil)
	return eng, rem, st, conn
}

func TestFetchOne_CacheOnly(t *testing.T) {
	eng, _, st, _ := testEngine(t, true)
	ctx := context.Background()

	_, err := eng.FetchOne(ctx, types.CacheOnly, "posts", "missingmissingm", FetchOptions{})
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	_, err = st.CreateRow(ctx, "posts", types.Record{"id": "aaaaaaaaaaaaaaa", "title": "hi"}, false)
	require.NoError(t, err)

	rec, err := eng.FetchOne(ctx, types.CacheOnly, "posts", "aaaaaaaaaaaaaaa", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", rec["title"])
}

func TestFetchOne_NetworkOnly(t *testing.T) {
	eng, rem, st, conn := testEngine(t, false)
	ctx := context.Background()

	_, err := eng.FetchOne(ctx, types.NetworkOnly, "posts", "aaaaaaaaaaaaaaa", FetchOptions{})
	assert.ErrorIs(t, err, types.ErrOffline)

	conn.Set(true)
	rem.bucket("posts")["aaaaaaaaaaaaaaa"] = types.Record{"id": "aaaaaaaaaaaaaaa", "title": "net"}

	rec, err := eng.FetchOne(ctx, types.NetworkOnly, "posts", "aaaaaaaaaaaaaaa", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "net", rec["title"])

	// networkOnly must not touch the cache.
	_, err = st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestFetchOne_NetworkFirst(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	ctx := context.Background()

	rem.bucket("posts")["aaaaaaaaaaaaaaa"] = types.Record{"id": "aaaaaaaaaaaaaaa", "title": "server"}

	rec, err := eng.FetchOne(ctx, types.NetworkFirst, "posts", "aaaaaaaaaaaaaaa", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "server", rec["title"])

	// The fetch landed in the cache, marked synced.
	cached, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.True(t, cached.Synced())

	// Remote failure falls back to the cache.
	rem.failWith = &types.RemoteError{Status: 500, Body: "boom"}
	rec, err = eng.FetchOne(ctx, types.NetworkFirst, "posts", "aaaaaaaaaaaaaaa", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "server", rec["title"])

	// Remote failure plus cache miss surfaces a combined error.
	_, err = eng.FetchOne(ctx, types.NetworkFirst, "posts", "zzzzzzzzzzzzzzz", FetchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCacheMiss)
	var re *types.RemoteError
	assert.ErrorAs(t, err, &re)
}

func TestFetchOne_CacheFirst(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	ctx := context.Background()

	// Cache hit returns immediately and refreshes out-of-band.
	_, err := st.CreateRow(ctx, "posts", types.Record{"id": "aaaaaaaaaaaaaaa", "title": "stale"}, false)
	require.NoError(t, err)
	rem.bucket("posts")["aaaaaaaaaaaaaaa"] = types.Record{"id": "aaaaaaaaaaaaaaa", "title": "fresh"}

	rec, err := eng.FetchOne(ctx, types.CacheFirst, "posts", "aaaaaaaaaaaaaaa", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "stale", rec["title"])

	eng.WaitBackground()
	cached, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cached["title"])

	// Cache miss while online falls through to the network synchronously.
	rem.bucket("posts")["bbbbbbbbbbbbbbb"] = types.Record{"id": "bbbbbbbbbbbbbbb", "title": "net"}
	rec, err = eng.FetchOne(ctx, types.CacheFirst, "posts", "bbbbbbbbbbbbbbb", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "net", rec["title"])
}

func TestFetchOne_CacheFirst_OfflineMiss(t *testing.T) {
	eng, _, _, _ := testEngine(t, false)
	_, err := eng.FetchOne(context.Background(), types.CacheFirst, "posts", "missingmissingm", FetchOptions{})
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

// Offline create with the resilient default policy: the record lands in the
// cache with a server-compatible id, pending flags, and original filenames.
func TestCreate_CacheAndNetwork_Offline(t *testing.T) {
	eng, _, st, _ := testEngine(t, false)
	ctx := context.Background()

	rec, err := eng.Create(ctx, types.CacheAndNetwork, "posts",
		types.Record{"title": "Hi"},
		[]remote.File{{Field: "document", Name: "notes.txt", Data: []byte("text")}})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[a-z0-9]{15}$`), rec.ID())
	assert.False(t, rec.Synced())
	assert.True(t, rec.IsNew())

	cached, err := st.GetRow(ctx, "posts", rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", cached["document"], "offline rows keep original filenames")

	blob, err := st.GetFile(ctx, rec.ID(), "notes.txt")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, []byte("text"), blob.Data)
}

// Online create: the server result is cached synced, and uploaded bytes are
// re-cached under the server's renamed filename.
func TestCreate_CacheAndNetwork_Online(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	rem.renameFiles = true
	ctx := context.Background()

	rec, err := eng.Create(ctx, types.CacheAndNetwork, "posts",
		types.Record{"title": "Hi"},
		[]remote.File{{Field: "document", Name: "photo.png", Data: []byte("png")}})
	require.NoError(t, err)

	serverName, _ := rec["document"].(string)
	require.NotEmpty(t, serverName)
	assert.NotEqual(t, "photo.png", serverName)
	assert.Regexp(t, `^photo_`, serverName)

	cached, err := st.GetRow(ctx, "posts", rec.ID())
	require.NoError(t, err)
	assert.True(t, cached.Synced())
	assert.False(t, cached.IsNew())

	blob, err := st.GetFile(ctx, rec.ID(), serverName)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, []byte("png"), blob.Data)
}

// The server may reject the client id and assign its own: exactly one row
// must remain, under the server id.
func TestCreate_IDReassignment(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	rem.reassignID = "zzzzzzzzzzzzzzz"
	ctx := context.Background()

	rec, err := eng.Create(ctx, types.CacheAndNetwork, "posts", types.Record{"id": "aaaaaaaaaaaaaaa", "title": "Hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "zzzzzzzzzzzzzzz", rec.ID())

	cached, err := st.GetRow(ctx, "posts", "zzzzzzzzzzzzzzz")
	require.NoError(t, err)
	assert.True(t, cached.Synced())

	_, err = st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	count, err := st.CountRows(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// A 400 on create-with-id means the row already exists: retry as update.
func TestCreate_NetworkFirst_400Fallback(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	ctx := context.Background()

	rem.bucket("posts")["aaaaaaaaaaaaaaa"] = types.Record{"id": "aaaaaaaaaaaaaaa", "title": "old"}
	rem.failCreateWith = &types.RemoteError{Status: 400, Body: "id exists"}

	rec, err := eng.Create(ctx, types.NetworkFirst, "posts", types.Record{"id": "aaaaaaaaaaaaaaa", "title": "new"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rem.updateN, "400 on create-with-id must probe the update path")
	assert.Equal(t, "new", rec["title"])

	cached, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.True(t, cached.Synced())

	// Without an id there is nothing to update; the 400 surfaces.
	_, err = eng.Create(ctx, types.NetworkFirst, "posts", types.Record{"title": "x"}, nil)
	require.Error(t, err)
}

// A strict update against a missing server row falls back to create-with-id.
func TestUpdate_NetworkFirst_404Fallback(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	ctx := context.Background()

	rec, err := eng.Update(ctx, types.NetworkFirst, "posts", "aaaaaaaaaaaaaaa", types.Record{"title": "resurrected"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rem.createN, "404 on update must probe the create path")
	assert.Equal(t, "aaaaaaaaaaaaaaa", rec.ID())

	cached, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.True(t, cached.Synced())
}

func TestDelete_Policies(t *testing.T) {
	eng, rem, st, conn := testEngine(t, true)
	ctx := context.Background()

	seed := func(id string) {
		r := types.Record{"id": id, "title": "t"}
		r.SetFlags(true, false, false)
		_, err := st.CreateRow(ctx, "posts", r, false)
		require.NoError(t, err)
		rem.bucket("posts")[id] = r.Clone()
	}

	// cacheOnly: tombstone, no row removal, never contacts the server.
	seed("aaaaaaaaaaaaaaa")
	require.NoError(t, eng.Delete(ctx, types.CacheOnly, "posts", "aaaaaaaaaaaaaaa"))
	rec, err := st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.True(t, rec.Deleted())
	assert.True(t, rec.NoSync())
	assert.Equal(t, 0, rem.deleteN)

	// networkFirst: strict remote then local removal.
	seed("bbbbbbbbbbbbbbb")
	require.NoError(t, eng.Delete(ctx, types.NetworkFirst, "posts", "bbbbbbbbbbbbbbb"))
	_, err = st.GetRow(ctx, "posts", "bbbbbbbbbbbbbbb")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
	assert.Equal(t, 1, rem.deleteN)

	// cacheAndNetwork online: remote delete plus local removal.
	seed("ccccccccccccccc")
	require.NoError(t, eng.Delete(ctx, types.CacheAndNetwork, "posts", "ccccccccccccccc"))
	_, err = st.GetRow(ctx, "posts", "ccccccccccccccc")
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	// cacheAndNetwork offline: tombstone for the sync manager to replay.
	conn.Set(false)
	seed("ddddddddddddddd")
	require.NoError(t, eng.Delete(ctx, types.CacheAndNetwork, "posts", "ddddddddddddddd"))
	rec, err = st.GetRow(ctx, "posts", "ddddddddddddddd")
	require.NoError(t, err)
	assert.True(t, rec.Deleted())
	assert.False(t, rec.Synced())

	// networkOnly offline fails.
	err = eng.Delete(ctx, types.NetworkOnly, "posts", "ddddddddddddddd")
	assert.ErrorIs(t, err, types.ErrOffline)
}

func TestDelete_CacheFirst(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	ctx := context.Background()

	r := types.Record{"id": "aaaaaaaaaaaaaaa", "title": "t"}
	r.SetFlags(true, false, false)
	_, err := st.CreateRow(ctx, "posts", r, false)
	require.NoError(t, err)
	rem.bucket("posts")["aaaaaaaaaaaaaaa"] = r.Clone()

	require.NoError(t, eng.Delete(ctx, types.CacheFirst, "posts", "aaaaaaaaaaaaaaa"))

	// Row is gone immediately; the remote delete completes out-of-band.
	_, err = st.GetRow(ctx, "posts", "aaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, types.ErrCacheMiss)

	eng.WaitBackground()
	assert.Equal(t, 1, rem.deleteN)
}

func TestFetchList_MergesAndReconciles(t *testing.T) {
	eng, rem, st, _ := testEngine(t, true)
	ctx := context.Background()

	// Local cache holds A and B as synced; the server only knows A.
	for _, id := range []string{"aaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbb"} {
		r := types.Record{"id": id, "title": id}
		r.SetFlags(true, false, false)
		_, err := st.CreateRow(ctx, "posts", r, false)
		require.NoError(t, err)
	}
	rem.bucket("posts")["aaaaaaaaaaaaaaa"] = types.Record{
		"id": "aaaaaaaaaaaaaaa", "title": "A from server",
		"updated": "2099-01-01T00:00:00.000Z",
	}

	recs, err := eng.FetchList(ctx, types.CacheAndNetwork, "posts", query.Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A from server", recs[0]["title"])

	_, err = st.GetRow(ctx, "posts", "bbbbbbbbbbbbbbb")
	assert.ErrorIs(t, err, types.ErrCacheMiss)
}

func TestFetchList_OfflineFallsBackToCache(t *testing.T) {
	eng, _, st, _ := testEngine(t, false)
	ctx := context.Background()

	_, err := st.CreateRow(ctx, "posts", types.Record{"id": "aaaaaaaaaaaaaaa", "title": "local"}, false)
	require.NoError(t, err)

	recs, err := eng.FetchList(ctx, types.CacheAndNetwork, "posts", query.Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = eng.FetchList(ctx, types.NetworkOnly, "posts", query.Options{})
	assert.ErrorIs(t, err, types.ErrOffline)
}

func TestCreate_Validation(t *testing.T) {
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

	eng := New(context.Background(), NewCache(st), newFakeRemote(), connectivity.NewManual(false), true, nil)

	_, err = eng.Create(context.Background(), types.CacheAndNetwork, "posts", types.Record{}, nil)
	var ve *types.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = eng.Create(context.Background(), types.CacheAndNetwork, "nowhere", types.Record{"x": 1}, nil)
	var sm *types.SchemaMissingError
	assert.ErrorAs(t, err, &sm)
}
