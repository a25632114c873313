package doccache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabedit/cache"
	"collabedit/docstore"
)

func newTestCache(t *testing.T) (*DocumentCache, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	backend := cache.NewMemoryCache[*Entry](nil)
	t.Cleanup(func() { backend.Close() })
	return New(backend, store, time.Hour), store
}

func TestLoadCreatesFreshDocument(t *testing.T) {
	ctx := context.Background()
	dc, store := newTestCache(t)

	doc, err := dc.Load(ctx, "doc-1", "My Doc", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", doc.OwnerID, "requester becomes owner on creation")
	assert.Equal(t, "My Doc", doc.Name)

	// Creation populated the cache immediately.
	entry, err := dc.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "alice", entry.Doc.OwnerID)

	stored, err := store.FindOne(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwnerID)
}

func TestLoadMissPopulatesCache(t *testing.T) {
	ctx := context.Background()
	dc, store := newTestCache(t)

	_, err := store.FindOneAndUpsert(ctx, &docstore.Document{
		ID: "doc-1", OwnerID: "alice", Data: "hello",
	})
	require.NoError(t, err)

	doc, err := dc.Load(ctx, "doc-1", "", "bob", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Data)

	stats := dc.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Writes)

	// Second load is a hit.
	_, err = dc.Load(ctx, "doc-1", "", "bob", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dc.Stats().Hits)
}

func TestLoadNotFoundWithoutCreate(t *testing.T) {
	dc, _ := newTestCache(t)
	_, err := dc.Load(context.Background(), "missing", "", "alice", false)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestLoadDropsStaleEntryWhenStoreRecordGone(t *testing.T) {
	ctx := context.Background()
	dc, store := newTestCache(t)

	_, err := dc.Load(ctx, "doc-1", "Doc", "alice", true)
	require.NoError(t, err)

	// Delete behind the cache's back; the store probe must catch it.
	require.NoError(t, store.Delete(ctx, "doc-1"))

	_, err = dc.Load(ctx, "doc-1", "", "alice", false)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, int64(1), dc.Stats().Invalidations)
}

func TestUpdateContentPreservesMetadata(t *testing.T) {
	ctx := context.Background()
	dc, _ := newTestCache(t)

	doc, err := dc.Load(ctx, "doc-1", "Doc", "alice", true)
	require.NoError(t, err)
	require.NotNil(t, doc)

	before, err := dc.Get(ctx, "doc-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, dc.UpdateContent(ctx, "doc-1", "new content", 3))

	after, err := dc.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "new content", after.Doc.Data)
	assert.Equal(t, int64(3), after.Doc.Version)
	assert.Equal(t, "alice", after.Doc.OwnerID)
	assert.Equal(t, "Doc", after.Doc.Name)
	assert.True(t, after.CachedAt.After(before.CachedAt), "cachedAt resets on update")
}

func TestUpdateContentOnMissIsNoop(t *testing.T) {
	dc, _ := newTestCache(t)
	assert.NoError(t, dc.UpdateContent(context.Background(), "absent", "x", 1))
}

func TestLoadedDocumentIsolatedFromFlushWrites(t *testing.T) {
	// Load hands out a private copy: a concurrent flush updating the cached
	// record must not mutate documents already in readers' hands, and caller
	// mutations must not leak back into the cache.
	ctx := context.Background()
	dc, _ := newTestCache(t)

	loaded, err := dc.Load(ctx, "doc-1", "Doc", "alice", true)
	require.NoError(t, err)

	require.NoError(t, dc.UpdateContent(ctx, "doc-1", "flushed body", 4))
	assert.Empty(t, loaded.Data, "flush must not write through a previously returned document")

	loaded.Data = "caller scribble"
	entry, err := dc.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "flushed body", entry.Doc.Data)

	// Entries from Get are private copies too.
	entry.Doc.Data = "another scribble"
	again, err := dc.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "flushed body", again.Doc.Data)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	dc, _ := newTestCache(t)

	_, err := dc.Load(ctx, "doc-1", "Doc", "alice", true)
	require.NoError(t, err)

	require.NoError(t, dc.Invalidate(ctx, "doc-1"))
	entry, err := dc.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
