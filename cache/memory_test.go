package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
	Size int    `bson:"size"`
}

func TestMemoryCacheBasicOperations(t *testing.T) {
	c := NewMemoryCache[*testRecord](nil)
	defer c.Close()

	ctx := context.Background()
	rec := &testRecord{ID: "doc-1", Name: "Test Document", Size: 42}

	require.NoError(t, c.Set(ctx, rec.ID, rec, 0))

	got, err := c.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, c.Delete(ctx, rec.ID))
	_, err = c.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, rec.ID, rec, 0))
	require.NoError(t, c.Clear(ctx))
	_, err = c.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache[*testRecord](nil)
	defer c.Close()

	ctx := context.Background()
	rec := &testRecord{ID: "doc-1", Name: "Expiring"}

	require.NoError(t, c.Set(ctx, rec.ID, rec, 50*time.Millisecond))

	_, err := c.Get(ctx, rec.ID)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = c.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheSetResetsTTL(t *testing.T) {
	c := NewMemoryCache[*testRecord](nil)
	defer c.Close()

	ctx := context.Background()
	rec := &testRecord{ID: "doc-1"}

	require.NoError(t, c.Set(ctx, rec.ID, rec, 60*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, c.Set(ctx, rec.ID, rec, 60*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	// The second Set extended the lifetime past the first deadline.
	_, err := c.Get(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestMemoryCacheClosed(t *testing.T) {
	c := NewMemoryCache[*testRecord](nil)
	require.NoError(t, c.Close())

	ctx := context.Background()
	_, err := c.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.ErrorIs(t, c.Set(ctx, "x", &testRecord{}, 0), ErrCacheClosed)
	assert.NoError(t, c.Close(), "double close is safe")
}
