// Package doccache serves cold document loads without hitting the durable
// store and keeps hot documents shared between instances through the
// underlying cache backend.
package doccache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"collabedit/cache"
	"collabedit/core"
	"collabedit/docstore"
)

// Entry is a cached document record plus the time it was cached.
type Entry struct {
	Doc      *docstore.Document `bson:"doc"`
	CachedAt time.Time          `bson:"cachedAt"`
}

// Stats are monotonic counters exposed for monitoring.
type Stats struct {
	Hits          int64
	Misses        int64
	Writes        int64
	Invalidations int64
}

// DocumentCache is a read-through cache of document payload and metadata.
type DocumentCache struct {
	backend cache.Cache[*Entry]
	store   docstore.Store
	ttl     time.Duration

	hits          atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	invalidations atomic.Int64
}

// New creates a document cache over the given backend and store.
func New(backend cache.Cache[*Entry], store docstore.Store, ttl time.Duration) *DocumentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DocumentCache{backend: backend, store: store, ttl: ttl}
}

// Get returns the cached record, or nil on miss. A hit extends the TTL.
// The returned entry is the caller's copy; the memory backend stores entries
// by pointer, and the flush path mutates cached records concurrently.
func (c *DocumentCache) Get(ctx context.Context, id string) (*Entry, error) {
	entry, err := c.backend.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			c.misses.Add(1)
			return nil, nil
		}
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	c.hits.Add(1)

	// Active use keeps the entry warm.
	if err := c.backend.Set(ctx, id, entry, c.ttl); err != nil {
		core.Warn("failed to extend cache TTL", zap.String("document_id", id), zap.Error(err))
	}
	return &Entry{Doc: entry.Doc.Copy(), CachedAt: entry.CachedAt}, nil
}

// Put caches a record, resetting its TTL.
func (c *DocumentCache) Put(ctx context.Context, doc *docstore.Document) error {
	if doc == nil {
		return nil
	}
	entry := &Entry{Doc: doc.Copy(), CachedAt: time.Now()}
	if err := c.backend.Set(ctx, doc.ID, entry, c.ttl); err != nil {
		return fmt.Errorf("cache put failed: %w", err)
	}
	c.writes.Add(1)
	return nil
}

// UpdateContent replaces the cached payload and version while preserving
// metadata, and resets the TTL. A miss is not an error; the next load
// repopulates. The cached record is never mutated in place: readers holding
// documents from Load must not observe the flush.
func (c *DocumentCache) UpdateContent(ctx context.Context, id string, data string, version int64) error {
	entry, err := c.backend.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil
		}
		return fmt.Errorf("cache get failed: %w", err)
	}

	doc := entry.Doc.Copy()
	doc.Data = data
	doc.Version = version
	fresh := &Entry{Doc: doc, CachedAt: time.Now()}
	if err := c.backend.Set(ctx, id, fresh, c.ttl); err != nil {
		return fmt.Errorf("cache update failed: %w", err)
	}
	c.writes.Add(1)
	return nil
}

// Invalidate drops the entry. Used on delete and on permission mutation.
func (c *DocumentCache) Invalidate(ctx context.Context, id string) error {
	if err := c.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("cache invalidate failed: %w", err)
	}
	c.invalidations.Add(1)
	return nil
}

// Load is the read-through path for get-document.
//
// Cache hit: verify the record still exists in the store (lightweight probe)
// before trusting it. Cache miss: fetch from the store and populate. When
// createIfAbsent is set and the document does not exist, it is created with
// requesterID as owner and cached immediately.
func (c *DocumentCache) Load(ctx context.Context, id, name, requesterID string, createIfAbsent bool) (*docstore.Document, error) {
	if entry, err := c.Get(ctx, id); err == nil && entry != nil {
		exists, err := c.store.Exists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store probe failed: %w", err)
		}
		if exists {
			return entry.Doc, nil
		}
		// The record vanished underneath the cache; drop the stale entry.
		if err := c.Invalidate(ctx, id); err != nil {
			core.Warn("failed to invalidate stale cache entry",
				zap.String("document_id", id), zap.Error(err))
		}
	}

	var doc *docstore.Document
	var err error
	if createIfAbsent {
		doc, err = c.store.FindOneAndUpsert(ctx, &docstore.Document{
			ID:      id,
			Name:    name,
			OwnerID: requesterID,
		})
	} else {
		doc, err = c.store.FindOne(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if err := c.Put(ctx, doc); err != nil {
		core.Warn("failed to populate document cache",
			zap.String("document_id", id), zap.Error(err))
	}
	return doc, nil
}

// Stats returns a snapshot of the cache counters.
func (c *DocumentCache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Writes:        c.writes.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
