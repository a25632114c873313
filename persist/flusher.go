// Package persist implements the write-coalescing persistence pipeline.
//
// Each document has at most one buffer slot holding the latest payload and a
// scheduled flush timer. Writes inside the window coalesce (last write
// wins); the slot flushes to the durable store on timer fire or on
// last-participant-leave, refreshing the shared cache write-through. The
// buffer is non-durable: a crash loses at most one flush window of edits.
package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"collabedit/access"
	"collabedit/core"
	"collabedit/doccache"
	"collabedit/docstore"
)

// ErrWriteDenied is returned when the flushing session lacks edit rights at
// write time.
var ErrWriteDenied = errors.New("write denied at flush time")

// DefaultFlushInterval is the coalescing window.
const DefaultFlushInterval = 2 * time.Second

// degradedThreshold is the number of consecutive failed flushes for one
// document before the pipeline reports degraded persistence.
const degradedThreshold = 3

type slot struct {
	payload  string
	version  int64
	userID   string
	timer    *time.Timer
	inflight bool
	dirty    bool
	failures int
}

// Flusher owns the per-document coalescing slots.
type Flusher struct {
	store    docstore.Store
	cache    *doccache.DocumentCache
	checker  *access.Checker
	interval time.Duration

	mu    sync.Mutex
	slots map[string]*slot

	degraded   atomic.Bool
	flushCount atomic.Int64

	closed bool
	wg     sync.WaitGroup
}

// NewFlusher creates the pipeline. interval <= 0 uses DefaultFlushInterval.
func NewFlusher(store docstore.Store, cache *doccache.DocumentCache, checker *access.Checker, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		store:    store,
		cache:    cache,
		checker:  checker,
		interval: interval,
		slots:    make(map[string]*slot),
	}
}

// Save buffers the latest payload and the engine version it corresponds to,
// on behalf of userID. The first save in a window schedules the flush timer;
// later saves only replace the payload.
func (f *Flusher) Save(docID, userID, payload string, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	s, ok := f.slots[docID]
	if !ok {
		s = &slot{}
		f.slots[docID] = s
	}
	s.payload = payload
	s.version = version
	s.userID = userID
	s.dirty = true

	if s.timer == nil && !s.inflight {
		s.timer = time.AfterFunc(f.interval, func() {
			f.flushAsync(docID)
		})
	}
}

// FlushNow synchronously flushes the document's slot, if dirty. Used on
// last-participant-leave and on shutdown.
func (f *Flusher) FlushNow(ctx context.Context, docID string) error {
	return f.flush(ctx, docID)
}

// Degraded reports whether the pipeline has given up on some document after
// repeated store failures. The engine keeps accepting in-memory edits.
func (f *Flusher) Degraded() bool {
	return f.degraded.Load()
}

// FlushCount returns the number of successful durable writes.
func (f *Flusher) FlushCount() int64 {
	return f.flushCount.Load()
}

// Close flushes every dirty slot and stops the pipeline.
func (f *Flusher) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	ids := make([]string, 0, len(f.slots))
	for docID, s := range f.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		ids = append(ids, docID)
	}
	f.mu.Unlock()

	var firstErr error
	for _, docID := range ids {
		if err := f.flush(ctx, docID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.wg.Wait()
	return firstErr
}

func (f *Flusher) flushAsync(docID string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := f.flush(ctx, docID); err != nil {
			core.Error("scheduled flush failed",
				zap.String("document_id", docID), zap.Error(err))
		}
	}()
}

// flush writes the slot through to the store and cache. At most one write
// per document is in flight; saves landing during the write coalesce into a
// follow-up flush.
func (f *Flusher) flush(ctx context.Context, docID string) error {
	f.mu.Lock()
	s, ok := f.slots[docID]
	if !ok || !s.dirty || s.inflight {
		f.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	payload := s.payload
	version := s.version
	userID := s.userID
	s.dirty = false
	s.inflight = true
	f.mu.Unlock()

	err := f.write(ctx, docID, userID, payload, version)

	f.mu.Lock()
	s.inflight = false
	if err != nil {
		// The payload stays buffered for the next cycle.
		if !s.dirty {
			s.payload = payload
			s.version = version
			s.userID = userID
			s.dirty = true
		}
		s.failures++
		if s.failures >= degradedThreshold && !f.degraded.Load() {
			f.degraded.Store(true)
			core.Error("persistence degraded, continuing with in-memory edits",
				zap.String("document_id", docID),
				zap.Int("consecutive_failures", s.failures))
		}
		if s.timer == nil && !f.closed {
			s.timer = time.AfterFunc(f.interval, func() { f.flushAsync(docID) })
		}
		f.mu.Unlock()
		return err
	}

	s.failures = 0
	f.degraded.Store(false)
	redirty := s.dirty
	if !redirty {
		delete(f.slots, docID)
	} else if s.timer == nil && !f.closed {
		// A save slipped in while the write was in flight.
		s.timer = time.AfterFunc(f.interval, func() { f.flushAsync(docID) })
	}
	f.mu.Unlock()

	f.flushCount.Add(1)
	return nil
}

// write performs one durable write with bounded backoff, then refreshes the
// cache entry write-through. Permission is enforced at write time.
func (f *Flusher) write(ctx context.Context, docID, userID, payload string, version int64) error {
	if f.checker != nil {
		result, err := f.checker.CheckID(ctx, docID, userID)
		if err != nil {
			return err
		}
		if !result.CanEdit {
			return ErrWriteDenied
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 3), ctx)

	operation := func() error {
		err := f.store.UpdateContent(ctx, docID, payload, version)
		if errors.Is(err, docstore.ErrNotFound) {
			// Deleted underneath the buffer; nothing to retry.
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}

	if f.cache != nil {
		if err := f.cache.UpdateContent(ctx, docID, payload, version); err != nil {
			core.Warn("failed to refresh cache after flush",
				zap.String("document_id", docID), zap.Error(err))
		}
	}
	return nil
}
