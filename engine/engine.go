// Package engine hosts the per-document authoritative OT state machines.
//
// Each open document is owned by exactly one serializer goroutine consuming a
// typed request channel, so all submits for one document are processed
// strictly in admission order while different documents proceed in parallel.
// The serializer's critical section covers transform, apply, version
// increment, history append and the enqueue into the per-document broadcast
// outbox; the outbox is drained by a dedicated publisher goroutine so all
// I/O (store, cache, bus) stays outside the serializer turn while deltas
// still reach the bus in version order.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabedit/core"
	"collabedit/ot"
)

var (
	// ErrClientAhead is returned when a submission's base version is newer
	// than the authoritative version. The client must resync.
	ErrClientAhead = errors.New("client version ahead of document")

	// ErrClientTooFarBehind is returned when the base version predates the
	// retained history window. The client must resync from current state.
	ErrClientTooFarBehind = errors.New("client version outside retained history")

	// ErrDocumentNotOpen is returned for operations on a document with no
	// live serializer.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// DefaultHistoryLimit bounds the per-document history ring.
const DefaultHistoryLimit = 1000

// HistoryEntry is one accepted operation set, tagged with the version it
// advanced the document to.
type HistoryEntry struct {
	Version   int64
	ClientID  string
	Ops       []ot.Operation
	Timestamp time.Time
}

// SubmitResult is returned to the submitter on acceptance.
type SubmitResult struct {
	// Ops are the operations as actually applied, transformed against any
	// concurrent history the submitter had not seen.
	Ops []ot.Operation

	// Version is the new authoritative document version.
	Version int64

	// Transformed reports whether transformation changed the submitted ops.
	Transformed bool
}

// Snapshot is a point-in-time copy of a document's authoritative state.
type Snapshot struct {
	Content      string
	Version      int64
	Participants int
}

// PublishFunc hands an accepted delta to the broadcast layer. Calls for one
// document arrive strictly in version order.
type PublishFunc func(docID, originClientID string, ops []ot.Operation, version int64)

// Engine is the process-wide registry of live document serializers.
type Engine struct {
	mu           sync.RWMutex
	docs         map[string]*document
	historyLimit int
	publish      PublishFunc
	closed       bool
}

// Options configures the engine.
type Options struct {
	// HistoryLimit is the maximum number of retained operation sets per
	// document. 0 uses DefaultHistoryLimit.
	HistoryLimit int
}

// New creates an empty engine registry.
func New(opts *Options) *Engine {
	limit := DefaultHistoryLimit
	if opts != nil && opts.HistoryLimit > 0 {
		limit = opts.HistoryLimit
	}
	return &Engine{
		docs:         make(map[string]*document),
		historyLimit: limit,
	}
}

// SetPublisher installs the broadcast hook. Must be called before the first
// Join; documents capture it when their serializer starts.
func (e *Engine) SetPublisher(publish PublishFunc) {
	e.mu.Lock()
	e.publish = publish
	e.mu.Unlock()
}

// Join registers a participant on the document, starting its serializer with
// the given initial content and version if it is cold. The caller loads both
// through the document cache before joining; the engine never performs I/O.
// Seeding the version from the persisted record keeps instances that open an
// already-advanced document contiguous with deltas arriving off the bus.
func (e *Engine) Join(ctx context.Context, docID, sessionID, content string, version int64) (Snapshot, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, ErrEngineClosed
	}
	doc, ok := e.docs[docID]
	if !ok {
		doc = newDocument(docID, content, version, e.historyLimit, e.publish)
		e.docs[docID] = doc
		go doc.run()
		go doc.publishLoop()
		core.Debug("document serializer started",
			zap.String("document_id", docID),
			zap.Int64("version", version))
	}
	e.mu.Unlock()

	return doc.join(ctx, sessionID)
}

// Submit admits one operation set produced against baseVersion.
func (e *Engine) Submit(ctx context.Context, docID, clientID string, ops []ot.Operation, baseVersion int64) (SubmitResult, error) {
	doc, err := e.lookup(docID)
	if err != nil {
		return SubmitResult{}, err
	}
	return doc.submit(ctx, clientID, ops, baseVersion)
}

// ApplyRemote applies a delta accepted by another instance. Deltas at or
// below the local version are discarded (at-least-once bus delivery).
// Joins are seeded from the persisted version, so a gap means deltas were
// published between the load and the channel subscription; those are dropped
// with a warning.
func (e *Engine) ApplyRemote(ctx context.Context, docID, originClientID string, ops []ot.Operation, version int64) (bool, error) {
	doc, err := e.lookup(docID)
	if err != nil {
		return false, err
	}
	return doc.applyRemote(ctx, originClientID, ops, version)
}

// Leave removes a participant and returns how many remain. The caller is
// responsible for flushing and evicting when none remain.
func (e *Engine) Leave(ctx context.Context, docID, sessionID string) (int, error) {
	doc, err := e.lookup(docID)
	if err != nil {
		return 0, err
	}
	return doc.leave(ctx, sessionID)
}

// Snapshot returns the current authoritative content and version.
func (e *Engine) Snapshot(ctx context.Context, docID string) (Snapshot, error) {
	doc, err := e.lookup(docID)
	if err != nil {
		return Snapshot{}, err
	}
	return doc.snapshot(ctx)
}

// Evict stops the document's serializer and drops its state. Call only after
// the last participant left and persistence flushed.
func (e *Engine) Evict(docID string) {
	e.mu.Lock()
	doc, ok := e.docs[docID]
	if ok {
		delete(e.docs, docID)
	}
	e.mu.Unlock()

	if ok {
		doc.stop()
		core.Debug("document evicted", zap.String("document_id", docID))
	}
}

// Open reports whether the document has a live serializer.
func (e *Engine) Open(docID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.docs[docID]
	return ok
}

// Close stops every serializer.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	docs := make([]*document, 0, len(e.docs))
	for _, doc := range e.docs {
		docs = append(docs, doc)
	}
	e.docs = make(map[string]*document)
	e.mu.Unlock()

	for _, doc := range docs {
		doc.stop()
	}
}

func (e *Engine) lookup(docID string) (*document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	doc, ok := e.docs[docID]
	if !ok {
		return nil, ErrDocumentNotOpen
	}
	return doc, nil
}
