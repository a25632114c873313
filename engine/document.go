package engine

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"collabedit/core"
	"collabedit/ot"
)

// document is one live per-document state machine. All fields below outCh
// are touched only by the serializer goroutine.
type document struct {
	id      string
	reqCh   chan request
	done    chan struct{}
	publish PublishFunc
	outCh   chan outboundDelta

	content      string
	version      int64
	history      []HistoryEntry
	historyLimit int
	participants map[string]struct{}
}

// outboundDelta is one accepted delta queued for the publisher goroutine.
// Enqueuing happens inside the serializer turn, so the outbox preserves
// version order even when submitters race.
type outboundDelta struct {
	originClientID string
	ops            []ot.Operation
	version        int64
}

type request interface{ isRequest() }

type submitReq struct {
	clientID    string
	ops         []ot.Operation
	baseVersion int64
	reply       chan submitReply
}

type submitReply struct {
	result SubmitResult
	err    error
}

type remoteReq struct {
	originClientID string
	ops            []ot.Operation
	version        int64
	reply          chan remoteReply
}

type remoteReply struct {
	applied bool
	err     error
}

type joinReq struct {
	sessionID string
	reply     chan Snapshot
}

type leaveReq struct {
	sessionID string
	reply     chan int
}

type snapshotReq struct {
	reply chan Snapshot
}

func (submitReq) isRequest()   {}
func (remoteReq) isRequest()   {}
func (joinReq) isRequest()     {}
func (leaveReq) isRequest()    {}
func (snapshotReq) isRequest() {}

func newDocument(id, content string, version int64, historyLimit int, publish PublishFunc) *document {
	return &document{
		id:           id,
		reqCh:        make(chan request, 64),
		done:         make(chan struct{}),
		publish:      publish,
		outCh:        make(chan outboundDelta, 256),
		content:      content,
		version:      version,
		historyLimit: historyLimit,
		participants: make(map[string]struct{}),
	}
}

// run is the serializer loop: one request at a time, in admission order.
func (d *document) run() {
	for {
		select {
		case <-d.done:
			return
		case req := <-d.reqCh:
			d.handle(req)
		}
	}
}

func (d *document) handle(req request) {
	switch r := req.(type) {
	case submitReq:
		result, err := d.doSubmit(r.clientID, r.ops, r.baseVersion)
		r.reply <- submitReply{result: result, err: err}
	case remoteReq:
		applied, err := d.doApplyRemote(r.originClientID, r.ops, r.version)
		r.reply <- remoteReply{applied: applied, err: err}
	case joinReq:
		d.participants[r.sessionID] = struct{}{}
		r.reply <- d.snapshotLocked()
	case leaveReq:
		delete(d.participants, r.sessionID)
		r.reply <- len(d.participants)
	case snapshotReq:
		r.reply <- d.snapshotLocked()
	}
}

// doSubmit runs the full admission path: version case analysis, transform
// against intervening history, validate, apply, version++, history append.
func (d *document) doSubmit(clientID string, ops []ot.Operation, baseVersion int64) (SubmitResult, error) {
	if baseVersion < 0 {
		return SubmitResult{}, fmt.Errorf("%w: negative base version %d", ot.ErrInvalidOperation, baseVersion)
	}
	if baseVersion > d.version {
		return SubmitResult{}, ErrClientAhead
	}

	transformed := ot.CloneSet(ops)

	if baseVersion < d.version {
		pending, err := d.historySince(baseVersion)
		if err != nil {
			return SubmitResult{}, err
		}
		for _, entry := range pending {
			// Accepted history wins position ties over late arrivals.
			transformed = ot.TransformSet(transformed, entry.Ops, false)
		}
	}
	// The flag reports an actual change, not that the transform path ran:
	// concurrent but disjoint edits leave the ops untouched.
	didTransform := !reflect.DeepEqual(transformed, ops)

	if err := ot.ValidateSet(transformed, len(d.content)); err != nil {
		return SubmitResult{}, err
	}

	d.content = ot.Apply(d.content, transformed)
	d.version++
	d.appendHistory(HistoryEntry{
		Version:   d.version,
		ClientID:  clientID,
		Ops:       ot.Compose(transformed),
		Timestamp: time.Now(),
	})
	d.enqueueDelta(clientID, transformed)

	return SubmitResult{
		Ops:         transformed,
		Version:     d.version,
		Transformed: didTransform,
	}, nil
}

// doApplyRemote applies a delta already serialized by another instance.
func (d *document) doApplyRemote(originClientID string, ops []ot.Operation, version int64) (bool, error) {
	if version <= d.version {
		// At-least-once delivery; already seen.
		return false, nil
	}
	if version != d.version+1 {
		core.Warn("dropping non-contiguous remote delta",
			zap.String("document_id", d.id),
			zap.Int64("local_version", d.version),
			zap.Int64("remote_version", version))
		return false, nil
	}

	d.content = ot.Apply(d.content, ops)
	d.version = version
	d.appendHistory(HistoryEntry{
		Version:   version,
		ClientID:  originClientID,
		Ops:       ot.CloneSet(ops),
		Timestamp: time.Now(),
	})
	return true, nil
}

// historySince returns the accepted entries after baseVersion, or
// ErrClientTooFarBehind when the ring no longer covers that far back.
func (d *document) historySince(baseVersion int64) ([]HistoryEntry, error) {
	if len(d.history) == 0 {
		return nil, ErrClientTooFarBehind
	}
	// The oldest retained entry advanced the document to history[0].Version,
	// so transformation is possible only from baseVersion >= that - 1.
	if baseVersion < d.history[0].Version-1 {
		return nil, ErrClientTooFarBehind
	}

	start := 0
	for start < len(d.history) && d.history[start].Version <= baseVersion {
		start++
	}
	return d.history[start:], nil
}

func (d *document) appendHistory(entry HistoryEntry) {
	d.history = append(d.history, entry)
	if len(d.history) > d.historyLimit {
		d.history = d.history[len(d.history)-d.historyLimit:]
	}
}

func (d *document) snapshotLocked() Snapshot {
	return Snapshot{
		Content:      d.content,
		Version:      d.version,
		Participants: len(d.participants),
	}
}

// enqueueDelta puts an accepted delta on the outbox from inside the
// serializer turn. A full outbox blocks the serializer rather than reorder
// or drop a delta.
func (d *document) enqueueDelta(clientID string, ops []ot.Operation) {
	if d.publish == nil {
		return
	}
	select {
	case d.outCh <- outboundDelta{
		originClientID: clientID,
		ops:            ot.CloneSet(ops),
		version:        d.version,
	}:
	case <-d.done:
	}
}

// publishLoop drains the outbox in order. It is the only goroutine doing bus
// I/O for this document.
func (d *document) publishLoop() {
	if d.publish == nil {
		return
	}
	for {
		select {
		case delta := <-d.outCh:
			d.publish(d.id, delta.originClientID, delta.ops, delta.version)
		case <-d.done:
			// The serializer has stopped; flush what it already enqueued.
			for {
				select {
				case delta := <-d.outCh:
					d.publish(d.id, delta.originClientID, delta.ops, delta.version)
				default:
					return
				}
			}
		}
	}
}

func (d *document) stop() {
	close(d.done)
}

// send dispatches a request to the serializer, honoring context cancellation
// while waiting for a turn. A submit whose request was already admitted
// completes its critical section regardless of the caller's context.
func (d *document) send(ctx context.Context, req request) error {
	select {
	case d.reqCh <- req:
		return nil
	case <-d.done:
		return ErrDocumentNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *document) submit(ctx context.Context, clientID string, ops []ot.Operation, baseVersion int64) (SubmitResult, error) {
	req := submitReq{
		clientID:    clientID,
		ops:         ops,
		baseVersion: baseVersion,
		reply:       make(chan submitReply, 1),
	}
	if err := d.send(ctx, req); err != nil {
		return SubmitResult{}, err
	}
	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-d.done:
		return SubmitResult{}, ErrDocumentNotOpen
	}
}

func (d *document) applyRemote(ctx context.Context, originClientID string, ops []ot.Operation, version int64) (bool, error) {
	req := remoteReq{
		originClientID: originClientID,
		ops:            ops,
		version:        version,
		reply:          make(chan remoteReply, 1),
	}
	if err := d.send(ctx, req); err != nil {
		return false, err
	}
	select {
	case reply := <-req.reply:
		return reply.applied, reply.err
	case <-d.done:
		return false, ErrDocumentNotOpen
	}
}

func (d *document) join(ctx context.Context, sessionID string) (Snapshot, error) {
	req := joinReq{sessionID: sessionID, reply: make(chan Snapshot, 1)}
	if err := d.send(ctx, req); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-d.done:
		return Snapshot{}, ErrDocumentNotOpen
	}
}

func (d *document) leave(ctx context.Context, sessionID string) (int, error) {
	req := leaveReq{sessionID: sessionID, reply: make(chan int, 1)}
	if err := d.send(ctx, req); err != nil {
		return 0, err
	}
	select {
	case remaining := <-req.reply:
		return remaining, nil
	case <-d.done:
		return 0, ErrDocumentNotOpen
	}
}

func (d *document) snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotReq{reply: make(chan Snapshot, 1)}
	if err := d.send(ctx, req); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-d.done:
		return Snapshot{}, ErrDocumentNotOpen
	}
}
