// Package server exposes the collaborative editing protocol over WebSocket.
//
// A connection authenticates with a handshake frame, then drives one session
// that may join a single document at a time. All mutating traffic flows
// through the engine; accepted deltas fan out through the broadcast fabric,
// so remote and local participants share one delivery path.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabedit/access"
	"collabedit/broadcast"
	"collabedit/core"
	"collabedit/doccache"
	"collabedit/docstore"
	"collabedit/engine"
	"collabedit/ot"
	"collabedit/persist"
)

// Options tune the connection and event throttles.
type Options struct {
	// DocEventsPerSecond limits send-changes and save-document per session.
	DocEventsPerSecond rate.Limit

	// GeneralEventsPerSecond limits all other events per session.
	GeneralEventsPerSecond rate.Limit

	// ConnectionsPerMinute limits new connections per source address.
	ConnectionsPerMinute int

	// HandshakeTimeout bounds the wait for the identity frame.
	HandshakeTimeout time.Duration

	// LoadTimeout bounds the get-document store round trip.
	LoadTimeout time.Duration
}

// DefaultOptions returns the production throttle settings.
func DefaultOptions() *Options {
	return &Options{
		DocEventsPerSecond:     30,
		GeneralEventsPerSecond: 50,
		ConnectionsPerMinute:   10,
		HandshakeTimeout:       10 * time.Second,
		LoadTimeout:            10 * time.Second,
	}
}

// Server owns the WebSocket endpoint and the live session set.
type Server struct {
	engine  *engine.Engine
	fabric  *broadcast.Fabric
	cache   *doccache.DocumentCache
	checker *access.Checker
	flusher *persist.Flusher
	opts    *Options

	upgrader websocket.Upgrader

	mu           sync.Mutex
	sessions     map[string]*Session
	connLimiters map[string]*rate.Limiter
	closed       bool
}

// New creates the server. All collaborators are required except opts.
//
// The engine's publisher is installed here: accepted deltas reach the fabric
// from the per-document outbox, so bus publish order always matches version
// order even when handler goroutines race.
func New(eng *engine.Engine, fabric *broadcast.Fabric, cache *doccache.DocumentCache, checker *access.Checker, flusher *persist.Flusher, opts *Options) *Server {
	if opts == nil {
		opts = DefaultOptions()
	}
	loadTimeout := opts.LoadTimeout
	eng.SetPublisher(func(docID, originID string, ops []ot.Operation, version int64) {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		if err := fabric.PublishDelta(ctx, docID, ops, version, originID, originID); err != nil {
			core.Error("failed to publish delta",
				zap.String("document_id", docID),
				zap.Int64("version", version),
				zap.Error(err))
		}
	})
	return &Server{
		engine:  eng,
		fabric:  fabric,
		cache:   cache,
		checker: checker,
		flusher: flusher,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:     make(map[string]*Session),
		connLimiters: make(map[string]*rate.Limiter),
	}
}

// HandleWS upgrades the request and runs the session until disconnect.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.allowConnection(remoteHost(r)) {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		core.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess, err := s.handshake(conn)
	if err != nil {
		conn.WriteJSON(&ServerEvent{Type: EventError, Code: "handshake-failed", Message: err.Error()})
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	core.Info("session connected",
		zap.String("session_id", sess.id),
		zap.String("user_id", sess.userID))

	go sess.writePump()
	s.readLoop(sess)
}

// Close disconnects every session. Buffer flushing is the caller's concern
// via the persistence pipeline.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.teardown(sess)
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) allowConnection(host string) bool {
	if s.opts.ConnectionsPerMinute <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.connLimiters[host]
	if !ok {
		lim = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(s.opts.ConnectionsPerMinute)),
			s.opts.ConnectionsPerMinute)
		s.connLimiters[host] = lim
	}
	return lim.Allow()
}

// handshake waits for the identity frame within the handshake timeout.
func (s *Server) handshake(conn *websocket.Conn) (*Session, error) {
	conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.New("no handshake received")
	}
	ev, err := DecodeClientEvent(payload)
	if err != nil {
		return nil, err
	}
	if ev.Type != EventHandshake || ev.UserID == "" {
		return nil, errors.New("handshake requires userId")
	}
	username := ev.Username
	if username == "" {
		username = ev.UserID
	}
	return newSession(uuid.NewString(), ev.UserID, username, conn,
		s.opts.DocEventsPerSecond, s.opts.GeneralEventsPerSecond), nil
}

func (s *Server) readLoop(sess *Session) {
	defer s.teardown(sess)

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				core.Warn("websocket read error",
					zap.String("session_id", sess.id), zap.Error(err))
			}
			return
		}

		ev, err := DecodeClientEvent(payload)
		if err != nil {
			sess.enqueue(&ServerEvent{Type: EventError, Code: "bad-event", Message: err.Error()})
			continue
		}

		switch ev.Type {
		case EventGetDocument:
			if !sess.generalLimiter.Allow() {
				sess.enqueue(&ServerEvent{Type: EventRateLimitExceeded})
				continue
			}
			s.handleGetDocument(sess, ev)
		case EventSendChanges:
			if !sess.docLimiter.Allow() {
				sess.enqueue(&ServerEvent{Type: EventRateLimitExceeded})
				continue
			}
			s.handleSendChanges(sess, ev)
		case EventSaveDocument:
			if !sess.docLimiter.Allow() {
				sess.enqueue(&ServerEvent{Type: EventRateLimitExceeded})
				continue
			}
			s.handleSaveDocument(sess)
		case EventDisconnect:
			return
		default:
			sess.enqueue(&ServerEvent{Type: EventError, Code: "unknown-event", Message: ev.Type})
		}
	}
}

// handleGetDocument loads (or creates) the document, gates access, and joins
// the session to the room. A session already in another document leaves it
// first.
func (s *Server) handleGetDocument(sess *Session, ev *ClientEvent) {
	if ev.DocumentID == "" {
		sess.enqueue(&ServerEvent{Type: EventError, Code: "bad-event", Message: "documentId required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
	defer cancel()

	if current := sess.joinedDoc(); current != "" && current != ev.DocumentID {
		s.leaveDocument(ctx, sess)
	}

	doc, err := s.cache.Load(ctx, ev.DocumentID, ev.Name, sess.userID, true)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			sess.enqueue(&ServerEvent{Type: EventError, Code: "not-found", DocumentID: ev.DocumentID})
			return
		}
		core.Error("failed to load document",
			zap.String("document_id", ev.DocumentID), zap.Error(err))
		sess.enqueue(&ServerEvent{Type: EventError, Code: "load-failed", DocumentID: ev.DocumentID})
		return
	}

	result := s.checker.Check(doc, sess.userID)
	if !result.CanView {
		sess.enqueue(&ServerEvent{Type: EventAccessDenied, DocumentID: ev.DocumentID})
		return
	}

	snap, err := s.engine.Join(ctx, ev.DocumentID, sess.id, doc.Data, doc.Version)
	if err != nil {
		sess.enqueue(&ServerEvent{Type: EventError, Code: "join-failed", DocumentID: ev.DocumentID})
		return
	}
	if err := s.fabric.Join(ctx, ev.DocumentID, sess); err != nil {
		s.engine.Leave(ctx, ev.DocumentID, sess.id)
		sess.enqueue(&ServerEvent{Type: EventError, Code: "join-failed", DocumentID: ev.DocumentID})
		return
	}

	sess.setJoined(ev.DocumentID, string(result.Role), result.CanEdit, snap.Version)
	sess.enqueue(&ServerEvent{
		Type:       EventLoadDocument,
		DocumentID: ev.DocumentID,
		Data:       snap.Content,
		Version:    snap.Version,
		Role:       string(result.Role),
		CanEdit:    result.CanEdit,
	})
}

// handleSendChanges admits an operation set into the engine and fans the
// accepted delta out. Viewer writes are rejected without touching the
// document.
func (s *Server) handleSendChanges(sess *Session, ev *ClientEvent) {
	docID := sess.joinedDoc()
	if docID == "" {
		sess.enqueue(&ServerEvent{Type: EventError, Code: "not-joined"})
		return
	}
	if !sess.mayEdit() {
		sess.enqueue(&ServerEvent{Type: EventPermissionError, DocumentID: docID})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
	defer cancel()

	result, err := s.engine.Submit(ctx, docID, sess.id, ev.Ops, ev.BaseVersion)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrClientAhead):
			sess.enqueue(&ServerEvent{Type: EventError, Code: "client-ahead", DocumentID: docID})
		case errors.Is(err, engine.ErrClientTooFarBehind):
			sess.enqueue(&ServerEvent{Type: EventError, Code: "client-too-far-behind", DocumentID: docID})
		default:
			sess.enqueue(&ServerEvent{Type: EventError, Code: "rejected", DocumentID: docID, Message: err.Error()})
		}
		return
	}

	if result.Version > sess.lastVersion.Load() {
		sess.lastVersion.Store(result.Version)
	}

	s.bufferSnapshot(ctx, sess, docID)
	sess.enqueue(&ServerEvent{
		Type:        EventAck,
		DocumentID:  docID,
		Version:     result.Version,
		Transformed: result.Transformed,
	})
}

func (s *Server) handleSaveDocument(sess *Session) {
	docID := sess.joinedDoc()
	if docID == "" {
		sess.enqueue(&ServerEvent{Type: EventError, Code: "not-joined"})
		return
	}
	if !sess.mayEdit() {
		sess.enqueue(&ServerEvent{Type: EventPermissionError, DocumentID: docID})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
	defer cancel()
	s.bufferSnapshot(ctx, sess, docID)
}

// bufferSnapshot hands the engine's authoritative content to the coalescing
// persistence buffer. Client-supplied payloads are never trusted.
func (s *Server) bufferSnapshot(ctx context.Context, sess *Session, docID string) {
	snap, err := s.engine.Snapshot(ctx, docID)
	if err != nil {
		core.Warn("failed to snapshot for persistence",
			zap.String("document_id", docID), zap.Error(err))
		return
	}
	s.flusher.Save(docID, sess.userID, snap.Content, snap.Version)
}

// leaveDocument removes the session from its document: user-left notice,
// room removal, and a synchronous flush when the last participant leaves.
func (s *Server) leaveDocument(ctx context.Context, sess *Session) {
	docID := sess.joinedDoc()
	if docID == "" {
		return
	}

	if err := s.fabric.PublishUserLeft(ctx, docID, sess.id, sess.userID, sess.username); err != nil {
		core.Warn("failed to publish user-left",
			zap.String("document_id", docID), zap.Error(err))
	}
	s.fabric.Leave(docID, sess.id)

	remaining, err := s.engine.Leave(ctx, docID, sess.id)
	if err != nil && !errors.Is(err, engine.ErrDocumentNotOpen) {
		core.Warn("engine leave failed",
			zap.String("document_id", docID), zap.Error(err))
	}
	if err == nil && remaining == 0 {
		if err := s.flusher.FlushNow(ctx, docID); err != nil {
			core.Error("flush on last leave failed",
				zap.String("document_id", docID), zap.Error(err))
		}
		s.engine.Evict(docID)
	}

	sess.clearJoined()
}

func (s *Server) teardown(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
	defer cancel()
	s.leaveDocument(ctx, sess)
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	core.Info("session disconnected",
		zap.String("session_id", sess.id),
		zap.String("user_id", sess.userID))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
