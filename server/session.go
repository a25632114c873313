package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabedit/broadcast"
	"collabedit/core"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Session is one authenticated WebSocket connection. A session edits at most
// one document at a time; a later get-document re-joins it elsewhere.
type Session struct {
	id       string
	userID   string
	username string
	conn     *websocket.Conn

	docMu sync.Mutex
	docID string

	// Capabilities resolved at join time.
	role    string
	canEdit bool

	// lastVersion is the highest document version this session has seen;
	// deltas at or below it are discarded as duplicates.
	lastVersion atomic.Int64

	docLimiter     *rate.Limiter
	generalLimiter *rate.Limiter

	send      chan *ServerEvent
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id, userID, username string, conn *websocket.Conn, docEvents, generalEvents rate.Limit) *Session {
	return &Session{
		id:             id,
		userID:         userID,
		username:       username,
		conn:           conn,
		docLimiter:     rate.NewLimiter(docEvents, int(docEvents)),
		generalLimiter: rate.NewLimiter(generalEvents, int(generalEvents)),
		send:           make(chan *ServerEvent, sendBuffer),
		done:           make(chan struct{}),
	}
}

// SessionID identifies the session for originator exclusion on the fabric.
func (s *Session) SessionID() string { return s.id }

// DeliverChanges implements broadcast.Receiver. It must not block; a slow
// consumer loses frames rather than stalling the fabric demux.
func (s *Session) DeliverChanges(msg *broadcast.Message) {
	for {
		last := s.lastVersion.Load()
		if msg.Version <= last {
			return
		}
		if s.lastVersion.CompareAndSwap(last, msg.Version) {
			break
		}
	}
	s.enqueue(&ServerEvent{
		Type:           EventReceiveChanges,
		DocumentID:     msg.DocumentID,
		Ops:            msg.Ops,
		Version:        msg.Version,
		OriginClientID: msg.OriginClientID,
	})
}

// DeliverUserLeft implements broadcast.Receiver.
func (s *Session) DeliverUserLeft(msg *broadcast.Message) {
	s.enqueue(&ServerEvent{
		Type:       EventUserLeft,
		DocumentID: msg.DocumentID,
		UserID:     msg.UserID,
		Username:   msg.Username,
	})
}

// enqueue hands a frame to the write pump. A consumer too slow to drain its
// buffer is disconnected rather than silently losing deltas; the client
// resyncs cleanly on rejoin.
func (s *Session) enqueue(ev *ServerEvent) {
	select {
	case <-s.done:
	case s.send <- ev:
	default:
		core.Warn("disconnecting slow session",
			zap.String("session_id", s.id),
			zap.String("event_type", ev.Type))
		s.close()
	}
}

// writePump serializes all writes to the connection.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				core.Warn("websocket write failed",
					zap.String("session_id", s.id), zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) joinedDoc() string {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.docID
}

func (s *Session) setJoined(docID, role string, canEdit bool, version int64) {
	s.docMu.Lock()
	s.docID = docID
	s.role = role
	s.canEdit = canEdit
	s.docMu.Unlock()
	s.lastVersion.Store(version)
}

func (s *Session) clearJoined() {
	s.docMu.Lock()
	s.docID = ""
	s.role = ""
	s.canEdit = false
	s.docMu.Unlock()
}

func (s *Session) mayEdit() bool {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.canEdit
}
