package broadcast

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabedit/core"
	"collabedit/ot"
)

// Receiver is a local session the fabric can deliver to. Implementations
// must not block: delivery happens on the channel demux goroutine.
type Receiver interface {
	// SessionID identifies the session for originator exclusion.
	SessionID() string

	// DeliverChanges hands an accepted delta to the session.
	DeliverChanges(msg *Message)

	// DeliverUserLeft hands a room departure notice to the session.
	DeliverUserLeft(msg *Message)
}

// RemoteApplier folds deltas accepted on other instances into the local
// engine state. Deliveries from this instance's own publishes are skipped.
type RemoteApplier interface {
	ApplyRemote(ctx context.Context, docID, originClientID string, ops []ot.Operation, version int64) (bool, error)
}

type room struct {
	sub     Subscription
	cancel  context.CancelFunc
	members map[string]Receiver
}

// Fabric tracks local room membership and fans accepted deltas out through
// the bus to every instance holding the document's channel.
type Fabric struct {
	bus        Bus
	applier    RemoteApplier
	instanceID string
	node       *snowflake.Node

	mu    sync.Mutex
	rooms map[string]*room
}

// NewFabric creates the per-instance broadcast fabric.
func NewFabric(bus Bus, applier RemoteApplier) (*Fabric, error) {
	// Snowflake node ids only need to differ between instances within the
	// id-generation epoch; a random node id suffices.
	node, err := snowflake.NewNode(rand.Int63n(1024))
	if err != nil {
		return nil, err
	}
	return &Fabric{
		bus:        bus,
		applier:    applier,
		instanceID: uuid.NewString(),
		node:       node,
		rooms:      make(map[string]*room),
	}, nil
}

// InstanceID returns this instance's identity on the bus.
func (f *Fabric) InstanceID() string {
	return f.instanceID
}

// Join adds a session to the document's room, subscribing to the channel if
// this is the first local member.
func (f *Fabric) Join(ctx context.Context, docID string, r Receiver) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rm, ok := f.rooms[docID]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		sub, err := f.bus.Subscribe(subCtx, docID)
		if err != nil {
			cancel()
			return err
		}
		rm = &room{
			sub:     sub,
			cancel:  cancel,
			members: make(map[string]Receiver),
		}
		f.rooms[docID] = rm
		go f.demux(docID, sub)
	}

	rm.members[r.SessionID()] = r
	return nil
}

// Leave removes a session from the room. When the last local member leaves,
// the channel subscription is dropped.
func (f *Fabric) Leave(docID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rm, ok := f.rooms[docID]
	if !ok {
		return
	}
	delete(rm.members, sessionID)
	if len(rm.members) == 0 {
		rm.sub.Close()
		rm.cancel()
		delete(f.rooms, docID)
	}
}

// Members returns the number of local sessions in the room.
func (f *Fabric) Members(docID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rm, ok := f.rooms[docID]; ok {
		return len(rm.members)
	}
	return 0
}

// PublishDelta announces an accepted operation set on the document channel.
// Local delivery also flows through the bus, so one path serves both the
// single-instance and clustered topologies.
func (f *Fabric) PublishDelta(ctx context.Context, docID string, ops []ot.Operation, version int64, originClientID, originSessionID string) error {
	msg := &Message{
		MessageID:       f.node.Generate().Int64(),
		Kind:            KindDelta,
		InstanceID:      f.instanceID,
		DocumentID:      docID,
		Ops:             ops,
		Version:         version,
		OriginClientID:  originClientID,
		OriginSessionID: originSessionID,
		Timestamp:       time.Now(),
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return f.bus.Publish(ctx, docID, payload)
}

// PublishUserLeft announces a room departure on the document channel.
func (f *Fabric) PublishUserLeft(ctx context.Context, docID, sessionID, userID, username string) error {
	msg := &Message{
		MessageID:       f.node.Generate().Int64(),
		Kind:            KindUserLeft,
		InstanceID:      f.instanceID,
		DocumentID:      docID,
		OriginSessionID: sessionID,
		UserID:          userID,
		Username:        username,
		Timestamp:       time.Now(),
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return f.bus.Publish(ctx, docID, payload)
}

// Close drops every room subscription.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for docID, rm := range f.rooms {
		rm.sub.Close()
		rm.cancel()
		delete(f.rooms, docID)
	}
}

// demux drains one channel subscription and dispatches to local members.
func (f *Fabric) demux(docID string, sub Subscription) {
	for payload := range sub.Messages() {
		msg, err := DecodeMessage(payload)
		if err != nil {
			core.Warn("dropping malformed bus message",
				zap.String("document_id", docID), zap.Error(err))
			continue
		}
		f.dispatch(docID, msg)
	}
}

func (f *Fabric) dispatch(docID string, msg *Message) {
	// Deltas from other instances fold into the local engine first so local
	// participants and the engine agree on the version.
	if msg.Kind == KindDelta && msg.InstanceID != f.instanceID && f.applier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := f.applier.ApplyRemote(ctx, docID, msg.OriginClientID, msg.Ops, msg.Version); err != nil {
			core.Warn("failed to apply remote delta",
				zap.String("document_id", docID),
				zap.Int64("version", msg.Version),
				zap.Error(err))
		}
		cancel()
	}

	f.mu.Lock()
	rm, ok := f.rooms[docID]
	if !ok {
		f.mu.Unlock()
		return
	}
	members := make([]Receiver, 0, len(rm.members))
	for _, r := range rm.members {
		if r.SessionID() == msg.OriginSessionID {
			continue
		}
		members = append(members, r)
	}
	f.mu.Unlock()

	for _, r := range members {
		switch msg.Kind {
		case KindDelta:
			r.DeliverChanges(msg)
		case KindUserLeft:
			r.DeliverUserLeft(msg)
		}
	}
}
