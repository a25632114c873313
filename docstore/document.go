// Package docstore persists collaborative document records in MongoDB.
//
// The record revision is an internal optimistic-concurrency detail of the
// store; the collaborative engine owns the document version that clients see.
package docstore

import (
	"context"
	"time"
)

// Role is an effective permission level on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer, RoleGuest:
		return true
	}
	return false
}

// Document is the durable record for one collaborative document.
type Document struct {
	ID          string          `bson:"_id" json:"id"`
	Name        string          `bson:"name" json:"name"`
	Data        string          `bson:"data" json:"data"`
	OwnerID     string          `bson:"ownerId" json:"ownerId"`
	Permissions map[string]Role `bson:"permissions" json:"permissions"`
	CreatedAt   time.Time       `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time       `bson:"updatedAt" json:"updatedAt"`

	// Version is the engine version the payload corresponds to. Flushed with
	// the content so a later instance seeds its serializer contiguous with
	// deltas already on the bus.
	Version int64 `bson:"version" json:"version"`

	// Revision is bumped on every durable write. It is never surfaced to
	// clients; the engine-owned version is the only client-visible counter.
	Revision int64 `bson:"revision" json:"-"`
}

// Copy returns a deep copy of the document.
func (d *Document) Copy() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Permissions != nil {
		out.Permissions = make(map[string]Role, len(d.Permissions))
		for k, v := range d.Permissions {
			out.Permissions[k] = v
		}
	}
	return &out
}

// Store is the durable document store used by the engine, the persistence
// pipeline and the permission gate.
type Store interface {
	// FindOne retrieves a document by id.
	FindOne(ctx context.Context, id string) (*Document, error)

	// FindOneAndUpsert returns the stored document for data.ID, creating it
	// from data if absent. Safe for concurrent callers across instances.
	FindOneAndUpsert(ctx context.Context, data *Document) (*Document, error)

	// UpdateContent replaces the document payload and the engine version it
	// corresponds to. Used by the flush path.
	UpdateContent(ctx context.Context, id string, data string, version int64) error

	// SetPermission sets the role of userID on the document. RoleGuest
	// removes the entry.
	SetPermission(ctx context.Context, id string, userID string, role Role) error

	// Delete removes the document permanently.
	Delete(ctx context.Context, id string) error

	// Exists is a lightweight existence probe used to verify cache hits.
	Exists(ctx context.Context, id string) (bool, error)

	// Close releases store resources.
	Close(ctx context.Context) error
}
