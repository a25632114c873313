// Package access implements the role-scoped permission gate applied to every
// document operation.
package access

import (
	"context"
	"errors"
	"fmt"

	"collabedit/docstore"
)

var (
	// ErrDenied is returned when the principal's role does not allow the action
	ErrDenied = errors.New("access denied")

	// ErrNotFound is returned when the document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrInvalidTarget is returned when a role mutation names an unknown user
	ErrInvalidTarget = errors.New("invalid target user")

	// ErrProtected is returned when a mutation targets the admin or the owner
	ErrProtected = errors.New("protected principal")
)

// Result is the outcome of a permission check.
type Result struct {
	HasAccess bool
	Role      docstore.Role
	CanView   bool
	CanEdit   bool
	CanShare  bool
	CanDelete bool
}

// CacheInvalidator drops a cached document record. Role mutations must
// invalidate so join-time checks never honor a revoked or stale role for the
// remainder of the cache TTL.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, id string) error
}

// Checker resolves effective roles. The admin user id is configuration, not
// a magic constant; it grants unconditional owner capability on every
// document for recovery.
type Checker struct {
	adminUserID string
	store       docstore.Store
	cache       CacheInvalidator
}

// NewChecker creates a permission checker backed by the given store. cache
// may be nil when no document cache is in play.
func NewChecker(store docstore.Store, cache CacheInvalidator, adminUserID string) *Checker {
	return &Checker{store: store, cache: cache, adminUserID: adminUserID}
}

// Check resolves the effective role of userID on the document.
// Resolution order: admin short-circuit, owner short-circuit, permission
// table lookup. Absent entries and explicit guests are denied.
func (c *Checker) Check(doc *docstore.Document, userID string) Result {
	if doc == nil || userID == "" {
		return deny()
	}

	if c.adminUserID != "" && userID == c.adminUserID {
		return grant(docstore.RoleOwner)
	}
	if doc.OwnerID == userID {
		return grant(docstore.RoleOwner)
	}

	role, ok := doc.Permissions[userID]
	if !ok || role == docstore.RoleGuest {
		return deny()
	}
	return grant(role)
}

// CheckID fetches the document and resolves the role in one step.
func (c *Checker) CheckID(ctx context.Context, docID, userID string) (Result, error) {
	doc, err := c.store.FindOne(ctx, docID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return deny(), ErrNotFound
		}
		return deny(), fmt.Errorf("failed to load document for permission check: %w", err)
	}
	return c.Check(doc, userID), nil
}

// SetRole mutates the permission table. Only an owner or the admin may alter
// roles; the admin's role and the current owner's role cannot be changed by
// non-admin principals. Setting RoleGuest removes the entry.
func (c *Checker) SetRole(ctx context.Context, docID, actorID, targetID string, role docstore.Role) error {
	if targetID == "" {
		return ErrInvalidTarget
	}
	if !role.Valid() || role == docstore.RoleOwner {
		// Ownership is not reassignable through the permission table.
		if role == docstore.RoleOwner {
			return ErrProtected
		}
		return fmt.Errorf("%w: %q", docstore.ErrInvalidRole, role)
	}

	doc, err := c.store.FindOne(ctx, docID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load document: %w", err)
	}

	actor := c.Check(doc, actorID)
	if !actor.CanShare {
		return ErrDenied
	}

	isAdminActor := c.adminUserID != "" && actorID == c.adminUserID
	if !isAdminActor {
		if targetID == c.adminUserID || targetID == doc.OwnerID {
			return ErrProtected
		}
	}

	if err := c.store.SetPermission(ctx, docID, targetID, role); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to set permission: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, docID); err != nil {
			return fmt.Errorf("failed to invalidate cached document: %w", err)
		}
	}
	return nil
}

func grant(role docstore.Role) Result {
	r := Result{HasAccess: true, Role: role, CanView: true}
	switch role {
	case docstore.RoleOwner:
		r.CanEdit = true
		r.CanShare = true
		r.CanDelete = true
	case docstore.RoleEditor:
		r.CanEdit = true
	}
	return r
}

func deny() Result {
	return Result{Role: docstore.RoleGuest}
}
