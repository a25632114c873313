package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and single-node
// development runs.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	closed bool

	// WriteCount counts durable content writes; tests use it to assert
	// write coalescing.
	writeCount int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// FindOne retrieves a document by id.
func (s *MemoryStore) FindOne(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Copy(), nil
}

// FindOneAndUpsert creates the document if absent, otherwise returns the stored one.
func (s *MemoryStore) FindOneAndUpsert(ctx context.Context, data *Document) (*Document, error) {
	if data == nil || data.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if doc, ok := s.docs[data.ID]; ok {
		return doc.Copy(), nil
	}

	now := time.Now()
	doc := data.Copy()
	if doc.Permissions == nil {
		doc.Permissions = map[string]Role{}
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.Revision = 1
	s.docs[doc.ID] = doc
	return doc.Copy(), nil
}

// UpdateContent replaces the payload and its engine version, bumping the
// internal revision.
func (s *MemoryStore) UpdateContent(ctx context.Context, id string, data string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.Data = data
	doc.Version = version
	doc.UpdatedAt = time.Now()
	doc.Revision++
	s.writeCount++
	return nil
}

// SetPermission sets or clears one permission entry.
func (s *MemoryStore) SetPermission(ctx context.Context, id string, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if role == RoleGuest {
		delete(doc.Permissions, userID)
	} else {
		doc.Permissions[userID] = role
	}
	doc.UpdatedAt = time.Now()
	doc.Revision++
	return nil
}

// Delete removes the document permanently.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// Exists probes for the document.
func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.docs[id]
	return ok, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WriteCount returns the number of durable content writes so far.
func (s *MemoryStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeCount
}
