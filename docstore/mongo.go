package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"collabedit/core"
)

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
	closed     bool
	closeMu    sync.Mutex
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a store on the given collection and ensures the
// indexes the query paths rely on.
func NewMongoStore(ctx context.Context, collection *mongo.Collection) (*MongoStore, error) {
	if collection == nil {
		return nil, fmt.Errorf("collection is required")
	}

	s := &MongoStore{collection: collection}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// FindOne retrieves a document by id.
func (s *MongoStore) FindOne(ctx context.Context, id string) (*Document, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var doc Document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// FindOneAndUpsert creates the document if absent, otherwise returns the
// stored one. Uses $setOnInsert so concurrent creators across instances
// settle on a single record.
func (s *MongoStore) FindOneAndUpsert(ctx context.Context, data *Document) (*Document, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if data == nil || data.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}

	now := time.Now()
	insert := data.Copy()
	if insert.Permissions == nil {
		insert.Permissions = map[string]Role{}
	}
	insert.CreatedAt = now
	insert.UpdatedAt = now
	insert.Revision = 1

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc Document
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": data.ID},
		bson.M{"$setOnInsert": insert},
		opts,
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}
	return &doc, nil
}

// UpdateContent replaces the payload and its engine version, bumping the
// internal revision.
func (s *MongoStore) UpdateContent(ctx context.Context, id string, data string, version int64) error {
	if s.isClosed() {
		return ErrClosed
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"data": data, "version": version, "updatedAt": time.Now()},
			"$inc": bson.M{"revision": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update document content: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPermission sets or clears one permission entry.
func (s *MongoStore) SetPermission(ctx context.Context, id string, userID string, role Role) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	var update bson.M
	if role == RoleGuest {
		// Guest is the absence of an entry.
		update = bson.M{
			"$unset": bson.M{"permissions." + userID: ""},
			"$set":   bson.M{"updatedAt": time.Now()},
			"$inc":   bson.M{"revision": 1},
		}
	} else {
		update = bson.M{
			"$set": bson.M{
				"permissions." + userID: role,
				"updatedAt":             time.Now(),
			},
			"$inc": bson.M{"revision": 1},
		}
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update permissions: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the document permanently.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists probes for the document without decoding the payload.
func (s *MongoStore) Exists(ctx context.Context, id string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": id},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to probe document: %w", err)
	}
	return count > 0, nil
}

// Close marks the store closed. The mongo client is owned by the caller.
func (s *MongoStore) Close(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		core.Debug("document store closed", zap.String("collection", s.collection.Name()))
	}
	return nil
}

func (s *MongoStore) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
