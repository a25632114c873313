package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

// BadgerCache implements Cache on a local BadgerDB, surviving process
// restarts on a single machine.
type BadgerCache[T any] struct {
	db      *badger.DB
	options *Options
	done    chan struct{}
}

var _ Cache[any] = (*BadgerCache[any])(nil)

// NewBadgerCache opens a BadgerDB at dbPath and returns a cache on it.
func NewBadgerCache[T any](dbPath string, options *Options) (*BadgerCache[T], error) {
	if options == nil {
		options = DefaultOptions()
	}

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	c := &BadgerCache[T]{
		db:      db,
		options: options,
		done:    make(chan struct{}),
	}
	go c.gcLoop()
	return c, nil
}

// Get retrieves a value from the cache.
func (c *BadgerCache[T]) Get(ctx context.Context, key string) (T, error) {
	var result T

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return bson.Unmarshal(val, &result)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return result, ErrCacheMiss
		}
		return result, fmt.Errorf("failed to get from cache: %w", err)
	}
	return result, nil
}

// Set stores a value with the given TTL.
func (c *BadgerCache[T]) Set(ctx context.Context, key string, data T, ttl time.Duration) error {
	value, err := bson.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

// Delete removes a value from the cache.
func (c *BadgerCache[T]) Delete(ctx context.Context, key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

// Clear drops all data.
func (c *BadgerCache[T]) Clear(ctx context.Context) error {
	return c.db.DropAll()
}

// Close stops GC and closes the database.
func (c *BadgerCache[T]) Close() error {
	close(c.done)
	return c.db.Close()
}

// gcLoop runs Badger value-log garbage collection periodically.
func (c *BadgerCache[T]) gcLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			for {
				if err := c.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}
