package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem[T any] struct {
	data       T
	expiresAt  time.Time
	lastAccess time.Time
}

// MemoryCache implements Cache using an in-process map.
type MemoryCache[T any] struct {
	items   map[string]memoryItem[T]
	mu      sync.RWMutex
	options *Options
	closed  bool
	done    chan struct{}
}

var _ Cache[any] = (*MemoryCache[any])(nil)

// NewMemoryCache creates a new MemoryCache instance.
func NewMemoryCache[T any](options *Options) *MemoryCache[T] {
	if options == nil {
		options = DefaultOptions()
	}

	c := &MemoryCache[T]{
		items:   make(map[string]memoryItem[T]),
		options: options,
		done:    make(chan struct{}),
	}

	if options.MaxItems > 0 {
		go c.cleanupLoop()
	}

	return c
}

// Get retrieves a value from the cache.
func (c *MemoryCache[T]) Get(ctx context.Context, key string) (T, error) {
	var empty T

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return empty, ErrCacheClosed
	}
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return empty, ErrCacheMiss
	}

	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return empty, ErrCacheMiss
	}

	c.mu.Lock()
	item.lastAccess = time.Now()
	c.items[key] = item
	c.mu.Unlock()

	return item.data, nil
}

// Set stores a value with the given TTL.
func (c *MemoryCache[T]) Set(ctx context.Context, key string, data T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}

	c.items[key] = memoryItem[T]{
		data:       data,
		expiresAt:  expiresAt,
		lastAccess: time.Now(),
	}
	return nil
}

// Delete removes a value from the cache.
func (c *MemoryCache[T]) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	delete(c.items, key)
	return nil
}

// Clear removes all values from the cache.
func (c *MemoryCache[T]) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.items = make(map[string]memoryItem[T])
	return nil
}

// Close stops the cleanup goroutine and releases the item map.
func (c *MemoryCache[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.items = nil
	return nil
}

// cleanupLoop evicts expired items and, when over MaxItems, the least
// recently accessed ones.
func (c *MemoryCache[T]) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evict()
		}
	}
}

func (c *MemoryCache[T]) evict() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for key, item := range c.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}

	for len(c.items) > c.options.MaxItems {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, item := range c.items {
			if first || item.lastAccess.Before(oldest) {
				oldestKey = key
				oldest = item.lastAccess
				first = false
			}
		}
		delete(c.items, oldestKey)
	}
}
