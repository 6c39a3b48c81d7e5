package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheClosed is returned by a MemoryCache after Close
var ErrCacheClosed = errors.New("cache closed")

type memoryEntry struct {
	eventID   string
	expiresAt time.Time
}

// MemoryCache is an in-memory cache implementation. When full, expired
// entries are evicted first, then the oldest marked entry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is the oldest mark
	maxSize int
	cleanup *time.Ticker
	stop    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	cache := &MemoryCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		cleanup: time.NewTicker(cleanupInterval),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	go cache.cleanupExpired()

	return cache
}

// IsProcessed checks if an event has been processed
func (c *MemoryCache) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrCacheClosed
	}

	el, ok := c.entries[eventID]
	if !ok {
		return false, nil
	}

	if c.now().After(el.Value.(*memoryEntry).expiresAt) {
		c.remove(el)
		return false, nil
	}

	return true, nil
}

// MarkProcessed marks an event as processed
func (c *MemoryCache) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}

	expiresAt := c.now().Add(ttl)

	if el, ok := c.entries[eventID]; ok {
		el.Value.(*memoryEntry).expiresAt = expiresAt
		c.order.MoveToBack(el)
		return nil
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictExpired()
		if len(c.entries) >= c.maxSize {
			c.remove(c.order.Front())
		}
	}

	c.entries[eventID] = c.order.PushBack(&memoryEntry{eventID: eventID, expiresAt: expiresAt})
	return nil
}

// Len returns the number of tracked events, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine and drops all entries
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cleanup.Stop()
	close(c.stop)
	c.entries = make(map[string]*list.Element)
	c.order.Init()

	return nil
}

// cleanupExpired periodically removes expired entries
func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mu.Lock()
			c.evictExpired()
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// evictExpired must be called with mu held
func (c *MemoryCache) evictExpired() {
	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*memoryEntry).expiresAt) {
			c.remove(el)
		}
		el = next
	}
}

func (c *MemoryCache) remove(el *list.Element) {
	if el == nil {
		return
	}
	delete(c.entries, el.Value.(*memoryEntry).eventID)
	c.order.Remove(el)
}
