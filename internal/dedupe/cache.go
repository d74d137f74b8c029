// ABOUTME: Thread-safe TTL cache mapping client request IDs to created messages
// ABOUTME: Lets retried sends return the original message instead of a duplicate

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/consultly/consult-gateway/internal/store"
)

// cacheEntry stores the created message, its timestamp, and the list element
// for a cached request ID.
type cacheEntry struct {
	message   *store.Message
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited cache from client
// request IDs to the messages those requests created. A retried send that
// carries the same request ID gets the originally created message back, so
// network-level retries never append twice. Uses a doubly-linked list to
// maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // request IDs in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns the message previously created for the request ID, if the
// entry exists and has not expired.
func (c *Cache) Lookup(requestID string) (*store.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[requestID]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return nil, false
	}
	return entry.message, true
}

// Remember records the message created for a request ID. If the cache is at
// capacity, the oldest entry is evicted to make room.
func (c *Cache) Remember(requestID string, msg *store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// A repeat of a known request ID refreshes the entry and moves it to
	// the back of the eviction order.
	if entry, exists := c.entries[requestID]; exists {
		entry.message = msg
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(requestID)
	c.entries[requestID] = &cacheEntry{
		message:   msg,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	requestID, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, requestID)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for requestID, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, requestID)
		}
	}
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
