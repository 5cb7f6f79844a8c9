// ABOUTME: Thread-safe TTL cache of seen frame keys for the reconciler
// ABOUTME: Drops broker redeliveries (reconnect replays, publish echoes) by correlation id

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered key with its mark time.
type entry struct {
	key string
	at  time.Time
}

// Cache remembers recently seen frame keys (correlation ids or backend
// message ids) so a frame redelivered by the broker — a replay after a
// reconnect, or the echo of this client's own publish — is processed only
// once. Entries expire after the TTL and the cache never grows past its
// size bound; expired entries are pruned lazily on writes, so there is no
// background goroutine to manage.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // *entry values, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether the key was marked and has not expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(elem.Value.(*entry).at) < c.ttl
}

// CheckAndMark atomically checks whether a key was seen and marks it if
// not. Returns true for a duplicate, false if the key is new and now
// marked. Atomicity matters: separate check and mark calls would race two
// deliveries of the same frame.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.seen[key]; ok && c.now().Sub(elem.Value.(*entry).at) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records a key as seen, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of live (unexpired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked()
	return len(c.seen)
}

// markLocked records the key. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if elem, ok := c.seen[key]; ok {
		elem.Value.(*entry).at = now
		c.order.MoveToBack(elem)
		return
	}

	c.pruneExpiredLocked()
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.seen[key] = c.order.PushBack(&entry{key: key, at: now})
}

// pruneExpiredLocked drops expired entries from the front of the order
// list. Entries are in mark order, so pruning stops at the first live one.
func (c *Cache) pruneExpiredLocked() {
	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.at) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.key)
	}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.seen, e.key)
}
