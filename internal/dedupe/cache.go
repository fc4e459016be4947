// Package dedupe drops platform messages that arrive more than once, for
// example when a websocket resends events after a reconnect.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Defaults used when New gets non-positive arguments.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for a TTL, evicting the oldest once full.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	index   map[string]*list.Element
	order   *list.List // oldest at front
	now     func() time.Time
}

// New creates a cache. Expired entries are removed lazily and by Run.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		index:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen reports whether key was seen within the TTL, and records it if not.
// The check and the mark happen under one lock.
func (c *Cache) Seen(key string) bool {
	if c == nil || key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		c.order.Remove(el)
		delete(c.index, key)
	}

	for c.order.Len() >= c.maxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes expired entries. Entries are ordered by insertion time, so
// it stops at the first live one.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seen) < c.ttl {
			break
		}
		c.removeFront()
		n++
	}
	return n
}

// Run sweeps every interval until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}
