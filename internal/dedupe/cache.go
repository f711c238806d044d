// ABOUTME: Thread-safe TTL cache of recently seen keys with an attached value
// ABOUTME: Remembers finalized correlation ids so late or repeated finalizations are detected

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	value   V
	stamped time.Time
}

// Cache is a TTL-based, size-limited set of keys, each carrying a value.
// Insertion order is kept in a list so the oldest key is evicted in O(1)
// when the cache is full.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts a sweeper that drops expired keys every sweep interval.
func New[V any](ttl time.Duration, maxSize int, sweep time.Duration) *Cache[V] {
	if sweep <= 0 {
		sweep = time.Minute
	}
	c := &Cache[V]{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweeper(sweep)
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expired(e) {
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, refreshing its timestamp.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Len returns the number of stored keys, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) putLocked(key string, value V) {
	now := c.now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.stamped = now
		c.order.MoveToBack(el)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.entries, front.Value.(*entry[V]).key)
		}
	}

	c.entries[key] = c.order.PushBack(&entry[V]{key: key, value: value, stamped: now})
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.stamped) >= c.ttl
}

func (c *Cache[V]) sweeper(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Entries are stamped in order, so it stops at
// the first live one.
func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry[V])
		if !c.expired(e) {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.entries, e.key)
		el = next
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
