package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded in-memory key/value store with per-entry TTL and LRU
// eviction. It is a view over a persistent store: a miss means the caller
// loads from the store and re-populates via Set. The cache itself never
// touches the store.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	index      map[string]*list.Element
	order      *list.List // front = most recently used
	sweeper    *time.Ticker
	stopChan   chan struct{}
	closeOnce  sync.Once
	stats      Stats
}

type Stats struct {
	Entries  int
	Hits     uint64
	Misses   uint64
	Evicted  uint64
	Expired  uint64
	Capacity int
}

type entry struct {
	key        string
	value      []byte
	insertedAt time.Time
	expiresAt  time.Time
}

func New(capacity int, defaultTTL, sweepInterval time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		index:      make(map[string]*list.Element),
		order:      list.New(),
		sweeper:    time.NewTicker(sweepInterval),
		stopChan:   make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Get returns the value for key and refreshes its recency. Expired entries
// are treated as absent and removed on the spot.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	ent := el.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.removeLocked(el)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or replaces key. Insertion counts as an access. When the cache
// is at capacity the least-recently-used entry is removed; if it had already
// expired that counts as expiry, not eviction. Bulk expiry is the sweep's job
// so inserts stay O(1).
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.insertedAt = now
		ent.expiresAt = now.Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictTailLocked(now)
	}

	el := c.order.PushFront(&entry{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	})
	c.index[key] = el
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// EvictExpired removes all expired entries and reports how many were removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			c.stats.Expired++
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = c.order.Len()
	s.Capacity = c.capacity
	return s
}

func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.sweeper.Stop()
		close(c.stopChan)
	})
}

func (c *Cache) sweepLoop() {
	for {
		select {
		case <-c.sweeper.C:
			c.EvictExpired()
		case <-c.stopChan:
			return
		}
	}
}

// evictTailLocked removes the entry at the LRU end to make room for an
// insert. An expired tail is logically absent already and counts as expiry.
func (c *Cache) evictTailLocked(now time.Time) {
	el := c.order.Back()
	if el == nil {
		return
	}
	if now.After(el.Value.(*entry).expiresAt) {
		c.stats.Expired++
	} else {
		c.stats.Evicted++
	}
	c.removeLocked(el)
}

func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
