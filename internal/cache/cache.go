// Package cache implements the sharded lookup cache shared by directory
// operations. Entries carry a found or not-found outcome, a TTL and the
// generation stamp taken before the backend query that produced them.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultEntries = 1024
	DefaultShards  = 16
)

// Outcome is the cached result of a lookup.
type Outcome struct {
	Value any
	Found bool
}

// Found wraps a positive lookup result.
func Found(v any) Outcome {
	return Outcome{Value: v, Found: true}
}

// NotFound is the negative lookup result.
func NotFound() Outcome {
	return Outcome{}
}

// Config holds cache sizing.
type Config struct {
	Entries int
	Shards  int
}

// Stats provides cache statistics.
type Stats struct {
	Entries      int
	Hits         int64
	Misses       int64
	Evictions    int64
	Expirations  int64
	StaleRejects int64
}

// HitRatio returns hits / (hits + misses).
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key        string
	outcome    Outcome
	expiresAt  time.Time
	generation uint64
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front is most recently used
}

// Cache is a fixed-capacity sharded LRU keyed by string.
type Cache struct {
	shards     []*shard
	generation atomic.Uint64
	now        func() time.Time

	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	expirations  atomic.Int64
	staleRejects atomic.Int64
}

// New creates a cache. Capacity is split evenly across shards, each shard
// holding at least one entry.
func New(cfg Config) *Cache {
	if cfg.Entries <= 0 {
		cfg.Entries = DefaultEntries
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Shards > cfg.Entries {
		cfg.Shards = cfg.Entries
	}

	per := max(1, cfg.Entries/cfg.Shards)
	c := &Cache{
		shards: make([]*shard, cfg.Shards),
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			capacity: per,
			items:    make(map[string]*list.Element, per),
			order:    list.New(),
		}
	}
	return c
}

// Stamp returns a new generation. Take it before querying the backend.
func (c *Cache) Stamp() uint64 {
	return c.generation.Add(1)
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the live outcome for key. Expired entries are dropped.
func (c *Cache) Get(key string) (Outcome, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		c.misses.Add(1)
		return Outcome{}, false
	}

	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		s.order.Remove(el)
		delete(s.items, key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return Outcome{}, false
	}

	s.order.MoveToFront(el)
	c.hits.Add(1)
	return e.outcome, true
}

// Put stores outcome under key for ttl. The write is rejected when the
// resident entry was produced by a newer generation. Returns whether the
// entry was stored.
func (c *Cache) Put(key string, outcome Outcome, ttl time.Duration, generation uint64) bool {
	if ttl <= 0 {
		return false
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := c.now().Add(ttl)

	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		if e.generation > generation {
			c.staleRejects.Add(1)
			return false
		}
		e.outcome = outcome
		e.expiresAt = expiresAt
		e.generation = generation
		s.order.MoveToFront(el)
		return true
	}

	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*entry).key)
		c.evictions.Add(1)
	}

	s.items[key] = s.order.PushFront(&entry{
		key:        key,
		outcome:    outcome,
		expiresAt:  expiresAt,
		generation: generation,
	})
	return true
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}

// Purge removes every entry.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element, s.capacity)
		s.order.Init()
		s.mu.Unlock()
	}
}

// Len returns the number of resident entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:      c.Len(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		Expirations:  c.expirations.Load(),
		StaleRejects: c.staleRejects.Load(),
	}
}
