// Package schemacache implements the bounded Schema Cache: an LRU-evicted,
// optionally TTL-expired keyed store of full tool schemas with in-flight
// request coalescing so that concurrent callers for the same (server, tool)
// invoke the loader at most once.
package schemacache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the full schema for a tool from its upstream server.
type Loader func(ctx context.Context, server, tool string) (any, error)

// Stats mirrors §4.1's getStats() response.
type Stats struct {
	Hits              int64
	Misses            int64
	Evictions         int64
	CoalescedRequests int64
	Size              int
	MaxEntries        int
}

// HitRate returns Hits / (Hits + Misses), or 0 when nothing has been
// requested yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key        key
	schema     any
	insertedAt time.Time
	expiresAt  time.Time
	hasTTL     bool
	elem       *list.Element
}

type key struct {
	server, tool string
}

// Cache is the bounded, single-flight-coalescing Schema Cache.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	hasTTL     bool

	mu       sync.Mutex
	entries  map[key]*entry
	order    *list.List          // front = most recently used
	inflight map[string]struct{} // flight keys with a loader call in progress

	group singleflight.Group

	hits, misses, evictions, coalesced int64
}

// New builds a Cache. maxEntries must be > 0. ttl <= 0 disables expiry.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		hasTTL:     ttl > 0,
		entries:    make(map[key]*entry),
		order:      list.New(),
		inflight:   make(map[string]struct{}),
	}
}

func (c *Cache) expired(e *entry) bool {
	return e.hasTTL && time.Now().After(e.expiresAt)
}

// peek looks up (server, tool) without touching the hit/miss counters. It
// exists so Get's fast path can probe the cache without the probe itself
// being double-counted alongside Get's own (or GetDetailed's own) miss
// accounting; GetIfCached is the only counted pure-lookup entry point.
func (c *Cache) peek(server, tool string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{server, tool}
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.expired(e) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.schema, true
}

// GetIfCached is a pure lookup: it updates LRU recency on hit and the
// hit/miss counters, but never invokes a loader.
func (c *Cache) GetIfCached(server, tool string) (any, bool) {
	schema, ok := c.peek(server, tool)

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	return schema, ok
}

// Get returns the cached schema for (server, tool), or loads it via loader
// on a miss. Concurrent Get calls for the same key share a single in-flight
// loader invocation; only the caller that starts the load counts as a
// miss, the rest are coalesced.
func (c *Cache) Get(ctx context.Context, server, tool string, loader Loader) (any, error) {
	schema, _, err := c.GetDetailed(ctx, server, tool, loader)
	return schema, err
}

// GetDetailed is Get, additionally reporting whether the schema was served
// straight from the cache (no loader call needed for this caller) so a
// single call site — e.g. the tool_schema meta-tool — can answer
// fromCache without a second, separately-counted lookup.
func (c *Cache) GetDetailed(ctx context.Context, server, tool string, loader Loader) (any, bool, error) {
	if schema, ok := c.peek(server, tool); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return schema, true, nil
	}

	flightKey := server + "\x00" + tool

	c.mu.Lock()
	if _, inFlight := c.inflight[flightKey]; inFlight {
		c.coalesced++
	} else {
		c.misses++
		c.inflight[flightKey] = struct{}{}
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, flightKey)
			c.mu.Unlock()
		}()
		schema, err := loader(ctx, server, tool)
		if err != nil {
			return nil, err
		}
		c.Set(server, tool, schema)
		return schema, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// Set inserts or updates the schema for (server, tool), evicting the least
// recently used entry if this insertion pushes the cache past maxEntries.
func (c *Cache) Set(server, tool string, schema any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{server, tool}
	now := time.Now()
	if e, ok := c.entries[k]; ok {
		e.schema = schema
		e.insertedAt = now
		if c.hasTTL {
			e.expiresAt = now.Add(c.ttl)
			e.hasTTL = true
		}
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry{key: k, schema: schema, insertedAt: now}
	if c.hasTTL {
		e.expiresAt = now.Add(c.ttl)
		e.hasTTL = true
	}
	e.elem = c.order.PushFront(e)
	c.entries[k] = e

	if len(c.entries) > c.maxEntries {
		c.evictLRULocked()
	}
}

func (c *Cache) evictLRULocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.removeLocked(e)
	c.evictions++
}

// removeLocked removes e from both the map and the recency list. Caller
// must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
}

// GetStats returns a snapshot of the cache's counters and current size.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.evictions,
		CoalescedRequests: c.coalesced,
		Size:              len(c.entries),
		MaxEntries:        c.maxEntries,
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
