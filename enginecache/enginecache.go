// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package enginecache bounds how many precompiled engine variants, keyed by
// batch size, a replacement node may retain.
//
// When the variant count would exceed the configured limit, the
// least-recently-used variant is evicted before a new one is added, keeping
// frequently-seen batch sizes warm while bounding memory and build-time cost.
// Variants pre-seeded from configuration do not count as recently used until
// actually exercised, so they are the first to go if never hit.
//
// The cache is consulted at static-conversion time (which pre-seeded batch
// sizes to eagerly build) and by execution-time dynamic engines, which may call
// GetOrBuild concurrently: at most one build is in flight per missing batch
// size.
package enginecache

import (
	"container/list"
	"strconv"
	"sync"

	"github.com/accelfuse/accelfuse/engines"
	"github.com/gomlx/exceptions"
	"golang.org/x/sync/singleflight"
)

// Cache holds the engine variants of one replacement node, keyed by batch
// size, with LRU eviction.
type Cache struct {
	mu      sync.Mutex
	limit   int
	entries map[int]*list.Element

	// lru orders entries from most recently used (front) to least (back).
	// Seeded, never-exercised entries sit at the back.
	lru *list.List

	group singleflight.Group
}

type entry struct {
	batch  int
	engine *engines.Engine
}

// New returns a Cache retaining at most limit variants. It panics if
// limit < 1: a zero-capacity engine cache is a bug in the caller.
func New(limit int) *Cache {
	if limit < 1 {
		exceptions.Panicf("enginecache.New(limit=%d): limit must be >= 1", limit)
	}
	return &Cache{
		limit:   limit,
		entries: make(map[int]*list.Element),
		lru:     list.New(),
	}
}

// Limit returns the configured maximum number of variants.
func (c *Cache) Limit() int { return c.limit }

// Len returns the current number of variants.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Batches returns the retained batch sizes, most recently used first.
func (c *Cache) Batches() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	batches := make([]int, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		batches = append(batches, elem.Value.(*entry).batch)
	}
	return batches
}

// Lookup returns the variant for a batch size, marking it as recently used.
func (c *Cache) Lookup(batch int) (*engines.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, found := c.entries[batch]
	if !found {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*entry).engine, true
}

// Seed inserts a variant without marking it as recently used: it is placed at
// the eviction end of the LRU order until a Lookup or GetOrBuild exercises it.
// Seeding an already-present batch size replaces the engine but keeps its
// recency. Seed evicts like Add if the cache is full.
func (c *Cache) Seed(batch int, engine *engines.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, found := c.entries[batch]; found {
		elem.Value.(*entry).engine = engine
		return
	}
	c.evictIfFullLocked()
	c.entries[batch] = c.lru.PushBack(&entry{batch: batch, engine: engine})
}

// Add inserts a variant as most recently used, evicting the least-recently-used
// variant if the cache is full.
func (c *Cache) Add(batch int, engine *engines.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, found := c.entries[batch]; found {
		elem.Value.(*entry).engine = engine
		c.lru.MoveToFront(elem)
		return
	}
	c.evictIfFullLocked()
	c.entries[batch] = c.lru.PushFront(&entry{batch: batch, engine: engine})
}

func (c *Cache) evictIfFullLocked() {
	for c.lru.Len() >= c.limit {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).batch)
	}
}

// GetOrBuild returns the variant for a batch size, building and inserting it on
// a miss. Concurrent calls for the same missing batch size share a single
// build; calls for different batch sizes build independently.
func (c *Cache) GetOrBuild(batch int, build func() (*engines.Engine, error)) (*engines.Engine, error) {
	if engine, found := c.Lookup(batch); found {
		return engine, nil
	}
	result, err, _ := c.group.Do(strconv.Itoa(batch), func() (any, error) {
		// Double-check after acquiring the flight: another caller may have
		// completed the build between our Lookup and here.
		if engine, found := c.Lookup(batch); found {
			return engine, nil
		}
		engine, err := build()
		if err != nil {
			return nil, err
		}
		c.Add(batch, engine)
		return engine, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*engines.Engine), nil
}

// Registry maps replacement-node identities to their process-wide caches,
// surviving across sequential pass invocations.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*Cache
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*Cache)}
}

// ForNode returns the cache of the given replacement node, creating it with
// the given limit on first use. The limit of an existing cache is not changed.
func (r *Registry) ForNode(name string, limit int) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache, found := r.caches[name]
	if !found {
		cache = New(limit)
		r.caches[name] = cache
	}
	return cache
}
