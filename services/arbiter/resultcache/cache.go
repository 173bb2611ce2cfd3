// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resultcache bounds the memory spent on computed evaluation
// results while guaranteeing that a content identity present in a
// category's cache is never evaluated again.
package resultcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// DefaultMaxPerCategory is the per-category entry bound applied when no
// option overrides it. Matches the warm-start fetch depth so a freshly
// seeded cache starts exactly full.
const DefaultMaxPerCategory = 256

// Cache is a per-category LRU of evaluation results keyed by content
// identity.
//
// # Description
//
// Each category owns an independent recency list and entry map with a
// shared maximum entry count; eviction pressure in one category never
// touches another. Entries leave only under capacity pressure. There
// is no TTL, because an evaluation result never goes stale, it only
// stops being worth the memory.
//
// Every operation is total: a miss is an absence, never an error, and
// writes to unknown categories are dropped rather than rejected.
//
// # Thread Safety
//
// Safe for concurrent use. A single RWMutex guards the shards; hit,
// miss, and eviction counters are atomic.
type Cache struct {
	mu     sync.RWMutex
	shards map[string]*shard
	max    int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// shard is one category's recency-ordered entry set.
type shard struct {
	entries map[string]*list.Element
	lru     *list.List // front = most recently used; values are *entry
}

// entry pairs a content identity with its cached result.
type entry struct {
	id     string
	result datatypes.CachedResult
}

// Stats is a point-in-time snapshot of cache occupancy and traffic.
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	PerCategory  map[string]int `json:"per_category"`
	Hits         int64          `json:"hits"`
	Misses       int64          `json:"misses"`
	Evictions    int64          `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Option is a functional option for configuring the Cache.
type Option func(*Cache)

// WithMaxPerCategory overrides the per-category entry bound.
func WithMaxPerCategory(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// New builds a Cache with one shard per category.
func New(categories []string, opts ...Option) *Cache {
	c := &Cache{
		shards: make(map[string]*shard, len(categories)),
		max:    DefaultMaxPerCategory,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, category := range categories {
		c.shards[category] = newShard()
	}
	return c
}

func newShard() *shard {
	return &shard{entries: make(map[string]*list.Element), lru: list.New()}
}

// EnsureCategory adds a shard for a category discovered after
// construction (registry hot-reload). Existing shards are untouched.
func (c *Cache) EnsureCategory(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shards[category]; !ok {
		c.shards[category] = newShard()
	}
}

// Get retrieves the cached result for (category, id).
//
// # Outputs
//
//   - datatypes.CachedResult: a deep copy of the cached result; callers
//     may mutate it freely.
//   - bool: true on a hit. A hit refreshes the entry's recency.
func (c *Cache) Get(category, id string) (datatypes.CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh, ok := c.shards[category]
	if !ok {
		c.misses.Add(1)
		return datatypes.CachedResult{}, false
	}
	elem, ok := sh.entries[id]
	if !ok {
		c.misses.Add(1)
		return datatypes.CachedResult{}, false
	}

	sh.lru.MoveToFront(elem)
	c.hits.Add(1)
	return elem.Value.(*entry).result.Clone(), true
}

// Contains reports whether (category, id) is cached without touching
// recency or traffic counters.
func (c *Cache) Contains(category, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sh, ok := c.shards[category]
	if !ok {
		return false
	}
	_, ok = sh.entries[id]
	return ok
}

// Set inserts or overwrites the result for (category, id) and marks it
// most recently used. When the category's occupancy exceeds the bound,
// the least-recently-used entry of that category is evicted; other
// categories are untouched. Unknown categories are ignored.
func (c *Cache) Set(category, id string, result datatypes.CachedResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh, ok := c.shards[category]
	if !ok {
		return
	}

	stored := result.Clone()
	if elem, exists := sh.entries[id]; exists {
		elem.Value.(*entry).result = stored
		sh.lru.MoveToFront(elem)
		return
	}

	sh.entries[id] = sh.lru.PushFront(&entry{id: id, result: stored})
	c.evictIfNeededLocked(sh)
}

// GetAll returns a point-in-time copy of a category's entries, keyed by
// content identity. Recency order and counters are unaffected.
func (c *Cache) GetAll(category string) map[string]datatypes.CachedResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sh, ok := c.shards[category]
	if !ok {
		return map[string]datatypes.CachedResult{}
	}
	out := make(map[string]datatypes.CachedResult, len(sh.entries))
	for id, elem := range sh.entries {
		out[id] = elem.Value.(*entry).result.Clone()
	}
	return out
}

// Len returns a category's current occupancy.
func (c *Cache) Len(category string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sh, ok := c.shards[category]
	if !ok {
		return 0
	}
	return len(sh.entries)
}

// Stats returns a snapshot of occupancy and traffic counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		PerCategory: make(map[string]int, len(c.shards)),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
	}
	for category, sh := range c.shards {
		stats.PerCategory[category] = len(sh.entries)
		stats.TotalEntries += len(sh.entries)
	}
	return stats
}

// evictIfNeededLocked trims the shard back to the bound. Caller holds
// the write lock.
func (c *Cache) evictIfNeededLocked(sh *shard) {
	for len(sh.entries) > c.max {
		oldest := sh.lru.Back()
		if oldest == nil {
			return
		}
		sh.lru.Remove(oldest)
		delete(sh.entries, oldest.Value.(*entry).id)
		c.evictions.Add(1)
	}
}
