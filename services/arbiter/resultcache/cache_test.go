// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resultcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

func result(hash string, score float64) datatypes.CachedResult {
	return datatypes.CachedResult{
		ScoringLogs: []datatypes.ScoringLog{{InputHash: hash, Score: score}},
	}
}

func TestCache_GetSet(t *testing.T) {
	c := New([]string{"c1", "c2"})

	_, ok := c.Get("c1", "id1")
	assert.False(t, ok)

	c.Set("c1", "id1", result("h1", 0.5))

	got, ok := c.Get("c1", "id1")
	require.True(t, ok)
	assert.Equal(t, 0.5, got.ScoringLogs[0].Score)

	_, ok = c.Get("c2", "id1")
	assert.False(t, ok, "categories are independent")
}

func TestCache_SetOverwrites(t *testing.T) {
	c := New([]string{"c1"})
	c.Set("c1", "id1", result("h1", 0.1))
	c.Set("c1", "id1", result("h1", 0.9))

	got, ok := c.Get("c1", "id1")
	require.True(t, ok)
	assert.Equal(t, 0.9, got.ScoringLogs[0].Score)
	assert.Equal(t, 1, c.Len("c1"))
}

func TestCache_BoundEvictsLRUOnly(t *testing.T) {
	c := New([]string{"c1"}, WithMaxPerCategory(3))
	for i := 1; i <= 3; i++ {
		c.Set("c1", fmt.Sprintf("id%d", i), result("h", float64(i)))
	}

	// Touch id1 so id2 becomes the least recently used.
	_, ok := c.Get("c1", "id1")
	require.True(t, ok)

	c.Set("c1", "id4", result("h", 4))

	assert.Equal(t, 3, c.Len("c1"))
	assert.False(t, c.Contains("c1", "id2"), "LRU entry must be the one evicted")
	assert.True(t, c.Contains("c1", "id1"))
	assert.True(t, c.Contains("c1", "id3"))
	assert.True(t, c.Contains("c1", "id4"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_EvictionNeverCrossesCategories(t *testing.T) {
	c := New([]string{"c1", "c2"}, WithMaxPerCategory(2))
	c.Set("c2", "keep1", result("h", 1))
	c.Set("c2", "keep2", result("h", 2))

	for i := 0; i < 10; i++ {
		c.Set("c1", fmt.Sprintf("id%d", i), result("h", float64(i)))
	}

	assert.Equal(t, 2, c.Len("c1"))
	assert.Equal(t, 2, c.Len("c2"))
	assert.True(t, c.Contains("c2", "keep1"))
	assert.True(t, c.Contains("c2", "keep2"))
}

func TestCache_UnknownCategory(t *testing.T) {
	c := New([]string{"c1"})

	c.Set("ghost", "id1", result("h", 1))
	_, ok := c.Get("ghost", "id1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len("ghost"))

	c.EnsureCategory("ghost")
	c.Set("ghost", "id1", result("h", 1))
	assert.True(t, c.Contains("ghost", "id1"))
}

func TestCache_GetAllIsACopy(t *testing.T) {
	c := New([]string{"c1"})
	c.Set("c1", "id1", result("h1", 0.5))

	all := c.GetAll("c1")
	require.Len(t, all, 1)

	// Mutating the copy must not leak into the cache.
	r := all["id1"]
	r.ScoringLogs[0].Score = 99
	all["id2"] = result("h2", 1)

	got, _ := c.Get("c1", "id1")
	assert.Equal(t, 0.5, got.ScoringLogs[0].Score)
	assert.False(t, c.Contains("c1", "id2"))
}

func TestCache_GetReturnsACopy(t *testing.T) {
	c := New([]string{"c1"})
	c.Set("c1", "id1", result("h1", 0.5))

	got, _ := c.Get("c1", "id1")
	got.ScoringLogs[0].Score = 99

	again, _ := c.Get("c1", "id1")
	assert.Equal(t, 0.5, again.ScoringLogs[0].Score)
}

func TestCache_Stats(t *testing.T) {
	c := New([]string{"c1", "c2"})
	c.Set("c1", "id1", result("h", 1))
	c.Set("c2", "id2", result("h", 2))

	c.Get("c1", "id1")
	c.Get("c1", "absent")

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, stats.PerCategory)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New([]string{"c1"}, WithMaxPerCategory(32))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("id%d", i%40)
				c.Set("c1", id, result("h", float64(i)))
				c.Get("c1", id)
				c.GetAll("c1")
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len("c1"), 32)
}
