// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"sort"
)

// CanonicalState is the merged, authoritative view of submissions:
// entity → category → record. It is rebuilt once per pass by the
// reconciler and then replaced atomically in the service.
//
// Iteration order is deterministic: entities ascend by (UID, PubKey)
// and categories ascend lexically within an entity. A derived index
// from "category---content_identity" to the record gives O(1) lookup
// for revealed submissions.
//
// # Thread Safety
//
// Not safe for concurrent mutation. Only the active pass worker mutates
// a CanonicalState; everything handed to other goroutines must be a
// Snapshot or Clone.
type CanonicalState struct {
	records map[EntityKey]map[string]*CommitRecord

	// order and index are derived views, rebuilt lazily after
	// mutations. dirty tracks whether a rebuild is owed.
	order []EntityKey
	index map[string]*CommitRecord
	dirty bool
}

// NewCanonicalState returns an empty state.
func NewCanonicalState() *CanonicalState {
	return &CanonicalState{
		records: make(map[EntityKey]map[string]*CommitRecord),
		index:   make(map[string]*CommitRecord),
	}
}

// Put inserts or replaces the record for (record's entity, category).
func (s *CanonicalState) Put(rec *CommitRecord) {
	key := rec.Entity()
	byCategory, ok := s.records[key]
	if !ok {
		byCategory = make(map[string]*CommitRecord)
		s.records[key] = byCategory
	}
	byCategory[rec.Category] = rec
	s.dirty = true
}

// Get returns the record for (key, category), if present.
func (s *CanonicalState) Get(key EntityKey, category string) (*CommitRecord, bool) {
	rec, ok := s.records[key][category]
	return rec, ok
}

// Delete removes an entity and all its records.
func (s *CanonicalState) Delete(key EntityKey) {
	if _, ok := s.records[key]; ok {
		delete(s.records, key)
		s.dirty = true
	}
}

// Lookup resolves a revealed submission by its composite cache key
// through the derived index.
func (s *CanonicalState) Lookup(category, contentID string) (*CommitRecord, bool) {
	s.refresh()
	rec, ok := s.index[CacheKey(category, contentID)]
	return rec, ok
}

// Keys returns the entity keys in ascending order. The slice is shared;
// callers must not modify it.
func (s *CanonicalState) Keys() []EntityKey {
	s.refresh()
	return s.order
}

// Len counts records across all entities and categories.
func (s *CanonicalState) Len() int {
	n := 0
	for _, byCategory := range s.records {
		n += len(byCategory)
	}
	return n
}

// Entities counts distinct entity keys.
func (s *CanonicalState) Entities() int {
	return len(s.records)
}

// ForEach visits every record in deterministic order: ascending entity
// key, then ascending category name.
func (s *CanonicalState) ForEach(fn func(key EntityKey, category string, rec *CommitRecord)) {
	s.refresh()
	for _, key := range s.order {
		byCategory := s.records[key]
		categories := make([]string, 0, len(byCategory))
		for c := range byCategory {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			fn(key, c, byCategory[c])
		}
	}
}

// CategoryRecords returns the records of one category in canonical
// entity order.
func (s *CanonicalState) CategoryRecords(category string) []*CommitRecord {
	s.refresh()
	var out []*CommitRecord
	for _, key := range s.order {
		if rec, ok := s.records[key][category]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Clone deep-copies the state, keeping only entities accepted by the
// filter. A nil filter keeps everything. The clone's derived views are
// rebuilt on first read.
func (s *CanonicalState) Clone(filter func(EntityKey) bool) *CanonicalState {
	out := NewCanonicalState()
	for key, byCategory := range s.records {
		if filter != nil && !filter(key) {
			continue
		}
		copied := make(map[string]*CommitRecord, len(byCategory))
		for category, rec := range byCategory {
			copied[category] = rec.Clone()
		}
		out.records[key] = copied
	}
	out.dirty = true
	return out
}

// refresh rebuilds the sorted entity order and the content-identity
// index after mutations.
func (s *CanonicalState) refresh() {
	if !s.dirty {
		return
	}
	s.order = make([]EntityKey, 0, len(s.records))
	for key := range s.records {
		s.order = append(s.order, key)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i].Less(s.order[j]) })

	s.index = make(map[string]*CommitRecord)
	for _, byCategory := range s.records {
		for category, rec := range byCategory {
			if rec.ContentID != "" {
				s.index[CacheKey(category, rec.ContentID)] = rec
			}
		}
	}
	s.dirty = false
}
