// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile merges per-source submission snapshots into the
// canonical state.
//
// # Description
//
// Every pass the arbiter collects one snapshot per valid source, each a
// partial and possibly conflicting view of current submissions. Merge
// folds those snapshots into a copy of the previous canonical state with
// deterministic conflict resolution:
//
//   - A record unknown to the canonical state is inserted as-is.
//   - Reports of the same submission coalesce: the earlier timestamp is
//     kept (older information is the ground truth of when the submission
//     was first known) and unset auxiliary fields are backfilled.
//   - A different submission for the same (entity, category) replaces
//     the canonical record only when its timestamp is strictly later;
//     ties and missing timestamps keep the existing record, so ambiguous
//     ordering never churns state.
//
// Because merging starts from the previous state, computed evaluation
// fields (scoring logs, comparison logs, score, penalty, accepted) ride
// along untouched while a record's content identity is unchanged, and
// reset exactly when a strictly-later different submission replaces the
// record.
//
// Snapshots are normalized into ascending source order, and entities and
// categories are visited in ascending order within each snapshot, so the
// merged result does not depend on arrival order.
package reconcile

import (
	"sort"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// Stats summarizes one merge for logging and metrics.
type Stats struct {
	// Inserted counts records new to the canonical state.
	Inserted int

	// Coalesced counts candidate reports folded into an existing record
	// of the same submission.
	Coalesced int

	// Superseded counts records replaced by a strictly-later different
	// submission.
	Superseded int

	// Retained counts divergent candidates rejected for ambiguous or
	// older ordering.
	Retained int

	// Dropped counts candidate records ignored because their entity is
	// not on the validity roster.
	Dropped int
}

// Merge builds the next canonical state from the previous one plus the
// snapshots of currently valid sources.
//
// # Inputs
//
//   - prev: the previous canonical state; nil means a cold start.
//   - snapshots: one per source, in any order. Snapshot records are
//     never mutated; candidates are cloned before insertion.
//   - validEntity: roster membership predicate. Entities failing it are
//     dropped from the carried-forward state and ignored in snapshots.
//     nil accepts everything.
//
// # Outputs
//
//   - The new canonical state, sorted ascending by entity key, with the
//     category---content_identity index rebuilt.
//   - Merge statistics.
func Merge(prev *datatypes.CanonicalState, snapshots []datatypes.SourceSnapshot,
	validEntity func(datatypes.EntityKey) bool) (*datatypes.CanonicalState, Stats) {

	var stats Stats

	var state *datatypes.CanonicalState
	if prev == nil {
		state = datatypes.NewCanonicalState()
	} else {
		state = prev.Clone(validEntity)
	}

	for _, snap := range orderSnapshots(snapshots) {
		for _, key := range orderEntities(snap) {
			if validEntity != nil && !validEntity(key) {
				stats.Dropped += len(snap.Records[key])
				continue
			}
			byCategory := snap.Records[key]
			for _, category := range orderCategories(byCategory) {
				cand := normalizeCandidate(key, category, byCategory[category])
				if cand == nil {
					continue
				}
				mergeRecord(state, cand, &stats)
			}
		}
	}

	return state, stats
}

// mergeRecord applies the conflict-resolution rule for one candidate.
func mergeRecord(state *datatypes.CanonicalState, cand *datatypes.CommitRecord, stats *Stats) {
	existing, ok := state.Get(cand.Entity(), cand.Category)
	if !ok {
		state.Put(cand)
		stats.Inserted++
		return
	}

	if existing.SameSubmission(cand) {
		coalesce(existing, cand)
		stats.Coalesced++
		return
	}

	// Divergent submissions: strictly later wins, everything else keeps
	// the incumbent.
	if cand.Timestamp != nil && existing.Timestamp != nil && *cand.Timestamp > *existing.Timestamp {
		state.Put(cand)
		stats.Superseded++
		return
	}
	stats.Retained++
}

// coalesce folds a same-submission candidate into the canonical record:
// earlier timestamp wins, unset auxiliary fields are backfilled, and
// computed evaluation fields are left alone.
func coalesce(existing, cand *datatypes.CommitRecord) {
	if cand.Timestamp != nil && (existing.Timestamp == nil || *cand.Timestamp < *existing.Timestamp) {
		ts := *cand.Timestamp
		existing.Timestamp = &ts
	}
	if existing.Key == "" && cand.Key != "" {
		existing.Key = cand.Key
	}
	if existing.Revealed == "" && cand.Revealed != "" {
		existing.Revealed = cand.Revealed
	}
	existing.Normalize()
}

// normalizeCandidate clones a snapshot record and aligns it with its
// position in the snapshot map; the map position is authoritative for
// identity fields.
func normalizeCandidate(key datatypes.EntityKey, category string,
	rec *datatypes.CommitRecord) *datatypes.CommitRecord {

	if rec == nil {
		return nil
	}
	cand := rec.Clone()
	cand.UID = key.UID
	cand.PubKey = key.PubKey
	cand.Category = category
	cand.Normalize()
	return cand
}

func orderSnapshots(snapshots []datatypes.SourceSnapshot) []datatypes.SourceSnapshot {
	ordered := make([]datatypes.SourceSnapshot, len(snapshots))
	copy(ordered, snapshots)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Source.Less(ordered[j].Source)
	})
	return ordered
}

func orderEntities(snap datatypes.SourceSnapshot) []datatypes.EntityKey {
	keys := make([]datatypes.EntityKey, 0, len(snap.Records))
	for key := range snap.Records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func orderCategories(byCategory map[string]*datatypes.CommitRecord) []string {
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}
