// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

var (
	e1 = datatypes.EntityKey{UID: 1, PubKey: "pk1"}
	e2 = datatypes.EntityKey{UID: 2, PubKey: "pk2"}

	src1 = datatypes.EntityKey{UID: 100, PubKey: "src1"}
	src2 = datatypes.EntityKey{UID: 200, PubKey: "src2"}
)

// record builds a revealed commit record with an optional timestamp.
func record(key datatypes.EntityKey, category, revealed string, ts *float64) *datatypes.CommitRecord {
	rec := &datatypes.CommitRecord{
		UID:       key.UID,
		PubKey:    key.PubKey,
		Category:  category,
		Sealed:    "sealed-" + revealed,
		Revealed:  revealed,
		Timestamp: ts,
	}
	rec.Normalize()
	return rec
}

func tsp(v float64) *float64 { return &v }

// snapshot wraps records into a source snapshot keyed by their entity.
func snapshot(source datatypes.EntityKey, recs ...*datatypes.CommitRecord) datatypes.SourceSnapshot {
	snap := datatypes.EmptySnapshot(source)
	for _, rec := range recs {
		byCategory, ok := snap.Records[rec.Entity()]
		if !ok {
			byCategory = make(map[string]*datatypes.CommitRecord)
			snap.Records[rec.Entity()] = byCategory
		}
		byCategory[rec.Category] = rec
	}
	return snap
}

func TestMerge_InsertsNewRecords(t *testing.T) {
	state, stats := Merge(nil, []datatypes.SourceSnapshot{
		snapshot(src1, record(e1, "c1", "ref1", tsp(100))),
	}, nil)

	require.Equal(t, 1, state.Len())
	got, ok := state.Get(e1, "c1")
	require.True(t, ok)
	assert.Equal(t, datatypes.DeriveContentID("ref1"), got.ContentID)
	assert.Equal(t, 1, stats.Inserted)
}

func TestMerge_Convergence(t *testing.T) {
	// Two sources report the same submission with different knowledge of
	// its age: merging in either order keeps the earlier timestamp.
	a := snapshot(src1, record(e1, "c1", "ref1", tsp(100)))
	b := snapshot(src2, record(e1, "c1", "ref1", tsp(200)))

	ab, _ := Merge(nil, []datatypes.SourceSnapshot{a, b}, nil)
	ba, _ := Merge(nil, []datatypes.SourceSnapshot{b, a}, nil)

	recAB, ok := ab.Get(e1, "c1")
	require.True(t, ok)
	recBA, ok := ba.Get(e1, "c1")
	require.True(t, ok)

	assert.Equal(t, recAB, recBA, "merge must not depend on snapshot order")
	require.NotNil(t, recAB.Timestamp)
	assert.Equal(t, 100.0, *recAB.Timestamp)
}

func TestMerge_DivergenceTieBreak(t *testing.T) {
	tests := []struct {
		name         string
		existingTS   *float64
		candidateTS  *float64
		wantRevealed string
	}{
		{"strictly later wins", tsp(100), tsp(200), "new"},
		{"older candidate rejected", tsp(200), tsp(100), "old"},
		{"equal timestamps keep existing", tsp(100), tsp(100), "old"},
		{"missing candidate timestamp keeps existing", tsp(100), nil, "old"},
		{"missing existing timestamp keeps existing", nil, tsp(100), "old"},
		{"both missing keep existing", nil, nil, "old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := datatypes.NewCanonicalState()
			prev.Put(record(e1, "c1", "old", tt.existingTS))

			state, _ := Merge(prev, []datatypes.SourceSnapshot{
				snapshot(src1, record(e1, "c1", "new", tt.candidateTS)),
			}, nil)

			got, ok := state.Get(e1, "c1")
			require.True(t, ok)
			assert.Equal(t, tt.wantRevealed, got.Revealed)
		})
	}
}

func TestMerge_DivergenceConvergesAcrossOrders(t *testing.T) {
	// Two sources disagree about which submission is current; the one
	// with the strictly later timestamp must win regardless of order.
	a := snapshot(src1, record(e1, "c1", "refA", tsp(100)))
	b := snapshot(src2, record(e1, "c1", "refB", tsp(200)))

	ab, _ := Merge(nil, []datatypes.SourceSnapshot{a, b}, nil)
	ba, _ := Merge(nil, []datatypes.SourceSnapshot{b, a}, nil)

	recAB, _ := ab.Get(e1, "c1")
	recBA, _ := ba.Get(e1, "c1")
	require.NotNil(t, recAB)
	assert.Equal(t, recAB, recBA)
	assert.Equal(t, "refB", recAB.Revealed)
}

func TestMerge_CarryForwardVolatileFields(t *testing.T) {
	prev := datatypes.NewCanonicalState()
	scored := record(e1, "c1", "ref1", tsp(100))
	scored.ScoringLogs = []datatypes.ScoringLog{{InputHash: "h1", Score: 0.8}}
	scored.Score = 0.8
	scored.Accepted = true
	prev.Put(scored)

	t.Run("same submission keeps results", func(t *testing.T) {
		state, stats := Merge(prev, []datatypes.SourceSnapshot{
			snapshot(src1, record(e1, "c1", "ref1", tsp(50))),
		}, nil)

		got, ok := state.Get(e1, "c1")
		require.True(t, ok)
		assert.Equal(t, 0.8, got.Score)
		assert.True(t, got.Accepted)
		require.Len(t, got.ScoringLogs, 1)
		assert.Equal(t, 50.0, *got.Timestamp, "earlier report refines first-known time")
		assert.Equal(t, 1, stats.Coalesced)
	})

	t.Run("changed submission resets results", func(t *testing.T) {
		state, stats := Merge(prev, []datatypes.SourceSnapshot{
			snapshot(src1, record(e1, "c1", "ref2", tsp(300))),
		}, nil)

		got, ok := state.Get(e1, "c1")
		require.True(t, ok)
		assert.Equal(t, "ref2", got.Revealed)
		assert.Zero(t, got.Score)
		assert.False(t, got.Accepted)
		assert.Empty(t, got.ScoringLogs)
		assert.Equal(t, 1, stats.Superseded)
	})
}

func TestMerge_BackfillsAuxiliaryFields(t *testing.T) {
	// The canonical copy only saw the sealed form; a second source saw
	// the reveal. Identity matches via the sealed payload, and the
	// reveal is backfilled without touching the earlier timestamp.
	prev := datatypes.NewCanonicalState()
	prev.Put(&datatypes.CommitRecord{
		UID: e1.UID, PubKey: e1.PubKey, Category: "c1",
		Sealed: "sealed-ref1", Timestamp: tsp(100),
	})

	revealed := record(e1, "c1", "ref1", tsp(150))
	revealed.Key = "k-material"

	state, _ := Merge(prev, []datatypes.SourceSnapshot{snapshot(src1, revealed)}, nil)

	got, ok := state.Get(e1, "c1")
	require.True(t, ok)
	assert.Equal(t, "ref1", got.Revealed)
	assert.Equal(t, "k-material", got.Key)
	assert.Equal(t, datatypes.DeriveContentID("ref1"), got.ContentID)
	assert.Equal(t, 100.0, *got.Timestamp)
}

func TestMerge_ValidityFilter(t *testing.T) {
	prev := datatypes.NewCanonicalState()
	prev.Put(record(e1, "c1", "ref1", tsp(100)))
	prev.Put(record(e2, "c1", "ref2", tsp(100)))

	valid := func(key datatypes.EntityKey) bool { return key == e1 }

	state, stats := Merge(prev, []datatypes.SourceSnapshot{
		snapshot(src1, record(e2, "c1", "ref2b", tsp(500))),
	}, valid)

	_, ok := state.Get(e2, "c1")
	assert.False(t, ok, "invalid entities are dropped from state and snapshots")
	_, ok = state.Get(e1, "c1")
	assert.True(t, ok)
	assert.Equal(t, 1, stats.Dropped)
}

func TestMerge_EmptySnapshotsContributeNothing(t *testing.T) {
	prev := datatypes.NewCanonicalState()
	prev.Put(record(e1, "c1", "ref1", tsp(100)))

	state, stats := Merge(prev, []datatypes.SourceSnapshot{
		datatypes.EmptySnapshot(src1),
		datatypes.EmptySnapshot(src2),
	}, nil)

	assert.Equal(t, 1, state.Len())
	assert.Equal(t, Stats{}, stats)
}

func TestMerge_DeterministicOrderAndIndex(t *testing.T) {
	state, _ := Merge(nil, []datatypes.SourceSnapshot{
		snapshot(src1,
			record(e2, "c1", "ref2", tsp(100)),
			record(e1, "c2", "ref1", tsp(100)),
		),
	}, nil)

	assert.Equal(t, []datatypes.EntityKey{e1, e2}, state.Keys())

	got, ok := state.Lookup("c2", datatypes.DeriveContentID("ref1"))
	require.True(t, ok)
	assert.Equal(t, e1, got.Entity())
}

func TestMerge_DoesNotMutateSnapshots(t *testing.T) {
	rec := record(e1, "c1", "ref1", tsp(100))
	rec.ContentID = "" // arrives un-normalized from the wire
	snap := snapshot(src1, rec)

	state, _ := Merge(nil, []datatypes.SourceSnapshot{snap}, nil)

	assert.Empty(t, rec.ContentID, "snapshot records must stay untouched")
	got, _ := state.Get(e1, "c1")
	assert.NotEmpty(t, got.ContentID)
	assert.NotSame(t, rec, got)
}
