// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/engine"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/resultcache"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/storage"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine scores every record it is given with a fixed log, or fails.
type fakeEngine struct {
	params engine.Params
	fail   bool
}

func (f *fakeEngine) Run(ctx context.Context) error {
	if f.fail {
		return errors.New("engine exploded")
	}
	for _, rec := range f.params.Records {
		rec.ScoringLogs = []datatypes.ScoringLog{{
			InputHash: "case-" + rec.ContentID[:8],
			Input:     json.RawMessage(`{"generated":true}`),
			Score:     1.0,
		}}
		rec.Score = 1.0
		rec.Accepted = true
	}
	return nil
}

// capturingFactory records the params handed to the engine.
type capturingFactory struct {
	called bool
	params engine.Params
	fail   bool
}

func (c *capturingFactory) factory(params engine.Params) engine.Engine {
	c.called = true
	c.params = params
	return &fakeEngine{params: params, fail: c.fail}
}

type fixture struct {
	dispatcher *Dispatcher
	cache      *resultcache.Cache
	store      *storage.Manager
	trk        *tracker.Standings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenDB(storage.InMemoryDBConfig())
	require.NoError(t, err)
	store := storage.NewManager(storage.NewLocal(db, testLogger()), nil, testLogger())
	t.Cleanup(func() { store.Close() })

	cache := resultcache.New([]string{"c1"})
	return &fixture{
		dispatcher: New(cache, store, testLogger()),
		cache:      cache,
		store:      store,
		trk:        tracker.NewStandings("c1"),
	}
}

func revealedRecord(uid int, revealed string, ts *float64) *datatypes.CommitRecord {
	rec := &datatypes.CommitRecord{
		UID:       uid,
		PubKey:    "pk",
		Category:  "c1",
		Sealed:    "sealed-" + revealed,
		Revealed:  revealed,
		Timestamp: ts,
	}
	rec.Normalize()
	return rec
}

func tsp(v float64) *float64 { return &v }

func TestDispatch_CacheHitsBypassEngine(t *testing.T) {
	f := newFixture(t)

	hit := revealedRecord(1, "known-artifact", tsp(100))
	fresh := revealedRecord(2, "new-artifact", tsp(200))

	cached := datatypes.CachedResult{
		ScoringLogs: []datatypes.ScoringLog{{
			InputHash: "h-old",
			Input:     json.RawMessage(`{"case":"old"}`),
			Score:     0.5,
		}},
	}
	f.cache.Set("c1", hit.ContentID, cached)

	cf := &capturingFactory{}
	outcome, err := f.dispatcher.Dispatch(context.Background(), Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{hit, fresh},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.CacheHits)
	assert.Equal(t, 1, outcome.NewScored)

	// The hit replayed its cached evidence without touching the engine.
	require.Len(t, hit.ScoringLogs, 1)
	assert.Equal(t, 0.5, hit.ScoringLogs[0].Score)
	require.True(t, cf.called)
	require.Len(t, cf.params.Records, 1)
	assert.Equal(t, fresh.ContentID, cf.params.Records[0].ContentID)

	// Both identities are now scored as far as the tracker knows.
	scored := f.trk.ScoredContentIDs()
	assert.True(t, scored[hit.ContentID])
	assert.True(t, scored[fresh.ContentID])
}

func TestDispatch_SeedInputsDedupedByHash(t *testing.T) {
	f := newFixture(t)

	hitA := revealedRecord(1, "artifact-a", nil)
	hitB := revealedRecord(2, "artifact-b", nil)
	f.cache.Set("c1", hitA.ContentID, datatypes.CachedResult{
		ScoringLogs: []datatypes.ScoringLog{
			{InputHash: "h1", Input: json.RawMessage(`{"case":1}`)},
			{InputHash: "h2", Input: json.RawMessage(`{"case":2}`)},
		},
	})
	f.cache.Set("c1", hitB.ContentID, datatypes.CachedResult{
		ScoringLogs: []datatypes.ScoringLog{
			{InputHash: "h1", Input: json.RawMessage(`{"case":1}`)}, // duplicate case
			{InputHash: ""}, // no hash, excluded
		},
	})
	fresh := revealedRecord(3, "new-artifact", nil)

	cf := &capturingFactory{}
	outcome, err := f.dispatcher.Dispatch(context.Background(), Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{hitA, hitB, fresh},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.SeedInputs)
	require.Len(t, cf.params.SeedInputs, 2)
	assert.JSONEq(t, `{"case":1}`, string(cf.params.SeedInputs[0]))
	assert.JSONEq(t, `{"case":2}`, string(cf.params.SeedInputs[1]))
}

func TestDispatch_AllHitsSkipsEngineEntirely(t *testing.T) {
	f := newFixture(t)

	hit := revealedRecord(1, "known-artifact", nil)
	f.cache.Set("c1", hit.ContentID, datatypes.CachedResult{
		ScoringLogs: []datatypes.ScoringLog{{InputHash: "h", Score: 0.9}},
	})

	cf := &capturingFactory{}
	outcome, err := f.dispatcher.Dispatch(context.Background(), Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{hit},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.NoError(t, err)

	assert.False(t, cf.called, "nothing new, no engine")
	assert.Equal(t, 1, outcome.CacheHits)
	assert.Zero(t, outcome.NewScored)
	assert.True(t, f.trk.ScoredContentIDs()[hit.ContentID], "hits still reach the tracker")
}

func TestDispatch_NewRecordsSortedByTimestampMissingLast(t *testing.T) {
	f := newFixture(t)

	late := revealedRecord(1, "late", tsp(300))
	early := revealedRecord(2, "early", tsp(100))
	unknown := revealedRecord(3, "unknown-age", nil)
	mid := revealedRecord(4, "mid", tsp(200))

	cf := &capturingFactory{}
	_, err := f.dispatcher.Dispatch(context.Background(), Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{late, early, unknown, mid},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.NoError(t, err)

	require.Len(t, cf.params.Records, 4)
	assert.Equal(t, early.ContentID, cf.params.Records[0].ContentID)
	assert.Equal(t, mid.ContentID, cf.params.Records[1].ContentID)
	assert.Equal(t, late.ContentID, cf.params.Records[2].ContentID)
	assert.Equal(t, unknown.ContentID, cf.params.Records[3].ContentID)
}

func TestDispatch_ReferencePoolFromTrackerViaStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A previously persisted, tracked identity resolves; an identity the
	// tracker knows but storage lost does not.
	resolved := revealedRecord(1, "resolved-artifact", tsp(50))
	resolved.ScoringLogs = []datatypes.ScoringLog{{InputHash: "h", Score: 0.3}}
	require.NoError(t, f.store.PersistRecords(ctx, "c1", []*datatypes.CommitRecord{resolved}))

	lost := revealedRecord(2, "lost-artifact", tsp(60))
	f.trk.UpdateParticipants([]*datatypes.CommitRecord{resolved, lost})

	fresh := revealedRecord(3, "new-artifact", nil)
	cf := &capturingFactory{}
	outcome, err := f.dispatcher.Dispatch(ctx, Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{fresh},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.References)
	require.Len(t, cf.params.References, 1)
	assert.Equal(t, resolved.ContentID, cf.params.References[0].ContentID)
}

func TestDispatch_MaxReferencesCapsPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var persisted []*datatypes.CommitRecord
	for i := 0; i < 5; i++ {
		rec := revealedRecord(i+1, string(rune('a'+i))+"-artifact", tsp(float64(i)))
		persisted = append(persisted, rec)
	}
	require.NoError(t, f.store.PersistRecords(ctx, "c1", persisted))
	f.trk.UpdateParticipants(persisted)

	cf := &capturingFactory{}
	outcome, err := f.dispatcher.Dispatch(ctx, Request{
		Category:      "c1",
		Revealed:      []*datatypes.CommitRecord{revealedRecord(9, "fresh", nil)},
		Tracker:       f.trk,
		Factory:       cf.factory,
		MaxReferences: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.References)
	assert.Len(t, cf.params.References, 2)
}

func TestDispatch_EngineFailureLeavesCacheAndTrackerUntouched(t *testing.T) {
	f := newFixture(t)

	fresh := revealedRecord(1, "doomed-artifact", nil)
	cf := &capturingFactory{fail: true}

	_, err := f.dispatcher.Dispatch(context.Background(), Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{fresh},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.Error(t, err)

	_, ok := f.cache.Get("c1", fresh.ContentID)
	assert.False(t, ok, "failed run must not populate the cache")
	assert.Empty(t, f.trk.ScoredContentIDs())
}

func TestDispatch_ResultsLandInCache(t *testing.T) {
	f := newFixture(t)

	fresh := revealedRecord(1, "new-artifact", nil)
	cf := &capturingFactory{}
	_, err := f.dispatcher.Dispatch(context.Background(), Request{
		Category: "c1",
		Revealed: []*datatypes.CommitRecord{fresh},
		Tracker:  f.trk,
		Factory:  cf.factory,
	})
	require.NoError(t, err)

	res, ok := f.cache.Get("c1", fresh.ContentID)
	require.True(t, ok)
	require.Len(t, res.ScoringLogs, 1)
	assert.Equal(t, 1.0, res.ScoringLogs[0].Score)
}
