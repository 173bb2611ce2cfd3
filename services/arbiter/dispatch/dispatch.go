// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch runs one category's scoring round.
//
// # Description
//
// The dispatcher stands between the reveal filter and the evaluation
// engine. It decides what actually needs computing: identities with a
// cached result are populated from the cache and never re-evaluated,
// everything else goes to the category's engine in one blocking run.
// Seed inputs harvested from cache hits let the engine replay known
// cases instead of generating fresh ones.
//
// # Thread Safety
//
// A Dispatcher is stateless between calls; safety is inherited from the
// cache, storage, and tracker it is given. Within a pass it is called
// from the single pass worker.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/engine"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/resultcache"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/storage"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/tracker"
)

var tracer = otel.Tracer("arbiter.dispatch")

// Request is one category's scoring round.
type Request struct {
	// Category being scored.
	Category string

	// Revealed is the reveal filter's output for the category: newly
	// revealed, globally unique records in canonical order.
	Revealed []*datatypes.CommitRecord

	// Tracker is the category's standings tracker. It supplies the
	// unique-identity set for the reference pool and receives the
	// scored records afterwards.
	Tracker tracker.Tracker

	// Factory builds the category's engine for this run.
	Factory engine.Factory

	// MaxReferences caps the resolved reference pool. Zero means no cap.
	MaxReferences int
}

// Outcome summarizes what a round did, for logs and the pass report.
type Outcome struct {
	CacheHits  int `json:"cache_hits"`
	NewScored  int `json:"new_scored"`
	SeedInputs int `json:"seed_inputs"`
	References int `json:"references"`
}

// Dispatcher runs scoring rounds against a shared cache and store.
type Dispatcher struct {
	cache  *resultcache.Cache
	store  *storage.Manager
	logger *slog.Logger
}

// New builds a dispatcher.
func New(cache *resultcache.Cache, store *storage.Manager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cache: cache, store: store, logger: logger}
}

// Dispatch executes one category round.
//
// # Description
//
// Partitions the revealed records by cache membership, populates hits
// from the cache, harvests seed inputs from the hits, and sends the new
// partition through the engine. On success the new results are written
// back to the cache and all records are handed to the tracker, which
// owns score state from that point. With nothing new, the engine is
// never constructed and the round is a cache replay.
//
// # Outputs
//
//   - Outcome: counts for logging.
//   - error: the engine's failure, verbatim. The cache and tracker are
//     untouched by a failed run; the next pass retries naturally.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("category", req.Category),
		attribute.Int("revealed", len(req.Revealed)),
	)

	var outcome Outcome

	// Step 1: partition by cache membership; hits replay their result.
	var hits, fresh []*datatypes.CommitRecord
	for _, rec := range req.Revealed {
		if rec.ContentID == "" {
			continue
		}
		if res, ok := d.cache.Get(req.Category, rec.ContentID); ok {
			rec.ApplyResult(res)
			hits = append(hits, rec)
			continue
		}
		fresh = append(fresh, rec)
	}
	outcome.CacheHits = len(hits)

	// Step 2: seed inputs are the distinct input cases the hits were
	// evaluated on.
	seeds := harvestSeedInputs(hits)
	outcome.SeedInputs = len(seeds)

	if len(fresh) > 0 {
		// Step 4: oldest submissions first, unknown age last.
		sort.SliceStable(fresh, func(i, j int) bool {
			ti, tj := fresh[i].Timestamp, fresh[j].Timestamp
			if ti == nil {
				return false
			}
			if tj == nil {
				return true
			}
			return *ti < *tj
		})

		// Step 5: resolve the tracker's unique identities to full
		// records for the comparison pool.
		refs, err := d.store.References(ctx, req.Category, req.Tracker.UniqueContentIDs())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}
		if req.MaxReferences > 0 && len(refs) > req.MaxReferences {
			refs = refs[:req.MaxReferences]
		}
		outcome.References = len(refs)

		// Step 6: one blocking engine run, mutating fresh in place.
		eng := req.Factory(engine.Params{
			Category:   req.Category,
			Records:    fresh,
			References: refs,
			SeedInputs: seeds,
		})
		if err := eng.Run(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}
		outcome.NewScored = len(fresh)

		// Step 7: results become cache entries.
		for _, rec := range fresh {
			d.cache.Set(req.Category, rec.ContentID, rec.Result())
		}
	}

	// The tracker takes over score/penalty/accepted state for
	// everything this round touched, hits included.
	req.Tracker.UpdateScores(append(hits, fresh...))

	d.logger.Info("category round dispatched",
		"category", req.Category,
		"cache_hits", outcome.CacheHits,
		"new_scored", outcome.NewScored,
		"seed_inputs", outcome.SeedInputs,
		"references", outcome.References)
	span.SetAttributes(
		attribute.Int("cache_hits", outcome.CacheHits),
		attribute.Int("new_scored", outcome.NewScored),
	)
	return outcome, nil
}

// harvestSeedInputs collects the distinct input cases (by input hash)
// from the hit records' scoring logs, preserving first-seen order.
func harvestSeedInputs(hits []*datatypes.CommitRecord) []json.RawMessage {
	var seeds []json.RawMessage
	seen := make(map[string]bool)
	for _, rec := range hits {
		for _, log := range rec.ScoringLogs {
			if log.InputHash == "" || len(log.Input) == 0 || seen[log.InputHash] {
				continue
			}
			seen[log.InputHash] = true
			seeds = append(seeds, log.Input)
		}
	}
	return seeds
}
