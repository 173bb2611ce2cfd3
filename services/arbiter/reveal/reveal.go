// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reveal selects the canonical records eligible for scoring.
//
// A submission becomes eligible when its plaintext reference has been
// revealed and its content identity has neither been scored historically
// nor been seen earlier in the same pass. The seen-set is global across
// categories: the first record in canonical order claims an identity for
// the whole pass, so an identity is evaluated at most once per pass no
// matter how many entities (or categories) report it.
package reveal

import (
	"fmt"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// Classification labels used in outcome summaries.
const (
	ClassRevealed = "revealed"
	ClassExisting = "existing"
	ClassSkipped  = "skipped"
)

// Outcome is the result of one filtering run over the canonical state.
//
// ByCategory holds the newly revealed, globally unique records per
// category, in canonical (ascending entity) order, which is also the
// order dispatch sees them.
// The label slices record which entity/category pairs landed in each
// class, for log parity with the pass summary.
type Outcome struct {
	ByCategory map[string][]*datatypes.CommitRecord

	Revealed []string
	Existing []string
	Skipped  []string
}

// NewCount returns the number of records eligible for scoring.
func (o Outcome) NewCount() int {
	n := 0
	for _, recs := range o.ByCategory {
		n += len(recs)
	}
	return n
}

// Partition classifies every record in the canonical state.
//
// # Inputs
//
//   - state: the canonical state, visited in deterministic order.
//   - scored: per-category set of content identities already scored
//     historically (owned by the category tracker). nil, or a nil set
//     for a category, means nothing is scored yet.
//
// # Outputs
//
//   - Outcome with the per-category eligible records and the
//     classification labels. Records are shared with the state, not
//     copied; the dispatcher mutates them in place.
func Partition(state *datatypes.CanonicalState,
	scored func(category string) map[string]bool) Outcome {

	out := Outcome{ByCategory: make(map[string][]*datatypes.CommitRecord)}
	seen := make(map[string]struct{})
	scoredSets := make(map[string]map[string]bool)

	state.ForEach(func(key datatypes.EntityKey, category string, rec *datatypes.CommitRecord) {
		label := fmt.Sprintf("%d/%s", key.UID, category)

		rec.Normalize()
		if rec.ContentID == "" {
			out.Skipped = append(out.Skipped, label)
			return
		}

		set, ok := scoredSets[category]
		if !ok && scored != nil {
			set = scored(category)
			scoredSets[category] = set
		}

		if set[rec.ContentID] {
			out.Existing = append(out.Existing, label)
			return
		}
		if _, dup := seen[rec.ContentID]; dup {
			out.Existing = append(out.Existing, label)
			return
		}

		seen[rec.ContentID] = struct{}{}
		out.ByCategory[category] = append(out.ByCategory[category], rec)
		out.Revealed = append(out.Revealed, label)
	})

	return out
}
