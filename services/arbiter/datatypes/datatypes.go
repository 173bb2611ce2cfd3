// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures for the arbiter service.
//
// This file contains the submission record model shared by every pipeline
// stage: entity keys, commit records with their scoring and comparison
// logs, per-source snapshots, and cached evaluation results. The merged
// canonical view lives in state.go.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CacheKeySeparator joins a category name and a content identity into a
// single lookup key. Category names are validated against it (see the
// registry package), so the composite is unambiguous.
const CacheKeySeparator = "---"

// =============================================================================
// Entity Identity
// =============================================================================

// EntityKey identifies a submitter: the numeric participant identifier
// assigned by the network plus its public key. Comparable, so it is used
// directly as a map key; ordered ascending by (UID, PubKey) for
// deterministic iteration.
type EntityKey struct {
	UID    int    `json:"uid"`
	PubKey string `json:"pubkey"`
}

// Less reports whether k orders before other, by UID then PubKey.
func (k EntityKey) Less(other EntityKey) bool {
	if k.UID != other.UID {
		return k.UID < other.UID
	}
	return k.PubKey < other.PubKey
}

// String renders the key as "uid:pubkey" for logs.
func (k EntityKey) String() string {
	return fmt.Sprintf("%d:%s", k.UID, k.PubKey)
}

// =============================================================================
// Commit Records
// =============================================================================

// ScoringLog is one evaluation of a content identity against one input
// case. Input and Output are opaque engine payloads; the arbiter never
// interprets them, only carries them.
type ScoringLog struct {
	// InputHash identifies the input case; equal hashes mean the same
	// case and let later passes reuse inputs as seeds.
	InputHash string `json:"input_hash"`

	// Input is the raw input payload handed to the submission.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the raw output the submission produced, if any.
	Output json.RawMessage `json:"output,omitempty"`

	// Score is the engine's numeric score for this case.
	Score float64 `json:"score"`

	// Error holds the engine's failure message for this case, if any.
	Error string `json:"error,omitempty"`
}

// ComparisonLog records how one submission's output relates to a
// reference submission's output on one shared input case.
type ComparisonLog struct {
	InputHash       string          `json:"input_hash"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	ReferenceOutput json.RawMessage `json:"reference_output,omitempty"`
	SimilarityScore float64         `json:"similarity_score"`
	Error           string          `json:"error,omitempty"`
}

// CommitRecord is one entity's submission in one category, as reported
// by a source or as held in the canonical state.
//
// # Fields
//
//   - Sealed: the opaque encrypted payload; present from the moment the
//     submission is first observed.
//   - Key: key material published at reveal time; backfilled across
//     sources when one of them saw it first.
//   - Revealed: the plaintext reference the submission resolves to.
//   - ContentID: hex SHA-256 of Revealed, the deduplication identity.
//     Empty until the submission is revealed; set by Normalize.
//   - Timestamp: submission time in epoch seconds as reported by the
//     source; nil when the source did not know it.
//   - ScoringLogs, ComparisonLogs, Score, Penalty, Accepted: volatile
//     computed fields, owned by the evaluation pipeline and carried
//     forward across passes while the content identity is unchanged.
//     ComparisonLogs is keyed by the reference content identity.
type CommitRecord struct {
	UID      int    `json:"uid"`
	PubKey   string `json:"pubkey"`
	Category string `json:"category"`

	Sealed    string   `json:"sealed"`
	Key       string   `json:"key,omitempty"`
	Revealed  string   `json:"revealed,omitempty"`
	ContentID string   `json:"content_id,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`

	ScoringLogs    []ScoringLog               `json:"scoring_logs,omitempty"`
	ComparisonLogs map[string][]ComparisonLog `json:"comparison_logs,omitempty"`
	Score          float64                    `json:"score"`
	Penalty        float64                    `json:"penalty"`
	Accepted       bool                       `json:"accepted"`
}

// Entity returns the record's submitter key.
func (r *CommitRecord) Entity() EntityKey {
	return EntityKey{UID: r.UID, PubKey: r.PubKey}
}

// Normalize derives ContentID from Revealed when the record has been
// revealed but not yet normalized. Safe to call repeatedly.
func (r *CommitRecord) Normalize() {
	if r.ContentID == "" && r.Revealed != "" {
		r.ContentID = DeriveContentID(r.Revealed)
	}
}

// SameSubmission reports whether r and other describe the same
// underlying submission. When both sides carry a content identity the
// identities decide; otherwise the encrypted payloads do, since a reveal
// must not change which submission a record describes.
func (r *CommitRecord) SameSubmission(other *CommitRecord) bool {
	if r.ContentID != "" && other.ContentID != "" {
		return r.ContentID == other.ContentID
	}
	return r.Sealed == other.Sealed
}

// Clone returns a deep copy of the record. Slices, maps, and raw
// payloads are copied so mutations on the clone never alias the
// original.
func (r *CommitRecord) Clone() *CommitRecord {
	out := *r
	if r.Timestamp != nil {
		ts := *r.Timestamp
		out.Timestamp = &ts
	}
	out.ScoringLogs = cloneScoringLogs(r.ScoringLogs)
	out.ComparisonLogs = cloneComparisonLogs(r.ComparisonLogs)
	return &out
}

// Result extracts the record's computed evaluation result for caching.
func (r *CommitRecord) Result() CachedResult {
	return CachedResult{
		ScoringLogs:    cloneScoringLogs(r.ScoringLogs),
		ComparisonLogs: cloneComparisonLogs(r.ComparisonLogs),
	}
}

// ApplyResult populates the record's volatile evaluation fields from a
// cached result, replacing whatever was there.
func (r *CommitRecord) ApplyResult(res CachedResult) {
	r.ScoringLogs = cloneScoringLogs(res.ScoringLogs)
	r.ComparisonLogs = cloneComparisonLogs(res.ComparisonLogs)
}

// =============================================================================
// Snapshots and Cached Results
// =============================================================================

// SourceSnapshot is one source's reported view of current submissions:
// entity → category → record. Transient; it lives for a single pass.
type SourceSnapshot struct {
	// Source identifies the roster node that reported this view.
	Source EntityKey

	// Records holds the reported submissions. A nil or empty map is a
	// valid, empty contribution (the shape a failed fetch produces).
	Records map[EntityKey]map[string]*CommitRecord
}

// EmptySnapshot returns the contribution of a source that failed to
// report: attributed, but containing nothing.
func EmptySnapshot(source EntityKey) SourceSnapshot {
	return SourceSnapshot{Source: source, Records: map[EntityKey]map[string]*CommitRecord{}}
}

// Len counts the records in the snapshot across all entities.
func (s SourceSnapshot) Len() int {
	n := 0
	for _, byCategory := range s.Records {
		n += len(byCategory)
	}
	return n
}

// CachedResult is the computed evaluation result for one content
// identity in one category, as held by the result cache and the
// durable-storage category caches.
type CachedResult struct {
	ScoringLogs    []ScoringLog               `json:"scoring_logs"`
	ComparisonLogs map[string][]ComparisonLog `json:"comparison_logs,omitempty"`
}

// Empty reports whether the result carries no scoring evidence. Empty
// results are what the consistency repair pass hunts for.
func (c CachedResult) Empty() bool {
	return len(c.ScoringLogs) == 0
}

// Clone returns a deep copy of the result.
func (c CachedResult) Clone() CachedResult {
	return CachedResult{
		ScoringLogs:    cloneScoringLogs(c.ScoringLogs),
		ComparisonLogs: cloneComparisonLogs(c.ComparisonLogs),
	}
}

// =============================================================================
// Derived Keys
// =============================================================================

// DeriveContentID computes the content identity of a revealed plaintext
// reference: lowercase hex SHA-256.
func DeriveContentID(revealed string) string {
	sum := sha256.Sum256([]byte(revealed))
	return hex.EncodeToString(sum[:])
}

// CacheKey joins a category and a content identity into the composite
// key used by the canonical state index and the result cache.
func CacheKey(category, contentID string) string {
	return category + CacheKeySeparator + contentID
}

// HashedCacheKey is the storage form of CacheKey: hex SHA-256 of the
// composite, keeping storage keys fixed-width and free of category
// names.
func HashedCacheKey(category, contentID string) string {
	sum := sha256.Sum256([]byte(CacheKey(category, contentID)))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Internal copy helpers
// =============================================================================

func cloneScoringLogs(in []ScoringLog) []ScoringLog {
	if in == nil {
		return nil
	}
	out := make([]ScoringLog, len(in))
	for i, l := range in {
		out[i] = l
		out[i].Input = cloneRaw(l.Input)
		out[i].Output = cloneRaw(l.Output)
	}
	return out
}

func cloneComparisonLogs(in map[string][]ComparisonLog) map[string][]ComparisonLog {
	if in == nil {
		return nil
	}
	out := make(map[string][]ComparisonLog, len(in))
	for ref, logs := range in {
		copied := make([]ComparisonLog, len(logs))
		for i, l := range logs {
			copied[i] = l
			copied[i].Input = cloneRaw(l.Input)
			copied[i].Output = cloneRaw(l.Output)
			copied[i].ReferenceOutput = cloneRaw(l.ReferenceOutput)
		}
		out[ref] = copied
	}
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
