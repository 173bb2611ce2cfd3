// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker owns the per-category standings: which content
// identities exist, which have been scored, and each participant's
// authoritative score, penalty, and accepted state.
//
// The dispatcher consults a tracker for the reference pool (unique
// identities) and hands scored records back to it; the reveal filter
// consults it for the historically-scored set. One tracker lives per
// category and survives across passes.
package tracker

import (
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// Tracker is the per-category standings authority.
type Tracker interface {
	// Category names the category this tracker owns.
	Category() string

	// UniqueContentIDs returns every content identity ever observed in
	// this category, in first-seen order. Feeds the reference pool.
	UniqueContentIDs() []string

	// ScoredContentIDs returns the set of identities with completed
	// evaluations. Feeds the reveal filter.
	ScoredContentIDs() map[string]bool

	// UpdateParticipants refreshes participant info from the canonical
	// records of this category, before scoring.
	UpdateParticipants(records []*datatypes.CommitRecord)

	// UpdateScores ingests records after dispatch; score, penalty, and
	// accepted move under tracker ownership from this point.
	UpdateScores(records []*datatypes.CommitRecord)

	// ExportState snapshots the standings. The public view omits
	// identities that have not been scored yet.
	ExportState(public bool) State
}

// ParticipantState is one entity's standing within a category.
type ParticipantState struct {
	UID       int     `json:"uid"`
	PubKey    string  `json:"pubkey"`
	ContentID string  `json:"content_id,omitempty"`
	Score     float64 `json:"score"`
	Penalty   float64 `json:"penalty"`
	Accepted  bool    `json:"accepted"`
}

// State is an exported snapshot of a category's standings.
type State struct {
	Category     string             `json:"category"`
	Participants []ParticipantState `json:"participants"`

	// UniqueContentIDs lists every observed identity in first-seen
	// order. Omitted from the public view: unscored submissions are not
	// published.
	UniqueContentIDs []string `json:"unique_content_ids,omitempty"`

	// ScoredContentIDs lists identities with completed evaluations,
	// sorted for stable output.
	ScoredContentIDs []string `json:"scored_content_ids"`
}

// Standings is the in-memory Tracker implementation.
//
// # Thread Safety
//
// Safe for concurrent use; readers (HTTP status surface) and the pass
// worker may overlap.
type Standings struct {
	mu       sync.RWMutex
	category string

	participants map[datatypes.EntityKey]*ParticipantState

	uniqueOrder []string
	uniqueSet   map[string]struct{}
	scored      map[string]bool
}

// NewStandings builds an empty tracker for one category.
func NewStandings(category string) *Standings {
	return &Standings{
		category:     category,
		participants: make(map[datatypes.EntityKey]*ParticipantState),
		uniqueSet:    make(map[string]struct{}),
		scored:       make(map[string]bool),
	}
}

// Category implements Tracker.
func (s *Standings) Category() string { return s.category }

// UpdateParticipants implements Tracker. Records from other categories
// are ignored.
func (s *Standings) UpdateParticipants(records []*datatypes.CommitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec == nil || rec.Category != s.category {
			continue
		}
		p := s.participant(rec.Entity())
		p.ContentID = rec.ContentID
		s.observeLocked(rec.ContentID)
	}
}

// UpdateScores implements Tracker.
func (s *Standings) UpdateScores(records []*datatypes.CommitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec == nil || rec.Category != s.category {
			continue
		}
		p := s.participant(rec.Entity())
		p.ContentID = rec.ContentID
		p.Score = rec.Score
		p.Penalty = rec.Penalty
		p.Accepted = rec.Accepted

		s.observeLocked(rec.ContentID)
		if rec.ContentID != "" && len(rec.ScoringLogs) > 0 {
			s.scored[rec.ContentID] = true
		}
	}
}

// UniqueContentIDs implements Tracker.
func (s *Standings) UniqueContentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.uniqueOrder))
	copy(out, s.uniqueOrder)
	return out
}

// ScoredContentIDs implements Tracker.
func (s *Standings) ScoredContentIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.scored))
	for id := range s.scored {
		out[id] = true
	}
	return out
}

// ExportState implements Tracker.
func (s *Standings) ExportState(public bool) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{
		Category:     s.category,
		Participants: make([]ParticipantState, 0, len(s.participants)),
	}

	keys := make([]datatypes.EntityKey, 0, len(s.participants))
	for key := range s.participants {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, key := range keys {
		state.Participants = append(state.Participants, *s.participants[key])
	}

	state.ScoredContentIDs = make([]string, 0, len(s.scored))
	for id := range s.scored {
		state.ScoredContentIDs = append(state.ScoredContentIDs, id)
	}
	sort.Strings(state.ScoredContentIDs)

	if !public {
		state.UniqueContentIDs = make([]string, len(s.uniqueOrder))
		copy(state.UniqueContentIDs, s.uniqueOrder)
	}
	return state
}

// participant returns the entity's standing, creating it on first
// sight. Caller holds the write lock.
func (s *Standings) participant(key datatypes.EntityKey) *ParticipantState {
	p, ok := s.participants[key]
	if !ok {
		p = &ParticipantState{UID: key.UID, PubKey: key.PubKey}
		s.participants[key] = p
	}
	return p
}

// observeLocked records a content identity in first-seen order. Caller
// holds the write lock.
func (s *Standings) observeLocked(contentID string) {
	if contentID == "" {
		return
	}
	if _, ok := s.uniqueSet[contentID]; ok {
		return
	}
	s.uniqueSet[contentID] = struct{}{}
	s.uniqueOrder = append(s.uniqueOrder, contentID)
}
