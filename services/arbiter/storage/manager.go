// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// Manager is the facade the pass pipeline talks to. It keeps the warm
// and cold tiers consistent by construction: records land in the local
// cache first, then flow to the remote API on a best-effort basis.
type Manager struct {
	local  *Local
	remote *Remote
	logger *slog.Logger
}

// NewManager composes the storage tiers. remote may be nil, in which
// case the arbiter runs local-only: uploads and warm-start fetches are
// skipped, repair and reference resolution still work.
func NewManager(local *Local, remote *Remote, logger *slog.Logger) *Manager {
	return &Manager{local: local, remote: remote, logger: logger}
}

// PersistRecords writes a category's reconciled records to the local
// cache and appends them to the remote store.
//
// The local write is the durability contract and its failure is the
// only error returned. A remote failure after the retry budget is
// logged and dropped; the next pass re-appends naturally.
func (m *Manager) PersistRecords(ctx context.Context, category string, records []*datatypes.CommitRecord) error {
	if err := m.local.UpsertRecords(ctx, category, records); err != nil {
		return err
	}
	if m.remote == nil {
		return nil
	}
	if err := m.remote.AppendRecords(ctx, category, records); err != nil {
		m.logger.Error("remote record append dropped after retries",
			"category", category, "records", len(records), "error", err)
	}
	return nil
}

// UploadScores pushes score documents for the category's scored records
// to the remote store, in batches. Records without a content identity
// or without scoring logs carry no evidence and are excluded.
//
// Outputs:
//
//	int - Entries dropped after the retry budget.
//	error - Non-nil only on ctx cancellation.
func (m *Manager) UploadScores(ctx context.Context, category string, records []*datatypes.CommitRecord) (int, error) {
	if m.remote == nil {
		return 0, nil
	}
	entries := make([]ScoreEntry, 0, len(records))
	for _, rec := range records {
		if rec == nil || rec.ContentID == "" || len(rec.ScoringLogs) == 0 {
			continue
		}
		entries = append(entries, ScoreEntry{
			ContentID:      rec.ContentID,
			ScoringLogs:    rec.ScoringLogs,
			ComparisonLogs: rec.ComparisonLogs,
		})
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return m.remote.UploadScores(ctx, category, entries)
}

// References resolves content identities to records via the local
// category cache. Unresolved or malformed entries are skipped, never
// fatal; the reference pool is advisory.
func (m *Manager) References(ctx context.Context, category string, contentIDs []string) ([]*datatypes.CommitRecord, error) {
	refs := make([]*datatypes.CommitRecord, 0, len(contentIDs))
	skipped := 0
	for _, id := range contentIDs {
		if id == "" {
			skipped++
			continue
		}
		rec, ok, err := m.local.GetRecord(ctx, category, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			skipped++
			continue
		}
		if !ok {
			skipped++
			continue
		}
		refs = append(refs, rec)
	}
	if skipped > 0 {
		m.logger.Debug("reference resolution skipped entries",
			"category", category, "requested", len(contentIDs), "skipped", skipped)
	}
	return refs, nil
}

// WarmStart fetches recent detailed results for the given categories,
// at most limit per category, keyed category → content identity.
//
// The remote store is the preferred source. When it is unavailable the
// local caches stand in; when those fail too the arbiter starts cold.
// WarmStart never fails startup.
func (m *Manager) WarmStart(ctx context.Context, categories []string, limit int) map[string]map[string]datatypes.CachedResult {
	out := make(map[string]map[string]datatypes.CachedResult, len(categories))
	for _, category := range categories {
		out[category] = make(map[string]datatypes.CachedResult)
	}

	if m.remote != nil {
		stored, err := m.remote.FetchRecent(ctx, categories, limit, true)
		if err == nil {
			kept := 0
			for _, doc := range stored {
				byID, ok := out[doc.Category]
				if !ok || doc.ContentID == "" {
					continue
				}
				if len(byID) >= limit {
					continue
				}
				byID[doc.ContentID] = doc.Result()
				kept++
			}
			m.logger.Info("warm-start loaded from remote storage",
				"categories", len(categories), "results", kept)
			return out
		}
		m.logger.Warn("remote warm-start failed, falling back to local cache", "error", err)
	}

	for _, category := range categories {
		records, _, err := m.local.CategoryRecords(ctx, category)
		if err != nil {
			m.logger.Warn("local warm-start scan failed, starting cold",
				"category", category, "error", err)
			continue
		}
		byID := out[category]
		for _, rec := range records {
			if len(byID) >= limit {
				break
			}
			if rec.ContentID == "" || len(rec.ScoringLogs) == 0 {
				continue
			}
			byID[rec.ContentID] = rec.Result()
		}
	}
	return out
}

// Repair reconciles one local category cache against the in-memory
// result view after warm-start. Malformed entries are deleted. Entries
// with no scoring evidence are backfilled from lookup when it has the
// result.
//
// Inputs:
//
//	lookup - Resolves a content identity to its cached result, typically
//	  a closure over the ResultCache.
//
// Outputs:
//
//	repaired - Entries whose evidence was backfilled.
//	deleted - Malformed entries removed.
//	error - Non-nil on storage failure.
func (m *Manager) Repair(ctx context.Context, category string, lookup func(contentID string) (datatypes.CachedResult, bool)) (repaired, deleted int, err error) {
	records, malformed, err := m.local.CategoryRecords(ctx, category)
	if err != nil {
		return 0, 0, err
	}

	if len(malformed) > 0 {
		if err := m.local.DeleteRecords(ctx, category, malformed); err != nil {
			return 0, 0, err
		}
		deleted = len(malformed)
	}

	var healed []*datatypes.CommitRecord
	for _, rec := range records {
		if rec.ContentID == "" || len(rec.ScoringLogs) > 0 {
			continue
		}
		res, ok := lookup(rec.ContentID)
		if !ok || res.Empty() {
			continue
		}
		rec.ApplyResult(res)
		healed = append(healed, rec)
	}
	if len(healed) > 0 {
		if err := m.local.UpsertRecords(ctx, category, healed); err != nil {
			return 0, deleted, err
		}
		repaired = len(healed)
	}

	if repaired > 0 || deleted > 0 {
		m.logger.Info("category cache repaired",
			"category", category, "repaired", repaired, "deleted", deleted)
	}
	return repaired, deleted, nil
}

// PublishState uploads the public state document, best effort.
func (m *Manager) PublishState(ctx context.Context, doc any) error {
	if m.remote == nil {
		return nil
	}
	return m.remote.PublishState(ctx, doc)
}

// Local exposes the warm tier for status reporting.
func (m *Manager) Local() *Local {
	return m.local
}

// Close releases the local database.
func (m *Manager) Close() error {
	return m.local.Close()
}
