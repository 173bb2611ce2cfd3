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
	"os"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openLocal(t *testing.T) *Local {
	t.Helper()
	db, err := OpenDB(InMemoryDBConfig())
	require.NoError(t, err)
	local := NewLocal(db, testLogger())
	t.Cleanup(func() { local.Close() })
	return local
}

func revealedRecord(uid int, category, revealed string) *datatypes.CommitRecord {
	rec := &datatypes.CommitRecord{
		UID:      uid,
		PubKey:   "pk",
		Category: category,
		Sealed:   "sealed-" + revealed,
		Revealed: revealed,
	}
	rec.Normalize()
	return rec
}

// TestOpenDB_RequiresPath verifies that persistent mode requires a path.
func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(DBConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestOpenDB_PersistsAcrossReopen verifies data survives close/reopen.
func TestOpenDB_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DBConfig{Path: dir, SyncWrites: true}

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	local := NewLocal(db, testLogger())
	rec := revealedRecord(1, "c1", "artifact-a")
	require.NoError(t, local.UpsertRecords(context.Background(), "c1", []*datatypes.CommitRecord{rec}))
	require.NoError(t, local.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	local2 := NewLocal(db2, testLogger())
	defer local2.Close()

	got, ok, err := local2.GetRecord(context.Background(), "c1", rec.ContentID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Sealed, got.Sealed)
}

// TestDB_WithTxn_ContextCancelled verifies the pre-transaction context check.
func TestDB_WithTxn_ContextCancelled(t *testing.T) {
	db, err := OpenDB(InMemoryDBConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

// TestLocal_UpsertAndGet verifies the basic write/read path and that
// unrevealed records are skipped.
func TestLocal_UpsertAndGet(t *testing.T) {
	local := openLocal(t)
	ctx := context.Background()

	revealed := revealedRecord(1, "c1", "artifact-a")
	unrevealed := &datatypes.CommitRecord{UID: 2, PubKey: "pk", Category: "c1", Sealed: "opaque"}

	require.NoError(t, local.UpsertRecords(ctx, "c1", []*datatypes.CommitRecord{revealed, unrevealed}))

	got, ok, err := local.GetRecord(ctx, "c1", revealed.ContentID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, revealed.ContentID, got.ContentID)
	assert.Equal(t, 1, got.UID)

	count, err := local.CountRecords(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "record without content identity is not stored")

	_, ok, err = local.GetRecord(ctx, "c1", datatypes.DeriveContentID("never-stored"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLocal_CategoriesAreIsolated verifies keys never collide across
// category caches.
func TestLocal_CategoriesAreIsolated(t *testing.T) {
	local := openLocal(t)
	ctx := context.Background()

	a := revealedRecord(1, "alpha", "shared-artifact")
	b := revealedRecord(1, "beta", "shared-artifact")
	require.NoError(t, local.UpsertRecords(ctx, "alpha", []*datatypes.CommitRecord{a}))
	require.NoError(t, local.UpsertRecords(ctx, "beta", []*datatypes.CommitRecord{b}))

	hashed := datatypes.HashedCacheKey("alpha", a.ContentID)
	require.NoError(t, local.DeleteRecords(ctx, "alpha", []string{hashed}))

	_, ok, err := local.GetRecord(ctx, "alpha", a.ContentID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = local.GetRecord(ctx, "beta", b.ContentID)
	require.NoError(t, err)
	assert.True(t, ok, "deleting from one category must not touch another")
}

// TestLocal_CategoryRecords verifies the scan surfaces decodable
// records and reports malformed entries without failing.
func TestLocal_CategoryRecords(t *testing.T) {
	local := openLocal(t)
	ctx := context.Background()

	records := []*datatypes.CommitRecord{
		revealedRecord(1, "c1", "one"),
		revealedRecord(2, "c1", "two"),
	}
	require.NoError(t, local.UpsertRecords(ctx, "c1", records))

	// Plant a corrupted entry directly.
	require.NoError(t, local.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(recordKey("c1", "deadbeef"), []byte("{broken"))
	}))

	got, malformed, err := local.CategoryRecords(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.Len(t, malformed, 1)
	assert.Equal(t, "deadbeef", malformed[0])

	require.NoError(t, local.DeleteRecords(ctx, "c1", malformed))
	count, err := local.CountRecords(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// TestLocal_UpsertOverwrites verifies a re-upsert replaces the stored
// record for the same content identity.
func TestLocal_UpsertOverwrites(t *testing.T) {
	local := openLocal(t)
	ctx := context.Background()

	rec := revealedRecord(1, "c1", "artifact")
	require.NoError(t, local.UpsertRecords(ctx, "c1", []*datatypes.CommitRecord{rec}))

	rec.ScoringLogs = []datatypes.ScoringLog{{InputHash: "h1", Score: 0.9}}
	require.NoError(t, local.UpsertRecords(ctx, "c1", []*datatypes.CommitRecord{rec}))

	got, ok, err := local.GetRecord(ctx, "c1", rec.ContentID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.ScoringLogs, 1)
	assert.Equal(t, 0.9, got.ScoringLogs[0].Score)
}
