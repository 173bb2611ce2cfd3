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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// recordKeyPrefix namespaces the per-category record caches inside the
// shared Badger keyspace.
const recordKeyPrefix = "rec/"

// Local is the warm tier: per-category caches of commit records keyed
// by hashed content key. It backs reference-pool resolution and the
// startup consistency repair.
//
// Key layout: rec/<category>/<hashed cache key>.
type Local struct {
	db     *DB
	logger *slog.Logger
}

// NewLocal wraps an open database as the local record store.
func NewLocal(db *DB, logger *slog.Logger) *Local {
	return &Local{db: db, logger: logger}
}

func recordKey(category, hashedKey string) []byte {
	return []byte(recordKeyPrefix + category + "/" + hashedKey)
}

func categoryPrefix(category string) []byte {
	return []byte(recordKeyPrefix + category + "/")
}

// UpsertRecords writes the records into the category's cache in one
// transaction. Records without a content identity are skipped; there is
// nothing stable to key them by until they reveal.
func (l *Local) UpsertRecords(ctx context.Context, category string, records []*datatypes.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	skipped := 0
	err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, rec := range records {
			if rec == nil || rec.ContentID == "" {
				skipped++
				continue
			}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling record %s: %w", rec.Entity(), err)
			}
			key := recordKey(category, datatypes.HashedCacheKey(category, rec.ContentID))
			if err := txn.Set(key, val); err != nil {
				return fmt.Errorf("writing record %s: %w", rec.Entity(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if skipped > 0 {
		l.logger.Debug("skipped unrevealed records on upsert",
			"category", category, "skipped", skipped)
	}
	return nil
}

// GetRecord looks one record up by content identity.
func (l *Local) GetRecord(ctx context.Context, category, contentID string) (*datatypes.CommitRecord, bool, error) {
	var rec *datatypes.CommitRecord
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(category, datatypes.HashedCacheKey(category, contentID)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded datatypes.CommitRecord
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			rec = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// CategoryRecords loads every decodable record in the category's cache.
//
// Outputs:
//
//	records - The decodable records, in key order.
//	malformed - Hashed keys of entries that failed to decode. The
//	  caller decides whether to delete them (consistency repair does).
//	error - Non-nil only on storage failure, never on bad entries.
func (l *Local) CategoryRecords(ctx context.Context, category string) ([]*datatypes.CommitRecord, []string, error) {
	var records []*datatypes.CommitRecord
	var malformed []string
	prefix := categoryPrefix(category)

	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			hashedKey := strings.TrimPrefix(string(item.Key()), string(prefix))
			err := item.Value(func(val []byte) error {
				var decoded datatypes.CommitRecord
				if err := json.Unmarshal(val, &decoded); err != nil {
					malformed = append(malformed, hashedKey)
					return nil
				}
				records = append(records, &decoded)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scanning category %s: %w", category, err)
	}
	if len(malformed) > 0 {
		l.logger.Warn("malformed records in local category cache",
			"category", category, "malformed", len(malformed))
	}
	return records, malformed, nil
}

// DeleteRecords removes entries from the category's cache by hashed key.
func (l *Local) DeleteRecords(ctx context.Context, category string, hashedKeys []string) error {
	if len(hashedKeys) == 0 {
		return nil
	}
	return l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, hashedKey := range hashedKeys {
			if err := txn.Delete(recordKey(category, hashedKey)); err != nil {
				return fmt.Errorf("deleting %s: %w", hashedKey, err)
			}
		}
		return nil
	})
}

// Close releases the underlying database.
func (l *Local) Close() error {
	return l.db.Close()
}

// CountRecords reports how many entries the category's cache holds,
// decodable or not.
func (l *Local) CountRecords(ctx context.Context, category string) (int, error) {
	count := 0
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = categoryPrefix(category)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
