// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound indicates the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// errSkipWrite is returned by update callbacks to abort the write while
// reporting success to the caller. Used for idempotent (duplicate) saves.
var errSkipWrite = errors.New("skip write")

// SkipWrite lets an update callback turn the transaction into a no-op that
// still reports success. The conversation store uses this for duplicate
// turn detection.
func SkipWrite() error { return errSkipWrite }

// updateConflictRetries bounds the optimistic-concurrency retry loop for
// read-modify-write updates. Badger aborts a transaction with ErrConflict
// when a concurrent writer touched the same key first.
const updateConflictRetries = 5

// =============================================================================
// Key Layout
// =============================================================================

// The store uses a flat key space with prefixed composite keys:
//
//	engine/<engineID>                 -> datatypes.EngineConfig
//	conv/<ownerID>/<conversationID>   -> datatypes.ConversationRecord
//	convidx/<conversationID>          -> ownerID (secondary index)
//	usage/<ownerID>/<engineID>/<period> -> datatypes.UsageRecord

func engineKey(engineID string) []byte {
	return []byte("engine/" + engineID)
}

func conversationKey(ownerID, conversationID string) []byte {
	return []byte("conv/" + ownerID + "/" + conversationID)
}

func conversationIndexKey(conversationID string) []byte {
	return []byte("convidx/" + conversationID)
}

func usageKey(ownerID, engineID, period string) []byte {
	return []byte("usage/" + ownerID + "/" + engineID + "/" + period)
}

// =============================================================================
// Store
// =============================================================================

// Store is the BadgerDB-backed document store.
//
// # Description
//
// Store implements the key-value contract the orchestrator depends on:
// point lookup by composite key, read-modify-write updates with optimistic
// concurrency, atomic additive usage counters, and a secondary-index query
// path for resolving a conversation's owner from its identifier alone.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions provide snapshot isolation;
// conflicting updates are retried.
type Store struct {
	db       *badger.DB
	gcRunner *gcRunner
	logger   *slog.Logger
}

// Open opens the document store with the given configuration.
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcRunner = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gcRunner.start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gcRunner != nil {
		s.gcRunner.stop()
	}
	return s.db.Close()
}

// getJSON reads and unmarshals one key inside a read transaction.
func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

// setJSON marshals and writes one key inside a write transaction.
func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// =============================================================================
// Engine Configurations
// =============================================================================

// GetEngineConfig fetches the configuration for one engine.
// Returns ErrNotFound if no configuration exists for the identifier.
func (s *Store) GetEngineConfig(ctx context.Context, engineID string) (datatypes.EngineConfig, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.EngineConfig{}, err
	}

	var cfg datatypes.EngineConfig
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, engineKey(engineID), &cfg)
	})
	if err != nil {
		return datatypes.EngineConfig{}, err
	}
	return cfg, nil
}

// PutEngineConfig writes an engine configuration. The orchestrator itself
// only reads configs; this path serves the editing surface and tests.
func (s *Store) PutEngineConfig(ctx context.Context, cfg datatypes.EngineConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, engineKey(cfg.EngineID), cfg)
	})
}

// =============================================================================
// Conversations
// =============================================================================

// GetConversation fetches a conversation record by its composite key.
func (s *Store) GetConversation(ctx context.Context, ownerID, conversationID string) (datatypes.ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.ConversationRecord{}, err
	}

	var rec datatypes.ConversationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, conversationKey(ownerID, conversationID), &rec)
	})
	if err != nil {
		return datatypes.ConversationRecord{}, err
	}
	return rec, nil
}

// ResolveOwner looks up the owning user for a conversation identifier via
// the secondary index. Returns ErrNotFound for unknown conversations.
func (s *Store) ResolveOwner(ctx context.Context, conversationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var owner string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(conversationIndexKey(conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			owner = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return owner, nil
}

// UpdateConversation performs a read-modify-write on a conversation record.
//
// # Description
//
// If no record exists, fn receives a zero record with the key fields set
// and created reports true. The callback mutates the record in place; the
// write and the secondary index entry are committed atomically. A callback
// returning SkipWrite() aborts the write but reports success, which is how
// duplicate turn saves stay idempotent.
//
// Conflicting concurrent updates are retried up to updateConflictRetries
// times; there is no exclusive lock on the record.
func (s *Store) UpdateConversation(ctx context.Context, ownerID, conversationID string,
	fn func(rec *datatypes.ConversationRecord, created bool) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < updateConflictRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			var rec datatypes.ConversationRecord
			created := false

			err := getJSON(txn, conversationKey(ownerID, conversationID), &rec)
			if errors.Is(err, ErrNotFound) {
				rec = datatypes.ConversationRecord{
					ConversationID: conversationID,
					OwnerID:        ownerID,
				}
				created = true
			} else if err != nil {
				return err
			}

			if err := fn(&rec, created); err != nil {
				return err
			}

			if err := setJSON(txn, conversationKey(ownerID, conversationID), rec); err != nil {
				return err
			}
			return txn.Set(conversationIndexKey(conversationID), []byte(ownerID))
		})

		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	s.logger.Warn("conversation update exhausted conflict retries",
		"conversation_id", conversationID,
		"retries", updateConflictRetries,
	)
	return fmt.Errorf("update conversation %s: %w", conversationID, lastErr)
}

// =============================================================================
// Usage Counters
// =============================================================================

// AddUsage merges a usage delta into the per-owner, per-engine, per-period
// counter. The merge happens inside a transaction so concurrent writers
// from overlapping conversations cannot lose increments.
func (s *Store) AddUsage(ctx context.Context, ownerID, engineID, period string, delta datatypes.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := usageKey(ownerID, engineID, period)

	var lastErr error
	for attempt := 0; attempt < updateConflictRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			var rec datatypes.UsageRecord
			if err := getJSON(txn, key, &rec); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			rec.Add(delta)
			return setJSON(txn, key, rec)
		})

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("add usage %s/%s/%s: %w", ownerID, engineID, period, lastErr)
}

// GetUsage fetches the usage counters for one owner/engine/period.
// Returns a zero record when no usage has been recorded.
func (s *Store) GetUsage(ctx context.Context, ownerID, engineID, period string) (datatypes.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.UsageRecord{}, err
	}

	var rec datatypes.UsageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, usageKey(ownerID, engineID, period), &rec)
	})
	if errors.Is(err, ErrNotFound) {
		return datatypes.UsageRecord{}, nil
	}
	if err != nil {
		return datatypes.UsageRecord{}, err
	}
	return rec, nil
}
