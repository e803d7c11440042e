// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation persists chat turns and merges client-supplied
// history with persisted history.
//
// There is no lock across concurrent writers for the same conversation:
// the deduplication rule in SaveTurn is the concurrency-correctness
// mechanism. Client retries and server retries can both attempt to persist
// the same user message; the second attempt is detected and skipped.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/storage"
)

// ErrOwnerRequired indicates a turn could not be saved because the
// conversation does not exist yet and no owner identifier was supplied.
var ErrOwnerRequired = errors.New("owner id is required to create a conversation")

// Config holds the store's tunable policy constants. The defaults are the
// observed production values; they are configuration, not derived limits.
type Config struct {
	// DedupWindow is how close two identical turns' timestamps must be
	// for the second to count as a duplicate. Default: 30s.
	DedupWindow time.Duration

	// DedupScan is how many of the most recent persisted turns are
	// examined for duplicates. Default: 5.
	DedupScan int

	// WorkingCap bounds the merged in-memory history. Default: 30.
	WorkingCap int

	// PersistCap bounds the persisted turn list. Default: 50.
	PersistCap int
}

// DefaultConfig returns the production policy constants.
func DefaultConfig() Config {
	return Config{
		DedupWindow: 30 * time.Second,
		DedupScan:   5,
		WorkingCap:  30,
		PersistCap:  50,
	}
}

// Store persists and retrieves conversation turns.
//
// # Thread Safety
//
// Safe for concurrent use. SaveTurn for the same conversation may race;
// the document store retries conflicting transactions and the dedup rule
// keeps retried writes idempotent.
// Metrics receives duplicate-save notifications.
// *observability.StreamingMetrics satisfies this.
type Metrics interface {
	DedupSkip()
}

type Store struct {
	docs    *storage.Store
	cfg     Config
	clock   Clock
	logger  *slog.Logger
	metrics Metrics
}

// NewStore creates a conversation store over the document store.
func NewStore(docs *storage.Store, cfg Config, clock Clock) *Store {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	if cfg.DedupScan <= 0 {
		cfg.DedupScan = DefaultConfig().DedupScan
	}
	if cfg.WorkingCap <= 0 {
		cfg.WorkingCap = DefaultConfig().WorkingCap
	}
	if cfg.PersistCap <= 0 {
		cfg.PersistCap = DefaultConfig().PersistCap
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Store{
		docs:   docs,
		cfg:    cfg,
		clock:  clock,
		logger: slog.Default(),
	}
}

// Config returns the store's policy constants.
func (s *Store) Config() Config { return s.cfg }

// SetMetrics attaches optional instrumentation. Call before first use.
func (s *Store) SetMetrics(m Metrics) { s.metrics = m }

// GetHistory returns the most recent limit turns for a conversation, or an
// empty slice if the conversation does not exist.
//
// The store's primary key is (owner, conversationID); when the caller only
// knows the conversation identifier the owner is resolved through the
// secondary index first.
func (s *Store) GetHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.ConversationTurn, error) {
	owner, err := s.docs.ResolveOwner(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve conversation owner: %w", err)
	}

	rec, err := s.docs.GetConversation(ctx, owner, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	turns := rec.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// SaveTurn appends one turn to a conversation.
//
// # Description
//
// Creates the conversation record on first save (requires a non-empty
// ownerID), appends the turn, and truncates to the persistence cap. Before
// appending, the most recent DedupScan turns are checked: an identical
// role+content turn whose timestamp is within DedupWindow of the new one
// is a duplicate, and the save is skipped while still reporting success.
func (s *Store) SaveTurn(ctx context.Context, conversationID, role, content, engineID, ownerID string) error {
	now := s.clock.Now().UTC()

	if ownerID == "" {
		resolved, err := s.docs.ResolveOwner(ctx, conversationID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOwnerRequired
		}
		if err != nil {
			return fmt.Errorf("resolve conversation owner: %w", err)
		}
		ownerID = resolved
	}

	turn := datatypes.ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: now,
		EngineID:  engineID,
		OwnerID:   ownerID,
	}

	err := s.docs.UpdateConversation(ctx, ownerID, conversationID,
		func(rec *datatypes.ConversationRecord, created bool) error {
			if s.isDuplicate(rec.Turns, turn) {
				s.logger.Info("skipping duplicate turn save",
					"conversation_id", conversationID,
					"role", role,
				)
				if s.metrics != nil {
					s.metrics.DedupSkip()
				}
				return storage.SkipWrite()
			}

			rec.Turns = append(rec.Turns, turn)
			if len(rec.Turns) > s.cfg.PersistCap {
				rec.Turns = rec.Turns[len(rec.Turns)-s.cfg.PersistCap:]
			}
			rec.UpdatedAt = now
			return nil
		})
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// isDuplicate scans the most recent DedupScan turns for an identical
// role+content turn within the dedup window.
func (s *Store) isDuplicate(existing []datatypes.ConversationTurn, candidate datatypes.ConversationTurn) bool {
	start := len(existing) - s.cfg.DedupScan
	if start < 0 {
		start = 0
	}
	for _, t := range existing[start:] {
		if t.Role != candidate.Role || t.Content != candidate.Content {
			continue
		}
		delta := candidate.Timestamp.Sub(t.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.cfg.DedupWindow {
			return true
		}
	}
	return false
}

// ClearHistory truncates a conversation's turn list. The record itself is
// kept; record deletion belongs to the external CRUD surface.
func (s *Store) ClearHistory(ctx context.Context, conversationID string) error {
	owner, err := s.docs.ResolveOwner(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve conversation owner: %w", err)
	}

	err = s.docs.UpdateConversation(ctx, owner, conversationID,
		func(rec *datatypes.ConversationRecord, created bool) error {
			rec.Turns = nil
			rec.UpdatedAt = s.clock.Now().UTC()
			return nil
		})
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// MergeHistory combines client-held and persisted history into one
// logically ordered sequence.
//
// # Description
//
// The persisted sequence is authoritative. A client turn contributes only
// when it is not already represented: turns with a timestamp are matched
// by timestamp; turns without one are dropped when their content matches
// an adjacent turn (avoiding consecutive duplicates), and otherwise take
// the preceding turn's timestamp so they hold their position. The merged
// result is sorted by timestamp and capped to the most recent WorkingCap
// turns.
func (s *Store) MergeHistory(clientHistory, storeHistory []datatypes.ConversationTurn) []datatypes.ConversationTurn {
	merged := make([]datatypes.ConversationTurn, 0, len(storeHistory)+len(clientHistory))
	merged = append(merged, storeHistory...)

	seen := make(map[int64]bool, len(storeHistory))
	for _, t := range storeHistory {
		if !t.Timestamp.IsZero() {
			seen[t.Timestamp.UnixMilli()] = true
		}
	}

	for _, t := range clientHistory {
		if !t.Timestamp.IsZero() {
			if seen[t.Timestamp.UnixMilli()] {
				continue
			}
			seen[t.Timestamp.UnixMilli()] = true
			merged = append(merged, t)
			continue
		}
		// No timestamp: compare against the adjacent (last merged) turn.
		if len(merged) > 0 {
			last := merged[len(merged)-1]
			if last.Role == t.Role && last.Content == t.Content {
				continue
			}
			// Inherit the preceding turn's timestamp so the stable sort
			// keeps this turn in place instead of floating a zero time
			// to the front (where the cap would drop it first).
			t.Timestamp = last.Timestamp
		}
		merged = append(merged, t)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	if len(merged) > s.cfg.WorkingCap {
		merged = merged[len(merged)-s.cfg.WorkingCap:]
	}
	return merged
}
