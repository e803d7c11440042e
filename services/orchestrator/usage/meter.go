// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package usage accumulates per-owner, per-engine token counters bucketed
// by calendar month.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/storage"
)

// periodLayout buckets usage by calendar month ("2025-09").
const periodLayout = "2006-01"

// Meter records token usage into the document store.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying store merges concurrent
// increments transactionally.
type Meter struct {
	docs   *storage.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewMeter creates a usage meter over the document store.
func NewMeter(docs *storage.Store) *Meter {
	return &Meter{
		docs:   docs,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Record adds one exchange's token counts to the owner's current-month
// bucket for the engine. Failures are returned but are expected to be
// treated as non-fatal by callers: metering must never fail a chat.
func (m *Meter) Record(ctx context.Context, ownerID, engineID string, inputTokens, outputTokens int) error {
	period := m.now().UTC().Format(periodLayout)

	delta := datatypes.UsageRecord{
		InputTokens:  int64(inputTokens),
		OutputTokens: int64(outputTokens),
		TotalTokens:  int64(inputTokens + outputTokens),
		MessageCount: 1,
		LastUsedAt:   m.now().UTC(),
	}

	if err := m.docs.AddUsage(ctx, ownerID, engineID, period, delta); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Get returns the accumulated usage for an owner, engine, and period
// ("YYYY-MM"). A missing bucket yields a zero record.
func (m *Meter) Get(ctx context.Context, ownerID, engineID, period string) (datatypes.UsageRecord, error) {
	return m.docs.GetUsage(ctx, ownerID, engineID, period)
}

// EstimateTokens approximates the token count of text when the provider
// did not report usage. CJK characters tokenize close to one token each;
// Latin text averages about four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Hangul, r) || unicode.Is(unicode.Han, r) ||
			unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) {
			cjk++
		} else {
			other++
		}
	}
	est := cjk + (other+3)/4
	if est < 1 {
		est = 1
	}
	return est
}
