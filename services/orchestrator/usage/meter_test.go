// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoul-2025/chatcore/services/orchestrator/storage"
)

func newTestMeter(t *testing.T) *Meter {
	t.Helper()
	docs, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	return NewMeter(docs)
}

func TestRecordAccumulatesInMonthlyBucket(t *testing.T) {
	meter := newTestMeter(t)
	meter.now = func() time.Time {
		return time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)
	}
	ctx := context.Background()

	require.NoError(t, meter.Record(ctx, "owner-1", "engine-1", 100, 250))
	require.NoError(t, meter.Record(ctx, "owner-1", "engine-1", 50, 50))

	rec, err := meter.Get(ctx, "owner-1", "engine-1", "2025-09")
	require.NoError(t, err)
	assert.Equal(t, int64(150), rec.InputTokens)
	assert.Equal(t, int64(300), rec.OutputTokens)
	assert.Equal(t, int64(450), rec.TotalTokens)
	assert.Equal(t, int64(2), rec.MessageCount)
}

func TestRecordMonthBoundary(t *testing.T) {
	meter := newTestMeter(t)
	ctx := context.Background()

	meter.now = func() time.Time {
		return time.Date(2025, 9, 30, 23, 59, 0, 0, time.UTC)
	}
	require.NoError(t, meter.Record(ctx, "owner-1", "engine-1", 10, 10))

	meter.now = func() time.Time {
		return time.Date(2025, 10, 1, 0, 1, 0, 0, time.UTC)
	}
	require.NoError(t, meter.Record(ctx, "owner-1", "engine-1", 20, 20))

	sep, err := meter.Get(ctx, "owner-1", "engine-1", "2025-09")
	require.NoError(t, err)
	assert.Equal(t, int64(20), sep.TotalTokens)

	oct, err := meter.Get(ctx, "owner-1", "engine-1", "2025-10")
	require.NoError(t, err)
	assert.Equal(t, int64(40), oct.TotalTokens)
}

func TestGetMissingBucketIsZero(t *testing.T) {
	meter := newTestMeter(t)

	rec, err := meter.Get(context.Background(), "nobody", "nothing", "2025-01")
	require.NoError(t, err)
	assert.Zero(t, rec.TotalTokens)
	assert.Zero(t, rec.MessageCount)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))

	// Hangul counts roughly one token per character.
	assert.Equal(t, 5, EstimateTokens("안녕하세요"))

	// Latin text averages about four characters per token.
	assert.Equal(t, 3, EstimateTokens("hello world!"))

	// Mixed text sums both estimates.
	mixed := EstimateTokens("제주도 JEJU")
	assert.Greater(t, mixed, 3)
}
