// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package promptcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

type countingFetcher struct {
	calls atomic.Int64
	cfg   datatypes.EngineConfig
	err   error
}

func (f *countingFetcher) GetEngineConfig(ctx context.Context, engineID string) (datatypes.EngineConfig, error) {
	f.calls.Add(1)
	if f.err != nil {
		return datatypes.EngineConfig{}, f.err
	}
	cfg := f.cfg
	cfg.EngineID = engineID
	return cfg, nil
}

func newTestCache(fetcher ConfigFetcher, cfg Config) (*Cache, *time.Time) {
	c := New(fetcher, cfg)
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestGetFetchesOncePerTTL(t *testing.T) {
	fetcher := &countingFetcher{cfg: datatypes.EngineConfig{Instruction: "정확히 3개"}}
	cache, now := newTestCache(fetcher, Config{Mode: ModeTTL, TTL: 300 * time.Second})
	ctx := context.Background()

	first := cache.Get(ctx, "engine-1")
	assert.Equal(t, "정확히 3개", first.Config.Instruction)

	// Within the TTL every Get is served from memory.
	for i := 0; i < 5; i++ {
		*now = now.Add(30 * time.Second)
		cache.Get(ctx, "engine-1")
	}
	assert.EqualValues(t, 1, fetcher.calls.Load())

	// Crossing the TTL triggers exactly one re-fetch.
	*now = now.Add(200 * time.Second)
	cache.Get(ctx, "engine-1")
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestGetPermanentModeNeverRefetches(t *testing.T) {
	fetcher := &countingFetcher{}
	cache, now := newTestCache(fetcher, Config{Mode: ModePermanent})
	ctx := context.Background()

	cache.Get(ctx, "engine-1")
	*now = now.Add(24 * time.Hour)
	cache.Get(ctx, "engine-1")
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestGetDistinctEnginesCachedSeparately(t *testing.T) {
	fetcher := &countingFetcher{}
	cache, _ := newTestCache(fetcher, Config{})
	ctx := context.Background()

	a := cache.Get(ctx, "engine-a")
	b := cache.Get(ctx, "engine-b")
	assert.Equal(t, "engine-a", a.Config.EngineID)
	assert.Equal(t, "engine-b", b.Config.EngineID)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestGetDegradesOnFetchFailure(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("store down")}
	cache, _ := newTestCache(fetcher, Config{})
	ctx := context.Background()

	entry := cache.Get(ctx, "engine-1")
	assert.True(t, entry.Config.IsDegraded())
	assert.Equal(t, "engine-1", entry.Config.EngineID)

	// Degraded entries are not cached: the next Get retries the fetch
	// and picks up the recovered store.
	fetcher.err = nil
	fetcher.cfg = datatypes.EngineConfig{Instruction: "지침"}
	recovered := cache.Get(ctx, "engine-1")
	require.False(t, recovered.Config.IsDegraded())
	assert.Equal(t, "지침", recovered.Config.Instruction)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestGetPreRendersStaticSection(t *testing.T) {
	fetcher := &countingFetcher{cfg: datatypes.EngineConfig{
		Description: "여행 전문 어시스턴트",
		Instruction: "여행지를 추천해 주세요.",
	}}
	cache, _ := newTestCache(fetcher, Config{})

	entry := cache.Get(context.Background(), "engine-1")
	rendered := entry.Static.Render()
	assert.Contains(t, rendered, "여행 전문 어시스턴트")
	assert.Contains(t, rendered, "[지침]")
}
