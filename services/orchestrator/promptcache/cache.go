// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package promptcache provides the in-process cache of per-engine prompt
// configuration (instructions, description, reference documents).
//
// The cache supports two retention policies behind one interface: TTL mode
// re-fetches after a fixed duration; permanent mode fetches once per process
// lifetime. Fetch failures degrade to an empty configuration rather than
// failing the request, so a broken editing surface never takes chat down.
package promptcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/prompt"
)

// Mode selects the retention policy.
type Mode string

const (
	// ModeTTL re-fetches an engine's configuration after TTL elapses.
	ModeTTL Mode = "ttl"

	// ModePermanent fetches once per process lifetime and never refreshes.
	ModePermanent Mode = "permanent"
)

// DefaultTTL is the re-fetch interval for TTL mode.
const DefaultTTL = 300 * time.Second

// ConfigFetcher loads engine configuration from the document store.
// *storage.Store satisfies this.
type ConfigFetcher interface {
	GetEngineConfig(ctx context.Context, engineID string) (datatypes.EngineConfig, error)
}

// Entry is a cached engine configuration plus its pre-rendered static
// prompt section. Rendering happens once per fetch so per-request prompt
// assembly only adds the dynamic section.
type Entry struct {
	Config datatypes.EngineConfig
	Static prompt.StaticSection
}

// Metrics receives cache hit/miss notifications.
// *observability.StreamingMetrics satisfies this.
type Metrics interface {
	CacheHit()
	CacheMiss()
}

// Config configures a Cache.
type Config struct {
	// Mode selects TTL or permanent retention. Default: ModeTTL.
	Mode Mode

	// TTL is the re-fetch interval in TTL mode. Default: DefaultTTL.
	TTL time.Duration

	// Metrics is optional; nil disables cache instrumentation.
	Metrics Metrics
}

// Cache is the process-wide prompt configuration cache.
//
// # Description
//
// Get returns the cached entry when present and fresh, otherwise fetches
// from the store, populates the cache, and returns the fresh value.
// Concurrent misses for the same engine are collapsed with singleflight;
// a duplicate fetch-and-populate from a race is harmless (last writer
// wins, the underlying data is idempotent per engine).
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mode    Mode
	ttl     time.Duration
	fetcher ConfigFetcher

	mu      sync.RWMutex
	entries map[string]cachedEntry

	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

type cachedEntry struct {
	entry     Entry
	fetchedAt time.Time
}

// New creates a Cache over the given fetcher.
func New(fetcher ConfigFetcher, cfg Config) *Cache {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeTTL
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		mode:    mode,
		ttl:     ttl,
		fetcher: fetcher,
		entries: make(map[string]cachedEntry),
		now:     time.Now,
		logger:  slog.Default(),
		metrics: cfg.Metrics,
	}
}

// Get returns the engine's cached entry, fetching on miss or expiry.
//
// Get never fails: when the store cannot produce a configuration the
// returned entry carries empty instruction/description/documents and the
// engine degrades to generic behavior. Degraded entries are not cached,
// so the next request retries the fetch.
func (c *Cache) Get(ctx context.Context, engineID string) Entry {
	c.mu.RLock()
	cached, ok := c.entries[engineID]
	c.mu.RUnlock()

	if ok {
		if c.mode == ModePermanent || c.now().Sub(cached.fetchedAt) < c.ttl {
			c.logger.Debug("prompt config cache hit", "engine_id", engineID)
			if c.metrics != nil {
				c.metrics.CacheHit()
			}
			return cached.entry
		}
		c.logger.Info("prompt config cache expired", "engine_id", engineID,
			"fetched_at", cached.fetchedAt)
	} else {
		c.logger.Info("prompt config cache miss", "engine_id", engineID)
	}
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}

	v, _, _ := c.group.Do(engineID, func() (interface{}, error) {
		return c.fetch(ctx, engineID), nil
	})
	return v.(Entry)
}

// fetch loads from the store and populates the cache on success.
func (c *Cache) fetch(ctx context.Context, engineID string) Entry {
	cfg, err := c.fetcher.GetEngineConfig(ctx, engineID)
	if err != nil {
		c.logger.Warn("prompt config fetch failed, degrading to generic behavior",
			"engine_id", engineID,
			"error", err,
		)
		return Entry{
			Config: datatypes.EngineConfig{EngineID: engineID, FetchedAt: c.now()},
		}
	}

	cfg.FetchedAt = c.now()
	entry := Entry{
		Config: cfg,
		Static: prompt.NewStaticSection(cfg),
	}

	c.mu.Lock()
	c.entries[engineID] = cachedEntry{entry: entry, fetchedAt: cfg.FetchedAt}
	c.mu.Unlock()

	return entry
}
