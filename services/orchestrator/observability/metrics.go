// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus instrumentation for the
// streaming pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatcore"

// StreamingMetrics instruments the chat streaming pipeline.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type StreamingMetrics struct {
	streamsStarted   *prometheus.CounterVec
	streamsCompleted *prometheus.CounterVec
	streamsFailed    *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	dedupSkips       prometheus.Counter
	streamDuration   *prometheus.HistogramVec
	timeToFirstChunk *prometheus.HistogramVec
	activeStreams    prometheus.Gauge
}

// NewStreamingMetrics registers the streaming metrics with the registerer.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		streamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Chat streams started, by provider.",
		}, []string{"provider"}),
		streamsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_completed_total",
			Help:      "Chat streams completed successfully, by provider.",
		}, []string{"provider"}),
		streamsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Chat streams ending in a terminal error, by provider and reason.",
		}, []string{"provider", "reason"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Switches from a rate-limited primary to the fallback provider.",
		}, []string{"from", "to"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_cache_hits_total",
			Help:      "Engine config cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_cache_misses_total",
			Help:      "Engine config cache misses, including expired entries.",
		}),
		dedupSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_dedup_skips_total",
			Help:      "Turn saves skipped as duplicates.",
		}),
		streamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Wall time of a full chat stream.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"provider"}),
		timeToFirstChunk: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Latency from request receipt to the first streamed chunk.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"provider"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently in flight.",
		}),
	}
}

func (m *StreamingMetrics) StreamStarted(provider string) {
	m.streamsStarted.WithLabelValues(provider).Inc()
	m.activeStreams.Inc()
}

func (m *StreamingMetrics) StreamCompleted(provider string, duration time.Duration) {
	m.streamsCompleted.WithLabelValues(provider).Inc()
	m.streamDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.activeStreams.Dec()
}

func (m *StreamingMetrics) StreamFailed(provider, reason string) {
	m.streamsFailed.WithLabelValues(provider, reason).Inc()
	m.activeStreams.Dec()
}

func (m *StreamingMetrics) Fallback(from, to string) {
	m.fallbacks.WithLabelValues(from, to).Inc()
}

func (m *StreamingMetrics) CacheHit()  { m.cacheHits.Inc() }
func (m *StreamingMetrics) CacheMiss() { m.cacheMisses.Inc() }
func (m *StreamingMetrics) DedupSkip() { m.dedupSkips.Inc() }

func (m *StreamingMetrics) FirstChunk(provider string, latency time.Duration) {
	m.timeToFirstChunk.WithLabelValues(provider).Observe(latency.Seconds())
}
