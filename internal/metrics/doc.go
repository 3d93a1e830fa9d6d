/*
Package metrics provides Prometheus metrics for the data cache.

# Overview

The Collector owns a private Prometheus registry and records cache reads and
writes, evictions, stored bytes per tier, preload task outcomes, invalidation
bus traffic and upstream fetch latency. Every method is safe on a nil or
disabled Collector, so components take one as an optional dependency.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	┌──────▼───────┐         ┌─────────────────┐
	│  Prometheus  │  ─────▶ │  Handler()      │  mounted by pkg/api at /metrics
	│   Registry   │         │  Start(): own   │
	└──────────────┘         │  port, optional │
	                         └─────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "datacache",
	})
	if err != nil {
		return err
	}

	collector.RecordCacheLookup(metrics.ResultHit)
	collector.RecordEviction(metrics.ReasonOldest, removed)

	start := time.Now()
	data, err := fetch(ctx)
	collector.RecordOperation("produtos", time.Since(start), err == nil)

# Exported Series

Counters:
  - datacache_cache_lookups_total{result}: hit, miss, expired, corrupt
  - datacache_cache_sets_total{status}
  - datacache_cache_evictions_total{reason}: oldest, expired, corrupt, invalidated
  - datacache_preload_tasks_total{outcome}: completed, retried, dropped, skipped
  - datacache_bus_events_total{topic}

Gauges:
  - datacache_cache_stored_bytes{tier}
  - datacache_preload_queued, datacache_preload_in_flight

Histograms:
  - datacache_fetch_duration_seconds{operation,status}

Keep label values low-cardinality: cache types and page names are fine, entry
keys are not.
*/
package metrics
