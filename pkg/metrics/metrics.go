/*
Copyright © 2025 Deutsche Telekom AG
*/

// Package metrics provides Prometheus metrics for the openapi-discovery-operator.
// It exposes custom metrics for reconciliation, record commits, specification
// refresh cycles and cache contents.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	// Namespace is the Prometheus metrics namespace for openapi-discovery-operator
	Namespace = "openapi_discovery"
)

var (
	// WatchEventsTotal counts the Service watch events processed by the reconciler
	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "watch_events_total",
			Help:      "Total number of Service watch events processed by the reconciler",
		},
		[]string{"type"},
	)

	// WatchRestartsTotal counts the full resynchronizations after a broken watch
	WatchRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "watch_restarts_total",
			Help:      "Total number of watch restarts followed by a full resynchronization",
		},
	)

	// ReconcilerPhase exposes the current phase of the reconciler (1 for the active phase)
	ReconcilerPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "reconciler_phase",
			Help:      "Current phase of the reconciler, 1 for the active phase and 0 otherwise",
		},
		[]string{"phase"},
	)

	// DiscoveredAPIs tracks the number of APIs in the last committed discovery record
	DiscoveredAPIs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "discovered_apis",
			Help:      "Number of APIs in the last committed discovery record",
		},
	)

	// NameCollisionsTotal counts descriptors replaced by another Service deriving the same name
	NameCollisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "name_collisions_total",
			Help:      "Total number of API name collisions between Services",
		},
	)

	// RecordCommitsTotal counts commit attempts of the discovery record per result
	RecordCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "record_commits_total",
			Help:      "Total number of discovery record commits per result",
		},
		[]string{"result"},
	)

	// RecordCommitDuration measures the duration of record commits in seconds
	RecordCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "record_commit_duration_seconds",
			Help:      "Duration of discovery record commits in seconds, including conflict retries",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RefreshCyclesTotal counts refresh cycles per result
	RefreshCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refresh_cycles_total",
			Help:      "Total number of specification refresh cycles per result",
		},
		[]string{"result"},
	)

	// RefreshCycleDuration measures the duration of refresh cycles in seconds
	RefreshCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "refresh_cycle_duration_seconds",
			Help:      "Duration of specification refresh cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SpecFetchesTotal counts specification fetches per result
	SpecFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "spec_fetches_total",
			Help:      "Total number of specification fetches per result",
		},
		[]string{"result"},
	)

	// SpecFetchDuration measures the duration of single specification fetches in seconds
	SpecFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "spec_fetch_duration_seconds",
			Help:      "Duration of specification fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// CachedAPIs tracks the cache entries per status after the last refresh cycle
	CachedAPIs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cached_apis",
			Help:      "Number of cached specifications per status",
		},
		[]string{"status"},
	)

	// CacheEvictionsTotal counts cache entries removed because their API left the discovery record
	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries removed for APIs no longer discovered",
		},
	)
)

func init() {
	// Register all metrics with controller-runtime's registry
	metrics.Registry.MustRegister(
		WatchEventsTotal,
		WatchRestartsTotal,
		ReconcilerPhase,
		DiscoveredAPIs,
		NameCollisionsTotal,
		RecordCommitsTotal,
		RecordCommitDuration,
		RefreshCyclesTotal,
		RefreshCycleDuration,
		SpecFetchesTotal,
		SpecFetchDuration,
		CachedAPIs,
		CacheEvictionsTotal,
	)
}

// Result constants for labeling outcomes
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultConflict  = "conflict"
	ResultUnchanged = "unchanged"
	ResultInvalid   = "invalid"
	ResultAborted   = "aborted"
)

// SetPhase marks phase as the active reconciler phase.
func SetPhase(phase string, all []string) {
	for _, p := range all {
		value := 0.0
		if p == phase {
			value = 1
		}
		ReconcilerPhase.WithLabelValues(p).Set(value)
	}
}
