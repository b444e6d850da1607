// Package metrics provides Prometheus metrics for routemesh nodes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all routemesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// NodeMetrics holds all Prometheus metrics for a routemesh node.
type NodeMetrics struct {
	// Router counters (labeled by resolution source)
	RequestsTotal  *prometheus.CounterVec // labels: source (region:<name>, cache:local, mesh:peer)
	RequestsFailed prometheus.Counter
	RegionFailures *prometheus.CounterVec // labels: region

	// Health and mesh gauges
	MeshModeEnabled prometheus.Gauge // 1 while no primary region is healthy
	HealthyRegions  prometheus.Gauge
	KnownPeers      prometheus.Gauge

	// Cache counters and gauges
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntries   prometheus.Gauge

	// Replicator counters
	Replications prometheus.Counter
	Conflicts    prometheus.Counter
	Resolved     prometheus.Counter
	ReplFailures prometheus.Counter
	GapsDetected prometheus.Counter
	GapsFilled   prometheus.Counter

	// Per-source fetch latency
	SourceLatency *prometheus.HistogramVec // labels: source
}

// InitMetrics initializes all metrics with the node ID as a constant label.
func InitMetrics(nodeID string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeID,
	}

	m := &NodeMetrics{
		RequestsTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "routemesh_requests_total",
			Help:        "Total routed requests by resolution source",
			ConstLabels: constLabels,
		}, []string{"source"}),
		RequestsFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_requests_failed_total",
			Help:        "Requests that exhausted regions, cache and mesh",
			ConstLabels: constLabels,
		}),
		RegionFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "routemesh_region_failures_total",
			Help:        "Forwarding and probe failures per region",
			ConstLabels: constLabels,
		}, []string{"region"}),

		MeshModeEnabled: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "routemesh_mesh_mode_enabled",
			Help:        "Whether mesh fallback mode is active (1) or not (0)",
			ConstLabels: constLabels,
		}),
		HealthyRegions: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "routemesh_healthy_regions",
			Help:        "Number of regions currently below the failure threshold",
			ConstLabels: constLabels,
		}),
		KnownPeers: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "routemesh_known_peers",
			Help:        "Number of live peers in the registry",
			ConstLabels: constLabels,
		}),

		CacheHits: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_cache_hits_total",
			Help:        "Response cache hits",
			ConstLabels: constLabels,
		}),
		CacheMisses: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_cache_misses_total",
			Help:        "Response cache misses, including TTL expiries",
			ConstLabels: constLabels,
		}),
		CacheEvictions: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_cache_evictions_total",
			Help:        "Entries evicted to make room at capacity",
			ConstLabels: constLabels,
		}),
		CacheEntries: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "routemesh_cache_entries",
			Help:        "Current number of cached responses",
			ConstLabels: constLabels,
		}),

		Replications: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_replications_total",
			Help:        "Total replicate calls",
			ConstLabels: constLabels,
		}),
		Conflicts: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_replication_conflicts_total",
			Help:        "Replications where source deviation exceeded max variance",
			ConstLabels: constLabels,
		}),
		Resolved: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_replication_resolved_total",
			Help:        "Multi-source replications resolved by the configured strategy",
			ConstLabels: constLabels,
		}),
		ReplFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_replication_failures_total",
			Help:        "Replications where every source failed",
			ConstLabels: constLabels,
		}),
		GapsDetected: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_gaps_detected_total",
			Help:        "History gaps reported by the gap detector",
			ConstLabels: constLabels,
		}),
		GapsFilled: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "routemesh_gaps_filled_total",
			Help:        "History gaps successfully backfilled",
			ConstLabels: constLabels,
		}),

		SourceLatency: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "routemesh_source_fetch_seconds",
			Help:        "Fetch latency per data source",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"source"}),
	}

	return m
}
