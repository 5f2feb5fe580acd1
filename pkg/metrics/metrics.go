// Package metrics defines the Prometheus metric collectors used across the
// resolver and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the resolver.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ResolutionRunsTotal   *prometheus.CounterVec
	ResolutionDuration    *prometheus.HistogramVec
	MatchOutcomesTotal    *prometheus.CounterVec
	CandidatePairsPerRun  prometheus.Histogram
	ClusteredRecords      *prometheus.GaugeVec
	ClusterCount          *prometheus.GaugeVec
	ActiveDatasets        prometheus.Gauge
	MatchCacheHitsTotal   prometheus.Counter
	MatchCacheMissesTotal prometheus.Counter
	EventsPublishedTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"method", "path"},
		),
		ResolutionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_runs_total",
				Help: "Total resolution runs by operation (build, infer, reconcile) and status.",
			},
			[]string{"operation", "status"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolution_run_duration_seconds",
				Help:    "Resolution run duration in seconds by operation.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"operation"},
		),
		MatchOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_outcomes_total",
				Help: "Inference outcomes by result (matched, unmatched).",
			},
			[]string{"result"},
		),
		CandidatePairsPerRun: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "candidate_pairs_per_run",
				Help:    "Candidate pairs generated per build or reconcile run.",
				Buckets: prometheus.ExponentialBuckets(10, 10, 8),
			},
		),
		ClusteredRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clustered_records",
				Help: "Records with a cluster assignment, per dataset.",
			},
			[]string{"dataset"},
		),
		ClusterCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cluster_count",
				Help: "Distinct clusters per dataset.",
			},
			[]string{"dataset"},
		),
		ActiveDatasets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_datasets",
				Help: "Number of datasets with resolution state in memory.",
			},
		),
		MatchCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "match_cache_hits_total",
				Help: "Total match-cache hits.",
			},
		),
		MatchCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "match_cache_misses_total",
				Help: "Total match-cache misses.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Resolution events published to Kafka by type and status.",
			},
			[]string{"type", "status"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionRunsTotal,
		m.ResolutionDuration,
		m.MatchOutcomesTotal,
		m.CandidatePairsPerRun,
		m.ClusteredRecords,
		m.ClusterCount,
		m.ActiveDatasets,
		m.MatchCacheHitsTotal,
		m.MatchCacheMissesTotal,
		m.EventsPublishedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
