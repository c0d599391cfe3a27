package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Admin API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Consistency metrics
	QuorumFailures   prometheus.Counter
	CommittedWrites  prometheus.Counter
	StaleSecondaries *prometheus.CounterVec

	// Replica metrics
	ReplicasAvailable prometheus.Gauge
	ReplicaWrites     *prometheus.CounterVec
	ReplicaReads      *prometheus.CounterVec

	// Client cache metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	Invalidations *prometheus.CounterVec

	// Invalidation push metrics
	PushesTotal   *prometheus.CounterVec
	PushesDropped prometheus.Counter
}

// NewMetrics creates Prometheus metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "requests_total",
				Help:      "Total number of coordinator requests processed",
			},
			[]string{"operation", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sitefs",
				Name:      "request_duration_seconds",
				Help:      "Duration of coordinator request processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of admin API requests by route template",
			},
			[]string{"route", "method", "code"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sitefs",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of admin API requests by route template",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		QuorumFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "quorum_failures_total",
				Help:      "Total number of writes aborted because quorum was not available",
			},
		),

		CommittedWrites: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "committed_writes_total",
				Help:      "Total number of writes committed at a primary",
			},
		),

		StaleSecondaries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "stale_secondaries_total",
				Help:      "Secondaries left behind by a committed write",
			},
			[]string{"site"},
		),

		ReplicasAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sitefs",
				Name:      "replicas_available",
				Help:      "Number of replicas currently available",
			},
		),

		ReplicaWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "replica_writes_total",
				Help:      "Total number of updates applied per replica",
			},
			[]string{"site", "status"},
		),

		ReplicaReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "replica_reads_total",
				Help:      "Total number of reads served per replica",
			},
			[]string{"site", "status"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Subsystem: "client",
				Name:      "cache_hits_total",
				Help:      "Total number of client cache hits",
			},
			[]string{"client"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Subsystem: "client",
				Name:      "cache_misses_total",
				Help:      "Total number of client cache misses or stale entries",
			},
			[]string{"client"},
		),

		Invalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Subsystem: "client",
				Name:      "invalidations_total",
				Help:      "Total number of invalidations received by clients",
			},
			[]string{"client"},
		),

		PushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "invalidation_pushes_total",
				Help:      "Total number of invalidation callbacks dispatched",
			},
			[]string{"site"},
		),

		PushesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sitefs",
				Name:      "invalidation_pushes_dropped_total",
				Help:      "Invalidation callbacks dropped because the dispatch queue was full",
			},
		),
	}
}

// NewNopMetrics returns metrics registered on a private registry, for tests
// and tools that never expose them.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordRequest records a coordinator request and its duration
func (m *Metrics) RecordRequest(operation, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordHTTPRequest records one admin API request against its route template
func (m *Metrics) RecordHTTPRequest(route, method string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}

// RecordQuorumFailure records a write aborted for lack of quorum
func (m *Metrics) RecordQuorumFailure() {
	m.QuorumFailures.Inc()
}

// RecordCommit records a write committed at the primary
func (m *Metrics) RecordCommit() {
	m.CommittedWrites.Inc()
}

// RecordStaleSecondary records a secondary skipped by a committed write
func (m *Metrics) RecordStaleSecondary(site string) {
	m.StaleSecondaries.WithLabelValues(site).Inc()
}

// UpdateReplicasAvailable updates the available replicas gauge
func (m *Metrics) UpdateReplicasAvailable(count int) {
	m.ReplicasAvailable.Set(float64(count))
}

// RecordReplicaWrite records an update applied to a replica
func (m *Metrics) RecordReplicaWrite(site, status string) {
	m.ReplicaWrites.WithLabelValues(site, status).Inc()
}

// RecordReplicaRead records a read served by a replica
func (m *Metrics) RecordReplicaRead(site, status string) {
	m.ReplicaReads.WithLabelValues(site, status).Inc()
}

// RecordCacheHit records a client cache hit
func (m *Metrics) RecordCacheHit(client string) {
	m.CacheHits.WithLabelValues(client).Inc()
}

// RecordCacheMiss records a client cache miss
func (m *Metrics) RecordCacheMiss(client string) {
	m.CacheMisses.WithLabelValues(client).Inc()
}

// RecordInvalidation records an invalidation received by a client
func (m *Metrics) RecordInvalidation(client string) {
	m.Invalidations.WithLabelValues(client).Inc()
}

// RecordPush records invalidation callbacks dispatched by a replica
func (m *Metrics) RecordPush(site string, count int) {
	m.PushesTotal.WithLabelValues(site).Add(float64(count))
}

// RecordPushDropped records an invalidation callback that could not be queued
func (m *Metrics) RecordPushDropped() {
	m.PushesDropped.Inc()
}
