package telemetry

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// MappingMetrics holds the Prometheus collectors for the mapping service.
// A nil *MappingMetrics is valid and records nothing.
type MappingMetrics struct {
	registry *prometheus.Registry

	CacheLookups       *prometheus.CounterVec
	CacheLatency       *prometheus.HistogramVec
	StoreOperations    *prometheus.CounterVec
	StoreLatency       *prometheus.HistogramVec
	PopulateQueueDepth prometheus.Gauge
	PopulateDropped    prometheus.Counter
	PopulateFailures   prometheus.Counter
	Repoints           prometheus.Counter
	BulkEntries        *prometheus.CounterVec
}

// NewMappingMetrics creates the collectors on a private registry together
// with the Go runtime and process collectors.
func NewMappingMetrics(namespace string) *MappingMetrics {
	if namespace == "" {
		namespace = "rostersync"
	}
	m := &MappingMetrics{
		registry: prometheus.NewRegistry(),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mapping_cache",
				Name:      "lookups_total",
				Help:      "Mapping cache lookups by operation and result (hit, miss, error)",
			},
			[]string{"operation", "result"},
		),
		CacheLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mapping_cache",
				Name:      "operation_duration_seconds",
				Help:      "Mapping cache operation latency",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"operation"},
		),
		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mapping_store",
				Name:      "operations_total",
				Help:      "Mapping store operations by operation and outcome code",
			},
			[]string{"operation", "outcome"},
		),
		StoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mapping_store",
				Name:      "operation_duration_seconds",
				Help:      "Mapping store operation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		PopulateQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mapping_cache",
			Name:      "populate_queue_depth",
			Help:      "Background cache population tasks waiting for a worker",
		}),
		PopulateDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapping_cache",
			Name:      "populate_dropped_total",
			Help:      "Background cache population tasks dropped because the queue was full",
		}),
		PopulateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapping_cache",
			Name:      "populate_failures_total",
			Help:      "Background cache population tasks that failed",
		}),
		Repoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapping",
			Name:      "repoints_total",
			Help:      "Forced re-points of an existing correlation",
		}),
		BulkEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mapping",
				Name:      "bulk_entries_total",
				Help:      "Entries processed by bulk create by outcome (created, updated, failed)",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.CacheLookups,
		m.CacheLatency,
		m.StoreOperations,
		m.StoreLatency,
		m.PopulateQueueDepth,
		m.PopulateDropped,
		m.PopulateFailures,
		m.Repoints,
		m.BulkEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterDB exports the connection pool statistics of the mapping store
func (m *MappingMetrics) RegisterDB(db *sql.DB, dbName string) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(collectors.NewDBStatsCollector(db, dbName))
}

// Registry returns the underlying Prometheus registry
func (m *MappingMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *MappingMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCache records one cache lookup
func (m *MappingMetrics) ObserveCache(operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(operation, result).Inc()
	m.CacheLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveStore records one store call. outcome is "ok" or an error code.
func (m *MappingMetrics) ObserveStore(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(operation, outcome).Inc()
	m.StoreLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetPopulateQueueDepth reports the current population backlog
func (m *MappingMetrics) SetPopulateQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PopulateQueueDepth.Set(float64(n))
}

// IncPopulateDropped counts a population task rejected by a full queue
func (m *MappingMetrics) IncPopulateDropped() {
	if m == nil {
		return
	}
	m.PopulateDropped.Inc()
}

// IncPopulateFailure counts a population task that errored
func (m *MappingMetrics) IncPopulateFailure() {
	if m == nil {
		return
	}
	m.PopulateFailures.Inc()
}

// AddRepoints counts forced re-points
func (m *MappingMetrics) AddRepoints(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Repoints.Add(float64(n))
}

// AddBulk counts the outcome of a bulk create
func (m *MappingMetrics) AddBulk(created, updated, failed int) {
	if m == nil {
		return
	}
	m.BulkEntries.WithLabelValues("created").Add(float64(created))
	m.BulkEntries.WithLabelValues("updated").Add(float64(updated))
	m.BulkEntries.WithLabelValues("failed").Add(float64(failed))
}
