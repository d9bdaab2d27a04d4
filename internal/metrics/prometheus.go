package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cql_driver"

var (
	// Singleton instance registered with the default registry
	instance *DriverMetrics
	once     sync.Once
)

// DriverMetrics handles all metrics collection for a driver session
type DriverMetrics struct {
	gatherer prometheus.Gatherer

	// Cluster metrics
	NodesTotal prometheus.Gauge
	NodesUp    prometheus.Gauge

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	RetriesTotal     *prometheus.CounterVec

	// Pool metrics
	PoolConnections     *prometheus.GaugeVec
	PoolAcquireTimeouts *prometheus.CounterVec

	// Statement cache metrics
	StatementCacheHits   prometheus.Counter
	StatementCacheMisses prometheus.Counter

	// Admin API metrics
	AdminRequestsTotal *prometheus.CounterVec
}

// NewDriverMetrics creates driver metrics registered with reg. A nil reg gets a private registry.
func NewDriverMetrics(reg prometheus.Registerer) *DriverMetrics {
	var gatherer prometheus.Gatherer
	switch r := reg.(type) {
	case nil:
		private := prometheus.NewRegistry()
		reg, gatherer = private, private
	case prometheus.Gatherer:
		gatherer = r
	default:
		gatherer = prometheus.DefaultGatherer
	}
	factory := promauto.With(reg)

	return &DriverMetrics{
		gatherer: gatherer,

		// Cluster metrics
		NodesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "The number of nodes known to the driver",
		}),
		NodesUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_up",
			Help:      "The number of nodes eligible for routing",
		}),

		// Request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "The total number of executed requests",
			},
			[]string{"operation", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "The request latencies in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "The number of requests currently being executed",
		}),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "The total number of retried attempts",
			},
			[]string{"reason"},
		),

		// Pool metrics
		PoolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_open_connections",
				Help:      "The number of open connections per node",
			},
			[]string{"node"},
		),
		PoolAcquireTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquire_timeouts_total",
				Help:      "The number of acquire calls that gave up waiting for a connection",
			},
			[]string{"node"},
		),

		// Statement cache metrics
		StatementCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statement_cache_hits_total",
			Help:      "The number of prepared statements served from the cache",
		}),
		StatementCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statement_cache_misses_total",
			Help:      "The number of prepared statements that required a PREPARE request",
		}),

		AdminRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_requests_total",
				Help:      "The total number of admin API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
	}
}

// GetMetrics returns the singleton DriverMetrics registered with the default registry
func GetMetrics() *DriverMetrics {
	once.Do(func() {
		instance = NewDriverMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

// Handler serves the metrics this instance is registered with
func (dm *DriverMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(dm.gatherer, promhttp.HandlerOpts{})
}

// SetNodes updates the cluster node gauges
func (dm *DriverMetrics) SetNodes(total, up int) {
	dm.NodesTotal.Set(float64(total))
	dm.NodesUp.Set(float64(up))
}

// RecordRequest records a finished request with its operation and outcome
func (dm *DriverMetrics) RecordRequest(operation, outcome string, duration time.Duration) {
	dm.RequestsTotal.WithLabelValues(operation, outcome).Inc()
	dm.RequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncRequestsInFlight increments the number of requests in flight
func (dm *DriverMetrics) IncRequestsInFlight() {
	dm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (dm *DriverMetrics) DecRequestsInFlight() {
	dm.RequestsInFlight.Dec()
}

// RecordRetry records one retried attempt
func (dm *DriverMetrics) RecordRetry(reason string) {
	dm.RetriesTotal.WithLabelValues(reason).Inc()
}

// SetPoolConnections sets the open connection count of node
func (dm *DriverMetrics) SetPoolConnections(node string, open int) {
	dm.PoolConnections.WithLabelValues(node).Set(float64(open))
}

// DeletePool drops the per-node pool series of an evicted node
func (dm *DriverMetrics) DeletePool(node string) {
	dm.PoolConnections.DeleteLabelValues(node)
}

// RecordAcquireTimeout records an acquire that timed out on node
func (dm *DriverMetrics) RecordAcquireTimeout(node string) {
	dm.PoolAcquireTimeouts.WithLabelValues(node).Inc()
}

// RecordCacheHit records a statement cache hit
func (dm *DriverMetrics) RecordCacheHit() {
	dm.StatementCacheHits.Inc()
}

// RecordCacheMiss records a statement cache miss
func (dm *DriverMetrics) RecordCacheMiss() {
	dm.StatementCacheMisses.Inc()
}
