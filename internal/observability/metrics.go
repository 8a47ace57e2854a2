package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total controller HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Controller HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "dispatch_total",
			Help:      "Commands dispatched to executors by outcome.",
		},
		[]string{"outcome"},
	)
	ingested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "ingest_total",
			Help:      "Inbound executor messages by kind.",
		},
		[]string{"kind"},
	)
	retrievals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "retrieve_total",
			Help:      "Response retrievals by wait mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	retrieveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "retrieve_duration_seconds",
			Help:      "Response retrieval latency in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 2, 4, 8, 10},
		},
		[]string{"mode", "outcome"},
	)
	evicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "evicted_total",
			Help:      "Stored responses removed by the TTL sweep.",
		},
	)
	documentFetches = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "documents",
			Name:      "fetch_duration_seconds",
			Help:      "Document fetch latency by source (cache, upstream) and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source", "status"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayctl",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Executor connections currently open.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dispatches,
			ingested,
			retrievals,
			retrieveDuration,
			evicted,
			documentFetches,
			connections,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(outcome string) {
	RegisterMetrics()
	dispatches.WithLabelValues(outcome).Inc()
}

func RecordIngest(kind string) {
	RegisterMetrics()
	ingested.WithLabelValues(kind).Inc()
}

func RecordRetrieve(mode, outcome string, duration time.Duration) {
	RegisterMetrics()
	retrievals.WithLabelValues(mode, outcome).Inc()
	retrieveDuration.WithLabelValues(mode, outcome).Observe(duration.Seconds())
}

func RecordEvicted(n int) {
	RegisterMetrics()
	if n > 0 {
		evicted.Add(float64(n))
	}
}

func RecordDocumentFetch(source string, status int, duration time.Duration) {
	RegisterMetrics()
	documentFetches.WithLabelValues(source, strconv.Itoa(status)).Observe(duration.Seconds())
}

func ConnectionOpened() {
	RegisterMetrics()
	connections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connections.Dec()
}
