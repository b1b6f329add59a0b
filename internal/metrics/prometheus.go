package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for memlink metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	opsTotal    *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	uptime prometheus.GaugeFunc

	ringSize           prometheus.Gauge
	quarantineTotal    prometheus.Counter
	revivalTotal       prometheus.Counter
	failoverRouteTotal prometheus.Counter

	poolConnections *prometheus.GaugeVec // labels: server, state (active|idle)
	poolPeak        *prometheus.GaugeVec // labels: server

	inflightRequests prometheus.Gauge
}

var defaultBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under the
// given namespace (e.g. "memlink").
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_total",
				Help:      "Total number of opcode round trips, by opcode and status",
			},
			[]string{"opcode", "status"},
		),

		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "op_duration_milliseconds",
				Help:      "Duration of opcode round trips in milliseconds",
				Buckets:   buckets,
			},
			[]string{"opcode"},
		),

		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total Get-family opcodes that found a value",
			},
		),

		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total Get-family opcodes that found no value",
			},
		),

		ringSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ring_servers",
				Help:      "Current number of live servers in the hash ring",
			},
		),

		quarantineTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quarantine_events_total",
				Help:      "Total server Live -> Quarantined transitions",
			},
		),

		revivalTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revival_events_total",
				Help:      "Total server Quarantined -> Live transitions",
			},
		),

		failoverRouteTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_routes_total",
				Help:      "Total operations routed to a failover server",
			},
		),

		poolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections",
				Help:      "Current pooled connection count by server and state",
			},
			[]string{"server", "state"},
		),

		poolPeak: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_peak_connections",
				Help:      "Historical peak pooled connection count by server",
			},
			[]string{"server"},
		),

		inflightRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_requests",
				Help:      "Number of requests currently awaiting a response",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the memlink client was initialized",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.opsTotal,
		pm.opDuration,
		pm.cacheHits,
		pm.cacheMisses,
		pm.uptime,
		pm.ringSize,
		pm.quarantineTotal,
		pm.revivalTotal,
		pm.failoverRouteTotal,
		pm.poolConnections,
		pm.poolPeak,
		pm.inflightRequests,
	)

	promMetrics = pm
}

// RecordPrometheusOp records an opcode round trip in Prometheus
// collectors.
func RecordPrometheusOp(opcode string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.opsTotal.WithLabelValues(opcode, status).Inc()
	promMetrics.opDuration.WithLabelValues(opcode).Observe(float64(durationMs))
}

// RecordPrometheusHit records a Get-family opcode finding a value.
func RecordPrometheusHit() {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheHits.Inc()
}

// RecordPrometheusMiss records a Get-family opcode finding no value.
func RecordPrometheusMiss() {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheMisses.Inc()
}

// SetPrometheusRingSize sets the current live server count gauge.
func SetPrometheusRingSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.ringSize.Set(float64(n))
}

// RecordPrometheusQuarantine records a Live -> Quarantined transition.
func RecordPrometheusQuarantine() {
	if promMetrics == nil {
		return
	}
	promMetrics.quarantineTotal.Inc()
}

// RecordPrometheusRevival records a Quarantined -> Live transition.
func RecordPrometheusRevival() {
	if promMetrics == nil {
		return
	}
	promMetrics.revivalTotal.Inc()
}

// RecordPrometheusFailoverRoute records an operation routed to a
// failover server.
func RecordPrometheusFailoverRoute() {
	if promMetrics == nil {
		return
	}
	promMetrics.failoverRouteTotal.Inc()
}

// SetPrometheusPoolGauges sets the active/idle/peak connection gauges
// for one server's pool.
func SetPrometheusPoolGauges(server string, active, idle, peak int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolConnections.WithLabelValues(server, "active").Set(float64(active))
	promMetrics.poolConnections.WithLabelValues(server, "idle").Set(float64(idle))
	promMetrics.poolPeak.WithLabelValues(server).Set(float64(peak))
}

// IncInflightRequests increments the in-flight request gauge. Nothing
// in this repository calls it or DecInflightRequests, so the gauge stays
// at zero.
func IncInflightRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightRequests.Inc()
}

// DecInflightRequests decrements the in-flight request gauge.
func DecInflightRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightRequests.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics
// scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom
// collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
