// Package metrics collects and exposes memlink runtime observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package, a pattern kept from the
// teacher's dashboard+Prometheus split:
//
//  1. The in-process Metrics struct (per-opcode counters + a minute-level
//     time series), served as JSON by JSONHandler and TimeSeriesHandler
//     without a Prometheus sidecar. cmd/memlinkctl mounts neither; its
//     admin /metrics route is the Prometheus handler.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordOp is called by the root package on every request/response round
// trip and must be as fast as possible. It uses atomic increments for
// global and per-opcode counters and dispatches a lightweight event onto
// a buffered channel (tsChan) for the time-series worker to process
// asynchronously, avoiding any lock on the hot path — unchanged from the
// teacher's invocation-recording design.
//
// # Invariants
//
//   - TotalOps == SuccessOps + FailedOps (maintained by RecordOp).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Ops          int64
	Errors       int64
	TotalLatency int64
	Count        int64
}

// Metrics collects and exposes memlink client-side runtime metrics.
type Metrics struct {
	TotalOps  atomic.Int64
	SuccessOps atomic.Int64
	FailedOps atomic.Int64
	Hits      atomic.Int64
	Misses    atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	RingServers       atomic.Int32
	QuarantineEvents  atomic.Int64
	RevivalEvents     atomic.Int64
	FailoverRoutes    atomic.Int64

	// Per-opcode metrics
	opMetrics sync.Map // opcode name -> *OpMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// OpMetrics tracks metrics for a single opcode (e.g. "Get", "Set").
type OpMetrics struct {
	Count    atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordOp records one opcode round trip: its name, latency, a hit/miss
// flag (counted only for the Get-family opcodes Get, GetQ, GetK, GetKQ,
// GAT and GATQ; ignored for every other opcode), and success.
func RecordOp(opcode string, durationMs int64, hit bool, success bool) {
	global.recordOp(opcode, durationMs, hit, success)
}

func (m *Metrics) recordOp(opcode string, durationMs int64, hit bool, success bool) {
	m.TotalOps.Add(1)
	if success {
		m.SuccessOps.Add(1)
	} else {
		m.FailedOps.Add(1)
	}
	switch opcode {
	case "Get", "GetQ", "GetK", "GetKQ", "GAT", "GATQ":
		if hit {
			m.Hits.Add(1)
			RecordPrometheusHit()
		} else {
			m.Misses.Add(1)
			RecordPrometheusMiss()
		}
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	om := m.getOpMetrics(opcode)
	om.Count.Add(1)
	if success {
		om.Successes.Add(1)
	} else {
		om.Failures.Add(1)
	}
	om.TotalMs.Add(durationMs)
	updateMin(&om.MinMs, durationMs)
	updateMax(&om.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)
	RecordPrometheusOp(opcode, durationMs, success)
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Ops++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordQuarantine records a server transitioning Live -> Quarantined.
func RecordQuarantine() {
	global.QuarantineEvents.Add(1)
	RecordPrometheusQuarantine()
}

// RecordRevival records a server transitioning Quarantined -> Live.
func RecordRevival() {
	global.RevivalEvents.Add(1)
	RecordPrometheusRevival()
}

// RecordFailoverRoute records a multi-op or scalar op routed to a
// failover server instead of its primary.
func RecordFailoverRoute() {
	global.FailoverRoutes.Add(1)
	RecordPrometheusFailoverRoute()
}

// SetRingSize records the current number of live servers in the ring.
func SetRingSize(n int) {
	global.RingServers.Store(int32(n))
	SetPrometheusRingSize(n)
}

// SetPoolGauges records the idle/active/peak connection counts for one
// server key's pool.
func SetPoolGauges(key string, active, idle, peak int) {
	SetPrometheusPoolGauges(key, active, idle, peak)
}

func (m *Metrics) getOpMetrics(opcode string) *OpMetrics {
	if v, ok := m.opMetrics.Load(opcode); ok {
		return v.(*OpMetrics)
	}
	om := &OpMetrics{}
	om.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.opMetrics.LoadOrStore(opcode, om)
	return actual.(*OpMetrics)
}

// GetOpMetrics returns the metrics for a specific opcode, or nil if none
// recorded yet.
func (m *Metrics) GetOpMetrics(opcode string) *OpMetrics {
	if v, ok := m.opMetrics.Load(opcode); ok {
		return v.(*OpMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalOps.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	hits := m.Hits.Load()
	misses := m.Misses.Load()
	hitRatio := float64(0)
	if hits+misses > 0 {
		hitRatio = float64(hits) / float64(hits+misses)
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"ops": map[string]interface{}{
			"total":   total,
			"success": m.SuccessOps.Load(),
			"failed":  m.FailedOps.Load(),
		},
		"cache": map[string]interface{}{
			"hits":      hits,
			"misses":    misses,
			"hit_ratio": hitRatio,
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"ring": map[string]interface{}{
			"servers":         m.RingServers.Load(),
			"quarantines":     m.QuarantineEvents.Load(),
			"revivals":        m.RevivalEvents.Load(),
			"failover_routes": m.FailoverRoutes.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// OpStats returns per-opcode metrics.
func (m *Metrics) OpStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.opMetrics.Range(func(key, value interface{}) bool {
		opcode := key.(string)
		om := value.(*OpMetrics)

		total := om.Count.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(om.TotalMs.Load()) / float64(total)
		}

		minMs := om.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[opcode] = map[string]interface{}{
			"count":     total,
			"successes": om.Successes.Load(),
			"failures":  om.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    om.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON
// format, the admin endpoint's data source.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["opcodes"] = m.OpStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24
// hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"ops":          bucket.Ops,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
