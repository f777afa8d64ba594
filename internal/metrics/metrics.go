// Package metrics collects and exposes pipeline observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-phase counters + time series) for
//     a lightweight JSON /metrics endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets a dashboard work without a Prometheus sidecar while
// still supporting enterprise monitoring stacks — the same split the
// originating implementation's metrics module used.
//
// # Concurrency — hot path
//
// RecordUnitExecution is called once per unit by every phase runner, in a
// loop over the joined results, and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously.
// This avoids holding any lock on the hot path.
//
// The per-phase PhaseMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-phase entries is
// read-heavy and write-once-per-new-phase, which is the ideal use case for
// sync.Map.
//
// # Invariants
//
//   - TotalUnits == SuccessUnits + FailedUnits (maintained by
//     RecordUnitExecution).
//   - RetriedUnits <= TotalUnits.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
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
	Units        int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes pipeline runtime metrics.
type Metrics struct {
	// Unit execution metrics
	TotalUnits   atomic.Int64
	SuccessUnits atomic.Int64
	FailedUnits  atomic.Int64
	RetriedUnits atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Detonation VM metrics
	VMsCreated atomic.Int64
	VMsStopped atomic.Int64
	VMsCrashed atomic.Int64

	// Per-phase metrics
	phaseMetrics sync.Map // phase name -> *PhaseMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// PhaseMetrics tracks metrics for a single pipeline phase (sanitize, scan,
// detonate).
type PhaseMetrics struct {
	Units    atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	Retries   atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
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

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordUnitExecution records one (file, engine) unit's terminal outcome
// after a phase's fan-out has joined.
func (m *Metrics) RecordUnitExecution(phase string, durationMs int64, retried bool, success bool) {
	m.TotalUnits.Add(1)

	if success {
		m.SuccessUnits.Add(1)
	} else {
		m.FailedUnits.Add(1)
	}
	if retried {
		m.RetriedUnits.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-phase metrics
	pm := m.getPhaseMetrics(phase)
	pm.Units.Add(1)
	if success {
		pm.Successes.Add(1)
	} else {
		pm.Failures.Add(1)
	}
	if retried {
		pm.Retries.Add(1)
	}
	pm.TotalMs.Add(durationMs)
	updateMin(&pm.MinMs, durationMs)
	updateMax(&pm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusUnitExecution(phase, durationMs, retried, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot execution path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	// Check if we need to rotate buckets
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

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Units++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVMCreated records a new detonation VM creation
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a detonation VM being torn down
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a detonation VM crash (e.g. a health check that
// never got a response and had to be force-recycled)
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

func (m *Metrics) getPhaseMetrics(phase string) *PhaseMetrics {
	if v, ok := m.phaseMetrics.Load(phase); ok {
		return v.(*PhaseMetrics)
	}

	pm := &PhaseMetrics{}
	pm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.phaseMetrics.LoadOrStore(phase, pm)
	return actual.(*PhaseMetrics)
}

// GetPhaseMetrics returns the metrics for a specific phase (or nil if none recorded yet)
func (m *Metrics) GetPhaseMetrics(phase string) *PhaseMetrics {
	if v, ok := m.phaseMetrics.Load(phase); ok {
		return v.(*PhaseMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalUnits.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"units": map[string]interface{}{
			"total":   total,
			"success": m.SuccessUnits.Load(),
			"failed":  m.FailedUnits.Load(),
			"retried": m.RetriedUnits.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"vms": map[string]interface{}{
			"created": m.VMsCreated.Load(),
			"stopped": m.VMsStopped.Load(),
			"crashed": m.VMsCrashed.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// PhaseStats returns per-phase metrics
func (m *Metrics) PhaseStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.phaseMetrics.Range(func(key, value interface{}) bool {
		phase := key.(string)
		pm := value.(*PhaseMetrics)

		total := pm.Units.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(pm.TotalMs.Load()) / float64(total)
		}

		minMs := pm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[phase] = map[string]interface{}{
			"units":      total,
			"successes": pm.Successes.Load(),
			"failures":  pm.Failures.Load(),
			"retries":   pm.Retries.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    pm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["phases"] = m.PhaseStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
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
			"units":        bucket.Units,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

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
