package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for pipeline metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	unitsTotal  *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	vmsCreated  prometheus.Counter
	vmsStopped  prometheus.Counter
	vmsCrashed  prometheus.Counter

	// Histograms
	unitDuration *prometheus.HistogramVec
	vmBootDuration *prometheus.HistogramVec
	vsockLatency *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	vmPool          *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	activeJobs      prometheus.Gauge
	activeVMs       prometheus.Gauge

	// Job admission control
	admissionTotal *prometheus.CounterVec
	shedTotal      *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueWaitMs    *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for unit execution duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if buckets == nil || len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Total number of phase units executed (one per file/engine pair)",
			},
			[]string{"phase", "status"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_retries_total",
				Help:      "Total number of phase unit retries",
			},
			[]string{"phase"},
		),

		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_created_total",
				Help:      "Total detonation VMs created",
			},
		),

		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_stopped_total",
				Help:      "Total detonation VMs stopped",
			},
		),

		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_crashed_total",
				Help:      "Total detonation VMs that crashed or failed health checks",
			},
		),

		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_milliseconds",
				Help:      "Duration of phase unit execution in milliseconds",
				Buckets:   buckets,
			},
			[]string{"phase", "retried"},
		),

		vmBootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vm_boot_duration_milliseconds",
				Help:      "Duration of detonation VM boot in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000},
			},
			[]string{"edr_label"},
		),

		vsockLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vsock_latency_milliseconds",
				Help:      "Latency of vsock guest-agent operations in milliseconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"operation"}, // run_command, copy_file, ping
		),

		vmPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_pool_size",
				Help:      "Current detonation VM pool size by EDR label and state",
			},
			[]string{"edr_label", "state"},
		),

		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_ratio",
				Help:      "Pool utilization ratio (busy / total) by EDR label",
			},
			[]string{"edr_label"},
		),

		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Number of currently running batch jobs",
			},
		),

		activeVMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_vms",
				Help:      "Total number of active detonation VMs across all EDR label pools",
			},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_total",
				Help:      "Job submission admission decisions by result and reason",
			},
			[]string{"result", "reason"},
		),

		shedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shed_total",
				Help:      "Job submissions rejected due to load shedding",
			},
			[]string{"reason"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "acquire_queue_depth",
				Help:      "Current number of callers waiting to acquire a detonation VM, by EDR label",
			},
			[]string{"edr_label"},
		),

		queueWaitMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "acquire_wait_milliseconds",
				Help:      "Last observed VM acquire wait in milliseconds by EDR label",
			},
			[]string{"edr_label"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state by adapter label (0=closed, 1=open, 2=half_open)",
			},
			[]string{"adapter"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions by adapter label",
			},
			[]string{"adapter", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.unitsTotal,
		pm.retriesTotal,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.unitDuration,
		pm.vmBootDuration,
		pm.vsockLatency,
		pm.uptime,
		pm.vmPool,
		pm.poolUtilization,
		pm.activeJobs,
		pm.activeVMs,
		pm.admissionTotal,
		pm.shedTotal,
		pm.queueDepth,
		pm.queueWaitMs,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusUnitExecution records a phase unit's terminal outcome in Prometheus collectors
func RecordPrometheusUnitExecution(phase string, durationMs int64, retried bool, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.unitsTotal.WithLabelValues(phase, status).Inc()

	if retried {
		promMetrics.retriesTotal.WithLabelValues(phase).Inc()
	}

	retriedLabel := "false"
	if retried {
		retriedLabel = "true"
	}
	promMetrics.unitDuration.WithLabelValues(phase, retriedLabel).Observe(float64(durationMs))
}

// RecordPrometheusVMCreated records a detonation VM creation in Prometheus
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a detonation VM stop in Prometheus
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a detonation VM crash in Prometheus
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// SetVMPoolSize sets the current VM pool size for an EDR label
func SetVMPoolSize(edrLabel string, idle, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmPool.WithLabelValues(edrLabel, "idle").Set(float64(idle))
	promMetrics.vmPool.WithLabelValues(edrLabel, "busy").Set(float64(busy))

	total := idle + busy
	if total > 0 {
		promMetrics.poolUtilization.WithLabelValues(edrLabel).Set(float64(busy) / float64(total))
	}
}

// RecordVMBootDuration records detonation VM boot time in Prometheus
func RecordVMBootDuration(edrLabel string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmBootDuration.WithLabelValues(edrLabel).Observe(float64(durationMs))
}

// RecordVsockLatency records vsock guest-agent operation latency
func RecordVsockLatency(operation string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vsockLatency.WithLabelValues(operation).Observe(durationMs)
}

// IncActiveJobs increments the active jobs counter
func IncActiveJobs() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs counter
func DecActiveJobs() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeJobs.Dec()
}

// SetActiveVMs sets the total number of active detonation VMs across all pools
func SetActiveVMs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// RecordAdmissionResult records job submission admission/rejection decisions.
func RecordAdmissionResult(result, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.admissionTotal.WithLabelValues(result, reason).Inc()
}

// RecordShed records load-shedding events for job submission.
func RecordShed(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.shedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth sets the VM-acquire queue depth gauge for an EDR label.
func SetQueueDepth(edrLabel string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(edrLabel).Set(float64(depth))
}

// SetQueueWaitMs sets the latest VM-acquire wait duration gauge for an EDR label.
func SetQueueWaitMs(edrLabel string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitMs.WithLabelValues(edrLabel).Set(float64(waitMs))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for an adapter label.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(adapter string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(adapter).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(adapter, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(adapter, toState).Inc()
}
