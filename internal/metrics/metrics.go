// Package metrics exposes the process's Prometheus collectors: trace
// engine activity, event-log replay, and the same runtime/system gauges
// the teacher exposes (goroutines, memory, GC).
package metrics

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Counter for traces run, partitioned by kind (forward, backward) and
	// strategy (single_step, maintaining_set, using_mappings; single_pass for
	// forward traces).
	TracesRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_traces_run_total",
			Help: "Total number of traces executed",
		},
		[]string{"kind", "strategy"},
	)

	// Histogram for trace wall-clock duration.
	TraceDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lineagetrace_trace_duration_seconds",
			Help:    "Time spent executing a trace",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "strategy"},
	)

	// Gauge for the number of matched elements a trace returned.
	TraceResultSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lineagetrace_trace_result_size",
			Help: "Number of elements returned by the last trace of each kind/strategy",
		},
		[]string{"kind", "strategy"},
	)

	// Counter for tag union operations performed while lifting a
	// transformation, tracked per dataset transformation variant.
	TagUnionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_tag_unions_total",
			Help: "Total tag union operations performed during lifting",
		},
		[]string{"transformation"},
	)

	// Counter for elements assigned a fresh unique tag.
	UniqueTagsAssignedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_unique_tags_assigned_total",
			Help: "Total elements assigned a fresh singleton tag",
		},
		[]string{"component"},
	)

	// Gauge for the number of stages the stage walker decomposed a trace
	// into, by strategy.
	StagesWalkedTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lineagetrace_stages_walked",
			Help: "Number of stages decomposed for the last stage walk",
		},
		[]string{"strategy"},
	)

	// Counter for lineage errors, by component and error code.
	LineageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_errors_total",
			Help: "Total lineage core errors by component and code",
		},
		[]string{"component", "code"},
	)

	// Counter for event log entries replayed, by entry kind.
	EventLogEntriesReplayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_eventlog_entries_replayed_total",
			Help: "Total event log entries applied during replay",
		},
		[]string{"kind"},
	)

	// Counter for checksum mismatches recorded by the verifier.
	ChecksumMismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_checksum_mismatches_total",
			Help: "Total checksum mismatches recorded during replay",
		},
		[]string{"kind"},
	)

	// Histogram for how long a full log replay took.
	ReplayDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lineagetrace_replay_duration_seconds",
			Help:    "Time spent replaying an event log",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gauge for the current read offset of the event log reader.
	EventLogOffsetBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineagetrace_eventlog_offset_bytes",
			Help: "Current byte offset the event log reader has consumed",
		},
	)

	// Gauge for datasets registered so far.
	DatasetsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineagetrace_datasets_registered",
			Help: "Number of datasets registered via the event log",
		},
	)

	// Kafka event reporter metrics (mirrors the sink metrics the teacher
	// exposes for its own Kafka transport, renamed for this domain).
	EventReporterPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_event_reporter_published_total",
			Help: "Total event log entries published to the Kafka transport",
		},
		[]string{"status"},
	)

	EventReporterCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineagetrace_event_reporter_circuit_breaker_state",
			Help: "Event reporter circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Gauge for memory usage.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lineagetrace_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Gauge for number of goroutines.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineagetrace_goroutines",
			Help: "Number of goroutines",
		},
	)

	// Counter for garbage collection runs.
	GCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lineagetrace_gc_runs_total",
			Help: "Total number of garbage collection runs",
		},
	)

	// Histogram for GC pauses.
	GCPauseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lineagetrace_gc_pause_duration_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	// Gauge for open file descriptors.
	FileDescriptors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineagetrace_file_descriptors_open",
			Help: "Number of open file descriptors",
		},
	)

	// Histogram for HTTP server response time.
	ResponseTimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lineagetrace_response_time_seconds",
			Help:    "HTTP response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// Gauge for worker pool utilization.
	WorkerPoolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lineagetrace_worker_pool_utilization",
			Help: "Worker pool utilization (0.0 to 1.0)",
		},
		[]string{"pool"},
	)

	// Gauge for component health.
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lineagetrace_component_health",
			Help: "Health status of components (1 = healthy, 0 = unhealthy)",
		},
		[]string{"component_type", "component_name"},
	)

	// Dead-letter queue metrics (renamed from the teacher's DLQ metrics,
	// same shape — the DLQ is reused unmodified in this module).
	DLQStoredEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineagetrace_dlq_stored_total",
			Help: "Total entries stored in the dead letter queue",
		},
		[]string{"source", "reason"},
	)

	DLQEntriesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lineagetrace_dlq_entries_total",
			Help: "Total number of entries currently in the dead letter queue",
		},
		[]string{"source"},
	)
)

var metricsRegisteredOnce sync.Once

// MetricsServer serves the /metrics and /health HTTP endpoints.
type MetricsServer struct {
	server *http.Server
	logger *logrus.Logger
}

// NewMetricsServer builds a metrics server. promauto already registered
// every collector above against the default registry at package init, so
// this only needs to stand up the HTTP mux.
func NewMetricsServer(addr string, logger *logrus.Logger) *MetricsServer {
	metricsRegisteredOnce.Do(func() {})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start launches the metrics server in the background.
func (ms *MetricsServer) Start() error {
	ms.logger.WithField("addr", ms.server.Addr).Info("starting metrics server")

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.WithError(err).Error("metrics server error")
		}
	}()

	return nil
}

// Stop shuts the metrics server down.
func (ms *MetricsServer) Stop() error {
	ms.logger.Info("stopping metrics server")
	return ms.server.Close()
}

// RecordTraceRun records that a trace of the given kind/strategy completed
// in duration, returning resultSize matched elements.
func RecordTraceRun(kind, strategy string, duration time.Duration, resultSize int) {
	TracesRunTotal.WithLabelValues(kind, strategy).Inc()
	TraceDurationSeconds.WithLabelValues(kind, strategy).Observe(duration.Seconds())
	TraceResultSize.WithLabelValues(kind, strategy).Set(float64(resultSize))
}

// RecordTagUnion records one tag-union operation performed while lifting
// transformation.
func RecordTagUnion(transformation string) {
	TagUnionsTotal.WithLabelValues(transformation).Inc()
}

// RecordUniqueTagsAssigned records n elements assigned a fresh tag by
// component (pkg/uniquetag or pkg/stagewalker's internal tagging).
func RecordUniqueTagsAssigned(component string, n int) {
	UniqueTagsAssignedTotal.WithLabelValues(component).Add(float64(n))
}

// RecordStagesWalked records the number of stages a stage walk produced
// for strategy.
func RecordStagesWalked(strategy string, count int) {
	StagesWalkedTotal.WithLabelValues(strategy).Set(float64(count))
}

// RecordLineageError records a lineage core error by component and code.
func RecordLineageError(component, code string) {
	LineageErrorsTotal.WithLabelValues(component, code).Inc()
}

// RecordEventLogEntryReplayed records one event log entry of kind applied
// during replay.
func RecordEventLogEntryReplayed(kind string) {
	EventLogEntriesReplayedTotal.WithLabelValues(kind).Inc()
}

// RecordChecksumMismatch records a checksum mismatch of kind.
func RecordChecksumMismatch(kind string) {
	ChecksumMismatchesTotal.WithLabelValues(kind).Inc()
}

// RecordReplayDuration records how long a full replay pass took.
func RecordReplayDuration(d time.Duration) {
	ReplayDurationSeconds.Observe(d.Seconds())
}

// SetEventLogOffset updates the reader's current byte offset gauge.
func SetEventLogOffset(offset int64) {
	EventLogOffsetBytes.Set(float64(offset))
}

// SetDatasetsRegistered updates the count of datasets known to the reader.
func SetDatasetsRegistered(count int) {
	DatasetsRegistered.Set(float64(count))
}

// RecordEventReporterPublish records a Kafka publish attempt's outcome.
func RecordEventReporterPublish(status string) {
	EventReporterPublishedTotal.WithLabelValues(status).Inc()
}

// SetEventReporterCircuitBreakerState updates the breaker state gauge
// (0=closed, 1=half-open, 2=open).
func SetEventReporterCircuitBreakerState(state float64) {
	EventReporterCircuitBreakerState.Set(state)
}

// SetComponentHealth sets a component's health gauge.
func SetComponentHealth(componentType, componentName string, healthy bool) {
	var value float64
	if healthy {
		value = 1
	}
	ComponentHealth.WithLabelValues(componentType, componentName).Set(value)
}

// SetWorkerPoolUtilization updates a worker pool's utilization gauge.
func SetWorkerPoolUtilization(pool string, current, max int) {
	if max > 0 {
		WorkerPoolUtilization.WithLabelValues(pool).Set(float64(current) / float64(max))
	} else {
		WorkerPoolUtilization.WithLabelValues(pool).Set(0)
	}
}

// RecordDLQStore records an entry stored in the dead letter queue.
func RecordDLQStore(source, reason string) {
	DLQStoredEntries.WithLabelValues(source, reason).Inc()
}

// UpdateDLQStats updates the DLQ entry count gauge for source.
func UpdateDLQStats(source string, entryCount int) {
	DLQEntriesTotal.WithLabelValues(source).Set(float64(entryCount))
}

// EnhancedMetrics periodically samples runtime/system metrics, mirroring
// the teacher's background system-metrics collector.
type EnhancedMetrics struct {
	logger *logrus.Logger

	isRunning bool
	startTime time.Time
	lastNumGC uint32
}

// NewEnhancedMetrics creates a new enhanced metrics collector.
func NewEnhancedMetrics(logger *logrus.Logger) *EnhancedMetrics {
	return &EnhancedMetrics{logger: logger, startTime: time.Now()}
}

// UpdateSystemMetrics samples runtime.MemStats and goroutine/fd counts.
func (em *EnhancedMetrics) UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryUsage.WithLabelValues("heap_idle").Set(float64(m.HeapIdle))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))

	Goroutines.Set(float64(runtime.NumGoroutine()))
	GCRuns.Add(float64(m.NumGC - em.lastNumGC))
	em.lastNumGC = m.NumGC

	if m.NumGC > 0 {
		lastPauseNs := m.PauseNs[(m.NumGC+255)%256]
		GCPauseDuration.Observe(float64(lastPauseNs) / 1e9)
	}

	if fds := getOpenFileDescriptors(); fds >= 0 {
		FileDescriptors.Set(float64(fds))
	}
}

// RecordResponseTime records an HTTP response duration.
func (em *EnhancedMetrics) RecordResponseTime(endpoint, method string, duration time.Duration) {
	ResponseTimeSeconds.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Start begins the periodic system metrics sampling loop.
func (em *EnhancedMetrics) Start() error {
	if em.isRunning {
		return fmt.Errorf("enhanced metrics already running")
	}
	em.isRunning = true
	em.logger.Info("enhanced metrics collection started")
	go em.systemMetricsLoop()
	return nil
}

// Stop ends the periodic sampling loop.
func (em *EnhancedMetrics) Stop() error {
	if !em.isRunning {
		return nil
	}
	em.isRunning = false
	em.logger.Info("enhanced metrics collection stopped")
	return nil
}

func (em *EnhancedMetrics) systemMetricsLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for em.isRunning {
		select {
		case <-ticker.C:
			em.UpdateSystemMetrics()
		}
	}
}

// getOpenFileDescriptors counts open file descriptors on Linux by reading
// /proc/self/fd; returns -1 elsewhere.
func getOpenFileDescriptors() int {
	files, err := ioutil.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(files)
}
