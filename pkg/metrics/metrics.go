package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session Manager metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_sessions_total",
			Help: "Total number of assistant sessions by status",
		},
		[]string{"status"},
	)

	SessionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_sessions_in_flight",
			Help: "Number of sessions currently dispatching an instruction",
		},
	)

	// Instruction Worker / Queue Store Adapter metrics
	InstructionJobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_instruction_jobs_total",
			Help: "Total number of instruction jobs across all containers by status",
		},
		[]string{"status"},
	)

	InstructionDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_instruction_dispatch_duration_seconds",
			Help:    "Time taken for one instruction stage-machine pipeline to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstructionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_instruction_retries_total",
			Help: "Total number of instruction retry attempts scheduled",
		},
	)

	InstructionDeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_instruction_dead_letters_total",
			Help: "Total number of instructions that exhausted max_attempts",
		},
	)

	// Health Monitor metrics
	HealthyContainersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_healthy_containers_total",
			Help: "Number of containers whose last probe reported healthy",
		},
	)

	UnhealthyContainersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_unhealthy_containers_total",
			Help: "Number of containers whose last probe reported unhealthy",
		},
	)

	RecoveringContainersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_recovering_containers_total",
			Help: "Number of containers currently in a bounded recovery attempt",
		},
	)

	// Log Collector metrics
	LogAttachmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_log_attachments_total",
			Help: "Number of containers with a live log-stream attachment",
		},
	)

	LogEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_log_entries_total",
			Help: "Cumulative number of log entries persisted by the collector",
		},
	)

	LogEntriesRatePerSecond = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_log_entries_rate_per_second",
			Help: "Sliding 60-sample per-second rate of log entries persisted by the collector",
		},
	)

	// Usage Accountant metrics
	UsageCostMicrosTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_usage_cost_micros_total",
			Help: "Cumulative recorded assistant cost in micros over the last 24h window",
		},
	)

	// Event Bus metrics
	EventBusDroppedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_event_bus_dropped_total",
			Help: "Cumulative number of events dropped because a subscriber's queue was full",
		},
	)

	// Lifecycle Coordinator metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_reconciliation_duration_seconds",
			Help:    "Time taken for a lifecycle coordinator on_start/on_stop cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reconciliation_cycles_total",
			Help: "Total number of lifecycle coordinator cycles completed",
		},
	)

	LifecycleDrainTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_lifecycle_drain_timeouts_total",
			Help: "Total number of on_stop calls that hit the 30s active-job drain bound",
		},
	)

	// Telemetry glue: the orchestratord process's own resource usage,
	// sampled via gopsutil rather than an external agent.
	ProcessCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_process_cpu_percent",
			Help: "orchestratord's own CPU utilization percent, sampled over the last interval",
		},
	)

	ProcessRSSBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_process_rss_bytes",
			Help: "orchestratord's own resident set size in bytes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		SessionsInFlight,
		InstructionJobsTotal,
		InstructionDispatchDuration,
		InstructionRetriesTotal,
		InstructionDeadLettersTotal,
		HealthyContainersTotal,
		UnhealthyContainersTotal,
		RecoveringContainersTotal,
		LogAttachmentsTotal,
		LogEntriesTotal,
		LogEntriesRatePerSecond,
		UsageCostMicrosTotal,
		EventBusDroppedTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		LifecycleDrainTimeoutsTotal,
		ProcessCPUPercent,
		ProcessRSSBytes,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
