/*
Package metrics provides Prometheus metrics collection and exposition for the
orchestration core.

The metrics package defines and registers all daemon metrics using the
Prometheus client library, providing observability into session state, queue
depth, container health, log collection throughput, and usage accounting.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (sessions in flight) │          │
	│  │  Counter: Monotonic increases (retries)     │          │
	│  │  Histogram: Distributions (dispatch time)   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Session Manager: status gauges, in-flight  │          │
	│  │  Instruction Worker: job counts, retries    │          │
	│  │  Health Monitor: healthy/unhealthy/recover  │          │
	│  │  Log Collector: attachments, entry counts   │          │
	│  │  Usage Accountant: cost micros              │          │
	│  │  Event Bus: dropped event count             │          │
	│  │  Lifecycle Coordinator: cycle duration      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: sessions in flight, healthy container count
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: instruction retries, dead letters
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Examples: instruction dispatch duration, reconciliation cycle duration
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Session Manager Metrics:

sandboxd_sessions_total{status}:
  - Type: Gauge
  - Description: Total number of assistant sessions by status
  - Example: sandboxd_sessions_total{status="running"} 5

sandboxd_sessions_in_flight:
  - Type: Gauge
  - Description: Number of sessions currently dispatching an instruction

Instruction Worker Metrics:

sandboxd_instruction_jobs_total{status}:
  - Type: Gauge
  - Description: Total instruction jobs across all containers by status
  - Example: sandboxd_instruction_jobs_total{status="active"} 3

sandboxd_instruction_dispatch_duration_seconds:
  - Type: Histogram
  - Description: Time for one instruction stage-machine pipeline to complete

sandboxd_instruction_retries_total:
  - Type: Counter
  - Description: Total instruction retry attempts scheduled

sandboxd_instruction_dead_letters_total:
  - Type: Counter
  - Description: Total instructions that exhausted max_attempts

Health Monitor Metrics:

sandboxd_healthy_containers_total, sandboxd_unhealthy_containers_total,
sandboxd_recovering_containers_total:
  - Type: Gauge
  - Description: Container counts by last-probe outcome

Log Collector Metrics:

sandboxd_log_attachments_total:
  - Type: Gauge
  - Description: Number of containers with a live log-stream attachment

sandboxd_log_entries_total:
  - Type: Gauge
  - Description: Cumulative number of log entries persisted by the collector

Usage Accountant Metrics:

sandboxd_usage_cost_micros_total:
  - Type: Gauge
  - Description: Cumulative recorded assistant cost in micros (24h window)

Event Bus Metrics:

sandboxd_event_bus_dropped_total:
  - Type: Gauge
  - Description: Cumulative number of events dropped for a full subscriber queue

Lifecycle Coordinator Metrics:

sandboxd_reconciliation_duration_seconds:
  - Type: Histogram
  - Description: on_start/on_stop cycle duration

sandboxd_reconciliation_cycles_total:
  - Type: Counter
  - Description: Total lifecycle cycles completed

sandboxd_lifecycle_drain_timeouts_total:
  - Type: Counter
  - Description: Total on_stop calls that hit the 30s active-job drain bound

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/sandboxd/pkg/metrics"

	metrics.SessionsTotal.WithLabelValues("running").Set(5)
	metrics.SessionsInFlight.Inc()
	metrics.SessionsInFlight.Dec()

Updating Counter Metrics:

	metrics.InstructionRetriesTotal.Inc()
	metrics.InstructionDeadLettersTotal.Add(1)

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.InstructionDispatchDuration)

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/session: Session status and in-flight gauges
  - pkg/queue: Job status gauges, sampled by Collector
  - pkg/health: Healthy/unhealthy/recovering gauges
  - pkg/logcollector: Attachment and entry-count gauges
  - pkg/events: Dropped-event gauge
  - pkg/reconciler: Reconciliation duration and cycle counters
  - Prometheus: Scrapes /metrics endpoint

sandboxd_instruction_dispatch_duration_seconds,
sandboxd_instruction_retries_total, sandboxd_instruction_dead_letters_total
and sandboxd_usage_cost_micros_total are registered, but no package in this
module updates them; pkg/instruction and pkg/usage do not import this
package.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (status enums only)
  - Never label by container ID or job ID — unbounded cardinality

Timer Pattern:
  - Create timer at operation start
  - Call ObserveDuration (or ObserveDurationVec) when the operation finishes

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
