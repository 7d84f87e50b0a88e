/*
Package reconciler implements the Lifecycle Coordinator, the only component
that mutates cross-component state across the Session Manager, Health
Monitor, Instruction Worker, Log Collector, and Queue Store Adapter.

It is driven by an external container-record layer, which calls OnStart when
a container transitions to running, OnStop when it is stopping, and OnDelete
when it is being removed permanently.

# Sequencing

OnStart runs, in order:

	Session.ensure_started → Health.start → Worker.ensure → Log.attach → Queue.resume

Each step is non-fatal to the next: a failure is logged and published to the
Event Bus, and the coordinator proceeds to the next step regardless.

OnStop runs the reverse sequence with a bounded drain:

	Queue.pause → wait-for-active-jobs (≤30s, 1s poll) → Health.stop →
	Session.stop → Worker.stop → Log.detach

The 30-second drain bound is hard. Anything still active when it elapses is
abandoned; it returns to the queue and is picked up again by the next
OnStart's Worker.ensure.

OnDelete runs OnStop, then destroys every queue record for the container.

# Startup

Bootstrap applies OnStart to every container an injected ContainerLister
reports as running, using a small fixed-size worker pool so a large fleet
doesn't serialize through one goroutine at startup.

# Design Notes

Unlike a periodic reconciliation loop, the coordinator is edge-triggered: it
reacts to explicit start/stop/delete calls from the container-record layer
rather than polling cluster state on a fixed interval. Per-container
concurrency is bounded to one OnStart/OnStop/OnDelete in flight by the
caller's own container-level locking; the coordinator does not re-serialize
across containers.

Each OnStart/OnStop cycle is timed with the Timer helper in pkg/metrics and
recorded to sandboxd_reconciliation_duration_seconds, alongside a
sandboxd_reconciliation_cycles_total counter and a
sandboxd_lifecycle_drain_timeouts_total counter for drain-bound hits.

# See Also

  - pkg/session — Session Manager
  - pkg/health — Health Monitor
  - pkg/instruction — Instruction Worker
  - pkg/logcollector — Log Collector
  - pkg/queue — Queue Store Adapter
  - pkg/events — Event Bus
*/
package reconciler
