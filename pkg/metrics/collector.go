package metrics

import (
	"context"
	"time"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/health"
	"github.com/cuemby/sandboxd/pkg/logcollector"
	"github.com/cuemby/sandboxd/pkg/queue"
	"github.com/cuemby/sandboxd/pkg/session"
	"github.com/cuemby/sandboxd/pkg/types"
)

// ContainerLister is the subset of the external container-record layer the
// collector needs to know which containers to poll per-container adapters
// (queue, health) for.
type ContainerLister interface {
	ListRunning(ctx context.Context) ([]types.Container, error)
}

// Collector periodically samples the orchestration core's own components
// (sessions, queues, health, the log collector) and publishes the results
// as Prometheus gauges.
type Collector struct {
	sessions *session.Manager
	queue    queue.Store
	health   *health.Monitor
	logs     *logcollector.Collector
	bus      *events.Bus
	lister   ContainerLister

	stopCh chan struct{}
}

// NewCollector constructs a Collector. lister may be nil; when absent,
// queue/health aggregation falls back to sessions.List()'s container set.
func NewCollector(sessions *session.Manager, q queue.Store, h *health.Monitor, logs *logcollector.Collector, bus *events.Bus, lister ContainerLister) *Collector {
	return &Collector{
		sessions: sessions,
		queue:    q,
		health:   h,
		logs:     logs,
		bus:      bus,
		lister:   lister,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s cadence.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	c.collectSessionMetrics()
	c.collectQueueMetrics(ctx)
	c.collectHealthMetrics(ctx)
	c.collectLogMetrics()
	c.collectEventBusMetrics()
}

func (c *Collector) collectSessionMetrics() {
	sessions := c.sessions.List()

	counts := make(map[types.SessionStatus]int)
	inFlight := 0
	for _, s := range sessions {
		counts[s.Status]++
		if s.InFlight {
			inFlight++
		}
	}

	for _, status := range []types.SessionStatus{
		types.SessionStarting, types.SessionRunning, types.SessionProcessing,
		types.SessionStopping, types.SessionStopped, types.SessionError,
	} {
		SessionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	SessionsInFlight.Set(float64(inFlight))
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	containerIDs := c.containerIDs(ctx)

	var totals types.QueueStats
	for _, id := range containerIDs {
		stats, err := c.queue.Stats(ctx, id)
		if err != nil {
			continue
		}
		totals.Waiting += stats.Waiting
		totals.Active += stats.Active
		totals.Completed += stats.Completed
		totals.Failed += stats.Failed
		totals.Delayed += stats.Delayed
	}

	InstructionJobsTotal.WithLabelValues(string(types.JobWaiting)).Set(float64(totals.Waiting))
	InstructionJobsTotal.WithLabelValues(string(types.JobActive)).Set(float64(totals.Active))
	InstructionJobsTotal.WithLabelValues(string(types.JobCompleted)).Set(float64(totals.Completed))
	InstructionJobsTotal.WithLabelValues(string(types.JobFailed)).Set(float64(totals.Failed))
	InstructionJobsTotal.WithLabelValues(string(types.JobDelayed)).Set(float64(totals.Delayed))
}

// containerIDs prefers the external lister (the authoritative container
// set) and falls back to whatever the Session Manager currently tracks so
// the collector still reports something useful without it wired.
func (c *Collector) containerIDs(ctx context.Context) []string {
	if c.lister != nil {
		if containers, err := c.lister.ListRunning(ctx); err == nil {
			ids := make([]string, len(containers))
			for i, ct := range containers {
				ids[i] = ct.ID
			}
			return ids
		}
	}
	sessions := c.sessions.List()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ContainerID
	}
	return ids
}

func (c *Collector) collectHealthMetrics(ctx context.Context) {
	if c.health == nil {
		return
	}
	var healthy, unhealthy, recovering int
	for _, id := range c.containerIDs(ctx) {
		state, ok := c.health.Status(id)
		if !ok {
			continue
		}
		if state.Recovering {
			recovering++
		} else if state.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	HealthyContainersTotal.Set(float64(healthy))
	UnhealthyContainersTotal.Set(float64(unhealthy))
	RecoveringContainersTotal.Set(float64(recovering))
}

func (c *Collector) collectLogMetrics() {
	if c.logs == nil {
		return
	}
	stats := c.logs.Stats()
	LogAttachmentsTotal.Set(float64(stats.Attached))
	LogEntriesTotal.Set(float64(stats.CumulativeCount))
	LogEntriesRatePerSecond.Set(stats.RatePerSecond)
}

func (c *Collector) collectEventBusMetrics() {
	if c.bus == nil {
		return
	}
	EventBusDroppedTotal.Set(float64(c.bus.Dropped()))
}
