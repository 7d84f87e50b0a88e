package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/health"
	"github.com/cuemby/sandboxd/pkg/instruction"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/logcollector"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/queue"
	"github.com/cuemby/sandboxd/pkg/session"
	"github.com/cuemby/sandboxd/pkg/telemetry"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/rs/zerolog"
)

// drainPollInterval and drainTimeout bound on_stop's wait for active jobs to
// finish before the coordinator abandons them to the next on_start.
const (
	drainPollInterval = 1 * time.Second
	drainTimeout      = 30 * time.Second
)

// ContainerLister is read by the startup entrypoint to find containers whose
// last-known status is running. Owned by an external collaborator.
type ContainerLister interface {
	ListRunning(ctx context.Context) ([]types.Container, error)
}

// worker bundles a running Instruction Worker with the cancel func that
// stops its goroutine, so the Coordinator can track exactly one per
// container the way it tracks exactly one Session and one Health entry.
type worker struct {
	w      *instruction.Worker
	cancel context.CancelFunc
}

// Coordinator is the only component that mutates cross-component state. It
// orchestrates the Session Manager, Health Monitor, Instruction Worker, Log
// Collector, and Queue Store Adapter on container start/stop/delete,
// applying a fixed sequencing on each transition and publishing every step's
// errors to the Event Bus rather than aborting the sequence.
type Coordinator struct {
	sessions  *session.Manager
	healthM   *health.Monitor
	logs      *logcollector.Collector
	queue     queue.Store
	bus       *events.Bus
	usage     instruction.UsageRecorder
	workerCfg instruction.Config

	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

// New constructs a Coordinator. workerCfg governs every per-container
// Instruction Worker spawned by on_start.
func New(sessions *session.Manager, healthM *health.Monitor, logs *logcollector.Collector, q queue.Store, bus *events.Bus, usage instruction.UsageRecorder, workerCfg instruction.Config) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		healthM:   healthM,
		logs:      logs,
		queue:     q,
		bus:       bus,
		usage:     usage,
		workerCfg: workerCfg,
		logger:    log.WithComponent("reconciler"),
		workers:   make(map[string]*worker),
	}
}

// Bootstrap applies OnStart to every container the lister reports as
// running, the initialization entrypoint named in the component's last
// paragraph. A small worker pool bounds concurrency so a large fleet
// doesn't serialize startup.
func (c *Coordinator) Bootstrap(ctx context.Context, lister ContainerLister) error {
	containers, err := lister.ListRunning(ctx)
	if err != nil {
		return err
	}

	const poolSize = 8
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup

	for _, ct := range containers {
		if ct.Status != types.ContainerStatusRunning {
			continue
		}
		ct := ct
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.OnStart(ctx, ct.ID, ct.RuntimeID); err != nil {
				c.logger.Error().Err(err).Str("container_id", ct.ID).Msg("bootstrap on_start failed")
			}
		}()
	}
	wg.Wait()
	return nil
}

// OnStart ensures a Session, starts the Health Monitor, ensures an
// Instruction Worker, attaches the Log Collector, and resumes the queue —
// in that order. Each step is non-fatal to the next; every error is
// published to the Event Bus instead of aborting the sequence.
func (c *Coordinator) OnStart(ctx context.Context, containerID, handle string) error {
	span := telemetry.Start("reconciler", containerID, "")
	defer func() {
		span.End(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	logger := span.Logger
	var firstErr error
	reportErr := func(step string, err error) {
		if err == nil {
			return
		}
		span.Fail(step, err, nil)
		c.bus.Publish(events.Event{
			ContainerID: containerID,
			Kind:        events.KindSessionError,
			Timestamp:   time.Now(),
			Fields:      map[string]any{"step": step, "error": err.Error()},
		})
		if firstErr == nil {
			firstErr = err
		}
	}

	if _, err := c.sessions.EnsureStarted(ctx, containerID, handle); err != nil {
		reportErr("session.ensure_started", err)
	}

	if c.healthM != nil {
		c.healthM.Start(ctx, containerID, handle)
	}

	c.ensureWorker(containerID, handle)

	if c.logs != nil {
		c.logs.Attach(ctx, containerID, handle, time.Time{})
	}

	if err := c.queue.Resume(ctx, containerID); err != nil {
		reportErr("queue.resume", err)
	}

	logger.Info().Msg("on_start complete")
	return firstErr
}

// OnStop pauses the queue, waits up to 30s for active jobs to drain, then
// stops Health, Session, the Instruction Worker, and detaches the Log
// Collector, in that order. The 30s bound is hard: anything still active is
// abandoned and resumes on the next on_start.
func (c *Coordinator) OnStop(ctx context.Context, containerID string) error {
	span := telemetry.Start("reconciler", containerID, "")
	defer func() {
		span.End(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	logger := span.Logger

	if err := c.queue.Pause(ctx, containerID); err != nil {
		logger.Error().Err(err).Msg("queue.pause failed")
	}

	c.drainActiveJobs(ctx, containerID, logger)

	if c.healthM != nil {
		c.healthM.Stop(containerID)
	}

	if err := c.sessions.Stop(ctx, containerID); err != nil {
		logger.Error().Err(err).Msg("session.stop failed")
	}

	c.stopWorker(containerID)

	if c.logs != nil {
		c.logs.Detach(containerID)
	}

	logger.Info().Msg("on_stop complete")
	return nil
}

// OnDelete runs OnStop then destroys all queue records for the container.
func (c *Coordinator) OnDelete(ctx context.Context, containerID string) error {
	if err := c.OnStop(ctx, containerID); err != nil {
		return err
	}
	return c.queue.Destroy(ctx, containerID)
}

func (c *Coordinator) drainActiveJobs(ctx context.Context, containerID string, logger zerolog.Logger) {
	deadline := time.Now().Add(drainTimeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		stats, err := c.queue.Stats(ctx, containerID)
		if err != nil {
			logger.Error().Err(err).Msg("queue.stats failed during drain")
			return
		}
		if stats.Active == 0 {
			return
		}
		if time.Now().After(deadline) {
			metrics.LifecycleDrainTimeoutsTotal.Inc()
			logger.Warn().Msg("drain bound hit, abandoning active job to next on_start")
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) ensureWorker(containerID, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[containerID]; ok {
		return
	}
	wctx, cancel := context.WithCancel(context.Background())
	w := instruction.New(containerID, handle, c.queue, c.sessions, c.usage, c.bus, c.workerCfg)
	c.workers[containerID] = &worker{w: w, cancel: cancel}
	go w.Run(wctx)
}

func (c *Coordinator) stopWorker(containerID string) {
	c.mu.Lock()
	w, ok := c.workers[containerID]
	if ok {
		delete(c.workers, containerID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	w.w.Stop()
	w.cancel()
}
