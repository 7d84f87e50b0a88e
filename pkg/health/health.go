// Package health is the health monitor: a per-container periodic probe
// with a bounded recovery state machine that stops monitoring a container
// rather than storm the Event Bus once recovery attempts are exhausted.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/config"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/types"
)

// SessionDriver is the subset of the Session Manager the monitor needs.
type SessionDriver interface {
	Status(containerID string) (types.Session, bool)
	Stop(ctx context.Context, containerID string) error
	EnsureStarted(ctx context.Context, containerID, handle string) (types.Session, error)
}

// Recorder persists health-state snapshots for audit/history.
type Recorder interface {
	RecordHealth(ctx context.Context, state types.HealthState) error
}

// containerEntry is one container's monitor state; accessed only from its
// own probe goroutine except for the recovering flag read by Monitor.
type containerEntry struct {
	mu      sync.Mutex
	handle  string
	state   types.HealthState
	cancel  context.CancelFunc
	stopped bool // true once recovery exhausted; monitoring is over
}

// Monitor runs one probe goroutine per registered container.
type Monitor struct {
	sessions SessionDriver
	recorder Recorder
	bus      *events.Bus
	holder   *config.Holder

	mu      sync.Mutex
	entries map[string]*containerEntry
}

// New constructs a Monitor. holder supplies live-reloadable probe cadence
// and recovery knobs.
func New(sessions SessionDriver, recorder Recorder, bus *events.Bus, holder *config.Holder) *Monitor {
	return &Monitor{
		sessions: sessions,
		recorder: recorder,
		bus:      bus,
		holder:   holder,
		entries:  make(map[string]*containerEntry),
	}
}

// Start begins probing containerID using handle for any restart recovery
// needs. Idempotent: a container already being monitored is left alone.
func (m *Monitor) Start(ctx context.Context, containerID, handle string) {
	m.mu.Lock()
	if _, exists := m.entries[containerID]; exists {
		m.mu.Unlock()
		return
	}
	probeCtx, cancel := context.WithCancel(ctx)
	entry := &containerEntry{
		handle: handle,
		state:  types.HealthState{ContainerID: containerID, Healthy: true, LastCheck: time.Now()},
		cancel: cancel,
	}
	m.entries[containerID] = entry
	m.mu.Unlock()

	go m.probeLoop(probeCtx, containerID, entry)
}

// Stop ends probing for containerID, e.g. via explicit operator action
// after a recovery_failed exhaustion, or as part of lifecycle teardown.
func (m *Monitor) Stop(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[containerID]; ok {
		entry.cancel()
		delete(m.entries, containerID)
	}
}

// Status returns the last-known health state for containerID.
func (m *Monitor) Status(containerID string) (types.HealthState, bool) {
	m.mu.Lock()
	entry, ok := m.entries[containerID]
	m.mu.Unlock()
	if !ok {
		return types.HealthState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, true
}

func (m *Monitor) probeLoop(ctx context.Context, containerID string, entry *containerEntry) {
	cfg := m.holder.Load()
	ticker := time.NewTicker(cfg.ProbeInterval)
	defer ticker.Stop()

	m.probe(ctx, containerID, entry)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := m.holder.Load()
			ticker.Reset(cfg.ProbeInterval)

			entry.mu.Lock()
			stopped := entry.stopped
			recovering := entry.state.Recovering
			entry.mu.Unlock()
			if stopped {
				return
			}
			if recovering {
				continue
			}
			m.probe(ctx, containerID, entry)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, containerID string, entry *containerEntry) {
	sess, exists := m.sessions.Status(containerID)
	healthy := exists && (sess.Status == types.SessionRunning || sess.Status == types.SessionProcessing)

	entry.mu.Lock()
	wasUnhealthy := !entry.state.Healthy
	entry.state.LastCheck = time.Now()
	entry.mu.Unlock()

	if healthy {
		if wasUnhealthy {
			m.markRecovered(ctx, containerID, entry)
		} else {
			entry.mu.Lock()
			entry.state.Healthy = true
			state := entry.state
			entry.mu.Unlock()
			m.persist(ctx, state)
		}
		return
	}

	m.handleUnhealthy(ctx, containerID, entry)
}

func (m *Monitor) markRecovered(ctx context.Context, containerID string, entry *containerEntry) {
	entry.mu.Lock()
	entry.state.Healthy = true
	entry.state.ConsecutiveFailures = 0
	entry.state.Recovering = false
	entry.state.LastError = ""
	state := entry.state
	entry.mu.Unlock()

	m.persist(ctx, state)
	m.publish(containerID, events.KindHealthRecovered, nil)
}

func (m *Monitor) handleUnhealthy(ctx context.Context, containerID string, entry *containerEntry) {
	cfg := m.holder.Load()

	entry.mu.Lock()
	entry.state.Healthy = false
	entry.state.ConsecutiveFailures++
	entry.state.LastError = fmt.Sprintf("session not running/processing (attempt %d)", entry.state.ConsecutiveFailures)
	failures := entry.state.ConsecutiveFailures
	handle := entry.handle
	state := entry.state
	entry.mu.Unlock()

	m.persist(ctx, state)

	// "Exhausted" means exactly MaxRecoveryAttempts recovery attempts have
	// already been made: termination happens on the
	// (MaxRecoveryAttempts+1)-th consecutive failure, not the Nth.
	if failures > cfg.MaxRecoveryAttempts {
		m.publish(containerID, events.KindHealthRecoveryFailed, map[string]any{"consecutive_failures": failures})
		entry.mu.Lock()
		entry.stopped = true
		entry.mu.Unlock()
		return
	}

	m.recover(ctx, containerID, entry, handle, cfg)
}

func (m *Monitor) recover(ctx context.Context, containerID string, entry *containerEntry, handle string, cfg config.HealthConfig) {
	entry.mu.Lock()
	entry.state.Recovering = true
	entry.mu.Unlock()
	m.publish(containerID, events.KindHealthRecovering, nil)

	_ = m.sessions.Stop(ctx, containerID)

	select {
	case <-time.After(cfg.RecoveryDelay):
	case <-ctx.Done():
		return
	}

	if _, err := m.sessions.EnsureStarted(ctx, containerID, handle); err != nil {
		entry.mu.Lock()
		entry.state.Recovering = false
		entry.state.LastError = err.Error()
		entry.mu.Unlock()
		return
	}

	select {
	case <-time.After(cfg.VerifyDelay):
	case <-ctx.Done():
		return
	}

	sess, exists := m.sessions.Status(containerID)
	entry.mu.Lock()
	entry.state.Recovering = false
	entry.mu.Unlock()

	if exists && sess.Status == types.SessionRunning {
		m.markRecovered(ctx, containerID, entry)
		return
	}

	// Still unhealthy after the recovery attempt; the next probe tick
	// will count this as another consecutive failure.
}

func (m *Monitor) persist(ctx context.Context, state types.HealthState) {
	if m.recorder == nil {
		return
	}
	_ = m.recorder.RecordHealth(ctx, state)
}

func (m *Monitor) publish(containerID string, kind events.Kind, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	m.bus.Publish(events.Event{ContainerID: containerID, Kind: kind, Timestamp: time.Now(), Fields: fields})
}
