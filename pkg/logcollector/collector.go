package logcollector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/types"
)

// ContainerLister discovers containers to attach to at startup; backed by
// the external container-record layer this core only reads.
type ContainerLister interface {
	ListRunning(ctx context.Context) ([]types.Container, error)
}

// Store is the subset of the relational record store the collector needs.
type Store interface {
	InsertLogEntries(ctx context.Context, entries []types.LogEntry) error
	DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes batching, reconnect, and retention behavior.
type Config struct {
	Retention       time.Duration
	JanitorInterval time.Duration
	BatchMaxEntries int
	BatchMaxWait    time.Duration
	ReconnectDelay  time.Duration
	MaxReconnects   int
}

// DefaultConfig is the production tuning: 24h retention swept hourly,
// 100-entry/1s batches, and 3 reconnect attempts 5s apart.
func DefaultConfig() Config {
	return Config{
		Retention:       24 * time.Hour,
		JanitorInterval: time.Hour,
		BatchMaxEntries: 100,
		BatchMaxWait:    time.Second,
		ReconnectDelay:  5 * time.Second,
		MaxReconnects:   3,
	}
}

// Stats is the collector's exposed operating snapshot.
type Stats struct {
	Attached        int
	CumulativeCount uint64
	RatePerSecond   float64
	LastCleanup     time.Time
}

// rateWindowSamples is the sliding window's width: sixty one-second
// samples.
const rateWindowSamples = 60

// rateWindow tracks entries persisted per wall-clock second across the
// last rateWindowSamples seconds, as a ring buffer keyed by second.
type rateWindow struct {
	mu      sync.Mutex
	buckets [rateWindowSamples]uint64
	second  int64 // unix second the buckets are currently aligned to
}

// add records n entries against the current second, sliding (and zeroing)
// the window forward if time has advanced since the last call.
func (w *rateWindow) add(n int, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(now)
	w.buckets[w.second%rateWindowSamples] += uint64(n)
}

// rate reports the mean entries-per-second over the trailing window.
func (w *rateWindow) rate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(now)

	var sum uint64
	for _, b := range w.buckets {
		sum += b
	}
	return float64(sum) / float64(rateWindowSamples)
}

// advance zeroes buckets for every second elapsed since the window's last
// update, so stale per-second counts never linger past their 60s lifetime.
func (w *rateWindow) advance(now time.Time) {
	sec := now.Unix()
	if w.second == 0 {
		w.second = sec
		return
	}
	elapsed := sec - w.second
	if elapsed <= 0 {
		return
	}
	if elapsed > rateWindowSamples {
		elapsed = rateWindowSamples
	}
	for i := int64(1); i <= elapsed; i++ {
		w.buckets[(w.second+i)%rateWindowSamples] = 0
	}
	w.second = sec
}

// attachment is the Log Collector's sole record for one container's live
// stream; at most one exists per container.
type attachment struct {
	containerID string
	handle      string
	cancel      context.CancelFunc
	reconnects  int
}

// Collector is the Log Collector background service.
type Collector struct {
	rt    runtime.Adapter
	store Store
	bus   *events.Bus
	cfg   Config

	mu          sync.Mutex
	attachments map[string]*attachment

	cumulative uint64
	dropped    uint64
	lastClean  atomic.Value // time.Time
	rate       rateWindow

	retryMu  sync.Mutex
	retryBuf []types.LogEntry
}

// New constructs a Collector.
func New(rt runtime.Adapter, store Store, bus *events.Bus, cfg Config) *Collector {
	c := &Collector{
		rt:          rt,
		store:       store,
		bus:         bus,
		cfg:         cfg,
		attachments: make(map[string]*attachment),
	}
	c.lastClean.Store(time.Time{})
	return c
}

// Run lists currently-running containers, attaches to each, subscribes to
// the runtime's container event stream to pick up future starts, and runs
// the hourly retention janitor. Blocks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, lister ContainerLister) error {
	containers, err := lister.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("logcollector: list running containers: %w", err)
	}
	for _, container := range containers {
		c.Attach(ctx, container.ID, container.RuntimeID, time.Now().Add(-c.cfg.Retention))
	}

	runtimeEvents, err := c.rt.EventStream(ctx, runtime.EventFilter{})
	if err != nil {
		return fmt.Errorf("logcollector: subscribe to event stream: %w", err)
	}

	janitor := time.NewTicker(c.cfg.JanitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-runtimeEvents:
			if !ok {
				return nil
			}
			c.handleRuntimeEvent(ctx, ev)
		case <-janitor.C:
			c.runJanitor(ctx)
		}
	}
}

func (c *Collector) handleRuntimeEvent(ctx context.Context, ev runtime.ContainerEvent) {
	if ev.Handle == "" {
		return
	}
	switch ev.Kind {
	case runtime.EventContainerStart:
		c.Attach(ctx, ev.Handle, ev.Handle, time.Now())
	case runtime.EventContainerStop, runtime.EventContainerDie:
		c.Detach(ev.Handle)
	}
}

// Attach begins (or is a no-op if already attached) streaming containerID's
// log multiplex. The first connect replays the container's whole backlog
// and since filters it: entries recorded before since are skipped, so an
// attach with since = now-retention backfills exactly the retention window.
// A zero since keeps everything. Reconnects never replay.
func (c *Collector) Attach(ctx context.Context, containerID, handle string, since time.Time) {
	c.mu.Lock()
	if _, exists := c.attachments[containerID]; exists {
		c.mu.Unlock()
		return
	}
	attachCtx, cancel := context.WithCancel(ctx)
	att := &attachment{containerID: containerID, handle: handle, cancel: cancel}
	c.attachments[containerID] = att
	c.mu.Unlock()

	go c.streamLoop(attachCtx, att, since)
}

// Detach ends containerID's attachment.
func (c *Collector) Detach(containerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if att, ok := c.attachments[containerID]; ok {
		att.cancel()
		delete(c.attachments, containerID)
	}
}

// Stats returns a point-in-time operating snapshot.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	attached := len(c.attachments)
	c.mu.Unlock()
	last, _ := c.lastClean.Load().(time.Time)
	return Stats{
		Attached:        attached,
		CumulativeCount: atomic.LoadUint64(&c.cumulative),
		RatePerSecond:   c.rate.rate(time.Now()),
		LastCleanup:     last,
	}
}

func (c *Collector) streamLoop(ctx context.Context, att *attachment, cutoff time.Time) {
	// The first connect replays the file from its start (zero since) so the
	// backlog inside the cutoff window is collected; reconnects resume from
	// the current end — their history was already persisted.
	var start time.Time
	for {
		err := c.consume(ctx, att, start, cutoff)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Stream ended cleanly while the container is presumably still
			// running; treat that like a stream error and reconnect.
			err = io.ErrUnexpectedEOF
		}

		att.reconnects++
		if att.reconnects > c.cfg.MaxReconnects {
			c.publish(att.containerID, events.KindLogDropped, map[string]any{"reason": "reconnect attempts exhausted"})
			c.mu.Lock()
			delete(c.attachments, att.containerID)
			c.mu.Unlock()
			return
		}

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
		start = time.Now()
	}
}

func (c *Collector) consume(ctx context.Context, att *attachment, start, cutoff time.Time) error {
	stream, err := c.rt.AttachLogs(ctx, att.handle, start, true)
	if err != nil {
		return err
	}
	defer stream.Close()

	decoder := NewDecoder()
	reader := bufio.NewReaderSize(stream, 64<<10)
	batch := newBatcher(c.cfg.BatchMaxEntries, c.cfg.BatchMaxWait, func(entries []types.LogEntry) {
		c.flush(ctx, entries)
	})
	defer batch.stop()

	chunk := make([]byte, 32<<10)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			for _, frame := range decoder.Feed(chunk[:n]) {
				for _, entry := range c.linesToEntries(att.containerID, frame, cutoff) {
					batch.add(entry)
				}
			}
			att.reconnects = 0
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// linesToEntries turns one decoded frame into classified entries; lines
// whose parsed timestamp falls before cutoff belong to history outside the
// caller's backfill window and are skipped.
func (c *Collector) linesToEntries(containerID string, frame Frame, cutoff time.Time) []types.LogEntry {
	now := time.Now()
	stream := types.StreamStdout
	if frame.Stream == StreamStderr {
		stream = types.StreamStderr
	}

	var entries []types.LogEntry
	for _, line := range splitLines(frame.Payload) {
		if line == "" {
			continue
		}
		ts, rest := ParseTimestamp(line, now)
		if !cutoff.IsZero() && ts.Before(cutoff) {
			continue
		}
		content := Sanitize(rest)
		entries = append(entries, types.LogEntry{
			ContainerID:    containerID,
			Stream:         stream,
			Classification: Classify(stream, content),
			Content:        content,
			RecordedAt:     ts,
		})
	}
	return entries
}

func splitLines(payload []byte) []string {
	var lines []string
	start := 0
	for i, b := range payload {
		if b == '\n' {
			lines = append(lines, string(trimTrailingSpace(payload[start:i])))
			start = i + 1
		}
	}
	if start < len(payload) {
		lines = append(lines, string(trimTrailingSpace(payload[start:])))
	}
	return lines
}

func trimTrailingSpace(b []byte) []byte {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[:end]
}

// flush inserts entries into the record store. On failure the batch is
// re-buffered (up to 10x batch capacity) rather than dropped immediately;
// a later successful flush drains the backlog first. Only once the
// re-buffer itself overflows does the oldest entry drop, incrementing the
// dropped counter.
func (c *Collector) flush(ctx context.Context, entries []types.LogEntry) {
	if len(entries) == 0 {
		return
	}

	c.retryMu.Lock()
	if len(c.retryBuf) > 0 {
		entries = append(c.retryBuf, entries...)
		c.retryBuf = nil
	}
	c.retryMu.Unlock()

	if err := c.store.InsertLogEntries(ctx, entries); err != nil {
		c.bufferForRetry(entries)
		return
	}
	atomic.AddUint64(&c.cumulative, uint64(len(entries)))
	c.rate.add(len(entries), time.Now())
}

func (c *Collector) bufferForRetry(entries []types.LogEntry) {
	limit := 10 * c.cfg.BatchMaxEntries

	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	c.retryBuf = append(c.retryBuf, entries...)
	if overflow := len(c.retryBuf) - limit; overflow > 0 {
		atomic.AddUint64(&c.dropped, uint64(overflow))
		c.retryBuf = c.retryBuf[overflow:]
	}
}

func (c *Collector) runJanitor(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.Retention)
	_, _ = c.store.DeleteLogsOlderThan(ctx, cutoff)
	c.lastClean.Store(time.Now())
}

func (c *Collector) publish(containerID string, kind events.Kind, fields map[string]any) {
	c.bus.Publish(events.Event{ContainerID: containerID, Kind: kind, Timestamp: time.Now(), Fields: fields})
}
