package logcollector

import (
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
)

// batcher accumulates log entries and flushes on whichever of "max
// entries" or "max wait" is reached first.
type batcher struct {
	maxEntries int
	maxWait    time.Duration
	flush      func([]types.LogEntry)

	mu      sync.Mutex
	pending []types.LogEntry
	timer   *time.Timer
	stopped bool
}

func newBatcher(maxEntries int, maxWait time.Duration, flush func([]types.LogEntry)) *batcher {
	return &batcher{maxEntries: maxEntries, maxWait: maxWait, flush: flush}
}

func (b *batcher) add(entry types.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.pending = append(b.pending, entry)
	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.maxWait, b.flushDue)
	}
	if len(b.pending) >= b.maxEntries {
		b.flushLocked()
	}
}

func (b *batcher) flushDue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.flushLocked()
}

func (b *batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	entries := b.pending
	b.pending = nil
	b.flush(entries)
}

func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.flushLocked()
}
