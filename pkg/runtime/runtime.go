// Package runtime is the narrow contract to the container runtime:
// inspect, exec, attach_logs, event_stream, update_resources and ping are
// all the container-runtime operations the orchestration core needs. The
// container runtime's image builds, volumes, and resource-limit arithmetic
// stay on the far side of this interface.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrGone is the typed sentinel for a container the runtime no longer knows
// about (404-class). Gone is authoritative: callers stop operating on the
// handle rather than retrying.
var ErrGone = errors.New("runtime: container gone")

// IsGone reports whether err (or one it wraps) is ErrGone.
func IsGone(err error) bool { return errors.Is(err, ErrGone) }

// TransientError wraps a recoverable failure (network blip, EAGAIN-like
// condition) that local retry/backoff should absorb before it ever reaches
// an external collaborator.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "runtime: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// InspectResult is the minimal container state the core ever reads.
type InspectResult struct {
	Running bool
}

// ExitResult is the process's terminal state.
type ExitResult struct {
	ExitCode int
	Signal   string
}

// Process is a running exec'd child: readable stdout/stderr and an exit
// future.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits or ctx is cancelled, in which
	// case the process is killed and pipes are closed.
	Wait(ctx context.Context) (ExitResult, error)
	// Kill sends a termination signal; the process's resources are released
	// by Wait.
	Kill() error
}

// ResourceUpdate carries the optional fields update_resources may change.
type ResourceUpdate struct {
	MemoryBytes *int64
	CPUShares   *int64
}

// EventKind is the subset of container lifecycle events the core observes.
type EventKind string

const (
	EventContainerStart EventKind = "start"
	EventContainerStop  EventKind = "stop"
	EventContainerDie   EventKind = "die"
)

// ContainerEvent is one entry from EventStream.
type ContainerEvent struct {
	Handle string
	Kind   EventKind
	At     time.Time
}

// EventFilter narrows EventStream to the kinds the caller cares about; a
// nil/empty Kinds means all three.
type EventFilter struct {
	Kinds []EventKind
}

// Adapter is the Runtime Adapter contract. ContainerdRuntime is the
// production implementation; tests use a fake satisfying the same
// interface.
type Adapter interface {
	Inspect(ctx context.Context, handle string) (InspectResult, error)
	Exec(ctx context.Context, handle string, argv []string, stdin []byte, workingDir string) (Process, error)

	// AttachLogs returns the container's multiplexed log stream as raw
	// bytes. A zero since replays the stream from its beginning before
	// following; a non-zero since yields only writes made after the attach
	// (the frame stream carries no byte index by timestamp, so finer
	// resume points are the caller's job via per-entry timestamps).
	AttachLogs(ctx context.Context, handle string, since time.Time, follow bool) (io.ReadCloser, error)
	EventStream(ctx context.Context, filter EventFilter) (<-chan ContainerEvent, error)
	UpdateResources(ctx context.Context, handle string, update ResourceUpdate) error
	Ping(ctx context.Context) bool

	// CountExtraProcesses reports how many processes are currently running
	// inside handle beyond its own main/init process, i.e. background
	// agents a foreground exec left running after it exited. The Session
	// Manager's quiescence barrier polls this to decide when a dispatch
	// has truly gone quiet.
	CountExtraProcesses(ctx context.Context, handle string) (int, error)
}
