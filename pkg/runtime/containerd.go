package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	apievents "github.com/containerd/containerd/api/events"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/events"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/typeurl/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// defaultNamespace is the containerd namespace sandbox containers run in.
	defaultNamespace = "sandboxd"

	// defaultSocketPath is the default containerd socket.
	defaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Adapter against a containerd daemon. Each
// container's continuous log stream is a combined, frame-multiplexed file
// written by the container's logging sidecar; AttachLogs follows that file
// rather than attaching to task IO directly, since a task's stdio pipes
// support only a single reader.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// NewContainerdRuntime creates a new containerd runtime adapter. logDir is
// where each container's combined stdout/stderr log file lives, named
// "<handle>.log"; pass "" for the default "/var/log/sandboxd/containers".
func NewContainerdRuntime(socketPath, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	if logDir == "" {
		logDir = "/var/log/sandboxd/containers"
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client, namespace: defaultNamespace, logDir: logDir}, nil
}

// Close releases the underlying containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Inspect reports whether handle's task is currently running.
func (r *ContainerdRuntime) Inspect(ctx context.Context, handle string) (InspectResult, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, handle)
	if err != nil {
		return InspectResult{}, classify(err, handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: container exists but isn't running.
		return InspectResult{Running: false}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return InspectResult{}, &TransientError{Err: err}
	}

	return InspectResult{Running: status.Status == containerd.Running}, nil
}

// CountExtraProcesses counts handle's task's processes beyond its own
// main/init process, i.e. background agents a foreground exec spawned and
// left running. Returns 0 once the task itself has exited.
func (r *ContainerdRuntime) CountExtraProcesses(ctx context.Context, handle string) (int, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, handle)
	if err != nil {
		return 0, classify(err, handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, nil
	}

	procs, err := task.Pids(ctx)
	if err != nil {
		return 0, &TransientError{Err: err}
	}

	extra := 0
	mainPid := task.Pid()
	for _, p := range procs {
		if p.Pid != mainPid {
			extra++
		}
	}
	return extra, nil
}

// Exec spawns argv as a new process inside handle's task, writing
// stdinBytes to its stdin and closing it, with workingDir as its cwd.
func (r *ContainerdRuntime) Exec(ctx context.Context, handle string, argv []string, stdinBytes []byte, workingDir string) (Process, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, handle)
	if err != nil {
		return nil, classify(err, handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container %s has no running task: %w", handle, err)
	}

	baseSpec, err := task.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read task spec: %w", err)
	}

	procSpec := *baseSpec.Process
	procSpec.Args = argv
	if workingDir != "" {
		procSpec.Cwd = workingDir
	}

	execID := "dispatch-" + uuid.NewString()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc, err := task.Exec(ctx, execID, &procSpec, cio.NewCreator(cio.WithStreams(stdinR, stdoutW, stderrW)))
	if err != nil {
		return nil, fmt.Errorf("failed to create exec process: %w", err)
	}

	exitStatusC, err := proc.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on exec process: %w", err)
	}

	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start exec process: %w", err)
	}

	go func() {
		if len(stdinBytes) > 0 {
			_, _ = stdinW.Write(stdinBytes)
		}
		_ = stdinW.Close()
	}()

	return &containerdProcess{
		proc:        proc,
		stdout:      stdoutR,
		stderr:      stderrR,
		stdoutW:     stdoutW,
		stderrW:     stderrW,
		exitStatusC: exitStatusC,
	}, nil
}

// containerdProcess adapts a containerd exec'd process to Process.
type containerdProcess struct {
	proc        containerd.Process
	stdout      io.Reader
	stderr      io.Reader
	stdoutW     *io.PipeWriter
	stderrW     *io.PipeWriter
	exitStatusC <-chan containerd.ExitStatus

	mu      sync.Mutex
	deleted bool
}

func (p *containerdProcess) Stdout() io.Reader { return p.stdout }
func (p *containerdProcess) Stderr() io.Reader { return p.stderr }

func (p *containerdProcess) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case status := <-p.exitStatusC:
		p.cleanup(ctx)
		return ExitResult{ExitCode: int(status.ExitCode())}, status.Error()
	case <-ctx.Done():
		_ = p.Kill()
		p.cleanup(ctx)
		return ExitResult{}, ctx.Err()
	}
}

func (p *containerdProcess) Kill() error {
	return p.proc.Kill(context.Background(), syscall.SIGTERM)
}

func (p *containerdProcess) cleanup(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return
	}
	p.deleted = true
	_, _ = p.proc.Delete(ctx)
	// cio copies into our pipe writers but never closes them; close here so
	// readers draining stdout/stderr observe EOF instead of blocking.
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}

// AttachLogs streams the container's combined log file, which is written
// in the 8-byte-header multiplex frame format. The stream is raw bytes —
// a line tailer would corrupt frames whose length field or payload happens
// to contain 0x0A. The frame file has no byte index by timestamp, so since
// is all-or-nothing: zero replays the whole file before following, any
// non-zero value starts at the current end and yields only new writes.
func (r *ContainerdRuntime) AttachLogs(ctx context.Context, handle string, since time.Time, follow bool) (io.ReadCloser, error) {
	path := filepath.Join(r.logDir, handle+".log")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, classify(err, handle)
		}
		return nil, &TransientError{Err: err}
	}

	if !since.IsZero() {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, &TransientError{Err: err}
		}
	}

	follower := &fileFollower{f: f, follow: follow, closed: make(chan struct{})}

	if follow {
		// fsnotify wakes the reader as soon as the runtime appends; the
		// poll timer in waitForWrite covers filesystems without inotify.
		if watcher, werr := fsnotify.NewWatcher(); werr == nil {
			if werr := watcher.Add(path); werr == nil {
				follower.watcher = watcher
			} else {
				watcher.Close()
			}
		}
	}

	return follower, nil
}

// fileFollower reads a growing file as a raw byte stream. At EOF with
// follow enabled it blocks until more bytes are appended instead of
// reporting end-of-stream.
type fileFollower struct {
	f       *os.File
	watcher *fsnotify.Watcher
	follow  bool

	closed    chan struct{}
	closeOnce sync.Once
}

// followerPollInterval bounds the wait for new bytes when no fsnotify
// event arrives (or no watcher could be established).
const followerPollInterval = 250 * time.Millisecond

func (t *fileFollower) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if !t.follow {
			return 0, io.EOF
		}
		if !t.waitForWrite() {
			return 0, io.EOF
		}
	}
}

// waitForWrite blocks until the file plausibly has more bytes, returning
// false once the follower is closed.
func (t *fileFollower) waitForWrite() bool {
	timer := time.NewTimer(followerPollInterval)
	defer timer.Stop()

	if t.watcher == nil {
		select {
		case <-t.closed:
			return false
		case <-timer.C:
			return true
		}
	}

	select {
	case <-t.closed:
		return false
	case _, ok := <-t.watcher.Events:
		return ok
	case <-t.watcher.Errors:
		return true // degrade to the poll cadence
	case <-timer.C:
		return true
	}
}

func (t *fileFollower) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
	return t.f.Close()
}

// EventStream subscribes to containerd's task lifecycle events, filtered
// and translated to the narrow {handle, kind} shape this core needs.
func (r *ContainerdRuntime) EventStream(ctx context.Context, filter EventFilter) (<-chan ContainerEvent, error) {
	ctx = r.ctx(ctx)

	envelopes, errs := r.client.EventService().Subscribe(ctx)
	out := make(chan ContainerEvent, 64)

	want := func(k EventKind) bool {
		if len(filter.Kinds) == 0 {
			return true
		}
		for _, want := range filter.Kinds {
			if want == k {
				return true
			}
		}
		return false
	}

	go func() {
		defer close(out)
		for {
			select {
			case env, ok := <-envelopes:
				if !ok {
					return
				}
				kind, handle, ok := translateEnvelope(env)
				if !ok || !want(kind) {
					continue
				}
				select {
				case out <- ContainerEvent{Handle: handle, Kind: kind, At: env.Timestamp}:
				case <-ctx.Done():
					return
				}
			case err := <-errs:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// translateEnvelope maps a containerd task-lifecycle envelope to our three
// lifecycle kinds plus the container ID the event actually names. The
// topic alone only identifies the kind; the container ID lives in the
// envelope's typed payload, so it's decoded with typeurl before the event
// is usable by a handle-keyed caller like the Log Collector.
func translateEnvelope(env *events.Envelope) (EventKind, string, bool) {
	var kind EventKind
	switch {
	case strings.HasSuffix(env.Topic, "/tasks/start"):
		kind = EventContainerStart
	case strings.HasSuffix(env.Topic, "/tasks/exit"):
		kind = EventContainerDie
	case strings.HasSuffix(env.Topic, "/tasks/delete"):
		kind = EventContainerStop
	default:
		return "", "", false
	}

	payload, err := typeurl.UnmarshalAny(env.Event)
	if err != nil {
		return "", "", false
	}

	var containerID string
	switch e := payload.(type) {
	case *apievents.TaskStart:
		containerID = e.ContainerID
	case *apievents.TaskExit:
		containerID = e.ContainerID
	case *apievents.TaskDelete:
		containerID = e.ContainerID
	default:
		return "", "", false
	}
	if containerID == "" {
		return "", "", false
	}

	return kind, containerID, true
}

// UpdateResources updates a running task's CPU/memory limits.
func (r *ContainerdRuntime) UpdateResources(ctx context.Context, handle string, update ResourceUpdate) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, handle)
	if err != nil {
		return classify(err, handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("container %s has no running task: %w", handle, err)
	}

	linux := &specs.LinuxResources{Memory: &specs.LinuxMemory{}, CPU: &specs.LinuxCPU{}}
	if update.MemoryBytes != nil {
		linux.Memory.Limit = update.MemoryBytes
	}
	if update.CPUShares != nil {
		shares := uint64(*update.CPUShares)
		linux.CPU.Shares = &shares
	}

	if err := task.Update(ctx, containerd.WithResources(linux)); err != nil {
		return fmt.Errorf("failed to update resources for %s: %w", handle, err)
	}

	return nil
}

// Ping checks connectivity to the containerd daemon.
func (r *ContainerdRuntime) Ping(ctx context.Context) bool {
	_, err := r.client.Version(r.ctx(ctx))
	return err == nil
}

// classify distinguishes containerd's "not found" class of error (gone)
// from everything else (transient).
func classify(err error, handle string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "not found") || os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", handle, ErrGone)
	}
	return &TransientError{Err: fmt.Errorf("%s: %w", handle, err)}
}
