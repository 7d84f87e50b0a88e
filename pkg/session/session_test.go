package session_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/session"
)

// fakeProcess is a Process whose stdout/stderr and exit are fixed in advance.
type fakeProcess struct {
	stdout  *strings.Reader
	stderr  *strings.Reader
	exit    runtime.ExitResult
	waitErr error
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeProcess) Wait(ctx context.Context) (runtime.ExitResult, error) {
	return p.exit, p.waitErr
}
func (p *fakeProcess) Kill() error { return nil }

// fakeAdapter is a minimal runtime.Adapter for Session Manager tests.
type fakeAdapter struct {
	running bool
	proc    *fakeProcess

	mu          sync.Mutex
	extraCounts []int // successive CountExtraProcesses results; last value sticks
	extraCalls  int
}

func (f *fakeAdapter) Inspect(ctx context.Context, handle string) (runtime.InspectResult, error) {
	return runtime.InspectResult{Running: f.running}, nil
}
func (f *fakeAdapter) Exec(ctx context.Context, handle string, argv []string, stdin []byte, workingDir string) (runtime.Process, error) {
	return f.proc, nil
}
func (f *fakeAdapter) AttachLogs(ctx context.Context, handle string, since time.Time, follow bool) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeAdapter) EventStream(ctx context.Context, filter runtime.EventFilter) (<-chan runtime.ContainerEvent, error) {
	return nil, nil
}
func (f *fakeAdapter) UpdateResources(ctx context.Context, handle string, update runtime.ResourceUpdate) error {
	return nil
}
func (f *fakeAdapter) Ping(ctx context.Context) bool { return true }

func (f *fakeAdapter) CountExtraProcesses(ctx context.Context, handle string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.extraCounts) == 0 {
		return 0, nil
	}
	i := f.extraCalls
	if i >= len(f.extraCounts) {
		i = len(f.extraCounts) - 1
	}
	f.extraCalls++
	return f.extraCounts[i], nil
}

func newFakeProcess(stdout, stderr string, exitCode int) *fakeProcess {
	return &fakeProcess{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
		exit:   runtime.ExitResult{ExitCode: exitCode},
	}
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{running: true}
	mgr := session.New(adapter, events.New(), session.DefaultConfig())

	s1, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.NoError(t, err)
	require.Equal(t, "running", string(s1.Status))

	s2, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.NoError(t, err)
	require.Equal(t, s1.Token, s2.Token, "token must not be reminted on a second ensure_started")
}

func TestEnsureStartedFailsFastWhenNotRunning(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{running: false}
	mgr := session.New(adapter, events.New(), session.DefaultConfig())

	_, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.ErrorIs(t, err, session.ErrSessionNotReady)
}

func TestDispatchRejectsWhenNotRunning(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{running: true}
	mgr := session.New(adapter, events.New(), session.DefaultConfig())

	_, err := mgr.Dispatch(ctx, "c1", "handle-1", "echo hi")
	require.ErrorIs(t, err, session.ErrSessionNotReady)
}

func TestDispatchReturnsCapturedResult(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{running: true, proc: newFakeProcess(`{"type":"result","ok":true}`+"\n", "", 0)}
	mgr := session.New(adapter, events.New(), session.DefaultConfig())

	_, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.NoError(t, err)

	result, err := mgr.Dispatch(ctx, "c1", "handle-1", "echo hello")
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "result")
}

func TestDispatchClearsInFlightAfterCompletion(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{running: true, proc: newFakeProcess("", "", 0)}
	mgr := session.New(adapter, events.New(), session.DefaultConfig())

	_, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.NoError(t, err)

	_, err = mgr.Dispatch(ctx, "c1", "handle-1", "first")
	require.NoError(t, err)

	// Sequential dispatch after the first completes must succeed (in_flight
	// is cleared on every exit path).
	_, err = mgr.Dispatch(ctx, "c1", "handle-1", "second")
	require.NoError(t, err)
}

func TestDispatchAwaitsQuiescenceUntilAgentCountReachesZero(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		running:     true,
		proc:        newFakeProcess(`{"type":"assistant","message":{"content":[{"name":"Task","run_in_background":true}]}}`+"\n", "", 0),
		extraCounts: []int{2, 1, 0},
	}
	cfg := session.DefaultConfig()
	cfg.QuiescencePollPeriod = time.Millisecond
	cfg.QuiescenceMaxWait = time.Second

	bus := events.New()
	mgr := session.New(adapter, bus, cfg)
	progressCh, unsubProgress := bus.Subscribe("c1", events.KindSessionQuiescing)
	defer unsubProgress()

	_, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, err := mgr.Dispatch(ctx, "c1", "handle-1", "spawn a background task")
		require.NoError(t, err)
		close(done)
	}()

	var counts []int
loop:
	for {
		select {
		case ev := <-progressCh:
			count, _ := ev.Fields["agent_count"].(int)
			counts = append(counts, count)
		case <-done:
			break loop
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch did not complete within the quiescence wait")
		}
	}

	require.NotEmpty(t, counts, "expected at least one session:quiescing progress event with agent_count")
	require.Equal(t, 2, counts[0], "first progress tick must report the initial outstanding agent count")
	require.Equal(t, 1, counts[len(counts)-1], "barrier must stop polling once count reaches zero, so the last emitted tick is the one before zero")
}

func TestStopIsIdempotentAndSafeWithoutSession(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{running: true}
	mgr := session.New(adapter, events.New(), session.DefaultConfig())

	require.NoError(t, mgr.Stop(ctx, "never-started"))

	_, err := mgr.EnsureStarted(ctx, "c1", "handle-1")
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(ctx, "c1"))
	require.NoError(t, mgr.Stop(ctx, "c1"))

	s, ok := mgr.Status("c1")
	require.True(t, ok)
	require.Equal(t, "stopped", string(s.Status))
}
