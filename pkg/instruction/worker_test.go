package instruction_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/instruction"
	"github.com/cuemby/sandboxd/pkg/queue"
	"github.com/cuemby/sandboxd/pkg/session"
	"github.com/cuemby/sandboxd/pkg/types"
)

const testContainerID = "0123456789abcdef01234567"

func newTestQueue(t *testing.T) *queue.BoltQueue {
	t.Helper()
	q, err := queue.NewBoltQueue(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// fakeSessions is a SessionDriver test double that can be scripted to fail
// or to require multiple Status polls before reporting running.
type fakeSessions struct {
	mu           sync.Mutex
	running      bool
	readyAfter   int
	statusPolls  int
	dispatchErr  error
	dispatchResp session.DispatchResult
	ensureErr    error
}

func (f *fakeSessions) EnsureStarted(ctx context.Context, containerID, handle string) (types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return types.Session{}, f.ensureErr
	}
	return types.Session{ContainerID: containerID, Status: types.SessionStarting}, nil
}

func (f *fakeSessions) Dispatch(ctx context.Context, containerID, handle, instr string) (session.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return session.DispatchResult{}, f.dispatchErr
	}
	return f.dispatchResp, nil
}

func (f *fakeSessions) Status(containerID string) (types.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusPolls++
	if f.running || f.statusPolls > f.readyAfter {
		f.running = true
		return types.Session{ContainerID: containerID, Status: types.SessionRunning}, true
	}
	return types.Session{ContainerID: containerID, Status: types.SessionStarting}, true
}

type fakeUsage struct {
	mu    sync.Mutex
	calls int
}

func (u *fakeUsage) RecordFromStdout(ctx context.Context, containerID, jobID, stdout string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return nil
}

func testConfig() instruction.Config {
	cfg := instruction.DefaultConfig()
	cfg.ClaimPoll = 5 * time.Millisecond
	cfg.ReadyPoll = 2 * time.Millisecond
	cfg.ReadyTimeout = 200 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 4 * time.Millisecond
	return cfg
}

func TestWorkerHappyPathCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	bus := events.New()
	sessions := &fakeSessions{running: true, dispatchResp: session.DispatchResult{ExitCode: 0, Stdout: `{"usage":{"input_tokens":10}}`}}
	usage := &fakeUsage{}

	progressCh, unsub := bus.Subscribe(testContainerID, events.KindInstructionCompleted)
	defer unsub()

	jobID, _, err := q.Enqueue(context.Background(), testContainerID, "do a thing", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	w := instruction.New(testContainerID, "handle-1", q, sessions, usage, bus, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case ev := <-progressCh:
		require.Equal(t, 0, ev.Fields["exit_code"])
	case <-time.After(time.Second):
		t.Fatal("expected completion event")
	}
	w.Stop()

	history, err := q.History(context.Background(), testContainerID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, jobID, history[0].ID)
	require.Equal(t, types.JobCompleted, history[0].Status)
	require.Equal(t, 1, usage.calls)
}

func TestWorkerRetriesTransientFailureWithBackoff(t *testing.T) {
	q := newTestQueue(t)
	bus := events.New()
	sessions := &fakeSessions{running: true, dispatchErr: errors.New("transient dispatch error")}
	usage := &fakeUsage{}

	failedCh, unsub := bus.Subscribe(testContainerID, events.KindInstructionFailed)
	defer unsub()

	_, _, err := q.Enqueue(context.Background(), testContainerID, "do a thing", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	w := instruction.New(testContainerID, "handle-1", q, sessions, usage, bus, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case ev := <-failedCh:
		require.Contains(t, ev.Fields["reason"], "transient dispatch error")
	case <-time.After(time.Second):
		t.Fatal("expected a failure event")
	}
	w.Stop()

	stats, err := q.Stats(context.Background(), testContainerID)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Completed)
}

func TestWorkerDeadLettersAfterExhaustingAttempts(t *testing.T) {
	q := newTestQueue(t)
	bus := events.New()
	sessions := &fakeSessions{running: true, dispatchErr: errors.New("permanent dispatch error")}
	usage := &fakeUsage{}

	dlqCh, unsub := bus.Subscribe(testContainerID, events.KindInstructionDeadLettered)
	defer unsub()

	_, _, err := q.Enqueue(context.Background(), testContainerID, "do a thing", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	w := instruction.New(testContainerID, "handle-1", q, sessions, usage, bus, testConfig())
	// Claim itself promotes the delayed job once each backoff delay
	// elapses, so no janitor tick is needed for retries to flow.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-dlqCh:
	case <-ctx.Done():
		t.Fatal("expected job to be dead-lettered")
	}
	w.Stop()

	dlq, err := q.DeadLetters(context.Background(), testContainerID, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
}

func TestWorkerStartsSessionWhenNotRunning(t *testing.T) {
	q := newTestQueue(t)
	bus := events.New()
	sessions := &fakeSessions{readyAfter: 2, dispatchResp: session.DispatchResult{ExitCode: 0}}
	usage := &fakeUsage{}

	completedCh, unsub := bus.Subscribe(testContainerID, events.KindInstructionCompleted)
	defer unsub()

	_, _, err := q.Enqueue(context.Background(), testContainerID, "do a thing", types.ModeAutonomous, types.PriorityAutonomous)
	require.NoError(t, err)

	w := instruction.New(testContainerID, "handle-1", q, sessions, usage, bus, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-completedCh:
	case <-time.After(time.Second):
		t.Fatal("expected completion after session start")
	}
	w.Stop()
}

func TestWorkerRejectsDangerousInstruction(t *testing.T) {
	q := newTestQueue(t)
	bus := events.New()
	sessions := &fakeSessions{running: true}
	usage := &fakeUsage{}

	rejectedCh, unsub := bus.Subscribe(testContainerID, events.KindInstructionRejected)
	defer unsub()

	_, _, err := q.Enqueue(context.Background(), testContainerID, "rm -rf / ", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	w := instruction.New(testContainerID, "handle-1", q, sessions, usage, bus, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-rejectedCh:
	case <-time.After(time.Second):
		t.Fatal("expected rejection event")
	}
	w.Stop()
}

func TestWorkerDeadLettersDangerousInstructionWithoutConsumingRetries(t *testing.T) {
	q := newTestQueue(t)
	bus := events.New()
	sessions := &fakeSessions{running: true}
	usage := &fakeUsage{}

	deadLetteredCh, unsub := bus.Subscribe(testContainerID, events.KindInstructionDeadLettered)
	defer unsub()
	failedCh, unsubFailed := bus.Subscribe(testContainerID, events.KindInstructionFailed)
	defer unsubFailed()

	jobID, _, err := q.Enqueue(context.Background(), testContainerID, "rm -rf / ", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	w := instruction.New(testContainerID, "handle-1", q, sessions, usage, bus, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-deadLetteredCh:
	case <-failedCh:
		t.Fatal("dangerous instruction should never emit a retry/backoff failed event")
	case <-time.After(time.Second):
		t.Fatal("expected immediate dead-letter")
	}
	w.Stop()

	dls, err := q.DeadLetters(context.Background(), testContainerID, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, jobID, dls[0].Job.ID)
	require.Equal(t, 0, dls[0].Job.AttemptsMade, "rejecting must not consume a retry attempt")
}
