// Package instruction runs one single-concurrency worker per container,
// driving each job through a seven-stage pipeline from validation to
// completion, with exponential backoff on failure and a dead-letter
// terminus on exhaustion.
package instruction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/queue"
	"github.com/cuemby/sandboxd/pkg/session"
	"github.com/cuemby/sandboxd/pkg/types"
)

// SessionDriver is the subset of the Session Manager the worker needs; a
// narrow interface keeps this package's test doubles small.
type SessionDriver interface {
	EnsureStarted(ctx context.Context, containerID, handle string) (types.Session, error)
	Dispatch(ctx context.Context, containerID, handle, instruction string) (session.DispatchResult, error)
	Status(containerID string) (types.Session, bool)
}

// UsageRecorder hands a completed dispatch's stdout to the Usage
// Accountant; implemented by *usage.Accountant. Kept as an interface here
// to avoid an import cycle between instruction and usage.
type UsageRecorder interface {
	RecordFromStdout(ctx context.Context, containerID, jobID, stdout string) error
}

// Config tunes the worker's retry and rate-limiting behavior.
type Config struct {
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffCap      time.Duration
	RateLimitJobs   int
	RateLimitPeriod time.Duration
	ClaimPoll       time.Duration
	VisibilityTO    time.Duration
	ReadyTimeout    time.Duration
	ReadyPoll       time.Duration
}

// DefaultConfig is the production tuning: 5s-base doubling backoff capped
// at 60s, and at most 10 jobs per minute per container.
func DefaultConfig() Config {
	return Config{
		BackoffBase:     5 * time.Second,
		BackoffFactor:   2,
		BackoffCap:      60 * time.Second,
		RateLimitJobs:   10,
		RateLimitPeriod: 60 * time.Second,
		ClaimPoll:       500 * time.Millisecond,
		VisibilityTO:    60 * time.Second,
		ReadyTimeout:    10 * time.Second,
		ReadyPoll:       500 * time.Millisecond,
	}
}

// Backoff returns the retry delay for the nth (0-indexed) attempt:
// base * factor^n, capped.
func (c Config) Backoff(attempt int) time.Duration {
	d := float64(c.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffFactor
	}
	if time.Duration(d) > c.BackoffCap {
		return c.BackoffCap
	}
	return time.Duration(d)
}

// Worker drives one container's instruction pipeline, concurrency 1.
type Worker struct {
	containerID string
	handle      string
	q           queue.Store
	sessions    SessionDriver
	usage       UsageRecorder
	bus         *events.Bus
	cfg         Config
	limiter     *rate.Limiter

	stopCh chan struct{}
}

// New constructs a Worker for containerID/handle.
func New(containerID, handle string, q queue.Store, sessions SessionDriver, usage UsageRecorder, bus *events.Bus, cfg Config) *Worker {
	return &Worker{
		containerID: containerID,
		handle:      handle,
		q:           q,
		sessions:    sessions,
		usage:       usage,
		bus:         bus,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RateLimitJobs)/cfg.RateLimitPeriod.Seconds()), cfg.RateLimitJobs),
		stopCh:      make(chan struct{}),
	}
}

// Run loops claim -> process until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ClaimPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if !w.limiter.Allow() {
				continue // overflow jobs remain queued until the bucket refills
			}
			job, err := w.q.Claim(ctx, w.containerID, w.cfg.VisibilityTO)
			if err != nil || job == nil {
				continue
			}
			w.process(ctx, job)
		}
	}
}

// Stop ends Run's loop after its current iteration.
func (w *Worker) Stop() { close(w.stopCh) }

func (w *Worker) process(ctx context.Context, job *types.InstructionJob) {
	// Keep the claim's visibility deadline ahead of a long-running dispatch
	// so the queue doesn't re-deliver a job that is still being worked.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	result, err := w.runPipeline(ctx, job)
	if err != nil {
		w.onFailure(ctx, job, err)
		return
	}

	if err := w.q.Finalize(ctx, job.ID, result); err != nil {
		w.publish(job.ID, events.KindInstructionFailed, map[string]any{"error": err.Error(), "stage": "finalizing"})
		return
	}

	w.publish(job.ID, events.KindInstructionCompleted, map[string]any{"exit_code": result.ExitCode})
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.cfg.VisibilityTO / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.q.Heartbeat(ctx, jobID, w.cfg.VisibilityTO)
		}
	}
}

func (w *Worker) runPipeline(ctx context.Context, job *types.InstructionJob) (types.JobResult, error) {
	w.advance(job, types.StageValidating, 5, "validating instruction")

	if err := ValidateContainerID(job.ContainerID); err != nil {
		return types.JobResult{}, err
	}
	instruction, err := Sanitize(job.Instruction)
	if err != nil {
		return types.JobResult{}, err
	}
	if err := CheckDangerous(instruction); err != nil {
		return types.JobResult{}, err
	}
	w.advance(job, types.StageValidating, 10, "validated")

	w.advance(job, types.StageCheckingDaemon, 15, "checking session status")
	sess, exists := w.sessions.Status(job.ContainerID)

	if !exists || sess.Status != types.SessionRunning {
		w.advance(job, types.StageStartingDaemon, 20, "starting session")
		if _, err := w.sessions.EnsureStarted(ctx, job.ContainerID, w.handle); err != nil {
			return types.JobResult{}, fmt.Errorf("starting_daemon: %w", err)
		}

		deadline := time.Now().Add(w.cfg.ReadyTimeout)
		for {
			sess, exists = w.sessions.Status(job.ContainerID)
			if exists && sess.Status == types.SessionRunning {
				break
			}
			if time.Now().After(deadline) {
				return types.JobResult{}, fmt.Errorf("starting_daemon: %w", session.ErrSessionNotReady)
			}
			time.Sleep(w.cfg.ReadyPoll)
		}
		w.advance(job, types.StageStartingDaemon, 30, "session running")
	}

	w.advance(job, types.StageSending, 35, "sending instruction")
	w.publish(job.ID, events.KindInstructionStarted, nil)
	w.advance(job, types.StageSending, 40, "instruction sent")

	w.advance(job, types.StageProcessing, 45, "awaiting dispatch")

	// Refine progress while the dispatch runs: quiescence-barrier events for
	// this container carry the outstanding background-agent count, which is
	// the only mid-dispatch signal observers get.
	quiesceCh, unsubQuiesce := w.bus.Subscribe(w.containerID, events.KindSessionQuiescing)
	dispatchDone := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-quiesceCh:
				if !ok {
					return
				}
				if n, isInt := ev.Fields["agent_count"].(int); isInt {
					w.advance(job, types.StageProcessing, 50, fmt.Sprintf("waiting on %d background agents", n))
				}
			case <-dispatchDone:
				return
			}
		}
	}()

	dispatchResult, err := w.sessions.Dispatch(ctx, job.ContainerID, w.handle, instruction)
	close(dispatchDone)
	unsubQuiesce()
	if err != nil {
		return types.JobResult{}, fmt.Errorf("processing: %w", err)
	}
	w.advance(job, types.StageProcessing, 55, "dispatch returned")

	w.advance(job, types.StageFinalizing, 80, "validating exit code")
	if w.usage != nil {
		_ = w.usage.RecordFromStdout(ctx, job.ContainerID, job.ID, dispatchResult.Stdout)
	}
	w.advance(job, types.StageFinalizing, 95, "usage recorded")

	w.advance(job, types.StageCompleted, 100, "completed")

	return types.JobResult{
		ExitCode: dispatchResult.ExitCode,
		Stdout:   dispatchResult.Stdout,
		Stderr:   dispatchResult.Stderr,
		Duration: dispatchResult.Duration,
	}, nil
}

// onFailure routes a pipeline error by its kind. Validation and
// dangerous-instruction causes (ErrValidation) can never be fixed by
// retrying, so they reject straight to the dead-letter set without
// consuming an attempt or a backoff delay; everything else follows the
// usual exponential-backoff retry path.
func (w *Worker) onFailure(ctx context.Context, job *types.InstructionJob, cause error) {
	if errors.Is(cause, ErrValidation) {
		w.publish(job.ID, events.KindInstructionRejected, map[string]any{"reason": cause.Error()})
		if err := w.q.Reject(ctx, job.ID, cause.Error()); err != nil {
			return
		}
		w.publish(job.ID, events.KindInstructionDeadLettered, map[string]any{"reason": cause.Error(), "attempts": job.AttemptsMade + 1})
		return
	}

	delay := w.cfg.Backoff(job.AttemptsMade)
	deadLettered, err := w.q.Fail(ctx, job.ID, cause.Error(), delay)
	if err != nil {
		return
	}

	if deadLettered {
		w.publish(job.ID, events.KindInstructionDeadLettered, map[string]any{"reason": cause.Error(), "attempts": job.AttemptsMade + 1})
		return
	}

	w.publish(job.ID, events.KindInstructionFailed, map[string]any{
		"reason":     cause.Error(),
		"retry_in_s": delay.Seconds(),
		"attempt":    job.AttemptsMade + 1,
	})
}

func (w *Worker) advance(job *types.InstructionJob, stage types.ProgressStage, percent int, message string) {
	progress := types.Progress{Stage: stage, Percent: percent, Message: message, Timestamp: time.Now()}
	_ = w.q.UpdateProgress(context.Background(), job.ID, progress)
	w.publish(job.ID, events.KindInstructionProgress, map[string]any{
		"stage": string(stage), "percent": percent, "message": message,
	})
}

func (w *Worker) publish(jobID string, kind events.Kind, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["job_id"] = jobID
	w.bus.Publish(events.Event{ContainerID: w.containerID, Kind: kind, Timestamp: time.Now(), Fields: fields})
}
