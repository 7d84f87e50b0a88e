// Package types holds the data model shared across the orchestration core:
// the container record this core reads but never owns, and the records each
// component owns exclusively (Session, InstructionJob, HealthState, ...).
package types

import "time"

// ContainerStatus is the externally-owned lifecycle status of a sandbox
// container. The core only reads it; an external collaborator creates and
// mutates container records.
type ContainerStatus string

const (
	ContainerStatusCreating ContainerStatus = "creating"
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusStopped  ContainerStatus = "stopped"
	ContainerStatusError    ContainerStatus = "error"
)

// ContainerMode controls how the assistant session inside the container
// behaves: interactive sessions wait on a human, autonomous sessions don't.
type ContainerMode string

const (
	ModeInteractive ContainerMode = "interactive"
	ModeAutonomous  ContainerMode = "autonomous"
)

// Container is the externally-owned record this core reads to find a
// container's runtime handle and current status. Never mutated here.
type Container struct {
	ID        string
	RuntimeID string // opaque handle passed to the Runtime Adapter
	Status    ContainerStatus
	Mode      ContainerMode
	Resources ResourceLimits
}

// ResourceLimits mirrors the resource-limit fields the core forwards to
// Runtime.UpdateResources; their arithmetic is the runtime's concern.
type ResourceLimits struct {
	MemoryBytes int64
	CPUShares   int64
}

// SessionStatus is one node of the Session Manager's state DAG.
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"
	SessionRunning    SessionStatus = "running"
	SessionProcessing SessionStatus = "processing"
	SessionStopping   SessionStatus = "stopping"
	SessionStopped    SessionStatus = "stopped"
	SessionError      SessionStatus = "error"
)

// Session is the Session Manager's sole record for a container's assistant
// conversation. At most one Session exists per container ID.
type Session struct {
	ContainerID      string
	Status           SessionStatus
	Token            string // opaque, minted on first start
	StartedAt        time.Time
	LastActivity     time.Time
	InstructionCount int
	Mode             ContainerMode
	InFlight         bool
	ErrorReason      string
}

// JobStatus is the lifecycle state of an instruction job in the queue.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
	JobPaused    JobStatus = "paused"
)

// Priority orders claims: lower value wins. Interactive instructions are
// dispatched ahead of autonomous ones.
type Priority int

const (
	PriorityInteractive Priority = 1
	PriorityAutonomous  Priority = 2
)

// ProgressStage names one step of the Instruction Worker's stage machine.
type ProgressStage string

const (
	StageValidating     ProgressStage = "validating"
	StageCheckingDaemon ProgressStage = "checking_daemon"
	StageStartingDaemon ProgressStage = "starting_daemon"
	StageSending        ProgressStage = "sending_instruction"
	StageProcessing     ProgressStage = "processing"
	StageFinalizing     ProgressStage = "finalizing"
	StageCompleted      ProgressStage = "completed"
)

// Progress is a point-in-time snapshot of a job's stage machine position.
type Progress struct {
	Percent   int
	Stage     ProgressStage
	Message   string
	Timestamp time.Time
}

// JobResult is the outcome of a successful dispatch, handed back to callers
// and to the Usage Accountant.
type JobResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// InstructionJob is the Queue Store Adapter's unit of work, mutated by the
// Instruction Worker as it advances through the stage machine.
type InstructionJob struct {
	ID            string
	ContainerID   string
	Instruction   string
	Mode          ContainerMode
	Priority      Priority
	AttemptsMade  int
	MaxAttempts   int
	Status        JobStatus
	Progress      Progress
	Result        *JobResult
	FailureReason string
	PriorErrors   []string
	CreatedAt     time.Time
	EnqueuedAt    time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	VisibleAt     time.Time // claim visibility-timeout deadline
}

// DeadLetter is the immutable terminus for a job that exhausted MaxAttempts.
type DeadLetter struct {
	Job        InstructionJob
	Reason     string
	RecordedAt time.Time
}

// QueueStats is a point-in-time snapshot of one container's queue.
type QueueStats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    bool
}

// HealthState is the Health Monitor's sole record per container.
type HealthState struct {
	ContainerID         string
	Healthy             bool
	LastCheck           time.Time
	ConsecutiveFailures int
	Recovering          bool
	LastError           string
}

// LogStream distinguishes which descriptor a log line came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogClassification is the bucket a log line is sorted into.
type LogClassification string

const (
	ClassBuild   LogClassification = "build"
	ClassRuntime LogClassification = "runtime"
	ClassInfo    LogClassification = "info"
	ClassWarning LogClassification = "warning"
	ClassError   LogClassification = "error"
)

// LogEntry is one persisted, classified, sanitized log line.
type LogEntry struct {
	ContainerID    string
	Stream         LogStream
	Classification LogClassification
	Content        string
	RecordedAt     time.Time
}

// UsageRecord is one persisted token/cost tally, bucketed by session window.
type UsageRecord struct {
	ContainerID  string
	JobID        string // optional
	BucketID     string
	InputTokens  int
	OutputTokens int
	CostMicros   int64
	CreatedAt    time.Time
}

// UsageSummary aggregates usage over a window for API consumers.
type UsageSummary struct {
	InputTokens  int
	OutputTokens int
	CostMicros   int64
	BucketEnd    time.Time // only meaningful for the current-session-bucket window
}
