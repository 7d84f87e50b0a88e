/*
Package log provides structured logging for the orchestration core using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("instruction")             │          │
	│  │  - WithContainerID(...)                     │          │
	│  │  - WithJobID(...)                           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "instruction",              │          │
	│  │    "time": "2026-07-29T10:30:00Z",         │          │
	│  │    "message": "instruction dispatched"      │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-29T10:30:00Z INF instruction dispatched component=instruction │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages in this module
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithContainerID: Add container ID context
  - WithJobID: Add job/instruction ID context

# Usage

Initializing the Logger:

	import "github.com/cuemby/sandboxd/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured Logging:

	log.Logger.Info().
		Str("container_id", "ctr-123").
		Int("attempt", 2).
		Msg("instruction dispatched")

Component Loggers:

	// Create component-specific logger
	workerLog := log.WithComponent("instruction")
	workerLog.Info().Msg("claimed job")
	workerLog.Debug().Str("job_id", "job-123").Msg("advancing stage")

	// Multiple context fields
	sessionLog := log.WithComponent("session").
		With().Str("container_id", "ctr-abc").Logger()
	sessionLog.Info().Msg("session started")
	sessionLog.Error().Err(err).Msg("dispatch failed")

# Integration Points

This package integrates with:

  - pkg/telemetry: Span loggers built from WithComponent
  - pkg/reconciler: Logs lifecycle on_start/on_stop cycles
  - cmd/orchestratord: Logs daemon startup and shutdown

pkg/session, pkg/instruction, pkg/health and pkg/logcollector do not log
through this package.

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across codebase

# Security

  - Never log secrets or sensitive data (no package in this module logs
    instruction payloads)
  - Restrict log file permissions (0640)
  - Use structured logging to avoid log injection from untrusted instruction text

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
