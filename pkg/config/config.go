// Package config assembles the orchestrator's root Config from a YAML file
// with environment-variable overrides, mirroring the plain per-component
// Config-struct convention the rest of this core follows.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig configures the Runtime Adapter.
type RuntimeConfig struct {
	ContainerdSocket string `yaml:"containerd_socket" env:"CONTAINERD_SOCKET"`
	LogDir           string `yaml:"log_dir" env:"RUNTIME_LOG_DIR"`
}

// QueueConfig configures the Queue Store Adapter.
type QueueConfig struct {
	Backend           string        `yaml:"backend" env:"QUEUE_BACKEND"` // "bolt" or "redis"
	DataDir           string        `yaml:"data_dir" env:"QUEUE_DATA_DIR"`
	RedisAddr         string        `yaml:"redis_addr" env:"QUEUE_REDIS_ADDR"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"QUEUE_VISIBILITY_TIMEOUT"`
	ClaimRateLimit    int           `yaml:"claim_rate_limit" env:"QUEUE_CLAIM_RATE_LIMIT"`
	ClaimRatePeriod   time.Duration `yaml:"claim_rate_period" env:"QUEUE_CLAIM_RATE_PERIOD"`
}

// StoreConfig configures the relational record store. Schema migrations
// are embedded in the binary, so only the database location is a knob.
type StoreConfig struct {
	DSN string `yaml:"dsn" env:"STORE_DSN"`
}

// SessionConfig configures the Session Manager.
type SessionConfig struct {
	IdleTimeout          time.Duration `yaml:"idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	IdleEvictorInterval  time.Duration `yaml:"idle_evictor_interval" env:"SESSION_IDLE_EVICTOR_INTERVAL"`
	ReadyTimeout         time.Duration `yaml:"ready_timeout" env:"SESSION_READY_TIMEOUT"`
	StdoutCap            int64         `yaml:"stdout_cap_bytes" env:"SESSION_STDOUT_CAP_BYTES"`
	QuiescencePollPeriod time.Duration `yaml:"quiescence_poll_period" env:"SESSION_QUIESCENCE_POLL_PERIOD"`
	QuiescenceMaxWait    time.Duration `yaml:"quiescence_max_wait" env:"SESSION_QUIESCENCE_MAX_WAIT"`
}

// HealthConfig configures the Health Monitor. Its live-reloadable knobs are
// re-read from a Holder's atomic.Pointer[HealthConfig], not from this struct
// directly.
type HealthConfig struct {
	ProbeInterval       time.Duration `yaml:"probe_interval" env:"HEALTH_PROBE_INTERVAL"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts" env:"HEALTH_MAX_RECOVERY_ATTEMPTS"`
	RecoveryDelay       time.Duration `yaml:"recovery_delay" env:"HEALTH_RECOVERY_DELAY"`
	VerifyDelay         time.Duration `yaml:"verify_delay" env:"HEALTH_VERIFY_DELAY"`
}

// InstructionConfig configures the Instruction Worker.
type InstructionConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" env:"INSTRUCTION_MAX_ATTEMPTS"`
	BackoffBase       time.Duration `yaml:"backoff_base" env:"INSTRUCTION_BACKOFF_BASE"`
	BackoffFactor     float64       `yaml:"backoff_factor" env:"INSTRUCTION_BACKOFF_FACTOR"`
	BackoffCap        time.Duration `yaml:"backoff_cap" env:"INSTRUCTION_BACKOFF_CAP"`
	RateLimitJobs     int           `yaml:"rate_limit_jobs" env:"INSTRUCTION_RATE_LIMIT_JOBS"`
	RateLimitPeriod   time.Duration `yaml:"rate_limit_period" env:"INSTRUCTION_RATE_LIMIT_PERIOD"`
	MaxInstructionLen int           `yaml:"max_instruction_bytes" env:"INSTRUCTION_MAX_BYTES"`
}

// LogCollectorConfig configures the Log Collector.
type LogCollectorConfig struct {
	Retention       time.Duration `yaml:"retention" env:"LOGCOLLECTOR_RETENTION"`
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"LOGCOLLECTOR_JANITOR_INTERVAL"`
	BatchMaxEntries int           `yaml:"batch_max_entries" env:"LOGCOLLECTOR_BATCH_MAX_ENTRIES"`
	BatchMaxWait    time.Duration `yaml:"batch_max_wait" env:"LOGCOLLECTOR_BATCH_MAX_WAIT"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" env:"LOGCOLLECTOR_RECONNECT_DELAY"`
	MaxReconnects   int           `yaml:"max_reconnects" env:"LOGCOLLECTOR_MAX_RECONNECTS"`
}

// UsageConfig configures the Usage Accountant.
type UsageConfig struct {
	BucketWidth     time.Duration `yaml:"bucket_width" env:"USAGE_BUCKET_WIDTH"`
	RetentionDays   int           `yaml:"retention_days" env:"USAGE_RETENTION_DAYS"`
	JanitorSchedule string        `yaml:"janitor_schedule" env:"USAGE_JANITOR_SCHEDULE"` // cron expr
}

// LoggingConfig controls the telemetry glue's zerolog output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	JSONOutput bool   `yaml:"json_output" env:"LOG_JSON_OUTPUT"`
}

// Config is the orchestrator's root configuration tree.
type Config struct {
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Queue        QueueConfig        `yaml:"queue"`
	Store        StoreConfig        `yaml:"store"`
	Session      SessionConfig      `yaml:"session"`
	Health       HealthConfig       `yaml:"health"`
	Instruction  InstructionConfig  `yaml:"instruction"`
	LogCollector LogCollectorConfig `yaml:"log_collector"`
	Usage        UsageConfig        `yaml:"usage"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Default returns the stock configuration every deployment starts from.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			LogDir:           "/var/log/sandboxd/containers",
		},
		Queue: QueueConfig{
			Backend:           "bolt",
			DataDir:           "/var/lib/sandboxd",
			VisibilityTimeout: 60 * time.Second,
			ClaimRateLimit:    10,
			ClaimRatePeriod:   60 * time.Second,
		},
		Store: StoreConfig{
			DSN: "/var/lib/sandboxd/records.db",
		},
		Session: SessionConfig{
			IdleTimeout:          30 * time.Minute,
			IdleEvictorInterval:  60 * time.Second,
			ReadyTimeout:         10 * time.Second,
			StdoutCap:            16 << 20,
			QuiescencePollPeriod: 2 * time.Second,
			QuiescenceMaxWait:    10 * time.Minute,
		},
		Health: HealthConfig{
			ProbeInterval:       30 * time.Second,
			MaxRecoveryAttempts: 3,
			RecoveryDelay:       5 * time.Second,
			VerifyDelay:         2 * time.Second,
		},
		Instruction: InstructionConfig{
			MaxAttempts:       3,
			BackoffBase:       5 * time.Second,
			BackoffFactor:     2,
			BackoffCap:        60 * time.Second,
			RateLimitJobs:     10,
			RateLimitPeriod:   60 * time.Second,
			MaxInstructionLen: 10 << 10,
		},
		LogCollector: LogCollectorConfig{
			Retention:       24 * time.Hour,
			JanitorInterval: time.Hour,
			BatchMaxEntries: 100,
			BatchMaxWait:    time.Second,
			ReconnectDelay:  5 * time.Second,
			MaxReconnects:   3,
		},
		Usage: UsageConfig{
			BucketWidth:     5 * time.Hour,
			RetentionDays:   30,
			JanitorSchedule: "0 0 * * *",
		},
		Logging: LoggingConfig{Level: "info", JSONOutput: true},
	}
}

// Load reads path (if non-empty and present) as YAML over Default, then
// applies the environment-variable overrides listed in applyEnvOverrides.
// Fields not listed there are set from YAML only; their `env` tags are not
// read.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// applyEnvOverrides walks the small, fixed set of duration/int/string/bool
// fields that commonly need a per-deployment override without editing the
// YAML file, matching the `env:"..."` tag named on each field above.
func applyEnvOverrides(cfg *Config) {
	str(&cfg.Runtime.ContainerdSocket, "CONTAINERD_SOCKET")
	str(&cfg.Runtime.LogDir, "RUNTIME_LOG_DIR")
	str(&cfg.Queue.Backend, "QUEUE_BACKEND")
	str(&cfg.Queue.DataDir, "QUEUE_DATA_DIR")
	str(&cfg.Queue.RedisAddr, "QUEUE_REDIS_ADDR")
	dur(&cfg.Queue.VisibilityTimeout, "QUEUE_VISIBILITY_TIMEOUT")
	intv(&cfg.Queue.ClaimRateLimit, "QUEUE_CLAIM_RATE_LIMIT")
	dur(&cfg.Queue.ClaimRatePeriod, "QUEUE_CLAIM_RATE_PERIOD")
	str(&cfg.Store.DSN, "STORE_DSN")
	dur(&cfg.Session.IdleTimeout, "SESSION_IDLE_TIMEOUT")
	dur(&cfg.Health.ProbeInterval, "HEALTH_PROBE_INTERVAL")
	intv(&cfg.Health.MaxRecoveryAttempts, "HEALTH_MAX_RECOVERY_ATTEMPTS")
	dur(&cfg.Health.RecoveryDelay, "HEALTH_RECOVERY_DELAY")
	intv(&cfg.Instruction.MaxAttempts, "INSTRUCTION_MAX_ATTEMPTS")
	str(&cfg.Logging.Level, "LOG_LEVEL")
	boolv(&cfg.Logging.JSONOutput, "LOG_JSON_OUTPUT")
}

func str(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func dur(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func intv(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolv(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Holder makes HealthConfig's recovery knobs live-reloadable without a
// process restart.
type Holder struct {
	v atomic.Pointer[HealthConfig]
}

// NewHolder stores an initial snapshot.
func NewHolder(initial HealthConfig) *Holder {
	h := &Holder{}
	h.Store(initial)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() HealthConfig { return *h.v.Load() }

// Store atomically replaces the snapshot, e.g. after a config reload.
func (h *Holder) Store(cfg HealthConfig) { h.v.Store(&cfg) }
