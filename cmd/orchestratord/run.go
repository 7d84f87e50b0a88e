package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/cuemby/sandboxd/pkg/config"
	"github.com/cuemby/sandboxd/pkg/containerstate"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/health"
	"github.com/cuemby/sandboxd/pkg/instruction"
	applog "github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/logcollector"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/queue"
	"github.com/cuemby/sandboxd/pkg/reconciler"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/session"
	"github.com/cuemby/sandboxd/pkg/store"
	"github.com/cuemby/sandboxd/pkg/usage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration daemon",
	Long: `run wires up every component of the orchestration core — the
Session Manager, Instruction Worker, Health Monitor, Log Collector, Usage
Accountant, and Lifecycle Coordinator — and blocks serving them until
interrupted.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	runCmd.Flags().String("fleet-file", "", "Path to a JSON file listing the current container fleet (see pkg/containerstate)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	fleetFile, _ := cmd.Flags().GetString("fleet-file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := applog.WithComponent("orchestratord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.NewContainerdRuntime(cfg.Runtime.ContainerdSocket, cfg.Runtime.LogDir)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}

	recordStore, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer recordStore.Close()

	q, err := newQueueStore(cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer q.Close()

	bus := events.New()
	lister := containerstate.NewFileLister(fleetFile)

	sessionCfg := session.Config{
		ReadyTimeout:         cfg.Session.ReadyTimeout,
		ReadyPollInterval:    500 * time.Millisecond,
		IdleTimeout:          cfg.Session.IdleTimeout,
		IdleEvictorInterval:  cfg.Session.IdleEvictorInterval,
		QuiescencePollPeriod: cfg.Session.QuiescencePollPeriod,
		QuiescenceMaxWait:    cfg.Session.QuiescenceMaxWait,
	}
	sessions := session.New(rt, bus, sessionCfg)

	holder := config.NewHolder(cfg.Health)
	healthMonitor := health.New(sessions, recordStore, bus, holder)

	logCollector := logcollector.New(rt, recordStore, bus, logcollector.Config{
		Retention:       cfg.LogCollector.Retention,
		JanitorInterval: cfg.LogCollector.JanitorInterval,
		BatchMaxEntries: cfg.LogCollector.BatchMaxEntries,
		BatchMaxWait:    cfg.LogCollector.BatchMaxWait,
		ReconnectDelay:  cfg.LogCollector.ReconnectDelay,
		MaxReconnects:   cfg.LogCollector.MaxReconnects,
	})

	accountant := usage.New(recordStore)

	workerCfg := instruction.Config{
		BackoffBase:     cfg.Instruction.BackoffBase,
		BackoffFactor:   cfg.Instruction.BackoffFactor,
		BackoffCap:      cfg.Instruction.BackoffCap,
		RateLimitJobs:   cfg.Instruction.RateLimitJobs,
		RateLimitPeriod: cfg.Instruction.RateLimitPeriod,
		ClaimPoll:       500 * time.Millisecond,
		VisibilityTO:    cfg.Queue.VisibilityTimeout,
		ReadyTimeout:    cfg.Session.ReadyTimeout,
		ReadyPoll:       500 * time.Millisecond,
	}

	coordinator := reconciler.New(sessions, healthMonitor, logCollector, q, bus, accountant, workerCfg)

	metricsCollector := metrics.NewCollector(sessions, q, healthMonitor, logCollector, bus, lister)

	sessions.StartIdleEvictor(ctx)
	metricsCollector.Start(ctx)
	go metrics.StartSelfTelemetry(ctx, 15*time.Second)

	go func() {
		if err := logCollector.Run(ctx, lister); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("log collector run loop exited")
		}
	}()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Usage.JanitorSchedule, func() {
		n, err := accountant.RunJanitor(ctx, cfg.Usage.RetentionDays)
		if err != nil {
			logger.Error().Err(err).Msg("usage janitor failed")
			return
		}
		logger.Info().Int64("deleted", n).Msg("usage janitor ran")
	}); err != nil {
		return fmt.Errorf("failed to schedule usage janitor: %w", err)
	}
	if _, err := sched.AddFunc("@every 1m", func() {
		if err := q.Reap(ctx, queue.DefaultRetention); err != nil {
			logger.Error().Err(err).Msg("queue reap failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule queue reap: %w", err)
	}
	if _, err := sched.AddFunc("@weekly", func() {
		if err := recordStore.Vacuum(ctx); err != nil {
			logger.Error().Err(err).Msg("record store vacuum failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule record store vacuum: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if err := coordinator.Bootstrap(ctx, lister); err != nil {
		logger.Error().Err(err).Msg("startup bootstrap failed")
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("queue", true, "ready")
	metrics.RegisterComponent("runtime", true, "ready")
	metrics.RegisterComponent("store", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	return nil
}

func newQueueStore(cfg config.QueueConfig) (queue.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisQueue(client), nil
	case "bolt", "":
		return queue.NewBoltQueue(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
