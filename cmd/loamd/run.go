package main

import (
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/loam-io/loam/internal/logging"
	"github.com/loam-io/loam/internal/metrics"
	"github.com/loam-io/loam/internal/server"
)

var (
	runHealthAddr  string
	runMetricsAddr string
	runNow         bool
)

// runCmd starts the scheduled worker.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the purge worker on its cron schedule",
	Long: `Run the purge worker. Every tick of purge.schedule the worker tries to take
the cluster-wide job lock; the instance that gets it purges, the others skip.
A run still in progress when the next tick fires is not overlapped.`,
	RunE: runHandler,
}

func init() {
	runCmd.Flags().StringVar(&runHealthAddr, "health-addr", "", "Override health endpoint address (e.g., :9091)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	runCmd.Flags().BoolVar(&runNow, "now", false, "Run once immediately before waiting for the schedule")
}

// heartbeatInterval is how often the scheduler goroutine reports liveness.
const heartbeatInterval = 10 * time.Second

func runHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runHealthAddr != "" {
		cfg.Observability.HealthAddr = runHealthAddr
	}
	if runMetricsAddr != "" {
		cfg.Observability.MetricsAddr = runMetricsAddr
	}
	if cfg.Purge.Schedule == "" {
		return fmt.Errorf("purge.schedule is required for run; use the purge command for a single run")
	}
	logger := setupLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker, err := NewWorker(ctx, WorkerOptions{
		Config:     cfg,
		Logger:     logger,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	defer worker.Close()

	var scheduling atomic.Bool
	health := server.NewHealthServer(cfg.Observability.HealthAddr, logger)
	health.SetStaleAfter(3 * heartbeatInterval)
	health.RegisterReadinessCheck(server.MetadataStoreCheck(worker.raw))
	health.RegisterReadinessCheck(server.SchedulerCheck(scheduling.Load))
	health.RegisterHandler("/jobz", worker.tracker)
	if err := health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer health.Close()

	if cfg.Observability.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.Observability.MetricsAddr)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer metricsServer.Close()
	}

	if interval := cfg.BacklogScanInterval(); interval > 0 {
		scanner := metrics.NewBacklogScanner(worker.backlogMetrics, worker.store, interval, logger)
		scanner.Start()
		defer scanner.Stop()
	}

	kv := logging.KVLogger{L: logger.With(map[string]any{"component": "scheduler"})}
	sched := cron.New(cron.WithLogger(kv))
	// One wrapped job serves both the schedule and --now so they share the
	// SkipIfStillRunning guard.
	job := cron.NewChain(cron.Recover(kv), cron.SkipIfStillRunning(kv)).Then(cron.FuncJob(func() {
		if _, err := worker.RunOnce(ctx); err != nil {
			logger.Warnf("purge run ended with error", map[string]any{"error": err.Error()})
		}
	}))
	if _, err := sched.AddJob(cfg.Purge.Schedule, job); err != nil {
		return fmt.Errorf("invalid purge.schedule %q: %w", cfg.Purge.Schedule, err)
	}

	sched.Start()
	scheduling.Store(true)
	health.TrackLoop("scheduler")
	logger.Infof("purge worker started", map[string]any{
		"schedule": cfg.Purge.Schedule,
		"job":      cfg.Purge.JobName,
		"owner":    worker.lock.Owner(),
		"storeId":  cfg.Metadata.StoreID,
		"backend":  cfg.Metadata.Backend,
	})

	if runNow {
		go job.Run()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			health.Heartbeat("scheduler")
		}
	}

	logger.Info("initiating graceful shutdown")
	health.SetShuttingDown()
	scheduling.Store(false)
	health.StopLoop("scheduler")

	// Stop waits for a running purge, which sees the cancelled context and
	// stops at the next window boundary.
	stopped := sched.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("purge run did not stop within 30s")
	}

	logger.Info("purge worker shutdown complete")
	return nil
}
