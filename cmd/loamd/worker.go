package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loam-io/loam/internal/config"
	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/logging"
	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/bolt"
	"github.com/loam-io/loam/internal/metadata/oxia"
	"github.com/loam-io/loam/internal/metrics"
	"github.com/loam-io/loam/internal/nodes"
	"github.com/loam-io/loam/internal/purge"
	"github.com/loam-io/loam/internal/server"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Config *config.Config
	Logger *logging.Logger

	// Registerer receives the worker's metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	// Owner identifies this process in the job lock. Default: hostname plus
	// a random suffix.
	Owner string
}

// Worker owns the metadata store and everything built on it.
type Worker struct {
	cfg    *config.Config
	logger *logging.Logger

	raw     metadata.MetadataStore // uninstrumented, for readiness probes
	meta    metadata.MetadataStore
	store   *nodes.Store
	lock    *joblock.Manager
	job     *purge.Job
	tracker *server.JobTracker

	purgeMetrics   *metrics.PurgeMetrics
	backlogMetrics *metrics.BacklogMetrics
}

// openMetadata opens the configured backend.
func openMetadata(ctx context.Context, cfg *config.Config) (metadata.MetadataStore, error) {
	switch cfg.Metadata.Backend {
	case config.BackendOxia:
		return oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      cfg.Metadata.Namespace,
			RequestTimeout: time.Duration(cfg.Metadata.RequestTimeoutMs) * time.Millisecond,
			SessionTimeout: time.Duration(cfg.Metadata.SessionTimeoutMs) * time.Millisecond,
		})
	case config.BackendBolt:
		return bolt.Open(bolt.Config{Path: cfg.Metadata.BoltPath})
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "loamd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NewWorker opens the metadata store and wires the purge job.
func NewWorker(ctx context.Context, opts WorkerOptions) (*Worker, error) {
	if opts.Config == nil {
		return nil, errors.New("worker: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	owner := opts.Owner
	if owner == "" {
		owner = opts.Config.Lock.Owner
	}
	if owner == "" {
		owner = defaultOwner()
	}

	raw, err := openMetadata(ctx, opts.Config)
	if err != nil {
		return nil, fmt.Errorf("worker: open %s metadata store: %w", opts.Config.Metadata.Backend, err)
	}
	return newWorker(raw, opts.Config, logger, opts.Registerer, owner)
}

// newWorker wires a Worker over an already open store. The worker owns raw.
func newWorker(raw metadata.MetadataStore, cfg *config.Config, logger *logging.Logger, reg prometheus.Registerer, owner string) (*Worker, error) {
	w := &Worker{
		cfg:     cfg,
		logger:  logger,
		raw:     raw,
		meta:    raw,
		tracker: server.NewJobTracker(),
	}
	var recorder purge.Recorder
	if reg != nil {
		w.meta = metadata.NewInstrumentedStore(raw, metrics.NewStoreMetricsWithRegistry(reg))
		w.purgeMetrics = metrics.NewPurgeMetricsWithRegistry(reg)
		w.backlogMetrics = metrics.NewBacklogMetricsWithRegistry(reg)
		recorder = w.purgeMetrics
	}

	store, err := nodes.New(w.meta, cfg.Metadata.StoreID)
	if err != nil {
		raw.Close()
		return nil, err
	}
	w.store = store
	w.lock = joblock.NewManager(w.meta, cfg.Purge.JobName, owner, cfg.LockTTL())

	purgeOpts := []purge.Option{purge.WithLogger(logger), purge.WithRecorder(recorder)}
	coord, err := purge.NewCoordinator(store, w.lock, cfg.PurgeSettings(), purgeOpts...)
	if err != nil {
		raw.Close()
		return nil, err
	}
	w.job = purge.NewJob(cfg.Purge.JobName, w.lock, coord, purgeOpts...)
	return w, nil
}

// RunOnce executes one purge run and records it in the job tracker.
func (w *Worker) RunOnce(ctx context.Context) (purge.RunResult, error) {
	res, err := w.job.Run(ctx)
	run := server.JobRun{
		Job:        w.job.Name(),
		RunID:      res.RunID,
		Outcome:    outcomeOf(res, err),
		Messages:   res.Messages,
		HeldBy:     res.HeldBy,
		FinishedAt: time.Now(),
		DurationMs: res.Duration.Milliseconds(),
	}
	if err != nil {
		run.Error = err.Error()
	}
	w.tracker.Record(run)
	return res, err
}

func outcomeOf(res purge.RunResult, err error) string {
	switch {
	case res.Skipped:
		return purge.RunSkipped
	case err == nil:
		return purge.RunCompleted
	case errors.Is(err, joblock.ErrLockLost):
		return purge.RunLockLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return purge.RunCancelled
	default:
		return purge.RunFailed
	}
}

// Store returns the content store.
func (w *Worker) Store() *nodes.Store {
	return w.store
}

// Lock returns the job lock manager.
func (w *Worker) Lock() *joblock.Manager {
	return w.lock
}

// Close releases the metadata store.
func (w *Worker) Close() error {
	return w.raw.Close()
}
