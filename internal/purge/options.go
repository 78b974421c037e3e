package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loam-io/loam/internal/logging"
)

// Defaults for Config.
const (
	DefaultMinPurgeAge   = 7 * 24 * time.Hour
	DefaultPurgeWindowMs = int64(2 * time.Hour / time.Millisecond)
)

// ErrInvalidConfig is returned for a Config that cannot drive a purge.
var ErrInvalidConfig = errors.New("purge: invalid config")

// NodeStore is the storage the purgers work against.
type NodeStore interface {
	MinCommitTimeOfDeletedNodes(ctx context.Context) (int64, error)
	MinUnusedTxnCommitTime(ctx context.Context) (int64, error)
	DeleteNodesInRange(ctx context.Context, from, to int64) (int64, error)
	DeleteUnusedTransactionsInRange(ctx context.Context, from, to int64) (int64, error)
}

// LockRefresher extends the job lock. Any error means the lock can no
// longer be relied on.
type LockRefresher interface {
	Refresh(ctx context.Context) error
}

// Recorder receives purge progress for metrics.
type Recorder interface {
	RecordBatch(purger string, count int64)
	RecordWindowFailure(purger string)
	RecordFatalAbort(purger string)
	SetWindowSize(purger string, ms int64)
	RecordRun(outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordBatch(string, int64) {}
func (nopRecorder) RecordWindowFailure(string) {}
func (nopRecorder) RecordFatalAbort(string) {}
func (nopRecorder) SetWindowSize(string, int64) {}
func (nopRecorder) RecordRun(string, time.Duration) {}

// Config holds the tunables of a purge run.
type Config struct {
	// MinPurgeAge keeps anything committed more recently than now minus
	// MinPurgeAge. Negative disables purging.
	MinPurgeAge time.Duration

	// PurgeWindowMs is the initial and maximum window width in ms.
	PurgeWindowMs int64

	// Timeout bounds one purger's loop. Zero means unbounded.
	Timeout time.Duration

	// FromCustomCommitTime overrides the derived start when positive.
	FromCustomCommitTime int64

	// Retry governs retries of a single batch.
	Retry RetryPolicy
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MinPurgeAge:   DefaultMinPurgeAge,
		PurgeWindowMs: DefaultPurgeWindowMs,
		Retry:         DefaultRetryPolicy(),
	}
}

// Validate checks the fields that would otherwise stall the window loop.
func (c Config) Validate() error {
	if c.PurgeWindowMs <= 0 {
		return fmt.Errorf("%w: purge window must be positive, got %d ms", ErrInvalidConfig, c.PurgeWindowMs)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures the collaborators of purgers and coordinators.
type Option func(*settings)

type settings struct {
	now      func() time.Time
	logger   *logging.Logger
	recorder Recorder
	executor *RetryExecutor
}

func newSettings(opts []Option) settings {
	s := settings{
		now:      time.Now,
		recorder: nopRecorder{},
		executor: defaultExecutor,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *settings) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithExecutor sets the retry executor.
func WithExecutor(e *RetryExecutor) Option {
	return func(s *settings) {
		if e != nil {
			s.executor = e
		}
	}
}

func (s settings) log(ctx context.Context) *logging.Logger {
	if l := logging.LoggerFromCtx(ctx); l != nil {
		return l
	}
	if s.logger != nil {
		if id := logging.RunIDFromCtx(ctx); id != "" {
			return s.logger.WithRunID(id)
		}
		return s.logger
	}
	return logging.FromCtx(ctx)
}
