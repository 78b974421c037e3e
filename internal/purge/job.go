package purge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/logging"
)

// Run outcome labels passed to Recorder.RecordRun.
const (
	RunCompleted = "completed"
	RunSkipped   = "skipped"
	RunLockLost  = "lock_lost"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// releaseTimeout bounds the lock release after a run, which may happen
// after the run's context was cancelled.
const releaseTimeout = 10 * time.Second

// Locker is the job lock as seen by a Job.
type Locker interface {
	LockRefresher
	Acquire(ctx context.Context, runID string) (*joblock.AcquireResult, error)
	Release(ctx context.Context) error
}

// RunResult describes one Job execution.
type RunResult struct {
	RunID    string
	Messages []string
	Duration time.Duration

	// Skipped is set when another owner held the lock; HeldBy names it.
	Skipped bool
	HeldBy  string
}

// Job takes the job lock, runs the coordinator and releases the lock.
type Job struct {
	name     string
	lock     Locker
	coord    *Coordinator
	settings settings
	newRunID func() string
}

// NewJob creates a job named name. The coordinator must have been built
// with the same lock so windows refresh what the job acquired.
func NewJob(name string, lock Locker, coord *Coordinator, opts ...Option) *Job {
	return &Job{
		name:     name,
		lock:     lock,
		coord:    coord,
		settings: newSettings(opts),
		newRunID: uuid.NewString,
	}
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// Run executes one purge run. The returned error is non-nil only when the
// run could not start, lost its lock, or was cancelled.
func (j *Job) Run(ctx context.Context) (RunResult, error) {
	runID := j.newRunID()
	base := j.settings.logger
	if base == nil {
		base = logging.Global()
	}
	log := base.WithJob(j.name).WithRunID(runID)
	ctx = logging.WithLoggerCtx(logging.WithRunIDCtx(ctx, runID), log)

	started := j.settings.now()
	result := RunResult{RunID: runID}
	finish := func(outcome string) {
		result.Duration = j.settings.now().Sub(started)
		j.settings.recorder.RecordRun(outcome, result.Duration)
	}

	acq, err := j.lock.Acquire(ctx, runID)
	if err != nil {
		finish(RunFailed)
		log.Errorf("failed to acquire job lock", map[string]any{"error": err.Error()})
		return result, err
	}
	if !acq.Acquired {
		result.Skipped = true
		if acq.Lock != nil {
			result.HeldBy = acq.Lock.Owner
		}
		finish(RunSkipped)
		log.Infof("job lock held elsewhere, skipping run", map[string]any{"holder": result.HeldBy})
		return result, nil
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := j.lock.Release(releaseCtx); err != nil {
			log.Warnf("failed to release job lock", map[string]any{"error": err.Error()})
		}
	}()

	log.Info("purge run started")
	result.Messages, err = j.coord.Run(ctx)

	switch {
	case err == nil:
		finish(RunCompleted)
	case errors.Is(err, joblock.ErrLockLost):
		finish(RunLockLost)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		finish(RunCancelled)
	default:
		finish(RunFailed)
	}

	fields := map[string]any{
		"messages":   len(result.Messages),
		"durationMs": result.Duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		log.Errorf("purge run stopped", fields)
		return result, err
	}
	log.Infof("purge run finished", fields)
	return result, nil
}
