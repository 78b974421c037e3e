package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loam-io/loam/internal/metadata"
)

// Default retry settings.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffStep = time.Second
)

// RetryPolicy bounds how a unit of work is retried. It is an immutable
// value; build it once and pass it to every call.
type RetryPolicy struct {
	maxRetries  int
	backoffStep time.Duration
}

// NewRetryPolicy returns a policy allowing maxRetries retries after the
// first attempt, sleeping attempt × backoffStep before retry number attempt.
// Negative arguments are treated as zero.
func NewRetryPolicy(maxRetries int, backoffStep time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoffStep < 0 {
		backoffStep = 0
	}
	return RetryPolicy{maxRetries: maxRetries, backoffStep: backoffStep}
}

// DefaultRetryPolicy returns 5 retries with a 1s linear backoff step.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(DefaultMaxRetries, DefaultBackoffStep)
}

// MaxRetries returns the number of retries after the first attempt.
func (p RetryPolicy) MaxRetries() int { return p.maxRetries }

// BackoffStep returns the linear backoff increment.
func (p RetryPolicy) BackoffStep() time.Duration { return p.backoffStep }

// Backoff returns the sleep before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * p.backoffStep
}

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying: a metadata transaction
// conflict, a version race, or an error marked with MarkTransient.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, metadata.ErrTxnConflict) || errors.Is(err, metadata.ErrVersionMismatch) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// RetryExecutor runs units of work under a RetryPolicy. It holds no
// per-call state and is safe for concurrent use.
type RetryExecutor struct {
	sleep   func(context.Context, time.Duration) error
	onRetry func(attempt int, err error)
}

// ExecutorOption configures a RetryExecutor.
type ExecutorOption func(*RetryExecutor)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) ExecutorOption {
	return func(e *RetryExecutor) { e.sleep = sleep }
}

// WithRetryHook is called before each retry with its 1-based number.
func WithRetryHook(fn func(attempt int, err error)) ExecutorOption {
	return func(e *RetryExecutor) { e.onRetry = fn }
}

// NewRetryExecutor creates an executor that sleeps on the wall clock.
func NewRetryExecutor(opts ...ExecutorOption) *RetryExecutor {
	e := &RetryExecutor{sleep: sleepCtx}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExecutor = NewRetryExecutor()

// RunRetryable runs unit with the default executor.
func RunRetryable(ctx context.Context, policy RetryPolicy, unit func(context.Context) (int64, error)) (int64, error) {
	return defaultExecutor.Run(ctx, policy, unit)
}

// Run calls unit until it succeeds, fails with a non-transient error, or
// the policy's retries are used up. Cancelling ctx stops it between attempts
// and during backoff.
func (e *RetryExecutor) Run(ctx context.Context, policy RetryPolicy, unit func(context.Context) (int64, error)) (int64, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := unit(ctx)
		if err == nil {
			return n, nil
		}
		if !IsTransient(err) {
			return 0, err
		}
		if attempt >= policy.maxRetries {
			return 0, fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}

		if e.onRetry != nil {
			e.onRetry(attempt+1, err)
		}
		if err := e.sleep(ctx, policy.Backoff(attempt+1)); err != nil {
			return 0, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
