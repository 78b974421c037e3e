package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/logging"
)

// batchFunc deletes the eligible rows committed in [from, to).
type batchFunc func(ctx context.Context, from, to int64) (int64, error)

// windowWalker is the adaptive loop shared by both purgers.
type windowWalker struct {
	name      string // metrics label
	subject   string // plural noun used in messages
	purgeSize int64
	timeout   time.Duration
	policy    RetryPolicy
	lock      LockRefresher
	batch     batchFunc
	settings  settings
}

// report appends msg to the result and logs it at level.
type report struct {
	log      *logging.Logger
	messages []string
}

func (r *report) add(level logging.Level, fields map[string]any, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.messages = append(r.messages, msg)
	r.log.Log(level, msg, fields)
}

// floor is the smallest window the walker will try.
func (w *windowWalker) floor() int64 {
	return w.purgeSize / 10
}

// attempt runs one batch through the retry executor and classifies it.
func (w *windowWalker) attempt(ctx context.Context, from, to int64) Outcome {
	count, err := w.settings.executor.Run(ctx, w.policy, func(ctx context.Context) (int64, error) {
		return w.batch(ctx, from, to)
	})
	switch {
	case err == nil:
		return Continue(count)
	case ctx.Err() != nil:
		return Abort(ctx.Err())
	case errors.Is(err, joblock.ErrLockLost):
		return Abort(err)
	default:
		return Shrink(err)
	}
}

// walk purges [from, maxCommitTime) window by window.
func (w *windowWalker) walk(ctx context.Context, from, maxCommitTime int64) ([]string, error) {
	rep := &report{log: w.settings.log(ctx).With(map[string]any{"purger": w.name})}
	rec := w.settings.recorder

	windowSize := w.purgeSize
	rec.SetWindowSize(w.name, windowSize)
	started := w.settings.now()
	var total int64

	for from < maxCommitTime {
		if w.timeout > 0 && w.settings.now().Sub(started) >= w.timeout {
			rep.add(logging.LevelWarn, map[string]any{"from": from},
				"Purge of %s timed out after %s; the next run resumes at commit time %d", w.subject, w.timeout, from)
			break
		}
		if err := ctx.Err(); err != nil {
			return rep.messages, err
		}
		if err := w.lock.Refresh(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, joblock.ErrLockLost) {
				return rep.messages, ctxErr
			}
			if !errors.Is(err, joblock.ErrLockLost) {
				err = fmt.Errorf("%w: %v", joblock.ErrLockLost, err)
			}
			rep.log.Errorf("job lock lost, stopping purge", map[string]any{"from": from, "error": err.Error()})
			return rep.messages, err
		}

		to := min(from+windowSize, maxCommitTime)
		outcome := w.attempt(ctx, from, to)

		switch outcome.kind {
		case outcomeContinue:
			if n := outcome.Count(); n > 0 {
				total += n
				rec.RecordBatch(w.name, n)
				rep.add(logging.LevelInfo, map[string]any{"from": from, "to": to, "count": n},
					"Purged %d %s committed in [%d, %d)", n, w.subject, from, to)
			} else {
				rep.log.Debugf("window empty", map[string]any{"from": from, "to": to})
			}
			from = to
			windowSize = min(windowSize*2, w.purgeSize)

		case outcomeShrink:
			rec.RecordWindowFailure(w.name)
			rep.add(logging.LevelWarn, map[string]any{"from": from, "to": to, "error": outcome.Err().Error()},
				"Failed to purge %s committed in [%d, %d): %v", w.subject, from, to, outcome.Err())
			windowSize /= 2
			if windowSize < w.floor() || windowSize == 0 {
				rec.RecordFatalAbort(w.name)
				rep.add(logging.LevelError, map[string]any{"from": from, "windowMs": windowSize},
					"Giving up on %s: window of %d ms is below the minimum of %d ms; the next run resumes at commit time %d",
					w.subject, windowSize, w.floor(), from)
				return rep.messages, nil
			}
			rep.log.Debugf("window shrunk", map[string]any{"from": from, "windowMs": windowSize})

		case outcomeAbort:
			return rep.messages, outcome.Err()
		}
		rec.SetWindowSize(w.name, windowSize)
	}

	rep.log.Infof("purge finished", map[string]any{"purged": total, "position": from})
	return rep.messages, nil
}
