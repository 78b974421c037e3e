package purge

import "fmt"

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeShrink
	outcomeAbort
)

// Outcome is the result of one batch attempt as seen by the window loop:
// Continue with a count, Shrink the window after a recoverable error, or
// Abort the whole purge.
type Outcome struct {
	kind  outcomeKind
	count int64
	err   error
}

// Continue reports a committed batch that removed count rows.
func Continue(count int64) Outcome {
	return Outcome{kind: outcomeContinue, count: count}
}

// Shrink reports a failed batch that may succeed with a smaller window.
func Shrink(err error) Outcome {
	return Outcome{kind: outcomeShrink, err: err}
}

// Abort reports a failure that must stop the purge and reach the caller.
func Abort(err error) Outcome {
	return Outcome{kind: outcomeAbort, err: err}
}

// Count returns the rows removed by a Continue outcome.
func (o Outcome) Count() int64 { return o.count }

// Err returns the error of a Shrink or Abort outcome.
func (o Outcome) Err() error { return o.err }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeContinue:
		return fmt.Sprintf("continue(%d)", o.count)
	case outcomeShrink:
		return fmt.Sprintf("shrink(%v)", o.err)
	default:
		return fmt.Sprintf("abort(%v)", o.err)
	}
}
