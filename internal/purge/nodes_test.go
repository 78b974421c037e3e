package purge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/metadata"
)

func newNodePurger(t *testing.T, store *fakeStore, lock LockRefresher, cfg Config, clock *fakeClock, rec *fakeRecorder) *NodeWindowPurger {
	t.Helper()
	var buf bytes.Buffer
	p, err := NewNodeWindowPurger(store, lock, cfg, testOptions(clock, rec, &buf)...)
	require.NoError(t, err)
	return p
}

func TestNodePurgerRejectsNonPositiveWindow(t *testing.T) {
	cfg := testConfig()
	cfg.PurgeWindowMs = 0
	_, err := NewNodeWindowPurger(&fakeStore{}, &fakeLock{}, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNodePurgerNothingToPurge(t *testing.T) {
	store := &fakeStore{}
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(5000), newFakeRecorder())

	msgs, err := p.Purge(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "nothing to purge")
	assert.Empty(t, store.nodeCalls)
}

func TestNodePurgerDisabledForNegativeAge(t *testing.T) {
	store := &fakeStore{}
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(5000), newFakeRecorder())

	for _, age := range []time.Duration{-time.Millisecond, -24 * time.Hour} {
		msgs, err := p.Purge(context.Background(), age, 1000)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	}
	assert.Empty(t, store.nodeCalls)
}

func TestNodePurgerWalksFullWindows(t *testing.T) {
	store := &fakeStore{}
	lock := &fakeLock{}
	rec := newFakeRecorder()
	p := newNodePurger(t, store, lock, testConfig(), newFakeClock(5000), rec)

	msgs, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)

	assert.Equal(t, []window{{1000, 2000}, {2000, 3000}, {3000, 4000}, {4000, 5000}}, store.nodeCalls)
	assert.Len(t, msgs, 4)
	assert.Contains(t, msgs[0], "[1000, 2000)")
	assert.Equal(t, 4, lock.refreshes, "lock is refreshed before every window")
	assert.Equal(t, int64(4), rec.batches["nodes"])
}

func TestNodePurgerClipsLastWindowToMaxCommitTime(t *testing.T) {
	store := &fakeStore{}
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(10_000), newFakeRecorder())

	_, err := p.Purge(context.Background(), 7500*time.Millisecond, 1)
	require.NoError(t, err)

	require.Equal(t, []window{{1, 1001}, {1001, 2001}, {2001, 2500}}, store.nodeCalls)
}

func TestNodePurgerEmptyWindowsProduceNoMessages(t *testing.T) {
	store := &fakeStore{nodeFn: func(window) (int64, error) { return 0, nil }}
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(5000), newFakeRecorder())

	msgs, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Len(t, store.nodeCalls, 4)
}

func TestNodePurgerShrinksThenRegrows(t *testing.T) {
	failed := false
	store := &fakeStore{nodeFn: func(w window) (int64, error) {
		if w.from == 1000 && !failed {
			failed = true
			return 0, errors.New("statement timeout")
		}
		return 1, nil
	}}
	rec := newFakeRecorder()
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(4000), rec)

	msgs, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)

	assert.Equal(t, []window{
		{1000, 2000}, // fails, window 1000 -> 500
		{1000, 1500}, // same start, smaller window; then 500 -> 1000
		{1500, 2500},
		{2500, 3500},
		{3500, 4000},
	}, store.nodeCalls)
	assert.Contains(t, msgs[0], "Failed to purge deleted nodes committed in [1000, 2000)")
	assert.Equal(t, 1, rec.failures["nodes"])
	assert.Zero(t, rec.fatal["nodes"])
	for _, size := range rec.windowSizes["nodes"] {
		assert.LessOrEqual(t, size, int64(1000))
		assert.GreaterOrEqual(t, size, int64(100))
	}
}

// Second window always fails: 1000 -> 500 -> 250 -> 125 -> 62, and 62 is
// below a tenth of 1000.
func TestNodePurgerFatalFloor(t *testing.T) {
	store := &fakeStore{nodeFn: func(w window) (int64, error) {
		if w.from >= 2000 {
			return 0, errors.New("deadlock detected")
		}
		return 3, nil
	}}
	rec := newFakeRecorder()
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(5000), rec)

	msgs, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err, "a floor abort is reported, not returned")

	var widths []int64
	for _, w := range store.nodeCalls[1:] {
		assert.Equal(t, int64(2000), w.from, "start never advances past the failing window")
		widths = append(widths, w.width())
	}
	assert.Equal(t, []int64{1000, 500, 250, 125}, widths)

	require.Len(t, msgs, 1+4+1)
	last := msgs[len(msgs)-1]
	assert.Contains(t, last, "below the minimum of 100 ms")
	assert.Contains(t, last, "resumes at commit time 2000")
	assert.Equal(t, 1, rec.fatal["nodes"])
	assert.Equal(t, 4, rec.failures["nodes"])
}

func TestNodePurgerTransientErrorsRetryInPlace(t *testing.T) {
	attempts := 0
	store := &fakeStore{nodeFn: func(w window) (int64, error) {
		if w.from == 1000 {
			attempts++
			if attempts <= 2 {
				return 0, metadata.ErrTxnConflict
			}
		}
		return 1, nil
	}}
	rec := newFakeRecorder()
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(3000), rec)

	msgs, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Zero(t, rec.failures["nodes"], "retried conflicts do not shrink the window")
	assert.Equal(t, window{1000, 2000}, store.nodeCalls[2])
}

func TestNodePurgerExhaustedRetriesShrink(t *testing.T) {
	store := &fakeStore{nodeFn: func(w window) (int64, error) {
		if w == (window{1000, 2000}) {
			return 0, metadata.ErrTxnConflict
		}
		return 1, nil
	}}
	rec := newFakeRecorder()
	cfg := testConfig()
	cfg.Retry = NewRetryPolicy(2, 0)
	p := newNodePurger(t, store, &fakeLock{}, cfg, newFakeClock(2000), rec)

	_, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.failures["nodes"])
	assert.Equal(t, []window{
		{1000, 2000}, {1000, 2000}, {1000, 2000},
		{1000, 1500},
		{1500, 2000},
	}, store.nodeCalls)
}

func TestNodePurgerLockLost(t *testing.T) {
	store := &fakeStore{}
	lock := &fakeLock{failAt: 2}
	p := newNodePurger(t, store, lock, testConfig(), newFakeClock(5000), newFakeRecorder())

	msgs, err := p.Purge(context.Background(), 0, 1000)
	assert.ErrorIs(t, err, joblock.ErrLockLost)
	assert.Len(t, store.nodeCalls, 1)
	assert.Len(t, msgs, 1, "messages before the loss are kept")
}

func TestNodePurgerRefreshErrorCountsAsLockLost(t *testing.T) {
	store := &fakeStore{}
	p := newNodePurger(t, store, &refreshErrLock{}, testConfig(), newFakeClock(5000), newFakeRecorder())

	_, err := p.Purge(context.Background(), 0, 1000)
	assert.ErrorIs(t, err, joblock.ErrLockLost)
	assert.Empty(t, store.nodeCalls)
}

type refreshErrLock struct{}

func (refreshErrLock) Refresh(context.Context) error { return errors.New("connection refused") }

// cancellingLock cancels the run's context during its second Refresh and
// fails the way a store call interrupted by cancellation does.
type cancellingLock struct {
	fakeLock
	cancel context.CancelFunc
}

func (l *cancellingLock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	l.refreshes++
	n := l.refreshes
	l.mu.Unlock()
	if n < 2 {
		return nil
	}
	l.cancel()
	return fmt.Errorf("joblock: read lock: %w", ctx.Err())
}

func TestNodePurgerCancelledDuringRefreshIsNotLockLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &fakeStore{}
	p := newNodePurger(t, store, &cancellingLock{cancel: cancel}, testConfig(), newFakeClock(5000), newFakeRecorder())

	_, err := p.Purge(ctx, 0, 1000)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, joblock.ErrLockLost)
	assert.Len(t, store.nodeCalls, 1)
}

func TestNodePurgerTimeout(t *testing.T) {
	clock := newFakeClock(100_000)
	store := &fakeStore{onBatch: func() { clock.advance(10 * time.Second) }}
	cfg := testConfig()
	cfg.Timeout = 15 * time.Second
	p := newNodePurger(t, store, &fakeLock{}, cfg, clock, newFakeRecorder())

	msgs, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Len(t, store.nodeCalls, 2)
	last := msgs[len(msgs)-1]
	assert.True(t, strings.Contains(last, "timed out"), last)
	assert.Contains(t, last, "3000")
}

func TestNodePurgerContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{nodeFn: func(window) (int64, error) {
		cancel()
		return 1, nil
	}}
	p := newNodePurger(t, store, &fakeLock{}, testConfig(), newFakeClock(5000), newFakeRecorder())

	_, err := p.Purge(ctx, 0, 1000)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, store.nodeCalls, 1)
}

func TestNodePurgerTinyPurgeSizeStillTerminates(t *testing.T) {
	store := &fakeStore{nodeFn: func(window) (int64, error) { return 0, errors.New("always") }}
	cfg := testConfig()
	cfg.PurgeWindowMs = 3
	rec := newFakeRecorder()
	p := newNodePurger(t, store, &fakeLock{}, cfg, newFakeClock(5000), rec)

	_, err := p.Purge(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.fatal["nodes"])
	assert.Len(t, store.nodeCalls, 2) // widths 3 and 1
}
