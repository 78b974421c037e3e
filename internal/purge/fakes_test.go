package purge

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/logging"
)

type window struct {
	from, to int64
}

func (w window) width() int64 { return w.to - w.from }

// fakeStore records every batch call and answers with the configured funcs.
type fakeStore struct {
	mu sync.Mutex

	minDeleted    int64
	minDeletedErr error
	minUnused     int64

	nodeCalls []window
	txnCalls  []window

	nodeFn  func(w window) (int64, error)
	txnFn   func(w window) (int64, error)
	onBatch func()
}

func (s *fakeStore) MinCommitTimeOfDeletedNodes(context.Context) (int64, error) {
	return s.minDeleted, s.minDeletedErr
}

func (s *fakeStore) MinUnusedTxnCommitTime(context.Context) (int64, error) {
	return s.minUnused, nil
}

func (s *fakeStore) DeleteNodesInRange(_ context.Context, from, to int64) (int64, error) {
	s.mu.Lock()
	w := window{from, to}
	s.nodeCalls = append(s.nodeCalls, w)
	fn, hook := s.nodeFn, s.onBatch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fn == nil {
		return 1, nil
	}
	return fn(w)
}

func (s *fakeStore) DeleteUnusedTransactionsInRange(_ context.Context, from, to int64) (int64, error) {
	s.mu.Lock()
	w := window{from, to}
	s.txnCalls = append(s.txnCalls, w)
	fn, hook := s.txnFn, s.onBatch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fn == nil {
		return 1, nil
	}
	return fn(w)
}

// fakeLock fails Refresh from call number failAt on (1-based, 0 = never).
type fakeLock struct {
	mu        sync.Mutex
	refreshes int
	failAt    int
	acquired  bool
	held      *joblock.Lock
	released  bool
}

func (l *fakeLock) Refresh(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	if l.failAt > 0 && l.refreshes >= l.failAt {
		return joblock.ErrLockLost
	}
	return nil
}

func (l *fakeLock) Acquire(_ context.Context, runID string) (*joblock.AcquireResult, error) {
	if l.held != nil {
		return &joblock.AcquireResult{Acquired: false, Lock: l.held}, nil
	}
	l.acquired = true
	return &joblock.AcquireResult{Acquired: true, Lock: &joblock.Lock{Owner: "me", RunID: runID}}, nil
}

func (l *fakeLock) Release(context.Context) error {
	l.released = true
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{t: time.UnixMilli(ms)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type runRecord struct {
	outcome  string
	duration time.Duration
}

type fakeRecorder struct {
	mu          sync.Mutex
	batches     map[string]int64
	failures    map[string]int
	fatal       map[string]int
	windowSizes map[string][]int64
	runs        []runRecord
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		batches:     make(map[string]int64),
		failures:    make(map[string]int),
		fatal:       make(map[string]int),
		windowSizes: make(map[string][]int64),
	}
}

func (r *fakeRecorder) RecordBatch(p string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[p] += n
}

func (r *fakeRecorder) RecordWindowFailure(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[p]++
}

func (r *fakeRecorder) RecordFatalAbort(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal[p]++
}

func (r *fakeRecorder) SetWindowSize(p string, ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowSizes[p] = append(r.windowSizes[p], ms)
}

func (r *fakeRecorder) RecordRun(outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runRecord{outcome, d})
}

func noSleepExecutor() *RetryExecutor {
	return NewRetryExecutor(WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}

func testLogger(buf *bytes.Buffer) *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelDebug, Output: buf})
}

// testConfig is purgeSize=1000 ms, no timeout, default retry counts.
func testConfig() Config {
	return Config{
		MinPurgeAge:   0,
		PurgeWindowMs: 1000,
		Retry:         NewRetryPolicy(DefaultMaxRetries, time.Millisecond),
	}
}

func testOptions(clock *fakeClock, rec *fakeRecorder, buf *bytes.Buffer) []Option {
	return []Option{
		WithClock(clock.now),
		WithRecorder(rec),
		WithExecutor(noSleepExecutor()),
		WithLogger(testLogger(buf)),
	}
}
