package purge

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/nodes"
)

func newTestJob(t *testing.T, store *fakeStore, lock Locker, clock *fakeClock, rec *fakeRecorder, buf *bytes.Buffer) *Job {
	t.Helper()
	opts := testOptions(clock, rec, buf)
	coord, err := NewCoordinator(store, lock, testConfig(), opts...)
	require.NoError(t, err)
	job := NewJob("purge", lock, coord, opts...)
	job.newRunID = func() string { return "run-1" }
	return job
}

func TestJobAcquiresRunsAndReleases(t *testing.T) {
	var buf bytes.Buffer
	store := &fakeStore{minDeleted: 4000}
	lock := &fakeLock{}
	rec := newFakeRecorder()
	job := newTestJob(t, store, lock, newFakeClock(5000), rec, &buf)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.False(t, res.Skipped)
	assert.Len(t, res.Messages, 2)
	assert.True(t, lock.acquired)
	assert.True(t, lock.released)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunCompleted, rec.runs[0].outcome)
	assert.Contains(t, buf.String(), "run-1")
	assert.Contains(t, buf.String(), "purge run finished")
}

func TestJobSkipsWhenLockHeldElsewhere(t *testing.T) {
	var buf bytes.Buffer
	store := &fakeStore{minDeleted: 4000}
	lock := &fakeLock{held: &joblock.Lock{Owner: "other-worker"}}
	rec := newFakeRecorder()
	job := newTestJob(t, store, lock, newFakeClock(5000), rec, &buf)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "other-worker", res.HeldBy)
	assert.Empty(t, store.nodeCalls)
	assert.False(t, lock.released)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunSkipped, rec.runs[0].outcome)
}

func TestJobReportsLockLost(t *testing.T) {
	var buf bytes.Buffer
	store := &fakeStore{minDeleted: 1000}
	lock := &fakeLock{failAt: 2}
	rec := newFakeRecorder()
	job := newTestJob(t, store, lock, newFakeClock(5000), rec, &buf)

	res, err := job.Run(context.Background())
	assert.ErrorIs(t, err, joblock.ErrLockLost)
	assert.Len(t, res.Messages, 1)
	assert.True(t, lock.released)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunLockLost, rec.runs[0].outcome)
}

func TestJobReportsCancellation(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{minDeleted: 1000}
	store.onBatch = cancel
	lock := &fakeLock{}
	rec := newFakeRecorder()
	job := newTestJob(t, store, lock, newFakeClock(5000), rec, &buf)

	_, err := job.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, lock.released)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunCancelled, rec.runs[0].outcome)
}

func TestJobCancelledDuringRefreshIsRecordedAsCancelled(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &fakeStore{minDeleted: 1000}
	lock := &cancellingLock{cancel: cancel}
	rec := newFakeRecorder()
	job := newTestJob(t, store, lock, newFakeClock(5000), rec, &buf)

	_, err := job.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunCancelled, rec.runs[0].outcome)
}

type failingAcquire struct{ fakeLock }

func (l *failingAcquire) Acquire(context.Context, string) (*joblock.AcquireResult, error) {
	return nil, errors.New("metadata unavailable")
}

func TestJobAcquireFailure(t *testing.T) {
	var buf bytes.Buffer
	rec := newFakeRecorder()
	lock := &failingAcquire{}
	opts := testOptions(newFakeClock(5000), rec, &buf)
	coord, err := NewCoordinator(&fakeStore{}, lock, testConfig(), opts...)
	require.NoError(t, err)
	job := NewJob("purge", lock, coord, opts...)

	_, err = job.Run(context.Background())
	assert.EqualError(t, err, "metadata unavailable")
	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunFailed, rec.runs[0].outcome)
	assert.NotEmpty(t, job.Name())
}

func TestJobEndToEnd(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	storeClock := newFakeClock(1000)
	store, err := nodes.New(meta, "ws", nodes.WithClock(storeClock.now))
	require.NoError(t, err)

	// A node created at 1000 and deleted at 2000, and a node that stays.
	create, err := store.BeginTxn(ctx)
	require.NoError(t, err)
	doomed, err := store.CreateNode(ctx, create, "", map[string][]byte{"name": []byte("a")})
	require.NoError(t, err)

	storeClock.advance(500 * time.Millisecond)
	keepTxn, err := store.BeginTxn(ctx)
	require.NoError(t, err)
	kept, err := store.CreateNode(ctx, keepTxn, "", nil)
	require.NoError(t, err)

	storeClock.advance(500 * time.Millisecond)
	deleteTxn, err := store.BeginTxn(ctx)
	require.NoError(t, err)
	_, err = store.DeleteNode(ctx, deleteTxn, doomed.ID)
	require.NoError(t, err)

	runClock := newFakeClock(20_000)
	lock := joblock.NewManager(meta, "purge", "worker-a", time.Minute, joblock.WithClock(runClock.now))
	cfg := testConfig()
	cfg.MinPurgeAge = 5 * time.Second

	var buf bytes.Buffer
	rec := newFakeRecorder()
	opts := testOptions(runClock, rec, &buf)
	coord, err := NewCoordinator(store, lock, cfg, opts...)
	require.NoError(t, err)
	job := NewJob("purge", lock, coord, opts...)

	res, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.batches["nodes"])
	assert.Equal(t, int64(1), rec.batches["txns"])
	assert.Contains(t, res.Messages, "Purged 1 deleted nodes committed in [2000, 3000)")
	assert.Contains(t, res.Messages, "Purged 1 unused transactions committed in [2000, 3000)")

	_, err = store.GetNode(ctx, doomed.ID)
	assert.ErrorIs(t, err, nodes.ErrNodeNotFound)
	_, err = store.GetNode(ctx, kept.ID)
	assert.NoError(t, err)

	ok, err := store.TxnExists(ctx, deleteTxn.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.TxnExists(ctx, keepTxn.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)

	// A second run finds nothing left to do.
	res, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Messages, "Deleted nodes: nothing to purge")
}
