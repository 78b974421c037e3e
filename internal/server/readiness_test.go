package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/bolt"
)

func TestReadyz_NoChecks(t *testing.T) {
	h, _ := newTestHealthServer()

	w, report := get(t, h.Handler(), http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusOK, report.Status)
}

func TestReadyz_ShuttingDown(t *testing.T) {
	h, _ := newTestHealthServer()
	h.RegisterReadinessCheck(Check("always", nil))
	h.SetShuttingDown()

	w, report := get(t, h.Handler(), http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, StatusShuttingDown, report.Status)
	assert.NotContains(t, report.Checks, "always")
}

func TestReadyz_ReportsEveryCheck(t *testing.T) {
	h, _ := newTestHealthServer()
	h.RegisterReadinessCheck(Check("good", func(context.Context) error { return nil }))
	h.RegisterReadinessCheck(Check("bad", func(context.Context) error { return errors.New("shard unavailable") }))

	w, report := get(t, h.Handler(), http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, StatusNotReady, report.Status)
	assert.Equal(t, CheckResult{Healthy: true, Message: "healthy"}, report.Checks["good"])
	assert.Equal(t, CheckResult{Healthy: false, Message: "shard unavailable"}, report.Checks["bad"])
}

func TestReadyz_ChecksRunConcurrentlyUnderTimeout(t *testing.T) {
	h, _ := newTestHealthServer()
	h.SetReadinessTimeout(50 * time.Millisecond)

	var started atomic.Int32
	slow := func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	h.RegisterReadinessCheck(Check("slow-a", slow))
	h.RegisterReadinessCheck(Check("slow-b", slow))

	begin := time.Now()
	report := h.CheckReadiness(context.Background())
	elapsed := time.Since(begin)

	assert.Equal(t, int32(2), started.Load())
	assert.Less(t, elapsed, 90*time.Millisecond, "checks should run in parallel")
	assert.Equal(t, StatusNotReady, report.Status)
	assert.Contains(t, report.Checks["slow-a"].Message, "deadline exceeded")
}

func TestSchedulerCheck(t *testing.T) {
	var running atomic.Bool
	running.Store(true)
	c := SchedulerCheck(running.Load)

	assert.Equal(t, "scheduler", c.Name())
	assert.NoError(t, c.CheckReady(context.Background()))

	running.Store(false)
	assert.EqualError(t, c.CheckReady(context.Background()), "scheduler is not running")

	assert.NoError(t, SchedulerCheck(nil).CheckReady(context.Background()))
}

func TestMetadataStoreCheck_Nil(t *testing.T) {
	c := MetadataStoreCheck(nil)
	assert.Equal(t, "metadata_store", c.Name())
	assert.Error(t, c.CheckReady(context.Background()))
}

func TestMetadataStoreCheck_MockStore(t *testing.T) {
	store := metadata.NewMockStore()
	c := MetadataStoreCheck(store)
	assert.Equal(t, "metadata_store", c.Name())
	assert.NoError(t, c.CheckReady(context.Background()))

	store.Close()
	assert.ErrorIs(t, c.CheckReady(context.Background()), metadata.ErrStoreClosed)
}

func TestMetadataStoreCheck_NativeProbe(t *testing.T) {
	store, err := bolt.Open(bolt.Config{Path: filepath.Join(t.TempDir(), "meta.db")})
	require.NoError(t, err)

	c := MetadataStoreCheck(store)
	assert.Equal(t, "metadata_store/bolt", c.Name())
	assert.NoError(t, c.CheckReady(context.Background()))

	require.NoError(t, store.Close())
	assert.Error(t, c.CheckReady(context.Background()))
}

func TestReadyz_UnhealthyStoreWithRunningScheduler(t *testing.T) {
	h, _ := newTestHealthServer()
	store := metadata.NewMockStore()
	store.Close()
	h.RegisterReadinessCheck(MetadataStoreCheck(store))
	h.RegisterReadinessCheck(SchedulerCheck(func() bool { return true }))

	report := h.CheckReadiness(context.Background())
	assert.Equal(t, StatusNotReady, report.Status)
	assert.False(t, report.Checks["metadata_store"].Healthy)
	assert.True(t, report.Checks["scheduler"].Healthy)
}
