// Package joblock implements the cluster-wide exclusivity lock for
// background jobs such as the purge run.
//
// A lock is an ephemeral key holding the owner and an expiry. The key is
// removed by the metadata store when the owner's session ends; the expiry lets
// another worker take over a lock whose owner is alive but stuck. The owner
// refreshes the lock before every unit of work, so a worker that loses the
// lock stops before touching data it no longer owns.
//
// Key format: /loam/v1/jobs/locks/<jobName>
package joblock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/keys"
)

var (
	// ErrLockLost is returned by Refresh when this owner no longer holds
	// the lock.
	ErrLockLost = errors.New("joblock: lock lost")

	// ErrLockHeldByOther is returned when another live owner holds the lock.
	ErrLockHeldByOther = errors.New("joblock: lock held by another owner")

	// ErrInvalidJobName is returned when a job name is empty.
	ErrInvalidJobName = errors.New("joblock: invalid job name")
)

// DefaultTTL is used when a Manager is created with a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// Lock is the value stored at the lock key.
type Lock struct {
	JobName       string `json:"jobName"`
	Owner         string `json:"owner"`
	AcquiredAtMs  int64  `json:"acquiredAtMs"`
	RefreshedAtMs int64  `json:"refreshedAtMs"`
	ExpiresAtMs   int64  `json:"expiresAtMs"`

	// RunID correlates the lock with the purge run that holds it.
	RunID string `json:"runId,omitempty"`
}

// Expired reports whether the lock's expiry is at or before nowMs.
func (l *Lock) Expired(nowMs int64) bool {
	return l.ExpiresAtMs <= nowMs
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	// Acquired is true if this owner now holds the lock.
	Acquired bool

	// Lock is the lock this owner holds when Acquired is true, otherwise
	// the lock held by someone else.
	Lock *Lock
}

// Manager acquires, refreshes and releases the lock for one job on behalf
// of one owner.
type Manager struct {
	meta    metadata.MetadataStore
	jobName string
	owner   string
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	held *Lock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lock manager for jobName owned by owner.
func NewManager(meta metadata.MetadataStore, jobName, owner string, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		meta:    meta,
		jobName: jobName,
		owner:   owner,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the owner ID of this manager.
func (m *Manager) Owner() string {
	return m.owner
}

// JobName returns the job this manager locks.
func (m *Manager) JobName() string {
	return m.jobName
}

func (m *Manager) key() string {
	return keys.JobLockKeyPath(m.jobName)
}

func (m *Manager) read(ctx context.Context) (*Lock, metadata.Version, error) {
	result, err := m.meta.Get(ctx, m.key())
	if err != nil {
		return nil, 0, fmt.Errorf("joblock: get lock: %w", err)
	}
	if !result.Exists {
		return nil, 0, nil
	}
	var lock Lock
	if err := json.Unmarshal(result.Value, &lock); err != nil {
		return nil, 0, fmt.Errorf("joblock: unmarshal lock: %w", err)
	}
	return &lock, result.Version, nil
}

func (m *Manager) write(ctx context.Context, lock Lock, opt metadata.EphemeralOption) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("joblock: marshal lock: %w", err)
	}
	_, err = m.meta.PutEphemeral(ctx, m.key(), data, opt)
	return err
}

// Acquire takes the lock if it is free, expired, or already ours.
// If another owner holds a live lock, Acquired is false and Lock names the
// holder.
func (m *Manager) Acquire(ctx context.Context, runID string) (*AcquireResult, error) {
	if m.jobName == "" {
		return nil, ErrInvalidJobName
	}

	now := m.now().UnixMilli()
	existing, version, err := m.read(ctx)
	if err != nil {
		return nil, err
	}

	lock := Lock{
		JobName:       m.jobName,
		Owner:         m.owner,
		AcquiredAtMs:  now,
		RefreshedAtMs: now,
		ExpiresAtMs:   now + m.ttl.Milliseconds(),
		RunID:         runID,
	}

	var opt metadata.EphemeralOption
	switch {
	case existing == nil:
		opt = metadata.WithEphemeralExpectNotExists()
	case existing.Owner == m.owner || existing.Expired(now):
		opt = metadata.WithEphemeralExpectedVersion(version)
	default:
		return &AcquireResult{Acquired: false, Lock: existing}, nil
	}

	if err := m.write(ctx, lock, opt); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
			return m.handleLockConflict(ctx)
		}
		return nil, fmt.Errorf("joblock: acquire lock: %w", err)
	}

	m.mu.Lock()
	m.held = &lock
	m.mu.Unlock()
	return &AcquireResult{Acquired: true, Lock: &lock}, nil
}

// handleLockConflict re-reads the lock after a lost race and reports the winner.
func (m *Manager) handleLockConflict(ctx context.Context) (*AcquireResult, error) {
	existing, _, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("joblock: lock disappeared during conflict resolution")
	}
	return &AcquireResult{Acquired: existing.Owner == m.owner, Lock: existing}, nil
}

// Refresh extends the lock's expiry. It returns ErrLockLost if the lock is
// gone, owned by someone else, or was changed concurrently.
func (m *Manager) Refresh(ctx context.Context) error {
	existing, version, err := m.read(ctx)
	if err != nil {
		return err
	}
	if existing == nil || existing.Owner != m.owner {
		m.forget()
		return ErrLockLost
	}

	now := m.now().UnixMilli()
	existing.RefreshedAtMs = now
	existing.ExpiresAtMs = now + m.ttl.Milliseconds()

	if err := m.write(ctx, *existing, metadata.WithEphemeralExpectedVersion(version)); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			m.forget()
			return ErrLockLost
		}
		return fmt.Errorf("joblock: refresh lock: %w", err)
	}

	m.mu.Lock()
	m.held = existing
	m.mu.Unlock()
	return nil
}

// Release deletes the lock if this owner holds it. Releasing a lock held by
// someone else, or no lock, is a no-op.
func (m *Manager) Release(ctx context.Context) error {
	defer m.forget()

	existing, version, err := m.read(ctx)
	if err != nil {
		return err
	}
	if existing == nil || existing.Owner != m.owner {
		return nil
	}

	// Version-checked so a takeover between Get and Delete is not clobbered.
	if err := m.meta.Delete(ctx, m.key(), metadata.WithDeleteExpectedVersion(version)); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return nil
		}
		return fmt.Errorf("joblock: delete lock: %w", err)
	}
	return nil
}

// Holder returns the current lock, or nil if the job is unlocked.
func (m *Manager) Holder(ctx context.Context) (*Lock, error) {
	lock, _, err := m.read(ctx)
	return lock, err
}

// Held reports whether this manager believes it holds the lock. Use Refresh
// for an authoritative answer.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held != nil
}

func (m *Manager) forget() {
	m.mu.Lock()
	m.held = nil
	m.mu.Unlock()
}
