package metadata

import (
	"context"
	"strings"
	"sync"

	"github.com/google/btree"
)

// MockStore implements MetadataStore in memory for tests.
// It is exported so that tests in other packages can use it.
//
// Keys are kept in a B-tree and compared bytewise, as bbolt does. Oxia
// orders keys segment by segment and lists only the direct children of a
// "/"-terminated prefix; the mock lists every key under the prefix, so
// callers must keep listed records one segment below their prefix.
type MockStore struct {
	mu        sync.RWMutex
	data      *btree.BTreeG[KV]
	ephemeral map[string]struct{}
	closed    bool
	nextVer   Version
	txnCalls  int
	closeErr  error

	// txnFailures is consumed by Txn before running the callback.
	txnFailures []error
}

func kvLess(a, b KV) bool {
	return a.Key < b.Key
}

// NewMockStore creates a new MockStore for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      btree.NewG[KV](16, kvLess),
		ephemeral: make(map[string]struct{}),
		nextVer:   1,
	}
}

func (m *MockStore) lookup(key string) (KV, bool) {
	return m.data.Get(KV{Key: key})
}

func (m *MockStore) store(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	m.data.ReplaceOrInsert(KV{Key: key, Value: value, Version: ver})
	return ver
}

func (m *MockStore) remove(key string) {
	m.data.Delete(KV{Key: key})
	delete(m.ephemeral, key)
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.lookup(key)
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if err := m.checkVersion(key, ExtractExpectedVersion(opts)); err != nil {
		return 0, err
	}
	return m.store(key, value), nil
}

func (m *MockStore) checkVersion(key string, expected *Version) error {
	if expected == nil {
		return nil
	}
	existing, ok := m.lookup(key)
	if !ok && *expected != 0 {
		return ErrVersionMismatch
	}
	if ok && existing.Version != *expected {
		return ErrVersionMismatch
	}
	return nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		existing, ok := m.lookup(key)
		if !ok {
			return nil
		}
		if existing.Version != *expected {
			return ErrVersionMismatch
		}
	}

	m.remove(key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var result []KV
	visit := func(kv KV) bool {
		if endKey == "" && !strings.HasPrefix(kv.Key, startKey) {
			return false
		}
		result = append(result, kv)
		return limit <= 0 || len(result) < limit
	}

	if endKey == "" {
		m.data.AscendGreaterOrEqual(KV{Key: startKey}, visit)
	} else {
		m.data.AscendRange(KV{Key: startKey}, KV{Key: endKey}, visit)
	}
	return result, nil
}

func (m *MockStore) Txn(_ context.Context, _ string, fn func(Txn) error) error {
	// The lock is not held during the callback so the callback may call
	// other MockStore methods. Version checks at commit catch interleaving.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	m.txnCalls++
	if len(m.txnFailures) > 0 {
		err := m.txnFailures[0]
		m.txnFailures = m.txnFailures[1:]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	txn := &mockTxn{store: m, pending: make(map[string]mockTxnOp)}
	if err := fn(txn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, op := range txn.pending {
		if err := m.checkVersion(key, op.expectedVersion); err != nil {
			return err
		}
	}

	for _, key := range txn.order {
		op := txn.pending[key]
		if op.delete {
			m.remove(key)
		} else {
			m.store(key, op.value)
		}
	}
	return nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	expectNotExists, expectedVersion := ExtractEphemeralOptions(opts)
	if expectNotExists {
		if _, ok := m.lookup(key); ok {
			return 0, ErrVersionMismatch
		}
	} else if err := m.checkVersion(key, expectedVersion); err != nil {
		return 0, err
	}

	ver := m.store(key, value)
	m.ephemeral[key] = struct{}{}
	return ver, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.closeErr
}

// ExpireSession drops every ephemeral key, as if this client's session had
// timed out on the server.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.ephemeral {
		m.data.Delete(KV{Key: key})
	}
	m.ephemeral = make(map[string]struct{})
}

// FailTxns makes the next len(errs) calls to Txn return the given errors
// without running their callbacks.
func (m *MockStore) FailTxns(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txnFailures = append(m.txnFailures, errs...)
}

// TxnCallCount returns the number of times Txn was called (for testing).
func (m *MockStore) TxnCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txnCalls
}

// Len returns the number of keys currently stored.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

type mockTxnOp struct {
	value           []byte
	delete          bool
	expectedVersion *Version
}

type mockTxn struct {
	store   *MockStore
	pending map[string]mockTxnOp
	order   []string
}

func (t *mockTxn) queue(key string, op mockTxnOp) {
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = op
}

func (t *mockTxn) Get(key string) ([]byte, Version, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	kv, ok := t.store.lookup(key)
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return kv.Value, kv.Version, nil
}

func (t *mockTxn) Put(key string, value []byte) {
	t.queue(key, mockTxnOp{value: value})
}

func (t *mockTxn) PutWithVersion(key string, value []byte, expectedVersion Version) {
	t.queue(key, mockTxnOp{value: value, expectedVersion: &expectedVersion})
}

func (t *mockTxn) Delete(key string) {
	t.queue(key, mockTxnOp{delete: true})
}

func (t *mockTxn) DeleteWithVersion(key string, expectedVersion Version) {
	t.queue(key, mockTxnOp{delete: true, expectedVersion: &expectedVersion})
}

// Ensure MockStore implements MetadataStore
var _ MetadataStore = (*MockStore)(nil)
