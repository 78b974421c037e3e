package metadata

import (
	"context"
	"time"
)

// MetricsRecorder receives the latency and outcome of each store call.
// The metrics package implements it; this package does not import it.
type MetricsRecorder interface {
	RecordOp(op string, durationSeconds float64, success bool)
}

// Operation labels passed to MetricsRecorder.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpTxn          = "txn"
	OpPutEphemeral = "put_ephemeral"
)

// InstrumentedStore times every call to the wrapped store.
type InstrumentedStore struct {
	inner MetadataStore
	rec   MetricsRecorder
}

var _ MetadataStore = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps store. With a nil recorder calls pass straight through.
func NewInstrumentedStore(store MetadataStore, rec MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{inner: store, rec: rec}
}

// observe runs call and reports how long it took and whether it failed.
func observe[T any](rec MetricsRecorder, op string, call func() (T, error)) (T, error) {
	if rec == nil {
		return call()
	}
	start := time.Now()
	v, err := call()
	rec.RecordOp(op, time.Since(start).Seconds(), err == nil)
	return v, err
}

func observeErr(rec MetricsRecorder, op string, call func() error) error {
	_, err := observe(rec, op, func() (struct{}, error) { return struct{}{}, call() })
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	return observe(s.rec, OpGet, func() (GetResult, error) { return s.inner.Get(ctx, key) })
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	return observe(s.rec, OpPut, func() (Version, error) { return s.inner.Put(ctx, key, value, opts...) })
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	return observeErr(s.rec, OpDelete, func() error { return s.inner.Delete(ctx, key, opts...) })
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	return observe(s.rec, OpList, func() ([]KV, error) { return s.inner.List(ctx, startKey, endKey, limit) })
}

func (s *InstrumentedStore) Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error {
	return observeErr(s.rec, OpTxn, func() error { return s.inner.Txn(ctx, scopeKey, fn) })
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	return observe(s.rec, OpPutEphemeral, func() (Version, error) { return s.inner.PutEphemeral(ctx, key, value, opts...) })
}

// Close is not timed.
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

