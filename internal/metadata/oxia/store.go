package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/loam-io/loam/internal/metadata"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace holds the content store tables, e.g. "loam/prod".
	Namespace string

	// RequestTimeout bounds each request. Default: 30 seconds.
	RequestTimeout time.Duration

	// SessionTimeout bounds ephemeral key sessions. The purge job lock of a
	// worker whose session expires is removed by the server. Default: 15 seconds.
	SessionTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.ServiceAddress == "":
		return errors.New("oxia: service address is required")
	case c.Namespace == "":
		return errors.New("oxia: namespace is required")
	}
	return nil
}

func (c Config) clientOptions() []oxiaclient.ClientOption {
	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(c.Namespace)}
	if c.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(c.RequestTimeout))
	}
	if c.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(c.SessionTimeout))
	}
	return opts
}

// readinessProbeKey is read, never written, by CheckReady.
const readinessProbeKey = "/loam/v1/ready"

// Store implements metadata.MetadataStore on an Oxia cluster. Point and
// range operations use the sync client; Txn goes through the batch writer.
type Store struct {
	cfg     Config
	client  oxiaclient.SyncClient
	batches *batchWriter
	closed  atomic.Bool
}

// New connects to Oxia and waits for the namespace's shard assignments.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}
	batches, err := newBatchWriter(ctx, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{cfg: cfg, client: client, batches: batches}, nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return metadata.ErrStoreClosed
	}
	return nil
}

// Oxia versions start at 0 while metadata.Version reserves 0 for a missing
// key, so the two are offset by one.
func oxiaToMetadataVersion(v int64) metadata.Version { return metadata.Version(v + 1) }

func metadataToOxiaVersion(v metadata.Version) int64 { return int64(v - 1) }

// translate maps client errors onto the metadata error set.
func translate(op string, err error) error {
	if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
		return metadata.ErrVersionMismatch
	}
	return fmt.Errorf("oxia: %s failed: %w", op, err)
}

// Get retrieves a value by key. A missing key is not an error.
func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}
	_, value, version, err := s.client.Get(ctx, key)
	switch {
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
		return metadata.GetResult{}, nil
	case err != nil:
		return metadata.GetResult{}, translate("get", err)
	}
	return metadata.GetResult{Value: value, Version: oxiaToMetadataVersion(version.VersionId), Exists: true}, nil
}

// versionCondition turns an expected version into a put condition.
// Expected version 0 means the key must not exist yet.
func versionCondition(expected *metadata.Version) []oxiaclient.PutOption {
	switch {
	case expected == nil:
		return nil
	case *expected == 0:
		return []oxiaclient.PutOption{oxiaclient.ExpectedRecordNotExists()}
	default:
		return []oxiaclient.PutOption{oxiaclient.ExpectedVersionId(metadataToOxiaVersion(*expected))}
	}
}

func (s *Store) put(ctx context.Context, op, key string, value []byte, opts []oxiaclient.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	_, version, err := s.client.Put(ctx, key, value, opts...)
	if err != nil {
		return 0, translate(op, err)
	}
	return oxiaToMetadataVersion(version.VersionId), nil
}

// Put stores a value, optionally as a compare-and-set on its version.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	return s.put(ctx, "put", key, value, versionCondition(metadata.ExtractExpectedVersion(opts)))
}

// PutEphemeral stores a value owned by this client's session.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	if expectNotExists {
		var none metadata.Version
		expected = &none
	}
	return s.put(ctx, "put ephemeral", key, value, append([]oxiaclient.PutOption{oxiaclient.Ephemeral()}, versionCondition(expected)...))
}

// Delete removes a key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var oxiaOpts []oxiaclient.DeleteOption
	if expected := metadata.ExtractDeleteExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(metadataToOxiaVersion(*expected)))
	}
	err := s.client.Delete(ctx, key, oxiaOpts...)
	if err == nil || errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return nil
	}
	return translate("delete", err)
}

// scanEnd derives the end of a List when only a start key is given.
// Oxia sorts '/' ahead of every other byte, so the children of "a/b/" are
// bounded by "a/b//" rather than by the next prefix.
func scanEnd(start string) string {
	if n := len(start); n > 0 && start[n-1] == '/' {
		return start + "/"
	}
	return prefixEnd(start)
}

// List returns records in [startKey, endKey) in key order, at most limit
// when limit is positive. An empty endKey lists everything under startKey.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if endKey == "" {
		endKey = scanEnd(startKey)
	}

	results := s.client.RangeScan(ctx, startKey, endKey)
	var out []metadata.KV
	for r := range results {
		if r.Err != nil {
			go drainRangeScan(results)
			return nil, translate("list", r.Err)
		}
		out = append(out, metadata.KV{Key: r.Key, Value: r.Value, Version: oxiaToMetadataVersion(r.Version.VersionId)})
		if limit > 0 && len(out) >= limit {
			go drainRangeScan(results)
			break
		}
	}
	return out, nil
}

// Txn runs fn against a snapshot of the keys it reads and commits its writes
// as one batch on the shard owning scopeKey.
func (s *Store) Txn(ctx context.Context, scopeKey string, fn func(metadata.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	txn := &transaction{store: s, ctx: ctx, scopeKey: scopeKey, snapshot: make(map[string]keyState)}
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// Name identifies the store in readiness reports.
func (s *Store) Name() string { return "oxia" }

// CheckReady requires shard assignments and an answered point read.
func (s *Store) CheckReady(ctx context.Context) error {
	if s.batches.routes.size() == 0 {
		return fmt.Errorf("oxia: no shard assignments for namespace %q", s.cfg.Namespace)
	}
	if _, err := s.Get(ctx, readinessProbeKey); err != nil {
		return fmt.Errorf("oxia: readiness probe: %w", err)
	}
	return nil
}

// Close stops the batch writer and the client. Later calls are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(s.batches.Close(), s.client.Close())
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or "" when no such key exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}
