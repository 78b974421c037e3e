// Package bolt implements the MetadataStore interface on a local bbolt file.
//
// It serves single-node deployments and tests that need a real persistent
// store. The file is locked by one process at a time, so ephemeral keys are
// owned by that process: they are removed on Close and any left behind by a
// crash are removed on Open.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/loam-io/loam/internal/metadata"
)

var (
	kvBucket        = []byte("kv")
	ephemeralBucket = []byte("ephemeral")
)

const versionPrefixLen = 8

// Config configures the bbolt metadata store.
type Config struct {
	// Path is the database file.
	Path string

	// OpenTimeout bounds the wait for the file lock. Default: 5 seconds.
	OpenTimeout time.Duration

	// NoSync skips fsync after each commit. Only for tests.
	NoSync bool
}

// Store implements MetadataStore on bbolt.
type Store struct {
	db   *bbolt.DB
	path string

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt: path is required")
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := *bbolt.DefaultOptions
	opts.Timeout = timeout
	opts.NoSync = cfg.NoSync

	db, err := bbolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		kv, err := tx.CreateBucketIfNotExists(kvBucket)
		if err != nil {
			return err
		}
		eph, err := tx.CreateBucketIfNotExists(ephemeralBucket)
		if err != nil {
			return err
		}
		return dropEphemeral(kv, eph)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &Store{db: db, path: cfg.Path}, nil
}

// dropEphemeral deletes every key registered in eph from kv.
func dropEphemeral(kv, eph *bbolt.Bucket) error {
	var stale [][]byte
	if err := eph.ForEach(func(k, _ []byte) error {
		stale = append(stale, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range stale {
		if err := kv.Delete(k); err != nil {
			return err
		}
		if err := eph.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func encodeValue(version metadata.Version, value []byte) []byte {
	buf := make([]byte, versionPrefixLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(version))
	copy(buf[versionPrefixLen:], value)
	return buf
}

// decodeValue copies the value out of bbolt-owned memory.
func decodeValue(raw []byte) ([]byte, metadata.Version) {
	if len(raw) < versionPrefixLen {
		return nil, 0
	}
	version := metadata.Version(binary.BigEndian.Uint64(raw))
	value := append([]byte{}, raw[versionPrefixLen:]...)
	return value, version
}

func currentVersion(b *bbolt.Bucket, key string) metadata.Version {
	raw := b.Get([]byte(key))
	if raw == nil {
		return 0
	}
	_, v := decodeValue(raw)
	return v
}

func checkVersion(b *bbolt.Bucket, key string, expected *metadata.Version) error {
	if expected == nil {
		return nil
	}
	if currentVersion(b, key) != *expected {
		return metadata.ErrVersionMismatch
	}
	return nil
}

func put(b *bbolt.Bucket, key string, value []byte) (metadata.Version, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	version := metadata.Version(seq)
	if err := b.Put([]byte(key), encodeValue(version, value)); err != nil {
		return 0, err
	}
	return version, nil
}

// Get retrieves a value by key.
func (s *Store) Get(_ context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}

	var result metadata.GetResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(kvBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		value, version := decodeValue(raw)
		result = metadata.GetResult{Value: value, Version: version, Exists: true}
		return nil
	})
	if err != nil {
		return metadata.GetResult{}, fmt.Errorf("bolt: get failed: %w", err)
	}
	return result, nil
}

// Put stores a value with optional version checking for CAS operations.
func (s *Store) Put(_ context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	expected := metadata.ExtractExpectedVersion(opts)
	var version metadata.Version
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		if err := checkVersion(b, key, expected); err != nil {
			return err
		}
		var err error
		version, err = put(b, key, value)
		return err
	})
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return 0, err
		}
		return 0, fmt.Errorf("bolt: put failed: %w", err)
	}
	return version, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	expected := metadata.ExtractDeleteExpectedVersion(opts)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		current := currentVersion(b, key)
		if current == 0 {
			return nil
		}
		if expected != nil && current != *expected {
			return metadata.ErrVersionMismatch
		}
		if err := tx.Bucket(ephemeralBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return err
		}
		return fmt.Errorf("bolt: delete failed: %w", err)
	}
	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
func (s *Store) List(_ context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	start := []byte(startKey)
	end := []byte(endKey)
	var kvs []metadata.KV
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		for k, raw := c.Seek(start); k != nil; k, raw = c.Next() {
			if endKey == "" {
				if !bytes.HasPrefix(k, start) {
					break
				}
			} else if bytes.Compare(k, end) >= 0 {
				break
			}
			value, version := decodeValue(raw)
			kvs = append(kvs, metadata.KV{Key: string(k), Value: value, Version: version})
			if limit > 0 && len(kvs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list failed: %w", err)
	}
	return kvs, nil
}

// Txn runs fn and commits its writes atomically. Reads made through the
// transaction are validated at commit; if any key read has changed since,
// the transaction fails with ErrTxnConflict and nothing is applied.
//
// The scope is accepted for interface compatibility; a bbolt file has a
// single write domain.
func (s *Store) Txn(_ context.Context, _ string, fn func(metadata.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	txn := &transaction{store: s, reads: make(map[string]metadata.Version)}
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// PutEphemeral stores a value that lives until this store is closed.
func (s *Store) PutEphemeral(_ context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	var version metadata.Version
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		if expectNotExists && currentVersion(b, key) != 0 {
			return metadata.ErrVersionMismatch
		}
		if err := checkVersion(b, key, expected); err != nil {
			return err
		}
		var err error
		if version, err = put(b, key, value); err != nil {
			return err
		}
		return tx.Bucket(ephemeralBucket).Put([]byte(key), nil)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return 0, err
		}
		return 0, fmt.Errorf("bolt: put ephemeral failed: %w", err)
	}
	return version, nil
}

// Name identifies the store in readiness reports.
func (s *Store) Name() string {
	return "bolt"
}

// CheckReady verifies the database is open and readable.
func (s *Store) CheckReady(_ context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(kvBucket) == nil {
			return fmt.Errorf("bolt: bucket %q missing in %s", kvBucket, s.path)
		}
		return nil
	})
}

// Close removes this process's ephemeral keys and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	dropErr := s.db.Update(func(tx *bbolt.Tx) error {
		return dropEphemeral(tx.Bucket(kvBucket), tx.Bucket(ephemeralBucket))
	})
	closeErr := s.db.Close()
	if dropErr != nil {
		return fmt.Errorf("bolt: drop ephemeral keys: %w", dropErr)
	}
	return closeErr
}

var _ metadata.MetadataStore = (*Store)(nil)
