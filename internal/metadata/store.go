// Package metadata defines the key-value contract underneath the content
// store. Production clusters use Oxia; single-node deployments use an
// embedded bbolt file.
//
// The node and transaction tables, the purge job lock and the id allocators
// all live in this keyspace. Keys compare bytewise, so range scans over
// zero-padded commit times visit records in commit order.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Txn.Get for a missing key.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch means a conditional write saw a different version.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrTxnConflict means a transaction lost a race with a concurrent
	// writer. Callers retry.
	ErrTxnConflict = errors.New("metadata: transaction conflict")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a per-key write counter used for optimistic concurrency.
// Zero means the key has never been written.
type Version int64

// KV is one record returned by List.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get. A missing key has Exists false.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// condition is the precondition a single write carries.
type condition struct {
	expected  *Version
	mustBeNew bool
}

func (c *condition) expect(v Version) { c.expected = &v }

// PutOption configures a Put.
type PutOption func(*condition)

// DeleteOption configures a Delete.
type DeleteOption func(*condition)

// EphemeralOption configures a PutEphemeral.
type EphemeralOption func(*condition)

// WithExpectedVersion makes Put a compare-and-set. Version 0 means the key
// must not exist yet.
func WithExpectedVersion(v Version) PutOption {
	return func(c *condition) { c.expect(v) }
}

// WithDeleteExpectedVersion makes Delete conditional on the key's version.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(c *condition) { c.expect(v) }
}

// WithEphemeralExpectNotExists fails PutEphemeral with ErrVersionMismatch
// when the key exists. Taking a free lock uses it.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(c *condition) { c.mustBeNew = true }
}

// WithEphemeralExpectedVersion fails PutEphemeral with ErrVersionMismatch
// unless the key is at version v. Renewing a held lock uses it.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(c *condition) { c.expect(v) }
}

func collect[O ~func(*condition)](opts []O) condition {
	var c condition
	for _, o := range opts {
		o(&c)
	}
	return c
}

// ExtractExpectedVersion returns the version a Put expects, or nil.
// Backends call it to translate options into their own conditions.
func ExtractExpectedVersion(opts []PutOption) *Version {
	return collect(opts).expected
}

// ExtractDeleteExpectedVersion returns the version a Delete expects, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	return collect(opts).expected
}

// ExtractEphemeralOptions returns the preconditions of a PutEphemeral.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	c := collect(opts)
	return c.mustBeNew, c.expected
}

// Txn is the view a transaction function gets. Reads see the committed
// state at the time of the read; writes are buffered and applied together
// when the function returns nil.
//
// A purge window is one Txn:
//
//	err := store.Txn(ctx, keys.StoreRoot(storeID), func(txn metadata.Txn) error {
//	    for _, k := range doomed {
//	        txn.Delete(k)
//	    }
//	    return nil
//	})
type Txn interface {
	// Get returns ErrKeyNotFound for a missing key.
	Get(key string) (value []byte, version Version, err error)

	Put(key string, value []byte)

	// PutWithVersion fails the commit with ErrVersionMismatch when the key
	// is no longer at expectedVersion.
	PutWithVersion(key string, value []byte, expectedVersion Version)

	// Delete of a missing key is a no-op.
	Delete(key string)

	DeleteWithVersion(key string, expectedVersion Version)
}

// MetadataStore is the key-value store the content store tables live in.
type MetadataStore interface {
	// Get reads a key. A missing key is reported through GetResult.Exists.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes a key and returns its new version.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns records in [startKey, endKey) in key order. An empty
	// endKey lists everything under the startKey prefix; a limit of 0 or
	// less means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Txn runs fn atomically. Every key it touches must sit under scopeKey.
	// A lost race is reported as ErrTxnConflict.
	Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error

	// PutEphemeral writes a key that disappears when this client's session
	// ends, so a crashed worker cannot keep the purge job lock.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close releases the store. Later operations return ErrStoreClosed.
	Close() error
}
