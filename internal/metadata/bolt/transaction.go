package bolt

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/loam-io/loam/internal/metadata"
)

type txnOp struct {
	key             string
	value           []byte
	delete          bool
	expectedVersion *metadata.Version
}

// transaction buffers writes until commit. Reads go straight to the file and
// their versions are remembered for validation.
type transaction struct {
	store *Store
	reads map[string]metadata.Version
	ops   []txnOp
}

func (t *transaction) Get(key string) ([]byte, metadata.Version, error) {
	var (
		value   []byte
		version metadata.Version
	)
	err := t.store.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(kvBucket).Get([]byte(key))
		if raw != nil {
			value, version = decodeValue(raw)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("bolt: txn get failed: %w", err)
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
	if version == 0 {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return value, version, nil
}

func (t *transaction) Put(key string, value []byte) {
	t.ops = append(t.ops, txnOp{key: key, value: value})
}

func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{key: key, value: value, expectedVersion: &expectedVersion})
}

func (t *transaction) Delete(key string) {
	t.ops = append(t.ops, txnOp{key: key, delete: true})
}

func (t *transaction) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{key: key, delete: true, expectedVersion: &expectedVersion})
}

func (t *transaction) commit() error {
	if len(t.ops) == 0 {
		return nil
	}

	err := t.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		for key, seen := range t.reads {
			if currentVersion(b, key) != seen {
				return metadata.ErrTxnConflict
			}
		}
		for _, op := range t.ops {
			if err := checkVersion(b, op.key, op.expectedVersion); err != nil {
				return err
			}
		}
		for _, op := range t.ops {
			if op.delete {
				if err := b.Delete([]byte(op.key)); err != nil {
					return err
				}
				if err := tx.Bucket(ephemeralBucket).Delete([]byte(op.key)); err != nil {
					return err
				}
				continue
			}
			if _, err := put(b, op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrTxnConflict) || errors.Is(err, metadata.ErrVersionMismatch) {
			return err
		}
		return fmt.Errorf("bolt: commit failed: %w", err)
	}
	return nil
}
