package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/keys"
)

var (
	// ErrInvalidRange is returned for a negative or reversed commit-time range.
	ErrInvalidRange = errors.New("nodes: invalid commit time range")

	// ErrNodeNotFound is returned when a node does not exist.
	ErrNodeNotFound = errors.New("nodes: node not found")

	// ErrNodeDeleted is returned when updating or deleting a deleted node.
	ErrNodeDeleted = errors.New("nodes: node already deleted")

	// ErrTxnNotFound is returned when writing under an unknown transaction.
	ErrTxnNotFound = errors.New("nodes: transaction not found")

	// ErrInvalidStoreID is returned when the store ID is empty.
	ErrInvalidStoreID = errors.New("nodes: invalid store ID")
)

const (
	seqTxn  = "txn"
	seqNode = "node"

	// scanPageSize bounds each List call while searching the txn table.
	scanPageSize = 256
)

// Store reads and writes one content store's tables.
type Store struct {
	meta    metadata.MetadataStore
	storeID string
	scope   string
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for commit times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store for storeID backed by meta.
func New(meta metadata.MetadataStore, storeID string, opts ...Option) (*Store, error) {
	if storeID == "" {
		return nil, ErrInvalidStoreID
	}
	s := &Store{
		meta:    meta,
		storeID: storeID,
		scope:   keys.StoreRoot(storeID),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StoreID returns the content store this Store operates on.
func (s *Store) StoreID() string {
	return s.storeID
}

// txn runs fn in a transaction scoped to the store root.
func (s *Store) txn(ctx context.Context, fn func(metadata.Txn) error) error {
	return s.meta.Txn(ctx, s.scope, fn)
}

// get reads a scoped key. Scoped keys are placed by the store root, so a
// plain Get could look on the wrong shard.
func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.txn(ctx, func(txn metadata.Txn) error {
		v, _, err := txn.Get(key)
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// nextID allocates the next value of a sequence inside txn.
func nextID(txn metadata.Txn, key string) (int64, error) {
	current, version, err := txn.Get(key)
	var last int64
	switch {
	case errors.Is(err, metadata.ErrKeyNotFound):
		version = 0
	case err != nil:
		return 0, err
	default:
		if last, err = parseInt("sequence", current); err != nil {
			return 0, err
		}
	}
	next := last + 1
	txn.PutWithVersion(key, formatInt(next), version)
	return next, nil
}

func validRange(from, to int64) error {
	if from < 0 || to < from {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, from, to)
	}
	return nil
}

// BeginTxn commits a new transaction stamped with the current time.
func (s *Store) BeginTxn(ctx context.Context) (TxnRecord, error) {
	commitTime := s.now().UnixMilli()
	var rec TxnRecord
	err := s.txn(ctx, func(txn metadata.Txn) error {
		id, err := nextID(txn, keys.SequenceKeyPath(s.storeID, seqTxn))
		if err != nil {
			return err
		}
		rec = TxnRecord{ID: id, CommitTimeMs: commitTime}
		data, err := encode("txn", rec)
		if err != nil {
			return err
		}
		txn.Put(keys.TxnKeyPath(s.storeID, commitTime, id), data)
		txn.Put(keys.TxnIDKeyPath(s.storeID, id), formatInt(commitTime))
		return nil
	})
	if err != nil {
		return TxnRecord{}, fmt.Errorf("nodes: begin txn: %w", err)
	}
	return rec, nil
}

func requireTxn(txn metadata.Txn, storeID string, id int64) error {
	_, _, err := txn.Get(keys.TxnIDKeyPath(storeID, id))
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return fmt.Errorf("%w: %d", ErrTxnNotFound, id)
	}
	return err
}

func readNode(txn metadata.Txn, storeID string, nodeID int64) (NodeRecord, metadata.Version, error) {
	data, version, err := txn.Get(keys.NodeKeyPath(storeID, nodeID))
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return NodeRecord{}, 0, fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	if err != nil {
		return NodeRecord{}, 0, err
	}
	node, err := decode[NodeRecord]("node", data)
	return node, version, err
}

// CreateNode creates a node owned by txnRec. An empty nodeUUID is generated.
func (s *Store) CreateNode(ctx context.Context, txnRec TxnRecord, nodeUUID string, props map[string][]byte) (NodeRecord, error) {
	if nodeUUID == "" {
		nodeUUID = uuid.NewString()
	}
	var node NodeRecord
	err := s.txn(ctx, func(txn metadata.Txn) error {
		if err := requireTxn(txn, s.storeID, txnRec.ID); err != nil {
			return err
		}
		id, err := nextID(txn, keys.SequenceKeyPath(s.storeID, seqNode))
		if err != nil {
			return err
		}
		node = NodeRecord{ID: id, UUID: nodeUUID, TxnID: txnRec.ID, CommitTimeMs: txnRec.CommitTimeMs}
		data, err := encode("node", node)
		if err != nil {
			return err
		}
		txn.PutWithVersion(keys.NodeKeyPath(s.storeID, id), data, 0)
		txn.Put(keys.TxnRefKeyPath(s.storeID, txnRec.ID, id), nil)
		for name, value := range props {
			txn.Put(keys.PropKeyPath(s.storeID, id, name), value)
		}
		return nil
	})
	if err != nil {
		return NodeRecord{}, fmt.Errorf("nodes: create node: %w", err)
	}
	return node, nil
}

// UpdateNode moves a live node to txnRec and writes props.
func (s *Store) UpdateNode(ctx context.Context, txnRec TxnRecord, nodeID int64, props map[string][]byte) (NodeRecord, error) {
	var node NodeRecord
	err := s.txn(ctx, func(txn metadata.Txn) error {
		var err error
		node, err = s.touch(txn, txnRec, nodeID, false)
		if err != nil {
			return err
		}
		for name, value := range props {
			txn.Put(keys.PropKeyPath(s.storeID, nodeID, name), value)
		}
		return nil
	})
	if err != nil {
		return NodeRecord{}, fmt.Errorf("nodes: update node %d: %w", nodeID, err)
	}
	return node, nil
}

// DeleteNode marks a node deleted by txnRec and indexes it for purging.
// The node record and its properties stay until DeleteNodesInRange.
func (s *Store) DeleteNode(ctx context.Context, txnRec TxnRecord, nodeID int64) (NodeRecord, error) {
	var node NodeRecord
	err := s.txn(ctx, func(txn metadata.Txn) error {
		var err error
		node, err = s.touch(txn, txnRec, nodeID, true)
		if err != nil {
			return err
		}
		entry, err := encode("deleted entry", DeletedEntry{NodeID: nodeID, TxnID: txnRec.ID})
		if err != nil {
			return err
		}
		txn.Put(keys.DeletedKeyPath(s.storeID, txnRec.CommitTimeMs, nodeID), entry)
		return nil
	})
	if err != nil {
		return NodeRecord{}, fmt.Errorf("nodes: delete node %d: %w", nodeID, err)
	}
	return node, nil
}

// touch reassigns a live node to txnRec, moving its txn reference.
func (s *Store) touch(txn metadata.Txn, txnRec TxnRecord, nodeID int64, deleted bool) (NodeRecord, error) {
	if err := requireTxn(txn, s.storeID, txnRec.ID); err != nil {
		return NodeRecord{}, err
	}
	node, version, err := readNode(txn, s.storeID, nodeID)
	if err != nil {
		return NodeRecord{}, err
	}
	if node.Deleted {
		return NodeRecord{}, fmt.Errorf("%w: %d", ErrNodeDeleted, nodeID)
	}

	if node.TxnID != txnRec.ID {
		txn.Delete(keys.TxnRefKeyPath(s.storeID, node.TxnID, nodeID))
		txn.Put(keys.TxnRefKeyPath(s.storeID, txnRec.ID, nodeID), nil)
	}
	node.TxnID = txnRec.ID
	node.CommitTimeMs = txnRec.CommitTimeMs
	node.Deleted = deleted

	data, err := encode("node", node)
	if err != nil {
		return NodeRecord{}, err
	}
	txn.PutWithVersion(keys.NodeKeyPath(s.storeID, nodeID), data, version)
	return node, nil
}

// GetNode returns a node record, deleted or not.
func (s *Store) GetNode(ctx context.Context, nodeID int64) (NodeRecord, error) {
	data, found, err := s.get(ctx, keys.NodeKeyPath(s.storeID, nodeID))
	if err != nil {
		return NodeRecord{}, fmt.Errorf("nodes: get node %d: %w", nodeID, err)
	}
	if !found {
		return NodeRecord{}, fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	return decode[NodeRecord]("node", data)
}

// NodeProps returns a node's properties keyed by qualified name.
func (s *Store) NodeProps(ctx context.Context, nodeID int64) (map[string][]byte, error) {
	prefix := keys.PropsPrefix(s.storeID, nodeID)
	kvs, err := s.meta.List(ctx, prefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("nodes: list props of %d: %w", nodeID, err)
	}
	props := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		qname, err := keys.ParsePropKey(s.storeID, nodeID, kv.Key)
		if err != nil {
			return nil, fmt.Errorf("nodes: props of %d: %w", nodeID, err)
		}
		props[qname] = kv.Value
	}
	return props, nil
}

// TxnExists reports whether a transaction record is still present.
func (s *Store) TxnExists(ctx context.Context, txnID int64) (bool, error) {
	_, found, err := s.get(ctx, keys.TxnIDKeyPath(s.storeID, txnID))
	if err != nil {
		return false, fmt.Errorf("nodes: get txn %d: %w", txnID, err)
	}
	return found, nil
}
