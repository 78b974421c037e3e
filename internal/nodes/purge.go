package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/keys"
)

// MinCommitTimeOfDeletedNodes returns the oldest commit time in the
// deleted-node index, or 0 if nothing is deleted.
func (s *Store) MinCommitTimeOfDeletedNodes(ctx context.Context) (int64, error) {
	kvs, err := s.meta.List(ctx, keys.DeletedPrefix(s.storeID), "", 1)
	if err != nil {
		return 0, fmt.Errorf("nodes: list deleted index: %w", err)
	}
	if len(kvs) == 0 {
		return 0, nil
	}
	commitTime, _, err := keys.ParseDeletedKey(s.storeID, kvs[0].Key)
	if err != nil {
		return 0, err
	}
	return commitTime, nil
}

// DeleteNodesInRange purges the nodes deleted by transactions committed in
// [from, to): the node record, its properties, its txn reference and its
// index entry, all in one transaction. It returns the number of node records
// removed, so repeating a window that already succeeded returns 0.
func (s *Store) DeleteNodesInRange(ctx context.Context, from, to int64) (int64, error) {
	if err := validRange(from, to); err != nil {
		return 0, err
	}
	if from == to {
		return 0, nil
	}

	entries, err := s.meta.List(ctx,
		keys.DeletedCommitBound(s.storeID, from),
		keys.DeletedCommitBound(s.storeID, to), 0)
	if err != nil {
		return 0, fmt.Errorf("nodes: list deleted [%d, %d): %w", from, to, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	type doomed struct {
		indexKey string
		entry    DeletedEntry
		props    []string
	}
	batch := make([]doomed, 0, len(entries))
	for _, kv := range entries {
		entry, err := decode[DeletedEntry]("deleted entry", kv.Value)
		if err != nil {
			return 0, err
		}
		props, err := s.meta.List(ctx, keys.PropsPrefix(s.storeID, entry.NodeID), "", 0)
		if err != nil {
			return 0, fmt.Errorf("nodes: list props of %d: %w", entry.NodeID, err)
		}
		d := doomed{indexKey: kv.Key, entry: entry}
		for _, p := range props {
			d.props = append(d.props, p.Key)
		}
		batch = append(batch, d)
	}

	var purged int64
	err = s.txn(ctx, func(txn metadata.Txn) error {
		purged = 0
		for _, d := range batch {
			nodeKey := keys.NodeKeyPath(s.storeID, d.entry.NodeID)
			_, _, err := txn.Get(nodeKey)
			switch {
			case errors.Is(err, metadata.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				purged++
				txn.Delete(nodeKey)
			}
			for _, p := range d.props {
				txn.Delete(p)
			}
			txn.Delete(keys.TxnRefKeyPath(s.storeID, d.entry.TxnID, d.entry.NodeID))
			txn.Delete(d.indexKey)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("nodes: purge deleted [%d, %d): %w", from, to, err)
	}
	return purged, nil
}

// txnPage is one page of the transaction table.
type txnPage struct {
	records []TxnRecord
	keys    []string
	next    string
	done    bool
}

func (s *Store) listTxns(ctx context.Context, start, end string) (txnPage, error) {
	kvs, err := s.meta.List(ctx, start, end, scanPageSize)
	if err != nil {
		return txnPage{}, fmt.Errorf("nodes: list txns: %w", err)
	}
	page := txnPage{done: len(kvs) < scanPageSize}
	for _, kv := range kvs {
		commitTime, id, err := keys.ParseTxnKey(s.storeID, kv.Key)
		if err != nil {
			return txnPage{}, err
		}
		page.records = append(page.records, TxnRecord{ID: id, CommitTimeMs: commitTime})
		page.keys = append(page.keys, kv.Key)
	}
	if len(kvs) > 0 {
		// "\x00" sorts directly after the last key.
		page.next = kvs[len(kvs)-1].Key + "\x00"
	}
	return page, nil
}

// txnUnused reports whether no node references txnID.
func (s *Store) txnUnused(ctx context.Context, txnID int64) (bool, error) {
	refs, err := s.meta.List(ctx, keys.TxnRefsPrefix(s.storeID, txnID), "", 1)
	if err != nil {
		return false, fmt.Errorf("nodes: list refs of txn %d: %w", txnID, err)
	}
	return len(refs) == 0, nil
}

// walkTxns visits transactions committed in [from, to) in commit order
// until fn returns false.
func (s *Store) walkTxns(ctx context.Context, from, to int64, fn func(key string, rec TxnRecord) (bool, error)) error {
	start := keys.TxnCommitBound(s.storeID, from)
	end := keys.TxnCommitBound(s.storeID, to)
	for {
		page, err := s.listTxns(ctx, start, end)
		if err != nil {
			return err
		}
		for i, rec := range page.records {
			more, err := fn(page.keys[i], rec)
			if err != nil || !more {
				return err
			}
		}
		if page.done {
			return nil
		}
		start = page.next
	}
}

// MinUnusedTxnCommitTime returns the commit time of the oldest transaction
// that no node references, or 0 if there is none.
func (s *Store) MinUnusedTxnCommitTime(ctx context.Context) (int64, error) {
	var found int64
	err := s.walkTxns(ctx, 0, maxCommitTime, func(_ string, rec TxnRecord) (bool, error) {
		unused, err := s.txnUnused(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if unused {
			found = rec.CommitTimeMs
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// UnusedTxnIDs returns up to limit unused transactions committed before
// maxCommitTime, oldest first. A non-positive limit means no limit.
func (s *Store) UnusedTxnIDs(ctx context.Context, maxCommitTime int64, limit int) ([]int64, error) {
	var ids []int64
	err := s.walkTxns(ctx, 0, maxCommitTime, func(_ string, rec TxnRecord) (bool, error) {
		unused, err := s.txnUnused(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if unused {
			ids = append(ids, rec.ID)
		}
		return limit <= 0 || len(ids) < limit, nil
	})
	return ids, err
}

// DeleteUnusedTransactionsInRange purges transactions committed in
// [from, to) that no node references. It returns the number removed.
func (s *Store) DeleteUnusedTransactionsInRange(ctx context.Context, from, to int64) (int64, error) {
	if err := validRange(from, to); err != nil {
		return 0, err
	}
	if from == to {
		return 0, nil
	}

	type doomed struct {
		key string
		id  int64
	}
	var batch []doomed
	err := s.walkTxns(ctx, from, to, func(key string, rec TxnRecord) (bool, error) {
		unused, err := s.txnUnused(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if unused {
			batch = append(batch, doomed{key: key, id: rec.ID})
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var purged int64
	err = s.txn(ctx, func(txn metadata.Txn) error {
		purged = 0
		for _, d := range batch {
			_, _, err := txn.Get(d.key)
			switch {
			case errors.Is(err, metadata.ErrKeyNotFound):
				continue
			case err != nil:
				return err
			}
			purged++
			txn.Delete(d.key)
			txn.Delete(keys.TxnIDKeyPath(s.storeID, d.id))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("nodes: purge txns [%d, %d): %w", from, to, err)
	}
	return purged, nil
}

// maxCommitTime is the exclusive upper bound used for whole-table scans.
const maxCommitTime = int64(1<<63 - 1)

// Stats counts rows in the store's tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	nodes, err := s.meta.List(ctx, keys.NodesPrefix(s.storeID), "", 0)
	if err != nil {
		return Stats{}, fmt.Errorf("nodes: list nodes: %w", err)
	}
	st.Nodes = int64(len(nodes))

	deleted, err := s.meta.List(ctx, keys.DeletedPrefix(s.storeID), "", 0)
	if err != nil {
		return Stats{}, fmt.Errorf("nodes: list deleted index: %w", err)
	}
	st.DeletedNodes = int64(len(deleted))

	err = s.walkTxns(ctx, 0, maxCommitTime, func(_ string, rec TxnRecord) (bool, error) {
		st.Txns++
		unused, err := s.txnUnused(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if unused {
			st.UnusedTxns++
		}
		return true, nil
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}
