package oxia

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/loam-io/loam/internal/metadata"
)

// transaction implements metadata.Txn for Oxia. Writes are buffered and sent
// as one shard write batch on commit; every key carries the scope key as its
// partition key so the batch lands on a single shard.
type transaction struct {
	store    *Store
	ctx      context.Context
	scopeKey string

	queued []queuedWrite

	// snapshot holds the value and version first seen for each key. Queued
	// writes are conditioned on it and rollback restores it.
	snapshot map[string]keyState
}

type writeKind int

const (
	writePut writeKind = iota
	writeDelete
)

type queuedWrite struct {
	kind  writeKind
	key   string
	value []byte

	// conditional writes carry the caller's expected version; 0 means
	// "must not exist".
	conditional bool
	expected    metadata.Version
}

type keyState struct {
	value   []byte
	version metadata.Version
	exists  bool
}

// appliedWrite remembers how to undo one entry of a write batch.
type appliedWrite struct {
	kind   writeKind
	key    string
	before keyState
	index  int // position in the batch's Puts or Deletes
}

// Get retrieves a value within the transaction.
func (t *transaction) Get(key string) ([]byte, metadata.Version, error) {
	st, err := t.fetch(key)
	if err != nil {
		return nil, 0, err
	}
	if !st.exists {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return st.value, st.version, nil
}

// Put queues an unconditional write.
func (t *transaction) Put(key string, value []byte) {
	t.queued = append(t.queued, queuedWrite{kind: writePut, key: key, value: value})
}

// PutWithVersion queues a write that requires key to be at expectedVersion.
func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.queued = append(t.queued, queuedWrite{kind: writePut, key: key, value: value, conditional: true, expected: expectedVersion})
}

// Delete queues an unconditional delete.
func (t *transaction) Delete(key string) {
	t.queued = append(t.queued, queuedWrite{kind: writeDelete, key: key})
}

// DeleteWithVersion queues a delete that requires key to be at expectedVersion.
func (t *transaction) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.queued = append(t.queued, queuedWrite{kind: writeDelete, key: key, conditional: true, expected: expectedVersion})
}

// fetch reads key through the scope's shard and caches the first result.
func (t *transaction) fetch(key string) (keyState, error) {
	if st, ok := t.snapshot[key]; ok {
		return st, nil
	}
	_, value, version, err := t.store.client.Get(t.ctx, key, oxiaclient.PartitionKey(t.scopeKey))
	var st keyState
	switch {
	case err == nil:
		st = keyState{value: value, version: oxiaToMetadataVersion(version.VersionId), exists: true}
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
		st = keyState{}
	default:
		return keyState{}, err
	}
	t.snapshot[key] = st
	return st, nil
}

// expectedVersionID converts the condition of w, given the key's current
// state, to Oxia's expected version id.
func (w queuedWrite) expectedVersionID(current keyState) int64 {
	switch {
	case w.conditional && w.expected == 0:
		return oxiaclient.VersionIdNotExists
	case w.conditional:
		return metadataToOxiaVersion(w.expected)
	case current.exists:
		return metadataToOxiaVersion(current.version)
	default:
		return oxiaclient.VersionIdNotExists
	}
}

// commit sends the queued writes as one batch. If any entry is rejected the
// entries that did apply are reverted and ErrTxnConflict is returned.
func (t *transaction) commit() error {
	if len(t.queued) == 0 {
		return nil
	}

	route, err := t.store.batches.route(t.scopeKey)
	if err != nil {
		return fmt.Errorf("oxia: transaction shard lookup failed: %w", err)
	}

	partitionKey := t.scopeKey
	req := &proto.WriteRequest{}
	applied := make([]appliedWrite, 0, len(t.queued))

	for _, w := range t.queued {
		before, err := t.fetch(w.key)
		if err != nil {
			return err
		}
		expected := w.expectedVersionID(before)

		switch w.kind {
		case writePut:
			req.Puts = append(req.Puts, &proto.PutRequest{
				Key:               w.key,
				Value:             w.value,
				ExpectedVersionId: &expected,
				PartitionKey:      &partitionKey,
			})
			applied = append(applied, appliedWrite{kind: writePut, key: w.key, before: before, index: len(req.Puts) - 1})
		case writeDelete:
			// Deleting an absent key is a no-op.
			if !before.exists {
				continue
			}
			req.Deletes = append(req.Deletes, &proto.DeleteRequest{
				Key:               w.key,
				ExpectedVersionId: &expected,
			})
			applied = append(applied, appliedWrite{kind: writeDelete, key: w.key, before: before, index: len(req.Deletes) - 1})
		}
	}

	if len(req.Puts) == 0 && len(req.Deletes) == 0 {
		return nil
	}

	resp, err := t.store.batches.write(t.ctx, route, req)
	if err != nil {
		return fmt.Errorf("oxia: transaction commit failed: %w", err)
	}
	if len(resp.Puts) != len(req.Puts) || len(resp.Deletes) != len(req.Deletes) {
		return errors.New("oxia: transaction commit response mismatch")
	}

	undo, rejected, err := compensation(resp, applied, partitionKey)
	if err != nil {
		return err
	}
	if !rejected {
		return nil
	}
	if undo != nil {
		if _, rollbackErr := t.store.batches.write(t.ctx, route, undo); rollbackErr != nil {
			return fmt.Errorf("%w: rollback failed: %v", metadata.ErrTxnConflict, rollbackErr)
		}
	}
	return metadata.ErrTxnConflict
}

func (a appliedWrite) status(resp *proto.WriteResponse) proto.Status {
	if a.kind == writePut {
		return resp.Puts[a.index].Status
	}
	return resp.Deletes[a.index].Status
}

// compensation reports whether any entry of the batch was rejected and, if
// so, builds the batch that restores the entries that were applied.
func compensation(resp *proto.WriteResponse, applied []appliedWrite, partitionKey string) (*proto.WriteRequest, bool, error) {
	rejected := false
	for _, a := range applied {
		if a.status(resp) != proto.Status_OK {
			rejected = true
			break
		}
	}
	if !rejected {
		return nil, false, nil
	}

	undo := &proto.WriteRequest{}
	for _, a := range applied {
		if a.status(resp) != proto.Status_OK {
			continue
		}
		switch a.kind {
		case writePut:
			written := resp.Puts[a.index].Version
			if written == nil {
				return nil, true, errors.New("oxia: transaction commit returned empty version")
			}
			expected := written.VersionId
			if a.before.exists {
				undo.Puts = append(undo.Puts, &proto.PutRequest{
					Key:               a.key,
					Value:             a.before.value,
					ExpectedVersionId: &expected,
					PartitionKey:      &partitionKey,
				})
			} else {
				undo.Deletes = append(undo.Deletes, &proto.DeleteRequest{
					Key:               a.key,
					ExpectedVersionId: &expected,
				})
			}
		case writeDelete:
			expected := oxiaclient.VersionIdNotExists
			undo.Puts = append(undo.Puts, &proto.PutRequest{
				Key:               a.key,
				Value:             a.before.value,
				ExpectedVersionId: &expected,
				PartitionKey:      &partitionKey,
			})
		}
	}

	if len(undo.Puts) == 0 && len(undo.Deletes) == 0 {
		return nil, true, nil
	}
	return undo, true, nil
}
