package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/keys"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func (c *stepClock) set(ms int64) { c.t = time.UnixMilli(ms) }

func newTestStore(t *testing.T) (*Store, *metadata.MockStore, *stepClock) {
	t.Helper()
	meta := metadata.NewMockStore()
	clock := &stepClock{}
	clock.set(1000)
	s, err := New(meta, "ws", WithClock(clock.now))
	require.NoError(t, err)
	return s, meta, clock
}

func beginAt(t *testing.T, s *Store, clock *stepClock, ms int64) TxnRecord {
	t.Helper()
	clock.set(ms)
	rec, err := s.BeginTxn(context.Background())
	require.NoError(t, err)
	return rec
}

func TestNewRequiresStoreID(t *testing.T) {
	_, err := New(metadata.NewMockStore(), "")
	assert.ErrorIs(t, err, ErrInvalidStoreID)
}

func TestBeginTxnAllocatesSequentialIDs(t *testing.T) {
	s, _, clock := newTestStore(t)

	a := beginAt(t, s, clock, 1000)
	b := beginAt(t, s, clock, 2000)
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, int64(2000), b.CommitTimeMs)

	ok, err := s.TxnExists(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateUpdateDeleteNode(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	t1 := beginAt(t, s, clock, 1000)
	node, err := s.CreateNode(ctx, t1, "", map[string][]byte{"cm:name": []byte("a.txt")})
	require.NoError(t, err)
	assert.NotEmpty(t, node.UUID)
	assert.Equal(t, t1.ID, node.TxnID)

	t2 := beginAt(t, s, clock, 2000)
	node, err = s.UpdateNode(ctx, t2, node.ID, map[string][]byte{"cm:title": []byte("A")})
	require.NoError(t, err)
	assert.Equal(t, t2.ID, node.TxnID)

	props, err := s.NodeProps(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("a.txt"), props["cm:name"])
	assert.Equal(t, []byte("A"), props["cm:title"])

	// t1 lost its only reference on update.
	ids, err := s.UnusedTxnIDs(ctx, 10_000, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{t1.ID}, ids)

	t3 := beginAt(t, s, clock, 3000)
	node, err = s.DeleteNode(ctx, t3, node.ID)
	require.NoError(t, err)
	assert.True(t, node.Deleted)

	_, err = s.UpdateNode(ctx, t3, node.ID, nil)
	assert.ErrorIs(t, err, ErrNodeDeleted)

	minCT, err := s.MinCommitTimeOfDeletedNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), minCT)

	// Deleted nodes keep their record until purged.
	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestWritesRequireKnownTxn(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.CreateNode(context.Background(), TxnRecord{ID: 99, CommitTimeMs: 1}, "", nil)
	assert.ErrorIs(t, err, ErrTxnNotFound)

	_, err = s.GetNode(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestDeleteNodesInRangeIsHalfOpenAndIdempotent(t *testing.T) {
	s, meta, clock := newTestStore(t)
	ctx := context.Background()

	create := beginAt(t, s, clock, 500)
	var ids []int64
	for i := 0; i < 3; i++ {
		n, err := s.CreateNode(ctx, create, "", map[string][]byte{"p": []byte("v")})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	del1 := beginAt(t, s, clock, 1000)
	_, err := s.DeleteNode(ctx, del1, ids[0])
	require.NoError(t, err)
	del2 := beginAt(t, s, clock, 1999)
	_, err = s.DeleteNode(ctx, del2, ids[1])
	require.NoError(t, err)
	del3 := beginAt(t, s, clock, 2000)
	_, err = s.DeleteNode(ctx, del3, ids[2])
	require.NoError(t, err)

	n, err := s.DeleteNodesInRange(ctx, 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DeleteNodesInRange(ctx, 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "repeating a purged window removes nothing")

	_, err = s.GetNode(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNodeNotFound)
	props, err := s.NodeProps(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, props)

	// The node deleted at exactly 2000 is outside [1000, 2000).
	got, err := s.GetNode(ctx, ids[2])
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	minCT, err := s.MinCommitTimeOfDeletedNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), minCT)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Nodes)
	assert.Equal(t, int64(1), st.DeletedNodes)
	assert.Equal(t, int64(4), st.Txns)
	// create (no refs left), del1 and del2 (refs purged) are unused.
	assert.Equal(t, int64(3), st.UnusedTxns)

	require.Greater(t, meta.TxnCallCount(), 0)
}

func TestDeleteNodesInRangeRejectsBadRange(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.DeleteNodesInRange(context.Background(), 10, 5)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = s.DeleteUnusedTransactionsInRange(context.Background(), -1, 5)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestDeleteNodesInRangePropagatesTxnConflict(t *testing.T) {
	s, meta, clock := newTestStore(t)
	ctx := context.Background()

	t1 := beginAt(t, s, clock, 100)
	n, err := s.CreateNode(ctx, t1, "", nil)
	require.NoError(t, err)
	t2 := beginAt(t, s, clock, 200)
	_, err = s.DeleteNode(ctx, t2, n.ID)
	require.NoError(t, err)

	meta.FailTxns(metadata.ErrTxnConflict)
	_, err = s.DeleteNodesInRange(ctx, 100, 300)
	assert.True(t, errors.Is(err, metadata.ErrTxnConflict))

	purged, err := s.DeleteNodesInRange(ctx, 100, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestDeleteUnusedTransactionsInRange(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	used := beginAt(t, s, clock, 1000)
	_, err := s.CreateNode(ctx, used, "", nil)
	require.NoError(t, err)
	empty1 := beginAt(t, s, clock, 1500)
	empty2 := beginAt(t, s, clock, 2500)

	minCT, err := s.MinUnusedTxnCommitTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), minCT)

	n, err := s.DeleteUnusedTransactionsInRange(ctx, 0, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteUnusedTransactionsInRange(ctx, 0, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	ok, err := s.TxnExists(ctx, empty1.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.TxnExists(ctx, used.ID)
	require.NoError(t, err)
	assert.True(t, ok, "a referenced transaction is never purged")
	ok, err = s.TxnExists(ctx, empty2.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnusedTxnIDsLimitAndPaging(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < scanPageSize+10; i++ {
		beginAt(t, s, clock, int64(1000+i))
	}

	ids, err := s.UnusedTxnIDs(ctx, 1_000_000, 0)
	require.NoError(t, err)
	assert.Len(t, ids, scanPageSize+10)

	ids, err = s.UnusedTxnIDs(ctx, 1_000_000, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)

	ids, err = s.UnusedTxnIDs(ctx, 1003, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestQualifiedNamePropsArePurged(t *testing.T) {
	s, meta, clock := newTestStore(t)
	ctx := context.Background()
	const qname = "{http://www.alfresco.org/model/content/1.0}name"

	create := beginAt(t, s, clock, 500)
	node, err := s.CreateNode(ctx, create, "", map[string][]byte{qname: []byte("report.pdf"), "cm:title": []byte("R")})
	require.NoError(t, err)

	props, err := s.NodeProps(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{qname: []byte("report.pdf"), "cm:title": []byte("R")}, props)

	prefix := keys.PropsPrefix("ws", node.ID)
	stored, err := meta.List(ctx, prefix, "", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, kv := range stored {
		assert.NotContains(t, strings.TrimPrefix(kv.Key, prefix), "/", "property key %q must be a direct child of its node", kv.Key)
	}

	del := beginAt(t, s, clock, 1000)
	_, err = s.DeleteNode(ctx, del, node.ID)
	require.NoError(t, err)

	n, err := s.DeleteNodesInRange(ctx, 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := meta.List(ctx, prefix, "", 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}
