package oxia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loam-io/loam/internal/metadata"
	"github.com/loam-io/loam/internal/metadata/keys"
	"github.com/loam-io/loam/internal/nodes"
)

// These tests use an embedded Oxia standalone server by default.
// To test against an external server, set OXIA_SERVICE_ADDRESS.

func newIntegrationTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(context.Background(), Config{
		ServiceAddress: StartTestServer(t),
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIntegration_ScopedTxnDeleteIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newIntegrationTestStore(t)
	ctx := context.Background()
	scope := "/loam/v1/stores/it"

	err := store.Txn(ctx, scope, func(txn metadata.Txn) error {
		txn.Put(scope+"/deleted/a", []byte("1"))
		txn.Put(scope+"/deleted/b", []byte("2"))
		return nil
	})
	if err != nil {
		t.Fatalf("seed txn: %v", err)
	}

	kvs, err := store.List(ctx, scope+"/deleted/", "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(kvs) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(kvs))
	}

	for i := 0; i < 2; i++ {
		err = store.Txn(ctx, scope, func(txn metadata.Txn) error {
			txn.Delete(scope + "/deleted/a")
			txn.Delete(scope + "/deleted/b")
			return nil
		})
		if err != nil {
			t.Fatalf("delete txn %d: %v", i, err)
		}
	}

	kvs, err = store.List(ctx, scope+"/deleted/", "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(kvs) != 0 {
		t.Errorf("expected no keys after delete, got %d", len(kvs))
	}
}

func TestIntegration_EphemeralLockCAS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newIntegrationTestStore(t)
	ctx := context.Background()
	key := "/loam/v1/jobs/locks/it"

	v1, err := store.PutEphemeral(ctx, key, []byte("owner-a"), metadata.WithEphemeralExpectNotExists())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = store.PutEphemeral(ctx, key, []byte("owner-b"), metadata.WithEphemeralExpectNotExists())
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Fatalf("second acquire should fail with ErrVersionMismatch, got %v", err)
	}

	v2, err := store.PutEphemeral(ctx, key, []byte("owner-a"), metadata.WithEphemeralExpectedVersion(v1))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("renewal should bump version: %d -> %d", v1, v2)
	}

	if err := store.CheckReady(ctx); err != nil {
		t.Errorf("CheckReady: %v", err)
	}
}

func TestIntegration_ConflictingTxnIsRolledBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newIntegrationTestStore(t)
	ctx := context.Background()
	scope := "/loam/v1/stores/conflict"
	first, second := scope+"/nodes/1", scope+"/nodes/2"

	err := store.Txn(ctx, scope, func(txn metadata.Txn) error {
		txn.Put(first, []byte("v1"))
		return nil
	})
	if err != nil {
		t.Fatalf("seed txn: %v", err)
	}

	// The versioned write is stale, so the whole batch is rejected and the
	// put of the second key is undone.
	err = store.Txn(ctx, scope, func(txn metadata.Txn) error {
		_, v, err := txn.Get(first)
		if err != nil {
			return err
		}
		txn.Put(second, []byte("new"))
		txn.PutWithVersion(first, []byte("v2"), v+5)
		return nil
	})
	if !errors.Is(err, metadata.ErrTxnConflict) {
		t.Fatalf("expected ErrTxnConflict, got %v", err)
	}

	err = store.Txn(ctx, scope, func(txn metadata.Txn) error {
		if _, _, err := txn.Get(second); !errors.Is(err, metadata.ErrKeyNotFound) {
			t.Errorf("second key should have been rolled back, Get returned %v", err)
		}
		value, _, err := txn.Get(first)
		if err != nil {
			return err
		}
		if string(value) != "v1" {
			t.Errorf("first key = %q, want v1", value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify txn: %v", err)
	}
}

func TestIntegration_PurgeRemovesQualifiedNameProps(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newIntegrationTestStore(t)
	ctx := context.Background()
	const qname = "{http://www.alfresco.org/model/content/1.0}name"

	now := time.UnixMilli(1_000)
	ns, err := nodes.New(store, "qnames", nodes.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("nodes.New: %v", err)
	}

	create, err := ns.BeginTxn(ctx)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	node, err := ns.CreateNode(ctx, create, "", map[string][]byte{qname: []byte("a.txt"), "cm:title": []byte("A")})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	props, err := ns.NodeProps(ctx, node.ID)
	if err != nil {
		t.Fatalf("NodeProps: %v", err)
	}
	if string(props[qname]) != "a.txt" || len(props) != 2 {
		t.Fatalf("NodeProps = %q, want both properties", props)
	}

	now = time.UnixMilli(2_000)
	del, err := ns.BeginTxn(ctx)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := ns.DeleteNode(ctx, del, node.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}

	n, err := ns.DeleteNodesInRange(ctx, 2_000, 3_000)
	if err != nil {
		t.Fatalf("DeleteNodesInRange: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d nodes, want 1", n)
	}

	left, err := store.List(ctx, keys.PropsPrefix("qnames", node.ID), "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("properties survived the purge: %d left", len(left))
	}
}
