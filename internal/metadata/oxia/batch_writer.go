package oxia

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/oxia-db/oxia/common/constant"
	"github.com/oxia-db/oxia/common/hash"
	"github.com/oxia-db/oxia/common/proto"
	"github.com/oxia-db/oxia/common/rpc"
	grpcmd "google.golang.org/grpc/metadata"

	"github.com/loam-io/loam/internal/logging"
)

// ErrNoShard is returned when no assigned shard covers a scope key.
var ErrNoShard = errors.New("oxia: no shard assigned for key")

const (
	assignmentRetryMin = 200 * time.Millisecond
	assignmentRetryMax = 5 * time.Second
)

// shardRoute is one entry of the namespace's shard assignment.
type shardRoute struct {
	id      int64
	leader  string
	minHash uint32
	maxHash uint32
}

func routeByMaxHash(a, b shardRoute) bool {
	return a.maxHash < b.maxHash
}

// routeTable maps key hashes to shards. Ranges are disjoint, so the first
// range whose upper bound is at or above a hash is the only candidate.
type routeTable struct {
	mu     sync.RWMutex
	ranges *btree.BTreeG[shardRoute]
	byID   map[int64]shardRoute

	assigned     chan struct{}
	assignedOnce sync.Once
}

func newRouteTable() *routeTable {
	return &routeTable{
		ranges:   btree.NewG[shardRoute](8, routeByMaxHash),
		byID:     make(map[int64]shardRoute),
		assigned: make(chan struct{}),
	}
}

func (rt *routeTable) replace(routes []shardRoute) {
	ranges := btree.NewG[shardRoute](8, routeByMaxHash)
	byID := make(map[int64]shardRoute, len(routes))
	for _, r := range routes {
		ranges.ReplaceOrInsert(r)
		byID[r.id] = r
	}

	rt.mu.Lock()
	rt.ranges, rt.byID = ranges, byID
	rt.mu.Unlock()

	rt.assignedOnce.Do(func() { close(rt.assigned) })
}

func (rt *routeTable) lookup(h uint32) (shardRoute, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var (
		found shardRoute
		ok    bool
	)
	rt.ranges.AscendGreaterOrEqual(shardRoute{maxHash: h}, func(r shardRoute) bool {
		if r.minHash <= h {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

func (rt *routeTable) leaderOf(id int64) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.byID[id]
	return r.leader, ok
}

func (rt *routeTable) size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.byID)
}

// batchWriter sends shard write batches directly to shard leaders. The
// high-level client has no multi-key conditional batch, so Txn commits go
// through here. It follows the namespace's shard assignment stream to keep
// its route table current.
type batchWriter struct {
	namespace      string
	serviceAddress string
	hashKey        func(string) uint32

	pool   rpc.ClientPool
	routes *routeTable

	cancel context.CancelFunc
	done   chan struct{}
}

// newBatchWriter connects to the assignment stream and waits, up to the
// request timeout, for the first assignment.
func newBatchWriter(ctx context.Context, cfg Config) (*batchWriter, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = rpc.DefaultRpcTimeout
	}

	followCtx, cancel := context.WithCancel(context.Background())
	w := &batchWriter{
		namespace:      cfg.Namespace,
		serviceAddress: cfg.ServiceAddress,
		hashKey:        hash.Xxh332,
		pool:           rpc.NewClientPool(nil, nil),
		routes:         newRouteTable(),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go w.follow(followCtx)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	select {
	case <-w.routes.assigned:
		return w, nil
	case <-waitCtx.Done():
		_ = w.Close()
		return nil, fmt.Errorf("oxia: waiting for shard assignments of namespace %q: %w", cfg.Namespace, waitCtx.Err())
	}
}

// follow re-subscribes to the assignment stream until ctx is cancelled.
func (w *batchWriter) follow(ctx context.Context) {
	defer close(w.done)

	delay := assignmentRetryMin
	for {
		err := w.watchAssignments(ctx)
		if ctx.Err() != nil {
			return
		}
		logging.Global().Warnf("oxia shard assignment stream failed", map[string]any{
			"namespace": w.namespace,
			"error":     fmt.Sprint(err),
			"retryIn":   delay.String(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, assignmentRetryMax)
	}
}

func (w *batchWriter) watchAssignments(ctx context.Context) error {
	client, err := w.pool.GetClientRpc(w.serviceAddress)
	if err != nil {
		return err
	}
	stream, err := client.GetShardAssignments(ctx, &proto.ShardAssignmentsRequest{Namespace: w.namespace})
	if err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		ns, ok := resp.Namespaces[w.namespace]
		if !ok {
			continue
		}
		if ns.ShardKeyRouter != proto.ShardKeyRouter_XXHASH3 {
			return fmt.Errorf("oxia: unsupported shard key router %v", ns.ShardKeyRouter)
		}
		routes, err := toRoutes(ns.Assignments)
		if err != nil {
			return err
		}
		w.routes.replace(routes)
	}
}

func toRoutes(assignments []*proto.ShardAssignment) ([]shardRoute, error) {
	routes := make([]shardRoute, 0, len(assignments))
	for _, a := range assignments {
		rng, ok := a.ShardBoundaries.(*proto.ShardAssignment_Int32HashRange)
		if !ok {
			return nil, fmt.Errorf("oxia: shard %d has unknown boundary type %T", a.Shard, a.ShardBoundaries)
		}
		routes = append(routes, shardRoute{
			id:      a.Shard,
			leader:  a.Leader,
			minHash: rng.Int32HashRange.MinHashInclusive,
			maxHash: rng.Int32HashRange.MaxHashInclusive,
		})
	}
	return routes, nil
}

// route returns the shard that owns scopeKey.
func (w *batchWriter) route(scopeKey string) (shardRoute, error) {
	r, ok := w.routes.lookup(w.hashKey(scopeKey))
	if !ok {
		return shardRoute{}, fmt.Errorf("%w: %q", ErrNoShard, scopeKey)
	}
	return r, nil
}

// write sends req to the current leader of r's shard.
func (w *batchWriter) write(ctx context.Context, r shardRoute, req *proto.WriteRequest) (*proto.WriteResponse, error) {
	leader, ok := w.routes.leaderOf(r.id)
	if !ok {
		return nil, fmt.Errorf("oxia: shard %d is no longer assigned", r.id)
	}
	client, err := w.pool.GetClientRpc(leader)
	if err != nil {
		return nil, err
	}

	shard := r.id
	req.Shard = &shard
	ctx = grpcmd.AppendToOutgoingContext(ctx,
		constant.MetadataNamespace, w.namespace,
		constant.MetadataShardId, strconv.FormatInt(shard, 10))
	return client.Write(ctx, req)
}

// Close stops following assignments and closes leader connections.
func (w *batchWriter) Close() error {
	if w == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return w.pool.Close()
}
