// Package db composes the storage, index, sharding, replication and cluster
// layers into one node. Every mutation of a shard goes through the shard's
// replication group and reaches the storage engine only from the apply loop.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"qubedb/pkg/cluster"
	"qubedb/pkg/compression"
	"qubedb/pkg/config"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/index"
	"qubedb/pkg/listener"
	"qubedb/pkg/metrics"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
	"qubedb/pkg/sharding"
	"qubedb/pkg/storage"
	"qubedb/pkg/stream"
	"qubedb/pkg/types"
)

// Deps are the collaborators a node does not build itself.
type Deps struct {
	// Transport carries consensus messages. Nil means HTTP to the addresses
	// known by the cluster manager.
	Transport replication.Transport
	// Forwarder sends broadcast DDL to shard leaders on other nodes. Nil
	// leaves such shards failing with a NotLeaderError.
	Forwarder Forwarder
	Pinger    cluster.Pinger
	// Stream receives the changefeed. Nil disables it.
	Stream  stream.Stream
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Forwarder proposes a command on a shard hosted by another node.
type Forwarder interface {
	Forward(ctx context.Context, to types.NodeID, shard types.ShardID, cmd replication.Command) error
}

// replica is one shard hosted by this node.
type replica struct {
	id     types.ShardID
	engine *storage.Engine
	group  *replication.Group
}

type Node struct {
	cfg    config.Config
	id     types.NodeID
	logger *slog.Logger
	mc     metrics.Collector

	shards    *sharding.Manager
	cluster   *cluster.Manager
	indexes   *index.Manager
	logdb     *replication.LogDB
	catalog   *catalog
	transport replication.Transport
	forwarder Forwarder
	stream    stream.Stream

	ctx       context.Context
	cancel    context.CancelFunc
	compactor *listener.Listener[time.Time]

	mu       sync.RWMutex
	replicas map[types.ShardID]*replica
	started  bool
	closed   bool
}

var _ replication.Handler = (*Node)(nil)

// New opens every shard assigned to this node and restores the declared
// indexes from the local engines. Call Start to join the cluster.
func New(cfg config.Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("db: %w: %w", dberrors.ErrInvalidArgument, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mc := metrics.OrNop(deps.Metrics)
	id := types.NodeID(cfg.Node.ID)

	shards, err := sharding.New(sharding.Config{
		Strategy:          sharding.Strategy(cfg.Sharding.Strategy),
		ShardCount:        cfg.Sharding.ShardCount,
		ReplicationFactor: cfg.Sharding.ReplicationFactor,
		VirtualNodes:      cfg.Sharding.VirtualNodes,
	}, logger)
	if err != nil {
		return nil, err
	}

	cl, err := cluster.New(cluster.Config{
		ID:                id,
		Address:           cfg.Node.Address,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		ElectionTimeout:   cfg.Cluster.ElectionTimeout,
		Pinger:            deps.Pinger,
		Logger:            logger,
		Metrics:           mc,
	}, shards)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Cluster.Peers {
		if err := cl.AddPeer(types.NodeID(p.ID), p.Address); err != nil {
			return nil, err
		}
	}
	if err := shards.AssignNodesToShards(cl.Members()); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("db: create data dir: %w: %v", dberrors.ErrIOFailure, err)
	}
	logdb, err := replication.OpenLogDB(filepath.Join(cfg.Node.DataDir, "raft.db"))
	if err != nil {
		return nil, err
	}
	cat, err := openCatalog(filepath.Join(cfg.Node.DataDir, "catalog.db"))
	if err != nil {
		_ = logdb.Close()
		return nil, err
	}

	transport := deps.Transport
	if transport == nil {
		transport = replication.NewHTTPTransport(cl.Address, logger)
	}

	n := &Node{
		cfg:       cfg,
		id:        id,
		logger:    logger.With("component", "node", "node", id),
		mc:        mc,
		shards:    shards,
		cluster:   cl,
		indexes:   index.NewManager(logger),
		logdb:     logdb,
		catalog:   cat,
		transport: transport,
		forwarder: deps.Forwarder,
		stream:    deps.Stream,
		replicas:  make(map[types.ShardID]*replica),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	for _, sid := range shards.ShardsForNode(id) {
		sh, err := shards.Shard(sid)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		if _, err := n.openReplica(sid, sh.Replicas); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	if err := n.restoreIndexes(); err != nil {
		_ = n.Close()
		return nil, err
	}

	cl.OnHealthChange(n.onPeerHealth)
	cl.SetRoleSource(n.aggregateRole)
	n.logger.Info("node opened", "shards", len(n.replicas), "members", cl.Members())
	return n, nil
}

func (n *Node) ID() types.NodeID {
	return n.id
}

func (n *Node) Cluster() *cluster.Manager {
	return n.cluster
}

func (n *Node) Shards() *sharding.Manager {
	return n.shards
}

// Start runs every local replication group and the heartbeat loop.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	n.started = true
	reps := n.sortedReplicas()
	if every := n.cfg.Storage.CompactInterval; every > 0 && n.compactor == nil {
		ticker := time.NewTicker(every)
		n.compactor = listener.New(ticker.C, n.compactAll, ticker.Stop).OnError(func(err error) {
			n.logger.Warn("compaction failed", "error", err)
		})
	}
	compactor := n.compactor
	n.mu.Unlock()

	context.AfterFunc(ctx, n.cancel)
	for _, r := range reps {
		r.group.Start(n.ctx)
	}
	n.cluster.Start(n.ctx)
	if compactor != nil {
		compactor.Start(n.ctx)
	}
}

// compactAll rewrites the data file of every local shard whose garbage
// ratio crossed the configured threshold.
func (n *Node) compactAll(time.Time) error {
	n.mu.RLock()
	reps := n.sortedReplicas()
	n.mu.RUnlock()

	var result *multierror.Error
	for _, r := range reps {
		start := time.Now()
		done, err := r.engine.MaybeCompact()
		switch {
		case errors.Is(err, dberrors.ErrClosed):
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("compact %s: %w", r.id, err))
		case done:
			n.logger.Info("shard compacted", "shard", r.id, "took", time.Since(start))
		}
	}
	return result.ErrorOrNil()
}

// Close stops the node and releases every resource, reporting all failures.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	reps := n.sortedReplicas()
	n.replicas = map[types.ShardID]*replica{}
	compactor := n.compactor
	n.mu.Unlock()

	n.cancel()
	if compactor != nil {
		compactor.Stop()
	}
	n.cluster.Stop()

	var result *multierror.Error
	for _, r := range reps {
		r.group.Stop()
		if err := r.engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", r.id, err))
		}
	}
	if err := n.catalog.close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.logdb.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if n.stream != nil {
		if err := n.stream.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.logger.Info("node closed")
	return result.ErrorOrNil()
}

func (n *Node) sortedReplicas() []*replica {
	out := make([]*replica, 0, len(n.replicas))
	for _, r := range n.replicas {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *replica) int { return int(a.id) - int(b.id) })
	return out
}

// openReplica opens the engine and the replication group of one shard. A
// node outside voters runs the group as a learner.
func (n *Node) openReplica(id types.ShardID, voters []types.NodeID) (*replica, error) {
	engine, err := storage.Open(filepath.Join(n.cfg.Node.DataDir, fmt.Sprintf("shard-%d", uint32(id))), storage.Options{
		SyncWrites:          n.cfg.Storage.SyncWrites,
		CompactGarbageRatio: n.cfg.Storage.CompactGarbageRatio,
		SnapshotCompression: compression.Algorithm(n.cfg.Storage.SnapshotCompression),
		Logger:              n.logger.With("shard", uint32(id)),
		Metrics:             n.mc,
	})
	if err != nil {
		return nil, err
	}
	logs, err := n.logdb.Shard(id)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	var unhealthy []types.NodeID
	for _, p := range n.cluster.Peers() {
		if p.Status == cluster.Unhealthy {
			unhealthy = append(unhealthy, p.ID)
		}
	}

	r := &replica{id: id, engine: engine}
	group, err := replication.NewGroup(replication.Config{
		ShardID:             id,
		ID:                  n.id,
		Voters:              voters,
		Storage:             logs,
		Transport:           n.transport,
		Apply:               func(e replication.LogEntry) error { return n.apply(r, e) },
		Unhealthy:           unhealthy,
		TickInterval:        n.cfg.Replication.TickInterval,
		ElectionTick:        n.cfg.Replication.ElectionTick,
		HeartbeatTick:       n.cfg.Replication.HeartbeatTick,
		MaxEntriesPerAppend: n.cfg.Replication.MaxEntriesPerAppend,
		WriteTimeout:        n.cfg.Replication.WriteTimeout,
		Logger:              n.logger,
		Metrics:             n.mc,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	r.group = group

	st := engine.Stats()
	n.shards.UpdateUsage(id, st.SizeBytes, st.Records)
	n.replicas[id] = r
	return r, nil
}

func (n *Node) restoreIndexes() error {
	specs, err := n.catalog.indexes()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := n.indexes.CreateIndex(spec, n.collectionSource(spec)); err != nil {
			return fmt.Errorf("restore index %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (n *Node) replica(id types.ShardID) (*replica, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.replicas[id]
	return r, ok
}

// notHosted builds the redirect for a shard this node has no replica of.
func (n *Node) notHosted(id types.ShardID) error {
	leader, err := n.shards.LeaderFor(id)
	if err != nil {
		return err
	}
	return &dberrors.NotLeaderError{ShardID: id, LeaderHint: leader}
}

// ensureReplica returns the local replica of a shard, creating a learner
// replica when a leader starts replicating a shard to this node. Only a node
// in the committed replica set or a migration target gets one, so a stale
// leader cannot resurrect a replica that a reconfiguration dropped.
func (n *Node) ensureReplica(id types.ShardID, learner bool) (*replica, error) {
	if r, ok := n.replica(id); ok {
		return r, nil
	}
	sh, err := n.shards.Shard(id)
	if err != nil {
		return nil, err
	}
	target := sh.Status == sharding.Migrating && slices.Contains(sh.Target, n.id)
	if !learner && !target && !sh.HasReplica(n.id) {
		return nil, fmt.Errorf("db: %s is not replicated to %s: %w", id, n.id, dberrors.ErrUnknownShard)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, dberrors.ErrClosed
	}
	if r, ok := n.replicas[id]; ok {
		return r, nil
	}
	voters := sh.Replicas
	if len(voters) == 0 {
		return nil, fmt.Errorf("db: %s has no replica set: %w", id, dberrors.ErrUnknownShard)
	}
	r, err := n.openReplica(id, voters)
	if err != nil {
		return nil, err
	}
	if n.started {
		r.group.Start(n.ctx)
	}
	n.logger.Info("learner replica created", "shard", uint32(id), "voters", voters)
	return r, nil
}

// dropReplica stops a shard this node is no longer a replica of and removes
// its records from the indexes. Its files stay on disk.
func (n *Node) dropReplica(id types.ShardID) {
	n.mu.Lock()
	r, ok := n.replicas[id]
	if ok {
		delete(n.replicas, id)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	r.group.Stop()
	err := r.engine.ScanAll(func(rec *record.Record) error {
		n.indexes.Remove(rec)
		return nil
	})
	if err != nil {
		n.logger.Warn("unindex dropped replica", "shard", uint32(id), "error", err)
	}
	if err := r.engine.Close(); err != nil {
		n.logger.Warn("close dropped replica", "shard", uint32(id), "error", err)
	}
	n.logger.Info("replica dropped", "shard", uint32(id))
}

func (n *Node) HandleRequestVote(ctx context.Context, req replication.RequestVoteRequest) (replication.RequestVoteResponse, error) {
	r, ok := n.replica(req.ShardID)
	if !ok {
		return replication.RequestVoteResponse{}, fmt.Errorf("db: vote for %s: %w", req.ShardID, dberrors.ErrUnknownShard)
	}
	return r.group.HandleRequestVote(ctx, req)
}

func (n *Node) HandleAppendEntries(ctx context.Context, req replication.AppendEntriesRequest) (replication.AppendEntriesResponse, error) {
	r, err := n.ensureReplica(req.ShardID, req.Learner)
	if err != nil {
		return replication.AppendEntriesResponse{}, err
	}
	return r.group.HandleAppendEntries(ctx, req)
}

func (n *Node) HandleHeartbeat(ctx context.Context, req replication.HeartbeatRequest) (replication.HeartbeatResponse, error) {
	r, err := n.ensureReplica(req.ShardID, req.Learner)
	if err != nil {
		return replication.HeartbeatResponse{}, err
	}
	return r.group.HandleHeartbeat(ctx, req)
}

func (n *Node) onPeerHealth(node types.NodeID, healthy bool) {
	n.mu.RLock()
	reps := n.sortedReplicas()
	n.mu.RUnlock()

	for _, r := range reps {
		ctx, cancel := context.WithTimeout(n.ctx, time.Second)
		err := r.group.SetPeerHealth(ctx, node, healthy)
		cancel()
		if err != nil && !errors.Is(err, dberrors.ErrClosed) {
			n.logger.Warn("forward peer health", "shard", uint32(r.id), "peer", node, "error", err)
		}
	}
}

// aggregateRole is Leader when the node leads any local shard. The believed
// leader is that of the lowest local shard with a known leader.
func (n *Node) aggregateRole() (cluster.Role, types.NodeID) {
	n.mu.RLock()
	reps := n.sortedReplicas()
	n.mu.RUnlock()

	role := cluster.Follower
	if len(reps) == 0 {
		role = cluster.Observer
	}
	var leader types.NodeID
	for _, r := range reps {
		st := r.group.Status()
		switch st.Role {
		case replication.Leader:
			role = cluster.Leader
		case replication.Candidate:
			if role == cluster.Follower {
				role = cluster.Candidate
			}
		}
		if leader == "" && st.Leader != "" {
			leader = st.Leader
		}
	}
	return role, leader
}

// ClusterStatus is the cluster manager's view with the node's aggregate role.
func (n *Node) ClusterStatus() cluster.Status {
	return n.cluster.GetClusterStatus()
}

func (n *Node) ShardStatistics() sharding.Statistics {
	return n.shards.GetStatistics()
}

// ReplicationStatus lists the state of every local replica, by shard.
func (n *Node) ReplicationStatus() []replication.Status {
	n.mu.RLock()
	reps := n.sortedReplicas()
	n.mu.RUnlock()
	out := make([]replication.Status, 0, len(reps))
	for _, r := range reps {
		out = append(out, r.group.Status())
	}
	return out
}
