package db

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/replication"
	"qubedb/pkg/types"
)

const catchUpPoll = 20 * time.Millisecond

// MigrateShard moves a shard this node leads to the replica set nodes. New
// nodes replicate the log as learners until they hold everything committed,
// then the new set is committed through the log itself.
func (n *Node) MigrateShard(ctx context.Context, id types.ShardID, nodes []types.NodeID) error {
	r, ok := n.replica(id)
	if !ok {
		return n.notHosted(id)
	}
	if !r.group.IsLeader() {
		return &dberrors.NotLeaderError{ShardID: id, LeaderHint: r.group.Leader()}
	}
	sh, err := n.shards.Shard(id)
	if err != nil {
		return err
	}
	if slices.Equal(sh.Replicas, nodes) {
		return nil
	}
	for _, node := range nodes {
		if _, ok := n.cluster.Peer(node); !ok && node != n.id {
			return fmt.Errorf("db: migrate %s: unknown node %s: %w", id, node, dberrors.ErrInvalidArgument)
		}
	}
	if err := n.shards.BeginMigration(id, nodes); err != nil {
		return err
	}

	var added []types.NodeID
	for _, node := range nodes {
		if !sh.HasReplica(node) {
			added = append(added, node)
		}
	}
	abort := func(cause error) error {
		for _, node := range added {
			if err := r.group.RemoveLearner(context.WithoutCancel(ctx), node); err != nil {
				n.logger.Warn("remove learner", "shard", uint32(id), "learner", node, "error", err)
			}
		}
		_ = n.shards.AbortMigration(id)
		return fmt.Errorf("db: migrate %s: %w", id, cause)
	}

	for _, node := range added {
		if err := r.group.AddLearner(ctx, node); err != nil {
			return abort(err)
		}
	}
	if err := n.waitCaughtUp(ctx, r, added); err != nil {
		return abort(err)
	}
	if _, err := n.propose(ctx, id, replication.Command{
		Type:     replication.CmdReconfigure,
		Replicas: slices.Clone(nodes),
	}); err != nil {
		return abort(err)
	}
	n.logger.Info("shard migrated", "shard", uint32(id), "from", sh.Replicas, "to", nodes)
	return nil
}

// waitCaughtUp polls until every node has matched the leader's commit index.
func (n *Node) waitCaughtUp(ctx context.Context, r *replica, nodes []types.NodeID) error {
	ticker := time.NewTicker(catchUpPoll)
	defer ticker.Stop()
	for {
		st := r.group.Status()
		if st.Role != replication.Leader {
			return &dberrors.NotLeaderError{ShardID: r.id, LeaderHint: st.Leader}
		}
		done := true
		for _, node := range nodes {
			if st.Match[node] < st.Commit {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("learners did not catch up: %w: %v", dberrors.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RebalanceReport lists what RebalanceShards did per shard.
type RebalanceReport struct {
	Migrated []types.ShardID `json:"migrated"`
	// Remote maps shards led elsewhere to the leader that has to move them.
	Remote map[types.ShardID]types.NodeID `json:"remote,omitempty"`
	Failed map[types.ShardID]string       `json:"failed,omitempty"`
}

// RebalanceShards moves every locally led shard to a round-robin placement
// over nodes. Shards led by other nodes are only reported.
func (n *Node) RebalanceShards(ctx context.Context, nodes []types.NodeID) (RebalanceReport, error) {
	report := RebalanceReport{
		Remote: make(map[types.ShardID]types.NodeID),
		Failed: make(map[types.ShardID]string),
	}
	if len(nodes) == 0 {
		nodes = n.cluster.Members()
	}
	plan := n.shards.RebalancePlan(nodes)

	var result *multierror.Error
	for _, id := range slices.Sorted(maps.Keys(plan)) {
		r, ok := n.replica(id)
		if !ok || !r.group.IsLeader() {
			leader, _ := n.shards.LeaderFor(id)
			report.Remote[id] = leader
			continue
		}
		if err := n.MigrateShard(ctx, id, plan[id]); err != nil {
			report.Failed[id] = err.Error()
			result = multierror.Append(result, err)
			continue
		}
		report.Migrated = append(report.Migrated, id)
	}
	n.logger.Info("rebalance finished", "migrated", len(report.Migrated), "remote", len(report.Remote),
		"failed", len(report.Failed))
	return report, result.ErrorOrNil()
}
