package sharding

import (
	"sort"

	"qubedb/pkg/types"
)

// Placement assigns replica sets round-robin with an offset per shard, so
// consecutive shards start on different nodes and prefer different leaders.
type Placement struct {
	Nodes             []types.NodeID
	ReplicationFactor int
}

// NewPlacement sorts nodes so every node computes the same assignment.
func NewPlacement(nodes []types.NodeID, rf int) *Placement {
	sorted := append([]types.NodeID(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Placement{Nodes: sorted, ReplicationFactor: rf}
}

// Owners returns the replica set of shardID; the first entry is the preferred leader.
func (p *Placement) Owners(shardID types.ShardID) []types.NodeID {
	rf := min(p.ReplicationFactor, len(p.Nodes))
	res := make([]types.NodeID, 0, rf)
	if rf <= 0 {
		return res
	}
	start := int(shardID) % len(p.Nodes)
	for i := 0; i < rf; i++ {
		idx := (start + i) % len(p.Nodes)
		res = append(res, p.Nodes[idx])
	}
	return res
}
