package types

import "fmt"

// SequenceNumber is a monotonically increasing record version inside one storage engine.
type SequenceNumber uint64

// ShardID identifies a logical shard.
type ShardID uint32

func (id ShardID) String() string {
	return fmt.Sprintf("shard-%04d", uint32(id))
}

// NodeID identifies a node in a cluster.
type NodeID string

// Term and LogIndex are used by the replication layer.
type Term uint64

type LogIndex uint64
