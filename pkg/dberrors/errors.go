package dberrors

import (
	"errors"
	"fmt"

	"qubedb/pkg/types"
)

// storage
var (
	ErrNotFound  = errors.New("qubedb: not found")
	ErrCorrupt   = errors.New("qubedb: corrupt record")
	ErrIOFailure = errors.New("qubedb: io failure")
)

// index
var (
	ErrIndexExists       = errors.New("qubedb: index already exists")
	ErrIndexNotFound     = errors.New("qubedb: index not found")
	ErrDimensionMismatch = errors.New("qubedb: vector dimension mismatch")
)

// sharding
var (
	ErrUnknownShard        = errors.New("qubedb: unknown shard")
	ErrMigrationInProgress = errors.New("qubedb: migration in progress")
	ErrReadOnly            = errors.New("qubedb: shard is read-only")
)

// consensus. ErrStaleTerm and ErrLogConflict stay inside the replication package.
var (
	ErrStaleTerm   = errors.New("qubedb: stale term")
	ErrLogConflict = errors.New("qubedb: log conflict")
	ErrNotLeader   = errors.New("qubedb: not leader")
)

// replication. Both mean the write may still be applied later.
var (
	ErrQuorumUnreachable = errors.New("qubedb: quorum unreachable")
	ErrTimeout           = errors.New("qubedb: replication timeout")
)

var (
	ErrClosed          = errors.New("qubedb: closed")
	ErrInvalidArgument = errors.New("qubedb: invalid argument")
)

// NotLeaderError is returned to callers that hit a follower. LeaderHint is empty
// when no leader is known for the shard yet.
type NotLeaderError struct {
	ShardID    types.ShardID
	LeaderHint types.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return fmt.Sprintf("qubedb: not leader for %s, leader unknown", e.ShardID)
	}
	return fmt.Sprintf("qubedb: not leader for %s, try %s", e.ShardID, e.LeaderHint)
}

func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}

// IsUncertain reports whether a write failed in a way that leaves it possibly applied.
func IsUncertain(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrQuorumUnreachable)
}
