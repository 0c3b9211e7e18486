// Package replication keeps the replicas of one shard consistent through a
// leader-based replicated log. Committed entries are applied to the shard's
// state machine strictly in index order.
package replication

import (
	"fmt"

	"github.com/google/uuid"

	"qubedb/pkg/record"
	"qubedb/pkg/types"
)

type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

type CommandType uint8

const (
	CmdNoop CommandType = iota
	CmdInsert
	CmdUpdate
	CmdDelete
	CmdCreateCollection
	CmdDropCollection
	CmdReconfigure
)

func (t CommandType) String() string {
	switch t {
	case CmdNoop:
		return "noop"
	case CmdInsert:
		return "insert"
	case CmdUpdate:
		return "update"
	case CmdDelete:
		return "delete"
	case CmdCreateCollection:
		return "create_collection"
	case CmdDropCollection:
		return "drop_collection"
	case CmdReconfigure:
		return "reconfigure"
	default:
		return fmt.Sprintf("command(%d)", uint8(t))
	}
}

// Command carries everything needed to re-apply an operation deterministically.
type Command struct {
	Type       CommandType      `msgpack:"t"`
	RequestID  uuid.UUID        `msgpack:"rid"`
	Record     *record.Record   `msgpack:"rec,omitempty"`
	Namespace  record.Namespace `msgpack:"ns,omitempty"`
	Collection string           `msgpack:"c,omitempty"`
	Dimension  int              `msgpack:"dim,omitempty"`
	Replicas   []types.NodeID   `msgpack:"replicas,omitempty"`
}

// LogEntry is immutable once appended. Index starts at 1 and has no gaps.
type LogEntry struct {
	Index     types.LogIndex `msgpack:"i"`
	Term      types.Term     `msgpack:"term"`
	Command   Command        `msgpack:"cmd"`
	Timestamp int64          `msgpack:"ts"`
}

// HardState must be durable before a vote or an append is acknowledged.
type HardState struct {
	Term     types.Term     `msgpack:"term"`
	VotedFor types.NodeID   `msgpack:"vote"`
	Commit   types.LogIndex `msgpack:"commit"`
}

type RequestVoteRequest struct {
	ShardID      types.ShardID  `msgpack:"shard"`
	Term         types.Term     `msgpack:"term"`
	CandidateID  types.NodeID   `msgpack:"candidate"`
	LastLogIndex types.LogIndex `msgpack:"last_index"`
	LastLogTerm  types.Term     `msgpack:"last_term"`
}

type RequestVoteResponse struct {
	Term        types.Term `msgpack:"term"`
	VoteGranted bool       `msgpack:"granted"`
}

type AppendEntriesRequest struct {
	ShardID      types.ShardID  `msgpack:"shard"`
	Term         types.Term     `msgpack:"term"`
	LeaderID     types.NodeID   `msgpack:"leader"`
	PrevLogIndex types.LogIndex `msgpack:"prev_index"`
	PrevLogTerm  types.Term     `msgpack:"prev_term"`
	Entries      []LogEntry     `msgpack:"entries"`
	LeaderCommit types.LogIndex `msgpack:"commit"`
	// Learner is set when the leader replicates to the receiver as a learner.
	Learner bool `msgpack:"learner,omitempty"`
}

// AppendEntriesResponse.MatchIndex is the last replicated index on success and
// the follower's hint for the next attempt on failure.
type AppendEntriesResponse struct {
	Term       types.Term     `msgpack:"term"`
	Success    bool           `msgpack:"success"`
	MatchIndex types.LogIndex `msgpack:"match"`
}

type HeartbeatRequest struct {
	ShardID  types.ShardID `msgpack:"shard"`
	Term     types.Term    `msgpack:"term"`
	LeaderID types.NodeID  `msgpack:"leader"`
	Learner  bool          `msgpack:"learner,omitempty"`
}

type HeartbeatResponse struct {
	Term  types.Term `msgpack:"term"`
	Alive bool       `msgpack:"alive"`
}

// Status is a point-in-time copy of a group's replication state.
type Status struct {
	ShardID   types.ShardID                    `json:"shard_id"`
	ID        types.NodeID                     `json:"node_id"`
	Role      Role                             `json:"role"`
	Term      types.Term                       `json:"term"`
	Leader    types.NodeID                     `json:"leader,omitempty"`
	Commit    types.LogIndex                   `json:"commit_index"`
	Applied   types.LogIndex                   `json:"last_applied_index"`
	LastIndex types.LogIndex                   `json:"last_index"`
	Voters    []types.NodeID                   `json:"voters"`
	Learners  []types.NodeID                   `json:"learners,omitempty"`
	Unhealthy []types.NodeID                   `json:"unhealthy,omitempty"`
	Next      map[types.NodeID]types.LogIndex `json:"next_index,omitempty"`
	Match     map[types.NodeID]types.LogIndex `json:"match_index,omitempty"`
}

// HealthyVoters counts voters not marked unhealthy.
func (s Status) HealthyVoters() int {
	n := 0
	for _, v := range s.Voters {
		unhealthy := false
		for _, u := range s.Unhealthy {
			if u == v {
				unhealthy = true
				break
			}
		}
		if !unhealthy {
			n++
		}
	}
	return n
}

func encodeEntry(e LogEntry) ([]byte, error) {
	return record.Marshal(e)
}

func decodeEntry(data []byte) (LogEntry, error) {
	var e LogEntry
	if err := record.Unmarshal(data, &e); err != nil {
		return LogEntry{}, err
	}
	if r := e.Command.Record; r != nil {
		r.Fields = record.NormalizeFields(r.Fields)
	}
	return e, nil
}

func encodeHardState(hs HardState) ([]byte, error) {
	return record.Marshal(hs)
}

func decodeHardState(data []byte, hs *HardState) error {
	return record.Unmarshal(data, hs)
}
