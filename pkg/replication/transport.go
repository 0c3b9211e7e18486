package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"qubedb/pkg/types"
)

// Transport carries the consensus messages of every shard to a peer node.
type Transport interface {
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
	Heartbeat(ctx context.Context, to types.NodeID, req HeartbeatRequest) (HeartbeatResponse, error)
}

// Handler is the receiving side of a Transport. A Group is a Handler for its
// own shard; a node dispatches to its groups by ShardID.
type Handler interface {
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
}

var ErrUnreachable = errors.New("replication: peer unreachable")

// MemNetwork connects in-process handlers. Partitioned nodes can neither send
// nor receive until healed.
type MemNetwork struct {
	mu       sync.RWMutex
	handlers map[types.NodeID]Handler
	cut      map[types.NodeID]bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		handlers: make(map[types.NodeID]Handler),
		cut:      make(map[types.NodeID]bool),
	}
}

func (n *MemNetwork) Register(id types.NodeID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

func (n *MemNetwork) Unregister(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

func (n *MemNetwork) Partition(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[id] = true
}

func (n *MemNetwork) Heal(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, id)
}

// Reachable reports whether from can currently talk to to.
func (n *MemNetwork) Reachable(from, to types.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.handlers[to]
	return ok && !n.cut[from] && !n.cut[to]
}

func (n *MemNetwork) handler(from, to types.NodeID) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok || n.cut[from] || n.cut[to] {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachable)
	}
	return h, nil
}

// Transport returns the view of the network from one node.
func (n *MemNetwork) Transport(from types.NodeID) Transport {
	return &memTransport{net: n, from: from}
}

type memTransport struct {
	net  *MemNetwork
	from types.NodeID
}

func (t *memTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	h, err := t.net.handler(t.from, to)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *memTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	h, err := t.net.handler(t.from, to)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	// the receiver gets its own slice header
	req.Entries = append([]LogEntry(nil), req.Entries...)
	return h.HandleAppendEntries(ctx, req)
}

func (t *memTransport) Heartbeat(ctx context.Context, to types.NodeID, req HeartbeatRequest) (HeartbeatResponse, error) {
	h, err := t.net.handler(t.from, to)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return h.HandleHeartbeat(ctx, req)
}
