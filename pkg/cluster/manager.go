package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/metrics"
	"qubedb/pkg/sharding"
	"qubedb/pkg/types"
)

// Role is the aggregate role of a node across the shards it hosts.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Observer
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Candidate:
		return "candidate"
	case Observer:
		return "observer"
	default:
		return "follower"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	for _, v := range []Role{Follower, Candidate, Leader, Observer} {
		if v.String() == string(b) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", b)
}

type PeerStatus int

const (
	Unknown PeerStatus = iota
	Healthy
	Unhealthy
	Joining
	Leaving
)

func (s PeerStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Joining:
		return "joining"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}

func (s PeerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PeerStatus) UnmarshalText(b []byte) error {
	for _, v := range []PeerStatus{Unknown, Healthy, Unhealthy, Joining, Leaving} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown peer status %q", b)
}

type Peer struct {
	ID       types.NodeID `json:"id"`
	Address  string       `json:"address"`
	Role     Role         `json:"role"`
	Status   PeerStatus   `json:"status"`
	LastSeen time.Time    `json:"last_seen"`

	added time.Time
}

// Status is what GetClusterStatus reports.
type Status struct {
	NodeID       types.NodeID `json:"node_id"`
	Role         Role         `json:"role"`
	LeaderID     types.NodeID `json:"leader_id"`
	PeerCount    int          `json:"peer_count"`
	ShardCount   int          `json:"shard_count"`
	HealthyPeers int          `json:"healthy_peers"`
}

// Pinger sends one liveness ping to a peer.
type Pinger interface {
	Ping(ctx context.Context, from Peer, to Peer) error
}

// HealthListener is told about every Healthy <-> not Healthy transition.
type HealthListener func(node types.NodeID, healthy bool)

// RoleSource reports the node's aggregate role and the leader it currently believes in.
type RoleSource func() (Role, types.NodeID)

// Registry is the part of the Manager that discovery backends drive.
type Registry interface {
	AddPeer(id types.NodeID, address string) error
	RemovePeer(id types.NodeID) error
}

type Config struct {
	ID                types.NodeID
	Address           string
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	Pinger            Pinger
	Logger            *slog.Logger
	Metrics           metrics.Collector
}

type Manager struct {
	cfg    Config
	shards *sharding.Manager
	logger *slog.Logger
	mc     metrics.Collector
	now    func() time.Time

	mu        sync.RWMutex
	peers     map[types.NodeID]*Peer
	listeners []HealthListener
	role      RoleSource

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Registry = (*Manager)(nil)

func New(cfg Config, shards *sharding.Manager) (*Manager, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("cluster: node id required: %w", dberrors.ErrInvalidArgument)
	}
	if shards == nil {
		return nil, fmt.Errorf("cluster: shard manager required: %w", dberrors.ErrInvalidArgument)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}
	if cfg.ElectionTimeout <= cfg.HeartbeatInterval {
		cfg.ElectionTimeout = 6 * cfg.HeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:    cfg,
		shards: shards,
		logger: logger.With("component", "cluster", "node", cfg.ID),
		mc:     metrics.OrNop(cfg.Metrics),
		now:    time.Now,
		peers:  make(map[types.NodeID]*Peer),
	}, nil
}

func (m *Manager) ID() types.NodeID {
	return m.cfg.ID
}

// OnHealthChange registers f for peer health transitions.
func (m *Manager) OnHealthChange(f HealthListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, f)
	m.mu.Unlock()
}

func (m *Manager) SetRoleSource(f RoleSource) {
	m.mu.Lock()
	m.role = f
	m.mu.Unlock()
}

// AddPeer registers a peer as Joining. Re-adding a known peer only updates its address.
func (m *Manager) AddPeer(id types.NodeID, address string) error {
	if id == "" {
		return fmt.Errorf("add peer: empty id: %w", dberrors.ErrInvalidArgument)
	}
	if id == m.cfg.ID {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		if address != "" {
			p.Address = address
		}
		return nil
	}
	m.peers[id] = &Peer{ID: id, Address: address, Role: Follower, Status: Joining, added: m.now()}
	m.logger.Info("peer added", "peer", id, "address", address)
	return nil
}

// RemovePeer marks the peer Leaving, tells listeners it is gone and drops it.
func (m *Manager) RemovePeer(id types.NodeID) error {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("remove peer %s: %w", id, dberrors.ErrNotFound)
	}
	wasHealthy := p.Status == Healthy
	p.Status = Leaving
	delete(m.peers, id)
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	m.logger.Info("peer removed", "peer", id)
	m.mc.SetGauge(metrics.PeerHealthy, map[string]string{"peer": string(id)}, 0)
	if wasHealthy {
		for _, f := range listeners {
			f(id, false)
		}
	}
	return nil
}

// Peers returns a copy of the registry sorted by id.
func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Peer) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) Peer(id types.NodeID) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Address resolves a node id to its base address, the local node included.
func (m *Manager) Address(id types.NodeID) (string, bool) {
	if id == m.cfg.ID {
		return m.cfg.Address, m.cfg.Address != ""
	}
	p, ok := m.Peer(id)
	if !ok || p.Address == "" {
		return "", false
	}
	return p.Address, true
}

// Members is the local node plus every peer that is not leaving, sorted.
func (m *Manager) Members() []types.NodeID {
	m.mu.RLock()
	out := []types.NodeID{m.cfg.ID}
	for id, p := range m.peers {
		if p.Status != Leaving {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (m *Manager) GetShardForKey(collection, key string) sharding.ShardKey {
	return m.shards.GetShardForKey(collection, key)
}

func (m *Manager) GetClusterStatus() Status {
	m.mu.RLock()
	role := m.role
	st := Status{NodeID: m.cfg.ID, Role: Follower, PeerCount: len(m.peers), ShardCount: m.shards.ShardCount()}
	for _, p := range m.peers {
		if p.Status == Healthy {
			st.HealthyPeers++
		}
	}
	m.mu.RUnlock()
	if role != nil {
		st.Role, st.LeaderID = role()
	}
	return st
}

// HandleHeartbeat records an inbound ping. Unknown senders with an address are added.
func (m *Manager) HandleHeartbeat(from types.NodeID, address string) error {
	if from == "" {
		return fmt.Errorf("heartbeat: empty sender: %w", dberrors.ErrInvalidArgument)
	}
	if _, ok := m.Peer(from); !ok {
		if address == "" {
			return fmt.Errorf("heartbeat from unknown peer %s: %w", from, dberrors.ErrNotFound)
		}
		if err := m.AddPeer(from, address); err != nil {
			return err
		}
	}
	m.markSeen(from)
	return nil
}

// Start runs the heartbeat loop until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.heartbeat(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// heartbeat pings every peer concurrently and then expires the silent ones.
func (m *Manager) heartbeat(ctx context.Context) {
	if m.cfg.Pinger != nil {
		self := Peer{ID: m.cfg.ID, Address: m.cfg.Address}
		peers := m.Peers()
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range peers {
			if p.Status == Leaving {
				continue
			}
			g.Go(func() error {
				pctx, cancel := context.WithTimeout(gctx, m.cfg.HeartbeatInterval)
				defer cancel()
				if err := m.cfg.Pinger.Ping(pctx, self, p); err != nil {
					m.mc.IncCounter(metrics.HeartbeatFailureTotal, map[string]string{"peer": string(p.ID)}, 1)
					m.logger.Debug("heartbeat failed", "peer", p.ID, "error", err)
					return nil
				}
				m.markSeen(p.ID)
				return nil
			})
		}
		// pings never return errors; a failed ping only leaves last_seen untouched
		_ = g.Wait()
	}
	m.expire()
}

func (m *Manager) markSeen(id types.NodeID) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok || p.Status == Leaving {
		m.mu.Unlock()
		return
	}
	p.LastSeen = m.now()
	changed := p.Status != Healthy
	p.Status = Healthy
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if changed {
		m.logger.Info("peer healthy", "peer", id)
		m.notify(listeners, id, true)
	}
}

// expire marks peers silent for longer than the election timeout Unhealthy.
func (m *Manager) expire() {
	now := m.now()
	var lost []types.NodeID

	m.mu.Lock()
	for id, p := range m.peers {
		if p.Status == Unhealthy || p.Status == Leaving {
			continue
		}
		seen := p.LastSeen
		if seen.IsZero() {
			seen = p.added
		}
		if now.Sub(seen) > m.cfg.ElectionTimeout {
			p.Status = Unhealthy
			lost = append(lost, id)
			m.logger.Warn("peer unhealthy", "peer", id, "last_seen", p.LastSeen)
		}
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	slices.Sort(lost)
	for _, id := range lost {
		m.notify(listeners, id, false)
	}
}

func (m *Manager) notify(listeners []HealthListener, id types.NodeID, healthy bool) {
	m.mc.SetGauge(metrics.PeerHealthy, map[string]string{"peer": string(id)}, metrics.Bool(healthy))
	for _, f := range listeners {
		f(id, healthy)
	}
}

// IsHealthy is false for unknown peers. The local node is always healthy.
func (m *Manager) IsHealthy(id types.NodeID) bool {
	if id == m.cfg.ID {
		return true
	}
	p, ok := m.Peer(id)
	return ok && p.Status == Healthy
}
