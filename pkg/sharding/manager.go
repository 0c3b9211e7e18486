// Package sharding maps keys to shards and tracks which nodes host each shard.
package sharding

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/spaolacci/murmur3"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/types"
)

type Strategy string

const (
	StrategyHash       Strategy = "hash"
	StrategyRange      Strategy = "range"
	StrategyConsistent Strategy = "consistent"
)

type Status uint8

const (
	Active Status = iota
	Migrating
	Recovering
	Failed
	ReadOnly
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Migrating:
		return "migrating"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	case ReadOnly:
		return "read_only"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus accepts the names produced by Status.String.
func ParseStatus(name string) (Status, error) {
	for _, s := range []Status{Active, Migrating, Recovering, Failed, ReadOnly} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("sharding: unknown status %q: %w", name, dberrors.ErrInvalidArgument)
}

// ShardKey is the placement of one (collection, key) pair.
type ShardKey struct {
	Collection string        `json:"collection"`
	Key        string        `json:"key"`
	Hash       uint64        `json:"hash"`
	ShardID    types.ShardID `json:"shard_id"`
}

// Shard is a snapshot of one shard's assignment.
type Shard struct {
	ID         types.ShardID  `json:"id"`
	RangeStart string         `json:"range_start,omitempty"`
	RangeEnd   string         `json:"range_end,omitempty"`
	Replicas   []types.NodeID `json:"replica_node_ids"`
	Leader     types.NodeID   `json:"current_leader,omitempty"`
	Status     Status         `json:"status"`
	Target     []types.NodeID `json:"migration_target,omitempty"`
	SizeBytes  int64          `json:"size_bytes"`
	Records    int            `json:"record_count"`
}

func (s *Shard) clone() Shard {
	c := *s
	c.Replicas = slices.Clone(s.Replicas)
	c.Target = slices.Clone(s.Target)
	return c
}

// HasReplica reports whether node is in the replica set.
func (s Shard) HasReplica(node types.NodeID) bool {
	return slices.Contains(s.Replicas, node)
}

type Statistics struct {
	TotalShards      int      `json:"total_shards"`
	ActiveShards     int      `json:"active_shards"`
	TotalSizeBytes   int64    `json:"total_size_bytes"`
	TotalRecords     int      `json:"total_records"`
	AverageShardSize float64  `json:"average_shard_size"`
	Strategy         Strategy `json:"strategy"`
}

type Config struct {
	Strategy          Strategy
	ShardCount        int
	ReplicationFactor int
	VirtualNodes      int
}

// Manager owns the shard to node assignment map. Key placement is a pure
// function of the strategy and the shard count.
type Manager struct {
	cfg    Config
	ring   *Ring
	width  uint64
	logger *slog.Logger

	mu     sync.RWMutex
	shards []*Shard
}

func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("sharding: shard count %d: %w", cfg.ShardCount, dberrors.ErrInvalidArgument)
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "sharding"),
		width:  bucketWidth(cfg.ShardCount),
	}

	switch cfg.Strategy {
	case StrategyHash, StrategyRange:
	case StrategyConsistent:
		m.ring = NewRing(cfg.VirtualNodes)
		for i := 0; i < cfg.ShardCount; i++ {
			m.ring.AddShard(types.ShardID(i))
		}
	default:
		return nil, fmt.Errorf("sharding: unknown strategy %q: %w", cfg.Strategy, dberrors.ErrInvalidArgument)
	}

	m.shards = make([]*Shard, cfg.ShardCount)
	for i := range m.shards {
		sh := &Shard{ID: types.ShardID(i), Status: Active}
		if cfg.Strategy == StrategyRange {
			lo, hi := m.bucketBounds(i)
			sh.RangeStart = fmt.Sprintf("%016x", lo)
			sh.RangeEnd = fmt.Sprintf("%016x", hi)
		}
		m.shards[i] = sh
	}
	return m, nil
}

// bucketWidth splits the 64-bit hash space into n contiguous buckets.
func bucketWidth(n int) uint64 {
	if n <= 1 {
		return 0
	}
	return math.MaxUint64/uint64(n) + 1
}

// bucketBounds returns the inclusive bounds of bucket i.
func (m *Manager) bucketBounds(i int) (uint64, uint64) {
	if m.width == 0 {
		return 0, math.MaxUint64
	}
	lo := uint64(i) * m.width
	if i == m.cfg.ShardCount-1 {
		return lo, math.MaxUint64
	}
	return lo, lo + m.width - 1
}

// HashKey is the 64-bit placement hash of a key.
func HashKey(collection, key string) uint64 {
	h := murmur3.New64()
	_, _ = h.Write([]byte(collection))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func (m *Manager) shardForHash(hash uint64) types.ShardID {
	switch m.cfg.Strategy {
	case StrategyRange:
		if m.width == 0 {
			return 0
		}
		return types.ShardID(hash / m.width)
	case StrategyConsistent:
		id, _ := m.ring.Locate(hash)
		return id
	default:
		return types.ShardID(hash % uint64(m.cfg.ShardCount))
	}
}

// GetShardForKey is deterministic for a fixed strategy and shard count.
func (m *Manager) GetShardForKey(collection, key string) ShardKey {
	hash := HashKey(collection, key)
	return ShardKey{Collection: collection, Key: key, Hash: hash, ShardID: m.shardForHash(hash)}
}

// IsKeyInShard is derived from GetShardForKey.
func (m *Manager) IsKeyInShard(collection, key string, id types.ShardID) bool {
	return m.GetShardForKey(collection, key).ShardID == id
}

func (m *Manager) Strategy() Strategy {
	return m.cfg.Strategy
}

func (m *Manager) ShardCount() int {
	return m.cfg.ShardCount
}

func (m *Manager) ReplicationFactor() int {
	return m.cfg.ReplicationFactor
}

func (m *Manager) shard(id types.ShardID) (*Shard, error) {
	if int(id) >= len(m.shards) {
		return nil, fmt.Errorf("sharding: %s: %w", id, dberrors.ErrUnknownShard)
	}
	return m.shards[id], nil
}

func (m *Manager) Shard(id types.ShardID) (Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, err := m.shard(id)
	if err != nil {
		return Shard{}, err
	}
	return sh.clone(), nil
}

func (m *Manager) Shards() []Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Shard, len(m.shards))
	for i, sh := range m.shards {
		out[i] = sh.clone()
	}
	return out
}

// ShardsForNode lists the shards whose replica set or migration target contains node.
func (m *Manager) ShardsForNode(node types.NodeID) []types.ShardID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ShardID
	for _, sh := range m.shards {
		if slices.Contains(sh.Replicas, node) || slices.Contains(sh.Target, node) {
			out = append(out, sh.ID)
		}
	}
	return out
}

// AssignNodesToShards sets every shard's replica set from nodes. The preferred
// leader of each shard becomes its current leader hint.
func (m *Manager) AssignNodesToShards(nodes []types.NodeID) error {
	if len(nodes) == 0 {
		return fmt.Errorf("sharding: assign to empty node set: %w", dberrors.ErrInvalidArgument)
	}
	if len(nodes) < m.cfg.ReplicationFactor {
		m.logger.Warn("fewer nodes than replication factor",
			"nodes", len(nodes), "replication_factor", m.cfg.ReplicationFactor)
	}
	placement := NewPlacement(nodes, m.cfg.ReplicationFactor)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sh := range m.shards {
		if sh.Status == Migrating {
			return fmt.Errorf("sharding: assign: %s: %w", sh.ID, dberrors.ErrMigrationInProgress)
		}
	}
	for _, sh := range m.shards {
		sh.Replicas = placement.Owners(sh.ID)
		sh.Leader = sh.Replicas[0]
	}
	m.logger.Info("assigned nodes to shards", "nodes", len(nodes), "shards", len(m.shards))
	return nil
}

// RebalancePlan returns the target replica set of every shard whose current
// assignment differs from a fresh round-robin placement over nodes.
func (m *Manager) RebalancePlan(nodes []types.NodeID) map[types.ShardID][]types.NodeID {
	placement := NewPlacement(nodes, m.cfg.ReplicationFactor)

	m.mu.RLock()
	defer m.mu.RUnlock()
	plan := make(map[types.ShardID][]types.NodeID)
	for _, sh := range m.shards {
		target := placement.Owners(sh.ID)
		if !slices.Equal(target, sh.Replicas) {
			plan[sh.ID] = target
		}
	}
	return plan
}

func (m *Manager) LeaderFor(id types.ShardID) (types.NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, err := m.shard(id)
	if err != nil {
		return "", err
	}
	return sh.Leader, nil
}

func (m *Manager) SetLeader(id types.ShardID, node types.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shard(id)
	if err != nil {
		return err
	}
	sh.Leader = node
	return nil
}

func (m *Manager) SetStatus(id types.ShardID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shard(id)
	if err != nil {
		return err
	}
	sh.Status = status
	return nil
}

// BeginMigration moves the shard to Migrating towards nodes. Only one
// migration of a shard may run at a time.
func (m *Manager) BeginMigration(id types.ShardID, nodes []types.NodeID) error {
	if len(nodes) == 0 {
		return fmt.Errorf("sharding: migrate %s to empty set: %w", id, dberrors.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shard(id)
	if err != nil {
		return err
	}
	if sh.Status == Migrating {
		return fmt.Errorf("sharding: %s: %w", id, dberrors.ErrMigrationInProgress)
	}
	sh.Status = Migrating
	sh.Target = slices.Clone(nodes)
	m.logger.Info("shard migration started", "shard", uint32(id), "from", sh.Replicas, "to", nodes)
	return nil
}

// CompleteMigration installs nodes as the replica set and returns the shard to
// Active. It is idempotent so every replica can apply it from the log.
func (m *Manager) CompleteMigration(id types.ShardID, nodes []types.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shard(id)
	if err != nil {
		return err
	}
	sh.Replicas = slices.Clone(nodes)
	sh.Target = nil
	sh.Status = Active
	if !slices.Contains(sh.Replicas, sh.Leader) {
		sh.Leader = sh.Replicas[0]
	}
	m.logger.Info("shard migration completed", "shard", uint32(id), "replicas", nodes)
	return nil
}

func (m *Manager) AbortMigration(id types.ShardID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shard(id)
	if err != nil {
		return err
	}
	if sh.Status == Migrating {
		sh.Status = Active
		sh.Target = nil
		m.logger.Warn("shard migration aborted", "shard", uint32(id))
	}
	return nil
}

// UpdateUsage records the size reported by the shard's storage engine.
func (m *Manager) UpdateUsage(id types.ShardID, sizeBytes int64, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sh, err := m.shard(id); err == nil {
		sh.SizeBytes = sizeBytes
		sh.Records = records
	}
}

func (m *Manager) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Statistics{TotalShards: len(m.shards), Strategy: m.cfg.Strategy}
	for _, sh := range m.shards {
		if sh.Status == Active {
			st.ActiveShards++
		}
		st.TotalSizeBytes += sh.SizeBytes
		st.TotalRecords += sh.Records
	}
	if st.TotalShards > 0 {
		st.AverageShardSize = float64(st.TotalSizeBytes) / float64(st.TotalShards)
	}
	return st
}
