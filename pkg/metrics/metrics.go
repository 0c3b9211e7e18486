package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Metric names used across the node.
const (
	StorageOpsTotal       = "storage_ops_total"
	ElectionsTotal        = "raft_elections_total"
	ProposalsTotal        = "raft_proposals_total"
	CommitIndex           = "raft_commit_index"
	IsLeader              = "raft_is_leader"
	ApplyDurationSeconds  = "raft_apply_duration_seconds"
	AppendRejectsTotal    = "raft_append_rejects_total"
	PeerHealthy           = "cluster_peer_healthy"
	HeartbeatFailureTotal = "cluster_heartbeat_failures_total"
)

type nop struct{}

func (nop) IncCounter(string, map[string]string, float64)       {}
func (nop) SetGauge(string, map[string]string, float64)         {}
func (nop) ObserveHistogram(string, map[string]string, float64) {}

// Nop discards everything.
func Nop() Collector {
	return nop{}
}

// OrNop returns c, or a no-op collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return nop{}
	}
	return c
}

func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
