package config

import (
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "chatty"
	cfg.Node.ID = ""
	cfg.Sharding.Strategy = "directory"
	cfg.Replication.ElectionTick = 1
	cfg.Storage.CompactGarbageRatio = 1.5
	cfg.Cluster.Discovery.Kind = "zookeeper"

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{
		"logger.level", "node.id", "sharding.strategy", "replication.election_tick",
		"storage.compact_garbage_ratio", "cluster.discovery.zk_servers",
	} {
		require.ErrorContains(t, err, field)
	}
}

func TestUnmarshal_OverridesDefaults(t *testing.T) {
	raw := []byte(`
logger:
  level: debug
  json: true
node:
  id: n2
  address: http://10.0.0.2:8080
  data_dir: /var/lib/qubedb
cluster:
  heartbeat_interval: 200ms
  peers:
    - id: n1
      address: http://10.0.0.1:8080
sharding:
  strategy: range
  shard_count: 16
  replication_factor: 3
`)
	cfg := Default()
	require.NoError(t, yaml.Unmarshal(raw, &cfg))
	require.NoError(t, cfg.Validate())

	require.True(t, cfg.Logger.JSON)
	require.Equal(t, "n2", cfg.Node.ID)
	require.Equal(t, 200*time.Millisecond, cfg.Cluster.HeartbeatInterval)
	require.Equal(t, 3*time.Second, cfg.Cluster.ElectionTimeout)
	require.Equal(t, []PeerConfig{{ID: "n1", Address: "http://10.0.0.1:8080"}}, cfg.Cluster.Peers)
	require.Equal(t, "range", cfg.Sharding.Strategy)
	require.Equal(t, 16, cfg.Sharding.ShardCount)
	require.Equal(t, 64, cfg.Sharding.VirtualNodes)
	require.Equal(t, "zstd", cfg.Storage.SnapshotCompression)
}
