package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root node configuration, read from YAML.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger" validate:"required"`
	Server      ServerConfig      `yaml:"http-server" validate:"required"`
	Node        NodeConfig        `yaml:"node" validate:"required"`
	Cluster     ClusterConfig     `yaml:"cluster" validate:"required"`
	Sharding    ShardingConfig    `yaml:"sharding" validate:"required"`
	Replication ReplicationConfig `yaml:"replication" validate:"required"`
	Storage     StorageConfig     `yaml:"storage" validate:"required"`
	Stream      StreamConfig      `yaml:"stream"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type NodeConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
	DataDir string `yaml:"data_dir" validate:"required"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type ClusterConfig struct {
	Peers               []PeerConfig    `yaml:"peers"`
	HeartbeatInterval   time.Duration   `yaml:"heartbeat_interval"`
	ElectionTimeout     time.Duration   `yaml:"election_timeout"`
	EnableAutoDiscovery bool            `yaml:"enable_auto_discovery"`
	Discovery           DiscoveryConfig `yaml:"discovery"`
}

type DiscoveryConfig struct {
	Kind           string   `yaml:"kind" validate:"oneof=none zookeeper memberlist"`
	ZKServers      []string `yaml:"zk_servers"`
	ZKRoot         string   `yaml:"zk_root"`
	GossipBindPort int      `yaml:"gossip_bind_port"`
	GossipJoin     []string `yaml:"gossip_join"`
}

type ShardingConfig struct {
	Strategy          string `yaml:"strategy" validate:"oneof=hash range consistent"`
	ShardCount        int    `yaml:"shard_count" validate:"min=1"`
	ReplicationFactor int    `yaml:"replication_factor" validate:"min=1"`
	VirtualNodes      int    `yaml:"virtual_nodes" validate:"min=1"`
}

type ReplicationConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	ElectionTick        int           `yaml:"election_tick" validate:"min=2"`
	HeartbeatTick       int           `yaml:"heartbeat_tick" validate:"min=1"`
	MaxEntriesPerAppend int           `yaml:"max_entries_per_append" validate:"min=1"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	SyncWrites          bool    `yaml:"sync_writes"`
	CompactGarbageRatio float64 `yaml:"compact_garbage_ratio" validate:"gt=0,lt=1"`
	SnapshotCompression string  `yaml:"snapshot_compression" validate:"oneof=zstd gzip none"`

	// CompactInterval is how often shards are checked for compaction; 0 disables it.
	CompactInterval time.Duration `yaml:"compact_interval"`
}

type StreamConfig struct {
	Platform string `yaml:"platform"`
	Topic    string `yaml:"topic"`
}

// Default returns a single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Node: NodeConfig{
			ID:      "node-1",
			Address: "http://localhost:8080",
			DataDir: "./data",
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: 500 * time.Millisecond,
			ElectionTimeout:   3 * time.Second,
			Discovery: DiscoveryConfig{
				Kind:           "none",
				ZKRoot:         "/qubedb",
				GossipBindPort: 7946,
			},
		},
		Sharding: ShardingConfig{
			Strategy:          "consistent",
			ShardCount:        4,
			ReplicationFactor: 1,
			VirtualNodes:      64,
		},
		Replication: ReplicationConfig{
			TickInterval:        100 * time.Millisecond,
			ElectionTick:        10,
			HeartbeatTick:       1,
			MaxEntriesPerAppend: 64,
			WriteTimeout:        5 * time.Second,
		},
		Storage: StorageConfig{
			SyncWrites:          true,
			CompactGarbageRatio: 0.5,
			CompactInterval:     30 * time.Second,
			SnapshotCompression: "zstd",
		},
		Stream: StreamConfig{
			Platform: "memory",
			Topic:    "qubedb.changes",
		},
	}
}

// Validate checks the constraints declared in the validate tags.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "http-server.port: out of range: %d", c.Server.Port)
	check(c.Node.ID != "", "node.id: required")
	check(c.Node.Address != "", "node.address: required")
	check(c.Node.DataDir != "", "node.data_dir: required")
	check(c.Cluster.HeartbeatInterval > 0, "cluster.heartbeat_interval: must be positive")
	check(c.Cluster.ElectionTimeout > c.Cluster.HeartbeatInterval,
		"cluster.election_timeout: must exceed heartbeat_interval")
	switch c.Cluster.Discovery.Kind {
	case "", "none", "zookeeper", "memberlist":
	default:
		errs = append(errs, fmt.Errorf("cluster.discovery.kind: unknown %q", c.Cluster.Discovery.Kind))
	}
	if c.Cluster.Discovery.Kind == "zookeeper" {
		check(len(c.Cluster.Discovery.ZKServers) > 0, "cluster.discovery.zk_servers: required for zookeeper")
	}
	switch c.Sharding.Strategy {
	case "hash", "range", "consistent":
	default:
		errs = append(errs, fmt.Errorf("sharding.strategy: unknown %q", c.Sharding.Strategy))
	}
	check(c.Sharding.ShardCount >= 1, "sharding.shard_count: must be >= 1")
	check(c.Sharding.ReplicationFactor >= 1, "sharding.replication_factor: must be >= 1")
	check(c.Sharding.VirtualNodes >= 1, "sharding.virtual_nodes: must be >= 1")
	check(c.Replication.TickInterval > 0, "replication.tick_interval: must be positive")
	check(c.Replication.ElectionTick > c.Replication.HeartbeatTick,
		"replication.election_tick: must exceed heartbeat_tick")
	check(c.Replication.HeartbeatTick >= 1, "replication.heartbeat_tick: must be >= 1")
	check(c.Replication.MaxEntriesPerAppend >= 1, "replication.max_entries_per_append: must be >= 1")
	check(c.Replication.WriteTimeout > 0, "replication.write_timeout: must be positive")
	check(c.Storage.CompactGarbageRatio > 0 && c.Storage.CompactGarbageRatio < 1,
		"storage.compact_garbage_ratio: must be in (0,1)")
	check(c.Storage.CompactInterval >= 0, "storage.compact_interval: must not be negative")
	switch c.Storage.SnapshotCompression {
	case "zstd", "gzip", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.snapshot_compression: unknown %q", c.Storage.SnapshotCompression))
	}

	return errors.Join(errs...)
}
