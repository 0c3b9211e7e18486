package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"qubedb/pkg/cluster"
	"qubedb/pkg/config"
	"qubedb/pkg/types"
)

// initConfig loads the YAML config. A missing file yields config.Default().
// QUBEDB_NODE_ID, QUBEDB_NODE_ADDR and ZK_SERVERS override the file.
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("QUBEDB_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("QUBEDB_NODE_ADDR"); v != "" {
		cfg.Node.Address = v
	}
	if v := os.Getenv("ZK_SERVERS"); v != "" {
		cfg.Cluster.Discovery.Kind = "zookeeper"
		cfg.Cluster.Discovery.ZKServers = strings.Split(v, ",")
		cfg.Cluster.EnableAutoDiscovery = true
	}

	return cfg, cfg.Validate()
}

// initLogger builds the node logger (JSON or text).
func initLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	logger.Info("logger initialized", "level", level, "json", cfg.JSON)
	return logger
}

// initDiscovery returns nil when auto discovery is off.
func initDiscovery(cfg config.Config, logger *slog.Logger) (cluster.Discovery, error) {
	if !cfg.Cluster.EnableAutoDiscovery {
		return nil, nil
	}
	d := cfg.Cluster.Discovery
	id := types.NodeID(cfg.Node.ID)
	switch d.Kind {
	case "zookeeper":
		zk, err := cluster.NewZKDiscovery(d.ZKServers, d.ZKRoot, id, cfg.Node.Address, logger)
		if err != nil {
			return nil, fmt.Errorf("zookeeper discovery: %w", err)
		}
		return zk, nil
	case "memberlist":
		g, err := cluster.NewGossipDiscovery(id, cfg.Node.Address, d.GossipBindPort, d.GossipJoin, logger)
		if err != nil {
			return nil, fmt.Errorf("memberlist discovery: %w", err)
		}
		return g, nil
	default:
		return nil, nil
	}
}
