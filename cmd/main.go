package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpserver "qubedb/internal/http"
	"qubedb/pkg/client"
	"qubedb/pkg/cluster"
	"qubedb/pkg/db"
	"qubedb/pkg/metrics"
	"qubedb/pkg/stream"
	"qubedb/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "qubedb: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Logger)
	logger.Info("qubedb starting", "node", cfg.Node.ID, "address", cfg.Node.Address, "data_dir", cfg.Node.DataDir)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewPrometheus(reg, cfg.Node.ID)
	mc.OnError(func(err error) { logger.Warn("metrics", "error", err) })

	platform, err := stream.ParsePlatform(cfg.Stream.Platform)
	if err != nil {
		return err
	}
	changes, err := stream.New(stream.Config{Platform: platform, Group: cfg.Node.ID, Topics: []string{cfg.Stream.Topic}})
	if err != nil {
		return fmt.Errorf("changefeed: %w", err)
	}

	var resolve func(types.NodeID) (string, bool)
	node, err := db.New(cfg, db.Deps{
		Forwarder: client.NewForwarder(func(id types.NodeID) (string, bool) { return resolve(id) }),
		Pinger:    cluster.NewHTTPPinger(nil),
		Stream:    changes,
		Logger:    logger,
		Metrics:   mc,
	})
	if err != nil {
		_ = changes.Close()
		return err
	}
	resolve = node.Cluster().Address
	defer func() {
		if err := node.Close(); err != nil {
			logger.Error("close node", "error", err)
		}
	}()

	discovery, err := initDiscovery(cfg, logger)
	if err != nil {
		return err
	}
	if discovery != nil {
		defer discovery.Close()
		go func() {
			if err := discovery.Run(ctx, node.Cluster()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("discovery stopped", "error", err)
			}
		}()
	}

	node.Start(ctx)

	server := httpserver.NewServer(node, reg, strconv.Itoa(cfg.Server.Port), logger)
	server.SetReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	logger.Info("qubedb running", "url", server.URL)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		logger.Error("stop http server", "error", err)
	}
	logger.Info("qubedb stopped")
	return nil
}
