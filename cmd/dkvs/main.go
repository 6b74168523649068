package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/algorithm"
	"github.com/quorumkv/dkvs/internal/client"
	"github.com/quorumkv/dkvs/internal/config"
	"github.com/quorumkv/dkvs/internal/metrics"
	"github.com/quorumkv/dkvs/internal/replication"
	"github.com/quorumkv/dkvs/internal/server"
	"github.com/quorumkv/dkvs/internal/service"
	"github.com/quorumkv/dkvs/internal/storage/engine"
	"github.com/quorumkv/dkvs/internal/storage/wal"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dkvs",
		Short: "Distributed replicated key-value store",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a dkvs node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Uint32("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("replication_factor", cfg.Replication.Factor),
		zap.Int("write_quorum", cfg.Replication.WriteQuorum),
		zap.Int("read_quorum", cfg.Replication.ReadQuorum),
		zap.Int("virtual_nodes", cfg.Replication.VirtualNodes),
		zap.String("wal_dir", cfg.Storage.WalDir),
		zap.String("snapshot_dir", cfg.Storage.SnapshotDir),
		zap.String("hints_dir", cfg.Storage.HintsDir))

	for _, dir := range []string{cfg.Storage.WalDir, cfg.Storage.SnapshotDir, cfg.Storage.HintsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(strconv.FormatUint(uint64(cfg.Server.NodeID), 10))
	}

	selfAddress := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ring := algorithm.NewRing()
	if cfg.Cluster.PeersFile != "" {
		peers, err := config.LoadPeers(cfg.Cluster.PeersFile)
		if err != nil {
			return fmt.Errorf("load peers: %w", err)
		}
		selfListed := false
		for _, peer := range peers {
			ring.AddNode(peer.NodeID, peer.Address, cfg.Replication.VirtualNodes)
			if peer.NodeID == cfg.Server.NodeID {
				selfListed = true
				selfAddress = peer.Address
			}
			logger.Info("cluster peer",
				zap.String("name", peer.Name),
				zap.Uint32("node_id", peer.NodeID),
				zap.String("address", peer.Address))
		}
		if !selfListed {
			ring.AddNode(cfg.Server.NodeID, selfAddress, cfg.Replication.VirtualNodes)
		}
	} else {
		ring.AddNode(cfg.Server.NodeID, selfAddress, cfg.Replication.VirtualNodes)
	}

	w, err := wal.Open(cfg.Storage.WalDir, cfg.Storage.FsyncInterval, cfg.Storage.FsyncBatchOps, m, logger)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	store := engine.NewStore(logger)
	hints := replication.NewHintStore(cfg.Storage.HintsDir, logger)
	pool := client.NewPool(cfg.Pool.MaxPerPeer, cfg.Pool.Timeout, logger)
	defer pool.CloseAll()

	coord := service.NewCoordinator(service.Config{
		NodeID:            cfg.Server.NodeID,
		ReplicationFactor: cfg.Replication.Factor,
		WriteQuorum:       cfg.Replication.WriteQuorum,
		ReadQuorum:        cfg.Replication.ReadQuorum,
		SnapshotInterval:  cfg.Storage.SnapshotInterval,
		SnapshotDir:       cfg.Storage.SnapshotDir,
	}, store, ring, w, hints, client.NewReplicaClient(pool, logger), m, logger)

	if err := coord.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	var gossip *service.GossipService
	if cfg.Gossip.Enabled {
		gossip, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, selfAddress, coord, m, logger)
		if err != nil {
			return fmt.Errorf("start gossip: %w", err)
		}
	}

	srv := server.NewTCPServer(server.TCPConfig{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		WorkerThreads: cfg.Server.WorkerThreads,
		QueueSize:     cfg.Server.QueueSize,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, coord, m, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start tcp server: %w", err)
	}

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, logger)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	logger.Info("node started",
		zap.Uint32("node_id", cfg.Server.NodeID),
		zap.String("address", srv.Addr()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := srv.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("tcp server stop failed", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			logger.Error("metrics server stop failed", zap.Error(err))
		}
	}
	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Error("gossip shutdown failed", zap.Error(err))
		}
	}
	coord.Close()
	if err := w.Sync(); err != nil {
		logger.Error("final wal sync failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// initLogger builds the zap logger from the logging config
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
