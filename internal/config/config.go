package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds TCP server configuration
type ServerConfig struct {
	NodeID          uint32        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	WorkerThreads   int           `yaml:"worker_threads"`
	QueueSize       int           `yaml:"queue_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReplicationConfig holds quorum parameters
type ReplicationConfig struct {
	Factor       int `yaml:"factor"`
	WriteQuorum  int `yaml:"write_quorum"`
	ReadQuorum   int `yaml:"read_quorum"`
	VirtualNodes int `yaml:"virtual_nodes"`
}

// StorageConfig holds durability configuration
type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	WalDir           string        `yaml:"wal_dir"`
	SnapshotDir      string        `yaml:"snapshot_dir"`
	HintsDir         string        `yaml:"hints_dir"`
	SnapshotInterval uint64        `yaml:"snapshot_interval"`
	FsyncInterval    time.Duration `yaml:"fsync_interval"`
	FsyncBatchOps    int           `yaml:"fsync_batch_ops"`
}

// ClusterConfig points at the static peer list
type ClusterConfig struct {
	PeersFile string `yaml:"peers_file"`
}

// PoolConfig holds inter-node connection pool configuration
type PoolConfig struct {
	MaxPerPeer int           `yaml:"max_per_peer"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Replication ReplicationConfig `yaml:"replication"`
	Storage     StorageConfig     `yaml:"storage"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Pool        PoolConfig        `yaml:"pool"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Server.NodeID == 0 {
		cfg.Server.NodeID = 1
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7001
	}
	if cfg.Server.WorkerThreads == 0 {
		cfg.Server.WorkerThreads = 4
	}
	if cfg.Server.QueueSize == 0 {
		cfg.Server.QueueSize = 256
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Replication.Factor == 0 {
		cfg.Replication.Factor = 3
	}
	if cfg.Replication.WriteQuorum == 0 {
		cfg.Replication.WriteQuorum = 2
	}
	if cfg.Replication.ReadQuorum == 0 {
		cfg.Replication.ReadQuorum = 2
	}
	if cfg.Replication.VirtualNodes == 0 {
		cfg.Replication.VirtualNodes = 128
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.WalDir == "" {
		cfg.Storage.WalDir = cfg.Storage.DataDir + "/wal"
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = cfg.Storage.DataDir + "/snapshots"
	}
	if cfg.Storage.HintsDir == "" {
		cfg.Storage.HintsDir = cfg.Storage.DataDir + "/hints"
	}
	if cfg.Storage.SnapshotInterval == 0 {
		cfg.Storage.SnapshotInterval = 100000
	}
	if cfg.Storage.FsyncInterval == 0 {
		cfg.Storage.FsyncInterval = 10 * time.Millisecond
	}
	if cfg.Storage.FsyncBatchOps == 0 {
		cfg.Storage.FsyncBatchOps = 100
	}

	if cfg.Pool.MaxPerPeer == 0 {
		cfg.Pool.MaxPerPeer = 4
	}
	if cfg.Pool.Timeout == 0 {
		cfg.Pool.Timeout = 500 * time.Millisecond
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration. The quorum overlap rule is
// enforced here so the node refuses to start with a config that cannot
// guarantee read-your-writes across the replica set.
func (c *Config) Validate() error {
	if c.Server.NodeID == 0 {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	n := c.Replication.Factor
	w := c.Replication.WriteQuorum
	r := c.Replication.ReadQuorum
	if n < 1 {
		return fmt.Errorf("replication.factor must be at least 1")
	}
	if w < 1 || w > n {
		return fmt.Errorf("replication.write_quorum must be in [1, %d]", n)
	}
	if r < 1 || r > n {
		return fmt.Errorf("replication.read_quorum must be in [1, %d]", n)
	}
	if w+r <= n {
		return fmt.Errorf("replication quorum overlap violated: W(%d) + R(%d) must exceed N(%d)", w, r, n)
	}
	return nil
}
