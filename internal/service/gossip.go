package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/metrics"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is the per-member metadata carried in the gossip stream. The
// data address is the TCP address replicas dial for RSET/RDEL/RGET.
type nodeMeta struct {
	NodeID      uint32 `json:"node_id"`
	DataAddress string `json:"data_address"`
	Timestamp   int64  `json:"timestamp"`
}

// GossipService propagates membership over memberlist. When a peer is
// observed joining or recovering it triggers hint replay toward it.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	coord      *Coordinator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	meta       nodeMeta
}

// NewGossipService creates the gossip service and joins the seed nodes.
func NewGossipService(cfg *GossipConfig, nodeID uint32, dataAddress string,
	coord *Coordinator, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		coord:   coord,
		metrics: m,
		logger:  logger,
		meta: nodeMeta{
			NodeID:      nodeID,
			DataAddress: dataAddress,
			Timestamp:   time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = strconv.FormatUint(uint64(nodeID), 10)
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}
	mlConfig.LogOutput = &zapWriter{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	gs.updateStats()
	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Members returns the current number of known members.
func (s *GossipService) Members() int {
	return s.memberlist.NumMembers()
}

func (s *GossipService) updateStats() {
	if s.metrics == nil {
		return
	}
	total := s.memberlist.NumMembers()
	s.metrics.UpdateGossipStats(total, total)
}

// peerObservedUp decodes the peer's metadata and replays any pending
// hints toward its data address.
func (s *GossipService) peerObservedUp(node *memberlist.Node) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("undecodable gossip metadata",
			zap.String("member", node.Name),
			zap.Error(err))
		return
	}
	if meta.NodeID == s.meta.NodeID {
		return
	}
	go s.coord.ReplayHintsFor(meta.NodeID, meta.DataAddress)
}

// Shutdown leaves the cluster and stops the gossip listeners.
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("memberlist leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("member joined",
		zap.String("member", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.peerObservedUp(node)
	d.service.updateStats()
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("member left", zap.String("member", node.Name))
	d.service.updateStats()
}

// NotifyUpdate is called when a node's metadata changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("member updated", zap.String("member", node.Name))
	d.service.peerObservedUp(node)
}

// zapWriter adapts memberlist's log output onto zap.
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist", zap.ByteString("line", p))
	return len(p), nil
}
