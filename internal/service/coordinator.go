package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/algorithm"
	"github.com/quorumkv/dkvs/internal/client"
	kverrors "github.com/quorumkv/dkvs/internal/errors"
	"github.com/quorumkv/dkvs/internal/metrics"
	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/protocol"
	"github.com/quorumkv/dkvs/internal/replication"
	"github.com/quorumkv/dkvs/internal/storage/engine"
	"github.com/quorumkv/dkvs/internal/storage/snapshot"
	"github.com/quorumkv/dkvs/internal/storage/wal"
)

// Config holds coordinator configuration
type Config struct {
	NodeID            uint32
	ReplicationFactor int
	WriteQuorum       int
	ReadQuorum        int
	SnapshotInterval  uint64
	SnapshotDir       string
}

// Coordinator routes client commands to replicas, runs quorum writes and
// reads, and applies replica-internal commands to local storage.
type Coordinator struct {
	cfg     Config
	store   *engine.Store
	ring    *algorithm.Ring
	wal     *wal.WAL
	hints   *replication.HintStore
	replica *client.ReplicaClient
	metrics *metrics.Metrics
	logger  *zap.Logger

	writesSinceSnapshot uint64
	snapshotMu          sync.Mutex

	repairWG sync.WaitGroup
}

// NewCoordinator wires the coordinator to its storage and cluster
// collaborators. wal and m may be nil.
func NewCoordinator(cfg Config, store *engine.Store, ring *algorithm.Ring, w *wal.WAL,
	hints *replication.HintStore, replica *client.ReplicaClient, m *metrics.Metrics,
	logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		ring:    ring,
		wal:     w,
		hints:   hints,
		replica: replica,
		metrics: m,
		logger:  logger,
	}
}

// HandleCommand executes one parsed command and returns the wire response.
func (c *Coordinator) HandleCommand(cmd *protocol.Command) []byte {
	switch cmd.Type {
	case protocol.CmdPing:
		return protocol.FormatPong()
	case protocol.CmdFwd:
		return c.handleForward(cmd)
	case protocol.CmdRSet, protocol.CmdRDel, protocol.CmdRGet:
		return c.executeLocal(cmd)
	case protocol.CmdSet:
		return c.quorumWrite(cmd.Key, cmd.Value, false)
	case protocol.CmdDel:
		return c.quorumWrite(cmd.Key, nil, true)
	case protocol.CmdGet:
		return c.quorumRead(cmd.Key)
	default:
		return c.errorResponse(kverrors.Internal("unhandled command", nil))
	}
}

// handleForward unwraps a FWD envelope and executes the inner command
// locally. Forwarded commands are never re-forwarded.
func (c *Coordinator) handleForward(cmd *protocol.Command) []byte {
	if cmd.HopsRemaining == 0 {
		return c.errorResponse(kverrors.RoutingLoop())
	}

	frame := append([]byte(cmd.InnerLine), '\n')
	result := protocol.TryParse(frame)
	if result.Status != protocol.ParseOK {
		return c.errorResponse(kverrors.MalformedFwd(fmt.Errorf("%s", result.ErrMsg)))
	}
	inner := result.Command
	if inner.Type == protocol.CmdFwd {
		return c.errorResponse(kverrors.MalformedFwd(fmt.Errorf("nested forward")))
	}

	// Forwarded commands are executed on this node directly. Client
	// SET/DEL arriving via the legacy routing path mint a fresh version
	// here instead of fanning out again.
	switch inner.Type {
	case protocol.CmdPing:
		return protocol.FormatPong()
	case protocol.CmdRSet, protocol.CmdRDel, protocol.CmdRGet:
		return c.executeLocal(&inner)
	case protocol.CmdSet:
		version := model.Version{TimestampMS: uint64(time.Now().UnixMilli()), NodeID: c.cfg.NodeID}
		c.localApply(inner.Key, inner.Value, false, version)
		return protocol.FormatOK()
	case protocol.CmdDel:
		version := model.Version{TimestampMS: uint64(time.Now().UnixMilli()), NodeID: c.cfg.NodeID}
		c.localApply(inner.Key, nil, true, version)
		return protocol.FormatOK()
	case protocol.CmdGet:
		local := c.store.Get(inner.Key)
		if !local.Found {
			return protocol.FormatNotFound()
		}
		return protocol.FormatValue(local.Value)
	default:
		return c.errorResponse(kverrors.Internal("unhandled forwarded command", nil))
	}
}

// executeLocal applies a replica-internal command against local storage.
func (c *Coordinator) executeLocal(cmd *protocol.Command) []byte {
	switch cmd.Type {
	case protocol.CmdRSet:
		version := model.Version{TimestampMS: cmd.TimestampMS, NodeID: cmd.NodeID}
		c.localApply(cmd.Key, cmd.Value, false, version)
		return protocol.FormatOK()
	case protocol.CmdRDel:
		version := model.Version{TimestampMS: cmd.TimestampMS, NodeID: cmd.NodeID}
		c.localApply(cmd.Key, nil, true, version)
		return protocol.FormatOK()
	case protocol.CmdRGet:
		result := c.store.Get(cmd.Key)
		if !result.Found {
			return protocol.FormatNotFound()
		}
		return protocol.FormatVersionedValue(result.Value, result.Version.TimestampMS, result.Version.NodeID)
	default:
		return c.errorResponse(kverrors.Internal("unhandled local command", nil))
	}
}

// localApply logs the write to the WAL, applies it to the store with
// last-write-wins semantics, and triggers a snapshot when due. A stale
// version is dropped by the store but still acknowledged: replays of
// already-applied writes are harmless.
func (c *Coordinator) localApply(key string, value []byte, del bool, version model.Version) bool {
	if c.wal != nil {
		op := model.WalOpSet
		if del {
			op = model.WalOpDel
		}
		start := time.Now()
		rec := model.WalRecord{TimestampMS: version.TimestampMS, Op: op, Key: key, Value: value}
		if _, err := c.wal.Append(rec); err != nil {
			c.logger.Error("wal append failed",
				zap.String("key", key),
				zap.Error(err))
		} else if c.metrics != nil {
			c.metrics.RecordWalAppend(time.Since(start).Seconds())
		}
	}

	var applied bool
	if del {
		applied = c.store.Del(key, version)
	} else {
		applied = c.store.Set(key, value, version)
	}
	if c.metrics != nil {
		c.metrics.StoreEntriesTotal.Set(float64(c.store.Len()))
	}

	if n := atomic.AddUint64(&c.writesSinceSnapshot, 1); c.cfg.SnapshotInterval > 0 && n >= c.cfg.SnapshotInterval {
		c.maybeSnapshot()
	}
	return applied
}

// maybeSnapshot writes a snapshot if the write counter is still past the
// interval once the lock is held.
func (c *Coordinator) maybeSnapshot() {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()

	if atomic.LoadUint64(&c.writesSinceSnapshot) < c.cfg.SnapshotInterval {
		return
	}

	var seq uint64
	if c.wal != nil {
		if err := c.wal.Sync(); err != nil {
			c.logger.Error("wal sync before snapshot failed", zap.Error(err))
			return
		}
		seq = c.wal.CurrentSeqNo()
	}

	start := time.Now()
	if err := snapshot.Save(c.store, seq, c.cfg.SnapshotDir, c.logger); err != nil {
		c.logger.Error("snapshot save failed",
			zap.Uint64("seq_no", seq),
			zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordSnapshot(time.Since(start).Seconds())
	}
	atomic.StoreUint64(&c.writesSinceSnapshot, 0)
}

// quorumWrite mints one version for the write and pushes it to all N
// replicas, acknowledging once W of them accept. Failed replicas get a
// hint for later replay.
func (c *Coordinator) quorumWrite(key string, value []byte, del bool) []byte {
	replicas := c.ring.GetReplicaNodes(key, c.cfg.ReplicationFactor)
	if len(replicas) == 0 {
		return c.errorResponse(kverrors.EmptyRing())
	}

	version := model.Version{
		TimestampMS: uint64(time.Now().UnixMilli()),
		NodeID:      c.cfg.NodeID,
	}

	var acks int64
	var wg sync.WaitGroup
	for _, replica := range replicas {
		wg.Add(1)
		go func(node model.NodeInfo) {
			defer wg.Done()
			if node.NodeID == c.cfg.NodeID {
				c.localApply(key, value, del, version)
				atomic.AddInt64(&acks, 1)
				return
			}
			if err := c.replica.Write(node.Address, key, value, del, version); err != nil {
				c.logger.Warn("replica write failed",
					zap.Uint32("target", node.NodeID),
					zap.String("address", node.Address),
					zap.String("key", key),
					zap.Error(err))
				c.storeHint(node, key, value, del, version)
				return
			}
			atomic.AddInt64(&acks, 1)
		}(replica)
	}
	wg.Wait()

	got := int(atomic.LoadInt64(&acks))
	if got < c.cfg.WriteQuorum {
		if c.metrics != nil {
			c.metrics.RecordQuorumWrite(false)
		}
		return c.errorResponse(kverrors.QuorumFailed(got, c.cfg.WriteQuorum))
	}
	if c.metrics != nil {
		c.metrics.RecordQuorumWrite(true)
	}
	return protocol.FormatOK()
}

func (c *Coordinator) storeHint(node model.NodeInfo, key string, value []byte, del bool, version model.Version) {
	if c.hints == nil {
		return
	}
	c.hints.Store(model.Hint{
		TargetNodeID:  node.NodeID,
		TargetAddress: node.Address,
		Key:           key,
		Value:         value,
		IsDel:         del,
		Version:       version,
	})
	if c.metrics != nil {
		c.metrics.HintsStoredTotal.Inc()
		c.metrics.HintsPendingTotal.Set(float64(c.hints.Size()))
	}
}

// quorumRead queries R replicas, returns the freshest version seen, and
// repairs stale replicas in the background.
func (c *Coordinator) quorumRead(key string) []byte {
	targets := c.ring.GetReplicaNodes(key, c.cfg.ReadQuorum)
	if len(targets) == 0 {
		return c.errorResponse(kverrors.EmptyRing())
	}

	type readResult struct {
		node model.NodeInfo
		vv   protocol.VersionedValue
		err  error
	}

	results := make([]readResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, node model.NodeInfo) {
			defer wg.Done()
			if node.NodeID == c.cfg.NodeID {
				local := c.store.Get(key)
				results[i] = readResult{node: node, vv: protocol.VersionedValue{
					Found:       local.Found,
					Value:       local.Value,
					TimestampMS: local.Version.TimestampMS,
					NodeID:      local.Version.NodeID,
				}}
				return
			}
			vv, err := c.replica.Read(node.Address, key)
			results[i] = readResult{node: node, vv: vv, err: err}
		}(i, target)
	}
	wg.Wait()

	okCount := 0
	best := protocol.VersionedValue{}
	for _, r := range results {
		if r.err != nil {
			c.logger.Warn("replica read failed",
				zap.Uint32("target", r.node.NodeID),
				zap.String("key", key),
				zap.Error(r.err))
			continue
		}
		okCount++
		if !r.vv.Found {
			continue
		}
		candidate := model.Version{TimestampMS: r.vv.TimestampMS, NodeID: r.vv.NodeID}
		current := model.Version{TimestampMS: best.TimestampMS, NodeID: best.NodeID}
		if !best.Found || candidate.Newer(current) {
			best = r.vv
		}
	}

	if okCount == 0 {
		if c.metrics != nil {
			c.metrics.RecordQuorumRead("failure")
		}
		return c.errorResponse(kverrors.QuorumFailed(0, 1))
	}
	if !best.Found {
		if c.metrics != nil {
			c.metrics.RecordQuorumRead("not_found")
		}
		return protocol.FormatNotFound()
	}

	bestVersion := model.Version{TimestampMS: best.TimestampMS, NodeID: best.NodeID}
	for _, r := range results {
		if r.err != nil {
			continue
		}
		seen := model.Version{TimestampMS: r.vv.TimestampMS, NodeID: r.vv.NodeID}
		if !r.vv.Found || bestVersion.Newer(seen) {
			c.repairReplica(r.node, key, best.Value, bestVersion)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordQuorumRead("success")
	}
	return protocol.FormatValue(best.Value)
}

// repairReplica pushes the winning version to a stale replica without
// blocking the read response.
func (c *Coordinator) repairReplica(node model.NodeInfo, key string, value []byte, version model.Version) {
	c.repairWG.Add(1)
	go func() {
		defer c.repairWG.Done()
		if node.NodeID == c.cfg.NodeID {
			c.localApply(key, value, false, version)
		} else if err := c.replica.Write(node.Address, key, value, false, version); err != nil {
			c.logger.Warn("read repair failed",
				zap.Uint32("target", node.NodeID),
				zap.String("key", key),
				zap.Error(err))
			return
		}
		if c.metrics != nil {
			c.metrics.ReadRepairsTotal.Inc()
		}
		c.logger.Debug("read repair issued",
			zap.Uint32("target", node.NodeID),
			zap.String("key", key))
	}()
}

// ReplayHintsFor pushes stored hints to a recovered node. Hints are
// cleared only when every one of them is delivered; a partial replay
// keeps the full set for the next attempt.
func (c *Coordinator) ReplayHintsFor(targetNodeID uint32, address string) {
	if c.hints == nil {
		return
	}
	pending := c.hints.HintsFor(targetNodeID)
	if len(pending) == 0 {
		return
	}

	replayed := 0
	for _, hint := range pending {
		addr := address
		if addr == "" {
			addr = hint.TargetAddress
		}
		if err := c.replica.Write(addr, hint.Key, hint.Value, hint.IsDel, hint.Version); err != nil {
			c.logger.Warn("hint replay failed",
				zap.Uint32("target", targetNodeID),
				zap.String("address", addr),
				zap.String("key", hint.Key),
				zap.Error(err))
			break
		}
		replayed++
	}

	if c.metrics != nil && replayed > 0 {
		c.metrics.HintsReplayedTotal.Add(float64(replayed))
	}
	if replayed == len(pending) {
		c.hints.ClearHintsFor(targetNodeID)
		c.logger.Info("hints replayed",
			zap.Uint32("target", targetNodeID),
			zap.Int("count", replayed))
	}
	if c.metrics != nil {
		c.metrics.HintsPendingTotal.Set(float64(c.hints.Size()))
	}
}

// Bootstrap restores local state from the latest snapshot, replays WAL
// records past the snapshot sequence, and loads pending hints.
func (c *Coordinator) Bootstrap() error {
	var snapSeq uint64
	path, seq, err := snapshot.FindLatest(c.cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("find latest snapshot: %w", err)
	}
	if path != "" {
		snap, err := snapshot.Load(path)
		if err != nil {
			// An unreadable snapshot is not fatal: the WAL still holds
			// every record, so replay proceeds from sequence zero.
			c.logger.Warn("snapshot unusable, replaying full wal",
				zap.String("path", path),
				zap.Error(err))
		} else {
			for _, entry := range snap.Entries {
				if entry.Tombstone {
					c.store.Del(entry.Key, entry.Version)
				} else {
					c.store.Set(entry.Key, entry.Value, entry.Version)
				}
			}
			snapSeq = seq
			c.logger.Info("snapshot restored",
				zap.String("path", path),
				zap.Uint64("seq_no", seq),
				zap.Int("entries", len(snap.Entries)))
		}
	}

	if c.wal != nil {
		records, err := c.wal.Recover()
		if err != nil {
			return fmt.Errorf("wal recover: %w", err)
		}
		applied := 0
		for _, rec := range records {
			if rec.SeqNo <= snapSeq {
				continue
			}
			version := model.Version{TimestampMS: rec.TimestampMS, NodeID: c.cfg.NodeID}
			if rec.Op == model.WalOpDel {
				c.store.Del(rec.Key, version)
			} else {
				c.store.Set(rec.Key, rec.Value, version)
			}
			applied++
		}
		c.logger.Info("wal replayed",
			zap.Int("records", len(records)),
			zap.Int("applied", applied),
			zap.Uint64("snapshot_seq", snapSeq))
	}

	if c.hints != nil {
		if err := c.hints.Load(); err != nil {
			return fmt.Errorf("load hints: %w", err)
		}
		if c.metrics != nil {
			c.metrics.HintsPendingTotal.Set(float64(c.hints.Size()))
		}
	}

	if c.metrics != nil {
		c.metrics.StoreEntriesTotal.Set(float64(c.store.Len()))
	}
	return nil
}

// Close waits for in-flight read repairs to finish.
func (c *Coordinator) Close() {
	c.repairWG.Wait()
}

func (c *Coordinator) errorResponse(err *kverrors.KVError) []byte {
	if c.metrics != nil {
		c.metrics.RecordError(err.WireToken())
	}
	return protocol.FormatError(err.WireToken())
}
