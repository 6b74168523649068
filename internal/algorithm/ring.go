package algorithm

import (
	"sort"
	"strconv"
	"sync"

	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/util"
)

// DefaultVirtualNodes is the per-node vnode count used when the caller
// does not override it. Higher counts smooth key distribution.
const DefaultVirtualNodes = 128

// Ring implements consistent hashing with virtual nodes. Each physical
// node contributes vnode points hashed from "<node_id>:<i>"; keys map
// to the first point clockwise of their hash. All nodes build identical
// rings from the same membership, so placement needs no coordination.
type Ring struct {
	mu        sync.RWMutex
	positions []uint64                  // sorted vnode positions
	owners    map[uint64]model.NodeInfo // position -> owning node
	nodes     map[uint32]string         // node_id -> address
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{
		owners: make(map[uint64]model.NodeInfo),
		nodes:  make(map[uint32]string),
	}
}

// AddNode inserts vnodes points for the node. Position collisions with
// existing points are dropped; the first owner keeps the slot.
func (r *Ring) AddNode(nodeID uint32, address string, vnodes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idStr := strconv.FormatUint(uint64(nodeID), 10)
	for i := 0; i < vnodes; i++ {
		pos := util.KeyHash(idStr + ":" + strconv.Itoa(i))
		if _, taken := r.owners[pos]; taken {
			continue
		}
		r.owners[pos] = model.NodeInfo{NodeID: nodeID, Address: address}
		r.positions = append(r.positions, pos)
	}
	r.nodes[nodeID] = address

	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
}

// RemoveNode removes every point owned by the node.
func (r *Ring) RemoveNode(nodeID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return
	}

	kept := r.positions[:0]
	for _, pos := range r.positions {
		if r.owners[pos].NodeID == nodeID {
			delete(r.owners, pos)
			continue
		}
		kept = append(kept, pos)
	}
	r.positions = kept
	delete(r.nodes, nodeID)
}

// GetNode returns the owner of the key, walking clockwise from the
// key's hash. Returns false on an empty ring.
func (r *Ring) GetNode(key string) (model.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.startIndex(util.KeyHash(key))
	if !ok {
		return model.NodeInfo{}, false
	}
	return r.owners[r.positions[idx]], true
}

// GetReplicaNodes walks clockwise from the key's owner collecting
// distinct physical nodes until count is reached or every node has
// been seen. Deduplication is by node ID.
func (r *Ring) GetReplicaNodes(key string, count int) []model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.startIndex(util.KeyHash(key))
	if !ok || count <= 0 {
		return nil
	}

	replicas := make([]model.NodeInfo, 0, count)
	seen := make(map[uint32]bool)

	for i := 0; i < len(r.positions) && len(replicas) < count; i++ {
		owner := r.owners[r.positions[(idx+i)%len(r.positions)]]
		if seen[owner.NodeID] {
			continue
		}
		seen[owner.NodeID] = true
		replicas = append(replicas, owner)
	}
	return replicas
}

// startIndex finds the first position strictly greater than hash,
// wrapping to the smallest position past the top of the ring.
func (r *Ring) startIndex(hash uint64) (int, bool) {
	if len(r.positions) == 0 {
		return 0, false
	}
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] > hash
	})
	if idx == len(r.positions) {
		idx = 0
	}
	return idx, true
}

// NodeCount returns the number of physical nodes on the ring.
func (r *Ring) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Address returns the registered address for a node ID.
func (r *Ring) Address(nodeID uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.nodes[nodeID]
	return addr, ok
}
