package algorithm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkv/dkvs/internal/model"
)

func buildRing(nodes ...uint32) *Ring {
	r := NewRing()
	for _, id := range nodes {
		r.AddNode(id, fmt.Sprintf("127.0.0.1:%d", 7000+id), DefaultVirtualNodes)
	}
	return r
}

func TestEmptyRing(t *testing.T) {
	r := NewRing()

	_, ok := r.GetNode("key")
	assert.False(t, ok)
	assert.Nil(t, r.GetReplicaNodes("key", 3))
	assert.Equal(t, 0, r.NodeCount())
}

func TestSingleNodeOwnsEverything(t *testing.T) {
	r := buildRing(1)

	for i := 0; i < 50; i++ {
		node, ok := r.GetNode(fmt.Sprintf("key%d", i))
		require.True(t, ok)
		assert.Equal(t, uint32(1), node.NodeID)
	}
}

func TestLookupDeterministic(t *testing.T) {
	r := buildRing(1, 2, 3)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%d", i)
		first, ok := r.GetNode(key)
		require.True(t, ok)
		second, _ := r.GetNode(key)
		assert.Equal(t, first, second)
	}
}

func TestTwoRingsAgree(t *testing.T) {
	a := buildRing(1, 2, 3)
	b := buildRing(3, 1, 2) // insertion order must not matter

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user:%d", i)
		na, _ := a.GetNode(key)
		nb, _ := b.GetNode(key)
		assert.Equal(t, na.NodeID, nb.NodeID, "key %s", key)
	}
}

func TestReplicaNodesDistinct(t *testing.T) {
	r := buildRing(1, 2, 3)

	replicas := r.GetReplicaNodes("somekey", 3)
	require.Len(t, replicas, 3)

	seen := make(map[uint32]bool)
	for _, n := range replicas {
		assert.False(t, seen[n.NodeID], "duplicate node %d", n.NodeID)
		seen[n.NodeID] = true
	}
}

func TestReplicaCountCappedByNodes(t *testing.T) {
	r := buildRing(1, 2)

	replicas := r.GetReplicaNodes("key", 5)
	assert.Len(t, replicas, 2)
}

func TestReplicaFirstIsOwner(t *testing.T) {
	r := buildRing(1, 2, 3)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%d", i)
		owner, _ := r.GetNode(key)
		replicas := r.GetReplicaNodes(key, 3)
		require.NotEmpty(t, replicas)
		assert.Equal(t, owner.NodeID, replicas[0].NodeID)
	}
}

func TestRemoveNode(t *testing.T) {
	r := buildRing(1, 2, 3)
	r.RemoveNode(2)

	assert.Equal(t, 2, r.NodeCount())
	for i := 0; i < 100; i++ {
		node, ok := r.GetNode(fmt.Sprintf("key%d", i))
		require.True(t, ok)
		assert.NotEqual(t, uint32(2), node.NodeID)
	}

	_, ok := r.Address(2)
	assert.False(t, ok)
}

func TestRemoveThenReAddRestoresPlacement(t *testing.T) {
	r := buildRing(1, 2, 3)

	before := make(map[string]uint32)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key%d", i)
		n, _ := r.GetNode(key)
		before[key] = n.NodeID
	}

	r.RemoveNode(3)
	r.AddNode(3, "127.0.0.1:7003", DefaultVirtualNodes)

	for key, want := range before {
		n, _ := r.GetNode(key)
		assert.Equal(t, want, n.NodeID, "key %s", key)
	}
}

func TestDistributionThreeNodes(t *testing.T) {
	r := buildRing(1, 2, 3)

	counts := make(map[uint32]int)
	const total = 10000
	for i := 0; i < total; i++ {
		n, ok := r.GetNode(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		counts[n.NodeID]++
	}

	require.Len(t, counts, 3)
	for id, c := range counts {
		share := float64(c) / total
		assert.Greater(t, share, 0.20, "node %d share %f", id, share)
		assert.Less(t, share, 0.47, "node %d share %f", id, share)
	}
}

func TestAddressLookup(t *testing.T) {
	r := NewRing()
	r.AddNode(7, "10.0.0.7:7001", 16)

	addr, ok := r.Address(7)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.7:7001", addr)

	node, ok := r.GetNode("x")
	require.True(t, ok)
	assert.Equal(t, model.NodeInfo{NodeID: 7, Address: "10.0.0.7:7001"}, node)
}
