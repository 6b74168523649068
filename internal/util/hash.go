package util

import (
	"github.com/spaolacci/murmur3"
)

// KeyHash maps a key onto the 64-bit hash space shared by the ring
// and the shard selector. It is the low half of MurmurHash3 x64_128
// with seed 0, so every node derives identical placements.
func KeyHash(key string) uint64 {
	h1, _ := murmur3.Sum128WithSeed([]byte(key), 0)
	return h1
}
