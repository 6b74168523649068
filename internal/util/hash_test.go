package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyHashDeterministic(t *testing.T) {
	keys := []string{"", "a", "user:1001", "some longer key with spaces"}
	for _, k := range keys {
		assert.Equal(t, KeyHash(k), KeyHash(k), "key %q", k)
	}
}

func TestKeyHashDistinctKeys(t *testing.T) {
	assert.NotEqual(t, KeyHash("key1"), KeyHash("key2"))
	assert.NotEqual(t, KeyHash("abc"), KeyHash("abd"))
}

func TestKeyHashSpread(t *testing.T) {
	// A handful of sequential keys should not collapse onto a few values.
	seen := make(map[uint64]bool)
	for _, k := range []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7"} {
		seen[KeyHash(k)] = true
	}
	assert.Len(t, seen, 8)
}
