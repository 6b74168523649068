package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/util"
)

// NumShards is the fixed width of the shard array. Shard selection is
// hash(key) mod NumShards, so this must not change once data exists.
const NumShards = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]model.ValueEntry
}

// Store is the in-memory sharded key-value store. Writes go through a
// last-writer-wins guard so replicated and replayed operations can be
// applied in any order and converge.
type Store struct {
	shards [NumShards]shard
	logger *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	s := &Store{logger: logger}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]model.ValueEntry)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[util.KeyHash(key)%NumShards]
}

// Get returns the live value for key. Tombstoned and absent keys both
// read as not found.
func (s *Store) Get(key string) model.GetResult {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	entry, exists := sh.entries[key]
	if !exists || entry.Tombstone {
		return model.GetResult{}
	}
	return model.GetResult{Found: true, Value: entry.Value, Version: entry.Version}
}

// Set writes value under the LWW guard. The write is applied only when
// the key is absent or version is strictly newer than the stored one.
// Returns whether the write was applied.
func (s *Store) Set(key string, value []byte, version model.Version) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, exists := sh.entries[key]; exists && !version.Newer(existing.Version) {
		return false
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	sh.entries[key] = model.ValueEntry{Value: stored, Version: version}
	return true
}

// Del writes a tombstone under the same LWW guard as Set. The tombstone
// is retained so late writes with older versions stay dead.
func (s *Store) Del(key string, version model.Version) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, exists := sh.entries[key]; exists && !version.Newer(existing.Version) {
		return false
	}
	sh.entries[key] = model.ValueEntry{Tombstone: true, Version: version}
	return true
}

// Entry pairs a key with its stored entry for snapshotting.
type Entry struct {
	Key   string
	Entry model.ValueEntry
}

// AllEntries emits every entry including tombstones. Each shard is read
// under its lock in turn, so the result is per-shard atomic only.
func (s *Store) AllEntries() []Entry {
	var out []Entry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.entries {
			out = append(out, Entry{Key: k, Entry: e})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the total entry count including tombstones.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
