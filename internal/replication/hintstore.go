package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/model"
)

var hintFilePattern = regexp.MustCompile(`^hints_(\d+)\.dat$`)

// HintStore buffers writes destined for replicas that were unreachable,
// keyed by target node. Hints are held in memory and, when a directory
// is configured, appended to per-target log files so they survive a
// restart. Disk failures degrade to memory-only; replay is best-effort
// either way.
type HintStore struct {
	mu    sync.Mutex
	hints map[uint32][]model.Hint

	dir    string // empty disables persistence
	logger *zap.Logger
}

// NewHintStore creates a hint store. dir may be empty for memory-only
// operation.
func NewHintStore(dir string, logger *zap.Logger) *HintStore {
	return &HintStore{
		hints:  make(map[uint32][]model.Hint),
		dir:    dir,
		logger: logger,
	}
}

// Store records a hint for later replay. The disk append happens
// outside the lock; a failed append keeps the in-memory copy.
func (h *HintStore) Store(hint model.Hint) {
	h.mu.Lock()
	h.hints[hint.TargetNodeID] = append(h.hints[hint.TargetNodeID], hint)
	h.mu.Unlock()

	if h.dir == "" {
		return
	}
	if err := h.appendToDisk(hint); err != nil {
		h.logger.Warn("hint disk append failed",
			zap.Uint32("target", hint.TargetNodeID),
			zap.Error(err))
	}
}

func (h *HintStore) appendToDisk(hint model.Hint) error {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(h.dir, fmt.Sprintf("hints_%d.dat", hint.TargetNodeID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(encodeHint(hint))
	return err
}

func encodeHint(hint model.Hint) []byte {
	size := 4 + 4 + len(hint.TargetAddress) + 4 + len(hint.Key) + 4 + len(hint.Value) + 8 + 4 + 1
	buf := make([]byte, 0, size)

	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], hint.TargetNodeID)
	buf = append(buf, u32[:]...)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(hint.TargetAddress)))
	buf = append(buf, u32[:]...)
	buf = append(buf, hint.TargetAddress...)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(hint.Key)))
	buf = append(buf, u32[:]...)
	buf = append(buf, hint.Key...)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(hint.Value)))
	buf = append(buf, u32[:]...)
	buf = append(buf, hint.Value...)

	binary.LittleEndian.PutUint64(u64[:], hint.Version.TimestampMS)
	buf = append(buf, u64[:]...)

	binary.LittleEndian.PutUint32(u32[:], hint.Version.NodeID)
	buf = append(buf, u32[:]...)

	if hint.IsDel {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// HintsFor returns a snapshot copy of the pending hints for a target.
func (h *HintStore) HintsFor(target uint32) []model.Hint {
	h.mu.Lock()
	defer h.mu.Unlock()

	src := h.hints[target]
	out := make([]model.Hint, len(src))
	copy(out, src)
	return out
}

// ClearHintsFor drops a target's hints and removes its file whole.
// Called only after every hint for the target replayed successfully.
func (h *HintStore) ClearHintsFor(target uint32) {
	h.mu.Lock()
	delete(h.hints, target)
	h.mu.Unlock()

	if h.dir == "" {
		return
	}
	path := filepath.Join(h.dir, fmt.Sprintf("hints_%d.dat", target))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("hint file remove failed", zap.String("path", path), zap.Error(err))
	}
}

// Load scans the directory for hint files and merges every parsed
// record into memory. A torn tail record ends that file's scan.
func (h *HintStore) Load() error {
	if h.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hints dir: %w", err)
	}

	loaded := 0
	for _, de := range entries {
		if !hintFilePattern.MatchString(de.Name()) {
			continue
		}
		n, err := h.loadFile(filepath.Join(h.dir, de.Name()))
		if err != nil {
			h.logger.Warn("hint file load failed", zap.String("file", de.Name()), zap.Error(err))
			continue
		}
		loaded += n
	}

	if loaded > 0 {
		h.logger.Info("hints loaded", zap.Int("count", loaded))
	}
	return nil
}

func (h *HintStore) loadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count := 0
	for {
		hint, ok := readHint(r)
		if !ok {
			break
		}
		h.mu.Lock()
		h.hints[hint.TargetNodeID] = append(h.hints[hint.TargetNodeID], hint)
		h.mu.Unlock()
		count++
	}
	return count, nil
}

// readHint returns (hint, true) or (zero, false) at EOF or a torn record.
func readHint(r *bufio.Reader) (model.Hint, bool) {
	var hint model.Hint
	var u32 [4]byte
	var u64 [8]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return hint, false
	}
	hint.TargetNodeID = binary.LittleEndian.Uint32(u32[:])

	readBytes := func() ([]byte, bool) {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, false
		}
		n := binary.LittleEndian.Uint32(u32[:])
		if n > 1<<30 {
			return nil, false
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, false
		}
		return b, true
	}

	addr, ok := readBytes()
	if !ok {
		return hint, false
	}
	hint.TargetAddress = string(addr)

	key, ok := readBytes()
	if !ok {
		return hint, false
	}
	hint.Key = string(key)

	val, ok := readBytes()
	if !ok {
		return hint, false
	}
	hint.Value = val

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return hint, false
	}
	hint.Version.TimestampMS = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return hint, false
	}
	hint.Version.NodeID = binary.LittleEndian.Uint32(u32[:])

	isDel, err := r.ReadByte()
	if err != nil {
		return hint, false
	}
	hint.IsDel = isDel != 0
	return hint, true
}

// Size returns the total pending hint count across all targets.
func (h *HintStore) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, list := range h.hints {
		n += len(list)
	}
	return n
}

// Targets returns the node IDs that currently have pending hints.
func (h *HintStore) Targets() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]uint32, 0, len(h.hints))
	for id := range h.hints {
		out = append(out, id)
	}
	return out
}
