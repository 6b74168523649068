package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/storage/engine"
)

var magic = [4]byte{'D', 'K', 'V', 'S'}

var fileNamePattern = regexp.MustCompile(`^snapshot_(\d+)\.dat$`)

// Entry is one snapshotted key with its full version metadata.
// Tombstones are included so deletes survive restarts.
type Entry struct {
	Tombstone bool
	Key       string
	Value     []byte
	Version   model.Version
}

// Snapshot is a point-in-time capture of the store, tagged with the WAL
// sequence number it covers. Records with a higher seq are replayed on
// top of it at boot.
type Snapshot struct {
	SeqNo   uint64
	Entries []Entry
}

// Save writes the store's current contents to <dir>/snapshot_<seq>.dat.
// The file is written to a temp name and renamed into place so readers
// never observe a torn snapshot under its final name.
func Save(store *engine.Store, seq uint64, dir string, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	entries := store.AllEntries()

	tmpPath := filepath.Join(dir, fmt.Sprintf("snapshot_%d.dat.tmp", seq))
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}

	if err := writeSnapshot(f, seq, entries); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot close: %w", err)
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("snapshot_%d.dat", seq))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot rename: %w", err)
	}

	logger.Info("snapshot saved",
		zap.Uint64("seq", seq),
		zap.Int("entries", len(entries)),
		zap.String("path", finalPath))
	return nil
}

func writeSnapshot(f *os.File, seq uint64, entries []engine.Entry) error {
	w := bufio.NewWriter(f)

	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}

	var u64 [8]byte
	var u32 [4]byte

	binary.LittleEndian.PutUint64(u64[:], seq)
	if _, err := w.Write(u64[:]); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(len(entries)))
	if _, err := w.Write(u32[:]); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}

	for _, e := range entries {
		tomb := byte(0)
		if e.Entry.Tombstone {
			tomb = 1
		}
		if err := w.WriteByte(tomb); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}

		binary.LittleEndian.PutUint32(u32[:], uint32(len(e.Key)))
		if _, err := w.Write(u32[:]); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}
		if _, err := w.WriteString(e.Key); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}

		binary.LittleEndian.PutUint32(u32[:], uint32(len(e.Entry.Value)))
		if _, err := w.Write(u32[:]); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}
		if _, err := w.Write(e.Entry.Value); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}

		binary.LittleEndian.PutUint64(u64[:], e.Entry.Version.TimestampMS)
		if _, err := w.Write(u64[:]); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}
		binary.LittleEndian.PutUint32(u32[:], e.Entry.Version.NodeID)
		if _, err := w.Write(u32[:]); err != nil {
			return fmt.Errorf("snapshot write: %w", err)
		}
	}
	return w.Flush()
}

// Load reads and validates a snapshot file. Bad magic or a truncated
// body returns an error; callers treat that as no usable snapshot.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	if hdr != magic {
		return nil, fmt.Errorf("snapshot %s: bad magic", path)
	}

	var u64 [8]byte
	var u32 [4]byte

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	seq := binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	count := binary.LittleEndian.Uint32(u32[:])

	snap := &Snapshot{SeqNo: seq, Entries: make([]Entry, 0, count)}
	for i := uint32(0); i < count; i++ {
		entry, err := readEntry(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, nil
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var e Entry

	tomb, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	e.Tombstone = tomb != 0

	var u64 [8]byte
	var u32 [4]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return e, err
	}
	key := make([]byte, binary.LittleEndian.Uint32(u32[:]))
	if _, err := io.ReadFull(r, key); err != nil {
		return e, err
	}
	e.Key = string(key)

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return e, err
	}
	e.Value = make([]byte, binary.LittleEndian.Uint32(u32[:]))
	if _, err := io.ReadFull(r, e.Value); err != nil {
		return e, err
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return e, err
	}
	e.Version.TimestampMS = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return e, err
	}
	e.Version.NodeID = binary.LittleEndian.Uint32(u32[:])
	return e, nil
}

// FindLatest returns the path of the snapshot with the highest sequence
// number in dir, or "" when none exists.
func FindLatest(dir string) (string, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("read snapshot dir: %w", err)
	}

	var bestPath string
	var bestSeq uint64
	found := false
	for _, de := range entries {
		m := fileNamePattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		if !found || seq > bestSeq {
			bestPath = filepath.Join(dir, de.Name())
			bestSeq = seq
			found = true
		}
	}
	return bestPath, bestSeq, nil
}
