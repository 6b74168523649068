package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/metrics"
	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/util"
)

const fileName = "wal.bin"

// headerSize is the fixed prefix of every record:
// crc u32, seq u64, timestamp u64, op u8, key_len u32.
const headerSize = 4 + 8 + 8 + 1 + 4

// WAL is an append-only, CRC-framed write-ahead log with batched fsync.
// Appends are serialized under a mutex; a background timer flushes dirty
// buffers when the ops threshold has not been reached.
type WAL struct {
	mu            sync.Mutex
	file          *os.File
	nextSeq       uint64
	opsSinceFsync int
	dirty         bool

	fsyncBatchOps int

	stopCh chan struct{}
	doneCh chan struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Open creates dir if needed and opens the log in append mode.
// fsyncInterval enables the background flush timer when positive;
// fsyncBatchOps forces an fsync every that many appends when positive.
// m may be nil.
func Open(dir string, fsyncInterval time.Duration, fsyncBatchOps int, m *metrics.Metrics, logger *zap.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	w := &WAL{
		file:          f,
		nextSeq:       1,
		fsyncBatchOps: fsyncBatchOps,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		metrics:       m,
		logger:        logger,
	}

	if fsyncInterval > 0 {
		go w.fsyncLoop(fsyncInterval)
	} else {
		close(w.doneCh)
	}
	return w, nil
}

func (w *WAL) fsyncLoop(interval time.Duration) {
	defer close(w.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.dirty {
				if err := w.fsync(); err != nil {
					w.logger.Error("background wal fsync failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// fsync flushes the file and resets the batching state. Callers hold mu.
func (w *WAL) fsync() error {
	start := time.Now()
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.RecordWalSync(time.Since(start).Seconds())
	}
	w.dirty = false
	w.opsSinceFsync = 0
	return nil
}

// Append assigns the next sequence number, writes the record, and
// returns the assigned seq. Durability follows the batching policy;
// call Sync for an immediate guarantee.
func (w *WAL) Append(rec model.WalRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec.SeqNo = w.nextSeq
	buf := encodeRecord(rec)

	if _, err := w.file.Write(buf); err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}
	w.nextSeq++
	w.dirty = true
	w.opsSinceFsync++

	if w.fsyncBatchOps > 0 && w.opsSinceFsync >= w.fsyncBatchOps {
		if err := w.fsync(); err != nil {
			return 0, fmt.Errorf("wal fsync: %w", err)
		}
	}
	return rec.SeqNo, nil
}

func encodeRecord(rec model.WalRecord) []byte {
	payloadLen := 8 + 8 + 1 + 4 + len(rec.Key) + 4 + len(rec.Value)
	buf := make([]byte, 4+payloadLen)

	p := buf[4:]
	binary.LittleEndian.PutUint64(p[0:], rec.SeqNo)
	binary.LittleEndian.PutUint64(p[8:], rec.TimestampMS)
	p[16] = byte(rec.Op)
	binary.LittleEndian.PutUint32(p[17:], uint32(len(rec.Key)))
	copy(p[21:], rec.Key)
	off := 21 + len(rec.Key)
	binary.LittleEndian.PutUint32(p[off:], uint32(len(rec.Value)))
	copy(p[off+4:], rec.Value)

	binary.LittleEndian.PutUint32(buf[0:], util.ComputeChecksum(p))
	return buf
}

// Recover reads the log from the start and returns every record up to
// the torn tail. A CRC mismatch, short read, or inconsistent length
// ends recovery; records past that point are discarded as a crashed
// partial write. The next sequence number becomes max seen + 1.
func (w *WAL) Recover() ([]model.WalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal seek: %w", err)
	}

	var records []model.WalRecord
	var maxSeq uint64

	for {
		rec, ok, err := readRecord(w.file)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		records = append(records, rec)
		if rec.SeqNo > maxSeq {
			maxSeq = rec.SeqNo
		}
	}

	if maxSeq+1 > w.nextSeq {
		w.nextSeq = maxSeq + 1
	}

	// Reposition at the end for subsequent appends.
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("wal seek end: %w", err)
	}

	w.logger.Info("wal recovered",
		zap.Int("records", len(records)),
		zap.Uint64("next_seq", w.nextSeq))
	return records, nil
}

// readRecord returns (record, true, nil) on success and (zero, false, nil)
// at EOF or at a torn/corrupt tail.
func readRecord(f *os.File) (model.WalRecord, bool, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return model.WalRecord{}, false, nil
	}

	crc := binary.LittleEndian.Uint32(header[0:])
	seq := binary.LittleEndian.Uint64(header[4:])
	ts := binary.LittleEndian.Uint64(header[12:])
	op := header[20]
	keyLen := binary.LittleEndian.Uint32(header[21:])

	if op > 1 || keyLen > 1<<28 {
		return model.WalRecord{}, false, nil
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(f, key); err != nil {
		return model.WalRecord{}, false, nil
	}

	valLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(f, valLenBuf); err != nil {
		return model.WalRecord{}, false, nil
	}
	valLen := binary.LittleEndian.Uint32(valLenBuf)
	if valLen > 1<<30 {
		return model.WalRecord{}, false, nil
	}

	// A zero-length value (e.g. a DEL) decodes as nil.
	var val []byte
	if valLen > 0 {
		val = make([]byte, valLen)
		if _, err := io.ReadFull(f, val); err != nil {
			return model.WalRecord{}, false, nil
		}
	}

	payload := make([]byte, 0, headerSize-4+len(key)+4+len(val))
	payload = append(payload, header[4:]...)
	payload = append(payload, key...)
	payload = append(payload, valLenBuf...)
	payload = append(payload, val...)
	if !util.ValidateChecksum(payload, crc) {
		return model.WalRecord{}, false, nil
	}

	return model.WalRecord{
		SeqNo:       seq,
		TimestampMS: ts,
		Op:          model.WalOp(op),
		Key:         string(key),
		Value:       val,
	}, true, nil
}

// Sync forces an fsync and clears the dirty flag.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fsync(); err != nil {
		return fmt.Errorf("wal fsync: %w", err)
	}
	return nil
}

// CurrentSeqNo returns the last assigned sequence number, 0 when empty.
func (w *WAL) CurrentSeqNo() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq - 1
}

// Close stops the background timer, performs a final fsync, and closes
// the file. No appends may follow.
func (w *WAL) Close() error {
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fsync(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal final fsync: %w", err)
	}
	return w.file.Close()
}
