package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/model"
)

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(dir, 0, 0, nil, zap.NewNop())
	require.NoError(t, err)
	return w
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	defer w.Close()

	for i := 1; i <= 5; i++ {
		seq, err := w.Append(model.WalRecord{
			TimestampMS: uint64(i * 100),
			Op:          model.WalOpSet,
			Key:         "key",
			Value:       []byte("val"),
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(5), w.CurrentSeqNo())
}

func TestRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	records := []model.WalRecord{
		{TimestampMS: 100, Op: model.WalOpSet, Key: "k1", Value: []byte("v1")},
		{TimestampMS: 200, Op: model.WalOpSet, Key: "k2", Value: []byte("v2 with spaces")},
		{TimestampMS: 300, Op: model.WalOpDel, Key: "k1", Value: nil},
	}
	for _, rec := range records {
		_, err := w.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, dir)
	defer w2.Close()

	got, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.SeqNo)
		assert.Equal(t, records[i].TimestampMS, rec.TimestampMS)
		assert.Equal(t, records[i].Op, rec.Op)
		assert.Equal(t, records[i].Key, rec.Key)
		assert.Equal(t, []byte(records[i].Value), rec.Value)
	}
}

func TestSeqContinuesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w := openTestWAL(t, dir)
	for i := 0; i < 3; i++ {
		_, err := w.Append(model.WalRecord{Op: model.WalOpSet, Key: "k", Value: []byte("v")})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, dir)
	defer w2.Close()
	_, err := w2.Recover()
	require.NoError(t, err)

	seq, err := w2.Append(model.WalRecord{Op: model.WalOpSet, Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestRecoverStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()

	w := openTestWAL(t, dir)
	for i := 0; i < 5; i++ {
		_, err := w.Append(model.WalRecord{
			TimestampMS: uint64(i),
			Op:          model.WalOpSet,
			Key:         "key",
			Value:       []byte("value"),
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Truncate the last 5 bytes to simulate a crash mid-write.
	path := filepath.Join(dir, "wal.bin")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	w2 := openTestWAL(t, dir)
	defer w2.Close()

	records, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, uint64(4), records[3].SeqNo)

	// Next append continues from the surviving prefix.
	seq, err := w2.Append(model.WalRecord{Op: model.WalOpSet, Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
}

func TestRecoverStopsAtCorruptRecord(t *testing.T) {
	dir := t.TempDir()

	w := openTestWAL(t, dir)
	for i := 0; i < 3; i++ {
		_, err := w.Append(model.WalRecord{Op: model.WalOpSet, Key: "key", Value: []byte("value")})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Flip a byte inside the second record's payload.
	path := filepath.Join(dir, "wal.bin")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	recordSize := len(data) / 3
	data[recordSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w2 := openTestWAL(t, dir)
	defer w2.Close()

	records, err := w2.Recover()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecoverEmptyLog(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	records, err := w.Recover()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, uint64(0), w.CurrentSeqNo())
}

func TestBatchFsyncThreshold(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 2, nil, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		_, err := w.Append(model.WalRecord{Op: model.WalOpSet, Key: "k", Value: []byte("v")})
		require.NoError(t, err)
	}
	// After the threshold fsyncs, a reader sees all flushed records.
	records, err := w.Recover()
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestBackgroundFsyncTimer(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 5*time.Millisecond, 0, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Append(model.WalRecord{Op: model.WalOpSet, Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, dir)
	defer w2.Close()
	records, err := w2.Recover()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSyncClearsDirty(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	_, err := w.Append(model.WalRecord{Op: model.WalOpDel, Key: "k"})
	require.NoError(t, err)
	assert.True(t, w.dirty)
	require.NoError(t, w.Sync())
	assert.False(t, w.dirty)
}
