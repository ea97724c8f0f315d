package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aricasas/BEARR/internal/pagestore"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WAL")

	w, records, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	require.Empty(t, records)

	_, err = w.Append(TagPut, 1, 100)
	require.NoError(t, err)
	_, err = w.Append(TagPut, 2, 200)
	require.NoError(t, err)
	_, err = w.Append(TagDelete, 1, TombstoneValueForTest)
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w2, replayed, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, replayed, 3)
	assert.Equal(t, Record{Tag: TagPut, Key: 1, Value: 100}, replayed[0])
	assert.Equal(t, Record{Tag: TagPut, Key: 2, Value: 200}, replayed[1])
	assert.Equal(t, Record{Tag: TagDelete, Key: 1, Value: TombstoneValueForTest}, replayed[2])
}

func TestReplayTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WAL")

	w, _, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	_, err = w.Append(TagPut, 1, 100)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: append a partial, corrupt record.
	f, err := pagestore.OS().OpenReadWrite(path)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF}, RecordSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, records, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, records, 1, "the torn trailing bytes must be dropped, not just the good record")
	assert.Equal(t, Record{Tag: TagPut, Key: 1, Value: 100}, records[0])

	size, err := func() (int64, error) {
		rf, err := pagestore.OS().OpenReadOnly(path)
		if err != nil {
			return 0, err
		}
		defer rf.Close()
		return rf.Size()
	}()
	require.NoError(t, err)
	assert.Equal(t, int64(RecordSize), size, "open must truncate the file at the last good record boundary")
}

func TestRollbackTo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WAL")

	w, _, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)

	_, err = w.Append(TagPut, 1, 100)
	require.NoError(t, err)
	endOff, err := w.Append(TagPut, 2, 200)
	require.NoError(t, err)

	require.NoError(t, w.RollbackTo(endOff-RecordSize))
	require.NoError(t, w.Close())

	_, records, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	require.Len(t, records, 1, "the rolled-back record must not reappear on replay")
	assert.Equal(t, uint64(1), records[0].Key)
}

func TestCheckpointEmptiesTheLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WAL")

	w, _, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	_, err = w.Append(TagPut, 1, 100)
	require.NoError(t, err)
	require.NoError(t, w.Checkpoint())
	require.NoError(t, w.Close())

	_, records, err := Open(pagestore.OS(), path, 64)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGroupCommitBatchesFsync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WAL")

	w, _, err := Open(pagestore.OS(), path, 4)
	require.NoError(t, err)
	for i := uint64(0); i < 3; i++ {
		_, err := w.Append(TagPut, i, i)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, w.opsSinceSync, "fewer than bufferOps appends must not have synced yet")

	_, err = w.Append(TagPut, 99, 99)
	require.NoError(t, err)
	assert.Equal(t, 0, w.opsSinceSync, "the 4th append must trigger the group-commit fsync")
	require.NoError(t, w.Close())
}

// TombstoneValueForTest mirrors memtable.TombstoneValue without an
// import cycle back to the memtable package.
const TombstoneValueForTest = ^uint64(0)
