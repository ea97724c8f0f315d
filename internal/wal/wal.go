// Package wal implements the write-ahead log: fixed-width binary
// records, group-committed every bufferOps appends, replayed on open
// with a tolerance for a torn trailing record left by a crash
// mid-write.
package wal

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/aricasas/BEARR/internal/pagestore"
)

// Tag distinguishes a put from a delete record.
type Tag uint8

const (
	TagPut    Tag = 0
	TagDelete Tag = 1
)

// recordSize is the 17-byte {tag, key, value} record plus an 8-byte
// xxh3 checksum: fixed-size records need no block framing the way a
// variable-length format would, since a reader always knows exactly
// how many bytes to read next.
const recordSize = 1 + 8 + 8 + 8

// RecordSize is the fixed on-disk size of one WAL record, exposed so
// callers can compute the start offset of the record an Append just
// wrote (for RollbackTo) without reaching into package internals.
const RecordSize = recordSize

// Record is one decoded WAL entry, returned by Open during replay.
type Record struct {
	Tag   Tag
	Key   uint64
	Value uint64
}

// WAL is a single append-only log file with in-process group commit:
// fsync is issued every bufferOps appends (or on an explicit Sync),
// trading a bounded amount of durability for write throughput.
type WAL struct {
	mu         sync.Mutex
	f          pagestore.ReadWriteFile
	fs         pagestore.FS
	path       string
	bufferOps  int
	opsSinceSync int
	offset     int64
}

// Open opens or creates the log at path and replays every valid
// record already in it. A torn or corrupt record at the tail (the
// signature of a crash mid-append) truncates the file at the last
// good record boundary instead of failing the open.
func Open(fs pagestore.FS, path string, bufferOps int) (*WAL, []Record, error) {
	if bufferOps < 1 {
		bufferOps = 1
	}
	f, err := fs.OpenReadWrite(path)
	if err != nil {
		return nil, nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	var records []Record
	var offset int64
	buf := make([]byte, recordSize)
	for offset+recordSize <= size {
		if _, err := f.ReadAt(buf, offset); err != nil {
			break
		}
		rec, ok := decodeRecord(buf)
		if !ok {
			break // torn tail: stop replay here, truncate below
		}
		records = append(records, rec)
		offset += recordSize
	}
	if offset != size {
		if err := f.Truncate(offset); err != nil {
			_ = f.Close()
			return nil, nil, errors.Wrap(err, "wal: truncate torn tail")
		}
	}

	return &WAL{f: f, fs: fs, path: path, bufferOps: bufferOps, offset: offset}, records, nil
}

// Record layout: tag u8 [0], key u64 [1:9], value u64 [9:17],
// checksum u64 [17:25] — xxh3 of bytes [0:17].
func decodeRecord(buf []byte) (Record, bool) {
	payload := buf[:17]
	wantSum := binary.LittleEndian.Uint64(buf[17:25])
	if xxh3.Hash(payload) != wantSum {
		return Record{}, false
	}
	return Record{
		Tag:   Tag(buf[0]),
		Key:   binary.LittleEndian.Uint64(buf[1:9]),
		Value: binary.LittleEndian.Uint64(buf[9:17]),
	}, true
}

func encodeRecordFull(tag Tag, key, value uint64) []byte {
	buf := make([]byte, recordSize)
	buf[0] = byte(tag)
	binary.LittleEndian.PutUint64(buf[1:9], key)
	binary.LittleEndian.PutUint64(buf[9:17], value)
	binary.LittleEndian.PutUint64(buf[17:25], xxh3.Hash(buf[:17]))
	return buf
}

// Append writes one record and, once bufferOps appends have
// accumulated since the last sync, group-commits by fsyncing the
// file. It returns the byte offset the record ended at, for use by
// RollbackTo on a subsequent sync failure.
func (w *WAL) Append(tag Tag, key, value uint64) (endOffset int64, err error) {
	buf := encodeRecordFull(tag, key, value)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.WriteAt(buf, w.offset); err != nil {
		return w.offset, errors.Wrap(err, "wal: append")
	}
	w.offset += recordSize
	w.opsSinceSync++

	if w.opsSinceSync >= w.bufferOps {
		if err := w.f.Sync(); err != nil {
			return w.offset, errors.Wrap(err, "wal: group-commit fsync")
		}
		w.opsSinceSync = 0
	}
	return w.offset, nil
}

// Offset returns the current end-of-log byte offset, i.e. how many
// bytes of this WAL a caller's records currently span.
func (w *WAL) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Sync forces an fsync regardless of the group-commit counter.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "wal: fsync")
	}
	w.opsSinceSync = 0
	return nil
}

// RollbackTo truncates the log back to offset, used when an Append
// (or its group-commit fsync) fails, or when the memtable does not
// accept the record an Append just wrote: the WAL must forget that
// record too.
func (w *WAL) RollbackTo(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(offset); err != nil {
		return errors.Wrap(err, "wal: rollback truncate")
	}
	w.offset = offset
	return nil
}

// Checkpoint truncates the log to empty once its contents are fully
// reflected in a newly flushed SST.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return errors.Wrap(err, "wal: checkpoint truncate")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "wal: checkpoint fsync")
	}
	w.offset = 0
	w.opsSinceSync = 0
	return nil
}

// Close syncs and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "wal: final fsync")
	}
	return w.f.Close()
}
