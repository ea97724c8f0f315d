package bearr

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/aricasas/BEARR/internal/kmerge"
	"github.com/aricasas/BEARR/internal/logging"
	"github.com/aricasas/BEARR/internal/lsmtree"
	"github.com/aricasas/BEARR/internal/memtable"
	"github.com/aricasas/BEARR/internal/pagestore"
	"github.com/aricasas/BEARR/internal/wal"
)

const walFileName = "WAL"

// Handle is an open database. It is safe for concurrent use: Put,
// Delete, and Flush are serialized internally against each other, and
// Get and Scan may run concurrently with the writer and with each
// other.
type Handle struct {
	opts  Options
	fs    pagestore.FS
	store *pagestore.Store
	tree  *lsmtree.Tree
	log   logging.Logger

	// writeMu enforces the single-writer invariant across Put, Delete,
	// and Flush; memMu additionally guards swapping h.mem itself so Get
	// and Scan never observe a half-replaced pointer.
	writeMu sync.Mutex
	memMu   sync.RWMutex
	mem     *memtable.Memtable

	w *wal.WAL

	unhealthy atomic.Bool
	closed    atomic.Bool
}

// Create initializes a new, empty database at path and returns a
// handle to it. It fails with ErrAlreadyExists if path already
// contains a database.
func Create(path string, opts Options) (*Handle, error) {
	opts = opts.normalize()
	fs := pagestore.OS()
	if fs.Exists(filepath.Join(path, lsmtree.ManifestName)) || fs.Exists(filepath.Join(path, walFileName)) {
		return nil, ErrAlreadyExists
	}
	if err := fs.MkdirAll(path); err != nil {
		return nil, errors.Wrap(err, "bearr: create")
	}
	return openHandle(fs, path, opts)
}

// Open recovers an existing database at path: it reconstructs the LSM
// tree from MANIFEST, then replays every record still in the WAL (the
// tail of writes not yet reflected in any SST) into a fresh memtable.
// A database that crashed before ever flushing has a WAL but no
// MANIFEST yet; that is still a valid database to open, not a missing
// one, so Open only fails with ErrNotFound when neither file exists.
func Open(path string, opts Options) (*Handle, error) {
	opts = opts.normalize()
	fs := pagestore.OS()
	hasManifest := fs.Exists(filepath.Join(path, lsmtree.ManifestName))
	hasWAL := fs.Exists(filepath.Join(path, walFileName))
	if !hasManifest && !hasWAL {
		return nil, ErrNotFound
	}
	return openHandle(fs, path, opts)
}

func openHandle(fs pagestore.FS, path string, opts Options) (*Handle, error) {
	store := pagestore.NewStore(fs, path, opts.BufferPoolCapacityPages, opts.WriteBufferPages, opts.ReadAheadPages)

	cfg := lsmtree.Config{
		SizeRatio:               opts.SizeRatio,
		BloomBitsPerEntryLevel0: opts.BloomBitsPerEntryLevel0,
		BloomAllocation:         opts.BloomAllocation,
		SSTIndexMode:            opts.SSTIndexMode,
	}
	tree, err := lsmtree.Open(fs, store, path, cfg, opts.Logger)
	if err != nil {
		if stderrors.Is(err, lsmtree.ErrManifestCorrupt) {
			return nil, errors.Wrap(ErrCorruption, err.Error())
		}
		return nil, errors.Wrap(err, "bearr: open lsm tree")
	}

	w, records, err := wal.Open(fs, filepath.Join(path, walFileName), opts.WALBufferOps)
	if err != nil {
		return nil, errors.Wrap(err, "bearr: open wal")
	}

	mem := memtable.New(opts.MemtableCapacityBytes)
	for _, rec := range records {
		// The WAL only holds records the previous memtable accepted (a
		// write that hit capacity is rolled back and re-appended after
		// the flush empties the log), so replaying them against a
		// same-sized memtable can't overflow it; guard rather than panic
		// if a smaller configured capacity makes it overflow anyway.
		if err := mem.Put(rec.Key, rec.Value); err != nil {
			opts.Logger.Warnf(logging.NSRecovery+"dropped WAL record for key %d during replay: %v", rec.Key, err)
		}
	}

	h := &Handle{
		opts:  opts,
		fs:    fs,
		store: store,
		tree:  tree,
		log:   opts.Logger,
		mem:   mem,
		w:     w,
	}
	if setter, ok := opts.Logger.(fatalHandlerSetter); ok {
		setter.SetFatalHandler(func(string) { h.unhealthy.Store(true) })
	}
	return h, nil
}

// fatalHandlerSetter is implemented by *logging.DefaultLogger. A
// caller-supplied Logger that doesn't implement it simply won't get a
// Fatalf-triggered unhealthy transition wired automatically; markUnhealthy
// sets the flag directly regardless, so correctness never depends on this.
type fatalHandlerSetter interface {
	SetFatalHandler(logging.FatalHandler)
}

func (h *Handle) markUnhealthy(op string, err error) error {
	h.unhealthy.Store(true)
	h.log.Fatalf(logging.NSDB+"%s: %v", op, err)
	return errors.Wrapf(err, "bearr: %s", op)
}

func (h *Handle) checkOpen() error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.unhealthy.Load() {
		return ErrClosed
	}
	return nil
}

// Get returns the value stored for key. It returns ErrKeyNotFound if
// key has never been written, or its most recent write was a Delete.
func (h *Handle) Get(key uint64) (uint64, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}

	h.memMu.RLock()
	v, ok := h.mem.Get(key)
	h.memMu.RUnlock()
	if ok {
		if v == memtable.TombstoneValue {
			return 0, ErrKeyNotFound
		}
		return v, nil
	}

	v, found, err := h.tree.Get(key)
	if err != nil {
		return 0, errors.Wrap(err, "bearr: get")
	}
	if !found || v == lsmtree.TombstoneValue {
		return 0, ErrKeyNotFound
	}
	return v, nil
}

// Put stores value under key, triggering a synchronous flush of the
// current memtable first if it has no room left: the flush runs on
// the calling goroutine, there is no background flush thread.
func (h *Handle) Put(key, value uint64) error {
	if value == memtable.TombstoneValue {
		return ErrInvalidValue
	}
	return h.write(wal.TagPut, key, value)
}

// Delete marks key as deleted. A subsequent Get returns ErrKeyNotFound
// until key is Put again.
func (h *Handle) Delete(key uint64) error {
	return h.write(wal.TagDelete, key, memtable.TombstoneValue)
}

// write appends the WAL record and applies it to the memtable, in that
// order: the memtable is only mutated once the WAL record is durably
// staged. If the memtable has no room, it stages the record
// into a fresh memtable after flushing the old one instead of failing
// the caller with CapacityExceeded, which is an internal signal only.
func (h *Handle) write(tag wal.Tag, key, value uint64) error {
	if err := h.checkOpen(); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	startOff := h.w.Offset()
	endOff, err := h.w.Append(tag, key, value)
	if err != nil {
		if rerr := h.w.RollbackTo(startOff); rerr != nil {
			return h.markUnhealthy("wal rollback", rerr)
		}
		return h.markUnhealthy("wal append", err)
	}

	h.memMu.Lock()
	err = h.mem.Put(key, value)
	h.memMu.Unlock()

	if stderrors.Is(err, memtable.ErrCapacityExceeded) {
		if rerr := h.w.RollbackTo(endOff - wal.RecordSize); rerr != nil {
			return h.markUnhealthy("wal rollback", rerr)
		}
		if ferr := h.flushLocked(); ferr != nil {
			return errors.Wrap(ferr, "bearr: flush on capacity")
		}

		startOff = h.w.Offset()
		endOff, err = h.w.Append(tag, key, value)
		if err != nil {
			if rerr := h.w.RollbackTo(startOff); rerr != nil {
				return h.markUnhealthy("wal rollback", rerr)
			}
			return h.markUnhealthy("wal append (post-flush)", err)
		}
		h.memMu.Lock()
		err = h.mem.Put(key, value)
		h.memMu.Unlock()
	}

	if err != nil {
		if rerr := h.w.RollbackTo(endOff - wal.RecordSize); rerr != nil {
			return h.markUnhealthy("wal rollback", rerr)
		}
		return h.markUnhealthy("memtable put", err)
	}
	return nil
}

// Cursor iterates a key range produced by Scan, newest write winning
// on duplicate keys and tombstones suppressed from the output.
type Cursor struct {
	merger  *kmerge.Merger
	release func()
	closed  bool
}

// Next advances the cursor. ok is false once the range is exhausted,
// at which point the cursor releases its pinned SSTs itself.
func (c *Cursor) Next() (key, value uint64, ok bool) {
	key, value, ok = c.merger.Next()
	if !ok {
		c.Close()
	}
	return key, value, ok
}

// Close releases every pinned SST the cursor holds. It is safe to call
// more than once and safe to skip if the cursor was drained to
// exhaustion, but callers that may abandon a cursor early should defer
// it to avoid pinning tables past their useful life.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.release()
}

// Scan returns a cursor over [start, end] combining a snapshot of the
// memtable with a range iterator over every overlapping SST across
// every level. The snapshot is taken atomically under a short lock;
// the cursor itself does not block the writer.
func (h *Handle) Scan(start, end uint64) (*Cursor, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if start > end {
		return nil, ErrInvalidRange
	}

	h.memMu.RLock()
	memIt := h.mem.NewIterator(start, end)
	h.memMu.RUnlock()

	treeSources, releaseTree := h.tree.Scan(start, end)

	sources := make([]kmerge.Source, 0, len(treeSources)+1)
	sources = append(sources, memIt)
	sources = append(sources, treeSources...)

	return &Cursor{
		merger:  kmerge.New(sources, true),
		release: releaseTree,
	}, nil
}

// Flush freezes the current memtable, builds it into a level-0 SST,
// and runs whatever compaction that triggers. It is a no-op if the
// memtable is empty.
func (h *Handle) Flush() error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.flushLocked()
}

// flushLocked assumes writeMu is already held.
func (h *Handle) flushLocked() error {
	h.memMu.RLock()
	empty := h.mem.Len() == 0
	h.memMu.RUnlock()
	if empty {
		return nil
	}

	h.memMu.Lock()
	old := h.mem
	h.mem = memtable.New(h.opts.MemtableCapacityBytes)
	h.memMu.Unlock()
	h.log.Debugf(logging.NSMemtable+"rotating memtable (%d entries, %d bytes) for flush", old.Len(), old.SizeBytes())

	it := old.NewIterator(0, ^uint64(0))
	checkpoint := uint64(h.w.Offset())
	if err := h.tree.Flush(it, old.Len(), checkpoint); err != nil {
		// Flush failed: the partial SST was already cleaned up inside
		// lsmtree.Flush. Restore the frozen memtable as current rather
		// than losing its entries; no concurrent writer could have
		// touched the replacement in the meantime since writeMu is
		// held throughout.
		h.memMu.Lock()
		h.mem = old
		h.memMu.Unlock()
		return h.markUnhealthy("flush", err)
	}
	h.log.Debugf(logging.NSFlush+"flushed %d entries to level 0", old.Len())

	if err := h.w.Checkpoint(); err != nil {
		return h.markUnhealthy("wal checkpoint", err)
	}
	h.log.Debugf(logging.NSWAL+"checkpointed WAL after flush")
	return nil
}

// Close flushes any buffered writes and releases the handle. It is
// safe to call more than once.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.writeMu.Lock()
	flushErr := h.flushLocked()
	h.writeMu.Unlock()

	if hits, misses := h.store.Pool().Stats(); hits+misses > 0 {
		h.log.Debugf(logging.NSBufferPool+"closing: %d hits, %d misses", hits, misses)
	}

	walErr := h.w.Close()
	if flushErr != nil {
		return flushErr
	}
	return walErr
}
