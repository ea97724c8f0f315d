// Package lsmtree implements the multi-level organisation of SSTs on
// disk: level 0 absorbs memtable flushes, tiered levels
// accumulate up to size_ratio tables before merging into the level
// below, and the deepest level is leveled, merging every incoming
// table with its single resident (Dostoevsky's tiered-to-leveled
// policy). Bloom bit budgets are assigned per level by Monkey.
package lsmtree

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/aricasas/BEARR/internal/kmerge"
	"github.com/aricasas/BEARR/internal/logging"
	"github.com/aricasas/BEARR/internal/pagestore"
	"github.com/aricasas/BEARR/internal/sstable"
	"github.com/aricasas/BEARR/internal/xhash"
)

// TombstoneValue mirrors memtable.TombstoneValue and kmerge.TombstoneValue.
const TombstoneValue uint64 = ^uint64(0)

// openScansConcurrently opens a range iterator over every pinned input
// table in parallel. Each Scan does an independent B+-tree descent to
// find its starting leaf before any merging can begin; fanning that
// setup I/O out across the inputs turns a cascading compaction's
// startup latency into roughly the slowest single table's instead of
// the sum of all of them, while the returned slices stay indexed in
// the caller's original (newest-first) order so kmerge's rank contract
// is unaffected by which one actually finishes first.
func openScansConcurrently(inputs []*sstable.Table) ([]*sstable.RangeIterator, []kmerge.Source, error) {
	its := make([]*sstable.RangeIterator, len(inputs))
	sources := make([]kmerge.Source, len(inputs))
	var g errgroup.Group
	for i, tbl := range inputs {
		i, tbl := i, tbl
		g.Go(func() error {
			it, err := tbl.Scan(0, math.MaxUint64)
			if err != nil {
				return err
			}
			its[i] = it
			sources[i] = it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, it := range its {
			if it != nil {
				it.Close()
			}
		}
		return nil, nil, err
	}
	return its, sources, nil
}

type levelState struct {
	tables         []*sstable.Table // index 0 = newest generation
	nextGeneration uint64
}

// Config carries the tuning knobs this package needs.
type Config struct {
	SizeRatio               int
	BloomBitsPerEntryLevel0 float64
	BloomAllocation         BloomAllocation
	SSTIndexMode            sstable.IndexMode
}

// Tree is the on-disk multi-level table hierarchy. It does not own the
// memtable or the WAL; the facade in the root package coordinates
// those against Tree's Flush/Get/Scan/Compact operations under a
// single-writer discipline. Tree's own mutex only protects its level
// list against concurrent readers, so Get/Scan may run while a flush
// or compaction is rewriting a different part of the tree.
type Tree struct {
	mu    sync.RWMutex
	store *pagestore.Store
	fs    pagestore.FS
	root  string
	cfg   Config
	log   logging.Logger

	levels         []*levelState
	bottomLeveling uint64
	walCheckpoint  uint64

	seedCounter atomic.Uint64
}

// Open recovers the level hierarchy from the manifest, opening every
// listed table and discarding (deleting) any whose magic doesn't
// validate.
func Open(fs pagestore.FS, store *pagestore.Store, root string, cfg Config, log logging.Logger) (*Tree, error) {
	log = logging.OrDefault(log)
	if cfg.SizeRatio < 2 {
		cfg.SizeRatio = 2
	}

	man, err := Load(fs, root)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		store:         store,
		fs:            fs,
		root:          root,
		cfg:           cfg,
		log:           log,
		walCheckpoint: man.WALCheckpoint,
		bottomLeveling: man.BottomLeveling,
	}

	maxLevel := -1
	for _, e := range man.Entries {
		if int(e.Level) > maxLevel {
			maxLevel = int(e.Level)
		}
	}
	t.levels = make([]*levelState, maxLevel+1)
	for i := range t.levels {
		t.levels[i] = &levelState{}
	}

	for _, e := range man.Entries {
		tbl, err := sstable.Open(store, e.Level, e.Generation)
		if err != nil {
			log.Warnf(logging.NSManifest+"dropping corrupt table L%d/%d: %v", e.Level, e.Generation, err)
			_ = store.RemoveFile(e.Level, e.Generation)
			continue
		}
		lvl := t.levels[e.Level]
		lvl.tables = append(lvl.tables, tbl)
		if e.Generation >= lvl.nextGeneration {
			lvl.nextGeneration = e.Generation + 1
		}
	}
	for _, lvl := range t.levels {
		sortTablesNewestFirst(lvl.tables)
	}

	return t, nil
}

func sortTablesNewestFirst(tables []*sstable.Table) {
	for i := 1; i < len(tables); i++ {
		for j := i; j > 0 && tables[j].Generation() > tables[j-1].Generation(); j-- {
			tables[j], tables[j-1] = tables[j-1], tables[j]
		}
	}
}

// WALCheckpoint reports the WAL end offset recorded at the last flush,
// whose records the current table set already holds. Recovery does not
// read it: the WAL is emptied after every flush, and Open replays every
// record still in it.
func (t *Tree) WALCheckpoint() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.walCheckpoint
}

func (t *Tree) nextSeed() uint64 {
	n := t.seedCounter.Add(1)
	return xhash.NewSeeded(0x5EED).HashUint64(n)
}

// Get probes every level in increasing depth order and, within a
// level, every table in decreasing generation order, stopping at the
// first match. The returned value may be TombstoneValue; translating
// that to "absent" is the caller's job, matching how a memtable hit is
// handled identically.
func (t *Tree) Get(key uint64) (value uint64, found bool, err error) {
	tables, unpin := t.snapshotForKey(key)
	defer unpin()

	for _, tbl := range tables {
		v, ok, err := tbl.Get(key)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}

// snapshotForKey returns, newest-first, every table across every
// level that might contain key, pinned so a concurrent compaction
// cannot delete them out from under the read.
func (t *Tree) snapshotForKey(key uint64) (tables []*sstable.Table, release func()) {
	t.mu.RLock()
	var out []*sstable.Table
	for _, lvl := range t.levels {
		for _, tbl := range lvl.tables {
			if tbl.MayOverlap(key, key) {
				tbl.Pin()
				out = append(out, tbl)
			}
		}
	}
	t.mu.RUnlock()
	return out, func() {
		for _, tbl := range out {
			tbl.Unpin()
		}
	}
}

// Scan returns a rank-ordered list of kmerge.Source values, one per
// overlapping table across every level (newest first), for the caller
// to merge alongside a memtable iterator. The caller must call the
// returned release func once done to unpin every table.
func (t *Tree) Scan(start, end uint64) (sources []kmerge.Source, release func()) {
	t.mu.RLock()
	var tables []*sstable.Table
	for _, lvl := range t.levels {
		for _, tbl := range lvl.tables {
			if tbl.MayOverlap(start, end) {
				tbl.Pin()
				tables = append(tables, tbl)
			}
		}
	}
	t.mu.RUnlock()

	its := make([]*sstable.RangeIterator, 0, len(tables))
	srcs := make([]kmerge.Source, 0, len(tables))
	for _, tbl := range tables {
		it, err := tbl.Scan(start, end)
		if err != nil {
			t.log.Warnf(logging.NSDB+"scan of L%d/%d failed: %v", tbl.Level(), tbl.Generation(), err)
			continue
		}
		its = append(its, it)
		srcs = append(srcs, it)
	}
	return srcs, func() {
		for _, it := range its {
			it.Close()
		}
		for _, tbl := range tables {
			tbl.Unpin()
		}
	}
}

// FlushSource is the sorted, tombstone-preserving iterator over a
// frozen memtable that Flush writes to a new level-0 table.
type FlushSource = sstable.Source

// Flush writes source (numEntries records) as a new level-0 table and
// runs whatever compactions that triggers.
func (t *Tree) Flush(source FlushSource, numEntries int, walCheckpoint uint64) error {
	t.mu.Lock()
	if len(t.levels) == 0 {
		t.levels = append(t.levels, &levelState{})
	}
	lvl0 := t.levels[0]
	gen := lvl0.nextGeneration
	lvl0.nextGeneration++
	t.mu.Unlock()

	bits := BitsPerEntry(t.cfg.BloomAllocation, 0, t.cfg.BloomBitsPerEntryLevel0, t.cfg.SizeRatio)
	if err := sstable.Build(t.store, 0, gen, source, sstable.BuildOptions{
		NumEntries:   numEntries,
		BitsPerEntry: bits,
		IndexMode:    t.cfg.SSTIndexMode,
		SeedGen:      func(int) uint64 { return t.nextSeed() },
	}); err != nil {
		// Build cleans up its own UUID-staged temp file on failure; the
		// (level, generation) address it would have promoted to was
		// never touched.
		return errors.Wrap(err, "lsmtree: flush build")
	}
	tbl, err := sstable.Open(t.store, 0, gen)
	if err != nil {
		_ = t.store.RemoveFile(0, gen)
		return errors.Wrap(err, "lsmtree: open flushed table")
	}

	t.mu.Lock()
	t.levels[0].tables = append([]*sstable.Table{tbl}, t.levels[0].tables...)
	t.walCheckpoint = walCheckpoint
	t.mu.Unlock()

	if err := t.compact(); err != nil {
		return err
	}
	return t.saveManifest()
}

// compact runs Dostoevsky's tiered-then-leveled cascade to
// completion: tiered levels merge down whenever they reach size_ratio
// tables, then the deepest level absorbs whatever arrived and, if
// bottomLeveling has folded in size_ratio original tables, a fresh
// empty deepest level is promoted.
func (t *Tree) compact() error {
	t.mu.Lock()
	bottomLevel := len(t.levels) - 1
	t.mu.Unlock()
	if bottomLevel < 0 {
		return nil
	}

	for i := 0; i < bottomLevel; i++ {
		if err := t.compactTiered(i); err != nil {
			return err
		}
	}
	return t.compactBottom(bottomLevel)
}

func (t *Tree) compactTiered(level int) error {
	t.mu.RLock()
	lvl := t.levels[level]
	full := len(lvl.tables) >= t.cfg.SizeRatio
	var inputs []*sstable.Table
	if full {
		inputs = append(inputs, lvl.tables...)
		for _, tbl := range inputs {
			tbl.Pin()
		}
	}
	t.mu.RUnlock()
	if !full {
		return nil
	}
	defer func() {
		for _, tbl := range inputs {
			tbl.Unpin()
		}
	}()

	its, sources, err := openScansConcurrently(inputs)
	if err != nil {
		return errors.Wrap(err, "lsmtree: compaction scan")
	}
	var numEntries int
	for _, tbl := range inputs {
		numEntries += int(tbl.Entries())
	}
	defer func() {
		for _, it := range its {
			it.Close()
		}
	}()
	// inputs are ordered newest-first, matching kmerge's rank contract.
	merged := kmerge.New(sources, false)

	t.mu.Lock()
	destLevel := level + 1
	if destLevel >= len(t.levels) {
		t.levels = append(t.levels, &levelState{})
	}
	dest := t.levels[destLevel]
	gen := dest.nextGeneration
	dest.nextGeneration++
	t.mu.Unlock()

	bits := BitsPerEntry(t.cfg.BloomAllocation, destLevel, t.cfg.BloomBitsPerEntryLevel0, t.cfg.SizeRatio)
	if err := sstable.Build(t.store, uint8(destLevel), gen, merged, sstable.BuildOptions{
		NumEntries:   numEntries,
		BitsPerEntry: bits,
		IndexMode:    t.cfg.SSTIndexMode,
		SeedGen:      func(int) uint64 { return t.nextSeed() },
	}); err != nil {
		return errors.Wrap(err, "lsmtree: tiered compaction build")
	}
	newTable, err := sstable.Open(t.store, uint8(destLevel), gen)
	if err != nil {
		_ = t.store.RemoveFile(uint8(destLevel), gen)
		return errors.Wrap(err, "lsmtree: open compacted table")
	}

	t.mu.Lock()
	t.levels[destLevel].tables = append([]*sstable.Table{newTable}, t.levels[destLevel].tables...)
	t.levels[level].tables = nil
	t.mu.Unlock()

	t.log.Debugf(logging.NSCompact+"tiered merge L%d -> L%d/%d (%d entries from %d tables)",
		level, destLevel, gen, numEntries, len(inputs))
	return t.destroyTables(inputs)
}

func (t *Tree) compactBottom(bottomLevel int) error {
	t.mu.RLock()
	lvl := t.levels[bottomLevel]
	needsMerge := len(lvl.tables) > 1
	var inputs []*sstable.Table
	if needsMerge {
		inputs = append(inputs, lvl.tables...)
		for _, tbl := range inputs {
			tbl.Pin()
		}
	}
	t.mu.RUnlock()
	if !needsMerge {
		return nil
	}
	defer func() {
		for _, tbl := range inputs {
			tbl.Unpin()
		}
	}()

	its, sources, err := openScansConcurrently(inputs)
	if err != nil {
		return errors.Wrap(err, "lsmtree: bottom compaction scan")
	}
	var numEntries int
	for _, tbl := range inputs {
		numEntries += int(tbl.Entries())
	}
	defer func() {
		for _, it := range its {
			it.Close()
		}
	}()
	// Tombstones are dropped only at the true bottom of the tree:
	// nothing deeper remains to shadow.
	merged := kmerge.New(sources, true)

	t.mu.Lock()
	gen := lvl.nextGeneration
	lvl.nextGeneration++
	t.mu.Unlock()

	bits := BitsPerEntry(t.cfg.BloomAllocation, bottomLevel, t.cfg.BloomBitsPerEntryLevel0, t.cfg.SizeRatio)
	if err := sstable.Build(t.store, uint8(bottomLevel), gen, merged, sstable.BuildOptions{
		NumEntries:   numEntries,
		BitsPerEntry: bits,
		IndexMode:    t.cfg.SSTIndexMode,
		SeedGen:      func(int) uint64 { return t.nextSeed() },
	}); err != nil {
		return errors.Wrap(err, "lsmtree: bottom compaction build")
	}
	newTable, err := sstable.Open(t.store, uint8(bottomLevel), gen)
	if err != nil {
		_ = t.store.RemoveFile(uint8(bottomLevel), gen)
		return errors.Wrap(err, "lsmtree: open bottom table")
	}

	t.mu.Lock()
	t.bottomLeveling += uint64(len(inputs) - 1)
	t.levels[bottomLevel].tables = []*sstable.Table{newTable}
	promote := t.bottomLeveling >= uint64(t.cfg.SizeRatio)
	t.mu.Unlock()

	t.log.Debugf(logging.NSCompact+"bottom merge L%d/%d (%d entries from %d tables)",
		bottomLevel, gen, numEntries, len(inputs))
	if err := t.destroyTables(inputs); err != nil {
		return err
	}
	if promote {
		return t.promoteBottom(bottomLevel)
	}
	return nil
}

// promoteBottom moves the current single bottom-level table into a
// freshly appended empty level, so future leveled merges start
// counting bottom_leveling from a clean slate instead of growing one
// file forever (original_source/src/lsm.rs's merge_levels).
func (t *Tree) promoteBottom(bottomLevel int) error {
	t.mu.Lock()
	former := t.levels[bottomLevel]
	if len(former.tables) != 1 {
		t.mu.Unlock()
		return errors.New("lsmtree: promotion expects exactly one resident table")
	}
	tbl := former.tables[0]
	newLevel := bottomLevel + 1
	t.levels = append(t.levels, &levelState{})
	newGen := t.levels[newLevel].nextGeneration
	t.levels[newLevel].nextGeneration++
	t.mu.Unlock()

	if err := t.store.RenameFile(tbl.Level(), tbl.Generation(), uint8(newLevel), newGen); err != nil {
		return errors.Wrap(err, "lsmtree: promote bottom level")
	}
	moved, err := sstable.Open(t.store, uint8(newLevel), newGen)
	if err != nil {
		return errors.Wrap(err, "lsmtree: reopen promoted table")
	}

	t.mu.Lock()
	t.levels[newLevel].tables = []*sstable.Table{moved}
	t.levels[bottomLevel].tables = nil
	t.bottomLeveling = 1
	t.mu.Unlock()
	return nil
}

// destroyTables removes each table's file once its reference count
// drops to zero, deferring physical deletion for any reader still
// mid-scan.
func (t *Tree) destroyTables(tables []*sstable.Table) error {
	for _, tbl := range tables {
		level, gen := tbl.Level(), tbl.Generation()
		tbl.OnZeroRefs(func() {
			if err := t.store.RemoveFile(level, gen); err != nil {
				t.log.Warnf(logging.NSCompact+"remove compacted input L%d/%d: %v", level, gen, err)
			}
		})
	}
	return nil
}

func (t *Tree) saveManifest() error {
	t.mu.RLock()
	man := &Manifest{WALCheckpoint: t.walCheckpoint, BottomLeveling: t.bottomLeveling}
	for level, lvl := range t.levels {
		for _, tbl := range lvl.tables {
			man.Entries = append(man.Entries, Entry{Level: uint8(level), Generation: tbl.Generation()})
		}
	}
	t.mu.RUnlock()
	if err := man.Save(t.fs, t.root); err != nil {
		return err
	}
	t.log.Debugf(logging.NSManifest+"saved manifest (%d tables, WAL checkpoint %d)", len(man.Entries), man.WALCheckpoint)
	return nil
}

// Levels reports the number of live levels, for diagnostics and tests.
func (t *Tree) Levels() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.levels)
}
