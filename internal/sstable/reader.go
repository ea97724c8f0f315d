package sstable

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/aricasas/BEARR/internal/bloom"
	"github.com/aricasas/BEARR/internal/pagestore"
)

// Table is an opened, immutable SST. It is safe for concurrent use by
// multiple readers. Callers that hold a Table across a compaction must
// Pin it first so the underlying file survives until they Unpin: a
// table is destroyed only once no reader holds a reference.
type Table struct {
	store      *pagestore.Store
	level      uint8
	generation uint64
	meta       *metadata
	filter     *bloom.Filter
	indexMode  IndexMode
	refcount   atomic.Int32

	orphanMu sync.Mutex
	onZero   func()
}

// Open reads and validates page 0 of (level, generation). A missing or
// invalid magic number yields ErrCorruptSST; the caller is expected to
// delete the file and exclude it from the live set.
func Open(store *pagestore.Store, level uint8, generation uint64) (*Table, error) {
	page0, err := store.ReadPage(level, generation, 0)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetadata(page0)
	if err != nil {
		return nil, err
	}

	seeds := make([]uint64, len(meta.bloomSeeds))
	copy(seeds, meta.bloomSeeds)
	numBloomBytes := (meta.bloomBits + 7) / 8
	bits := make([]byte, 0, numBloomBytes)
	for p := meta.bloomOffset; p < meta.endOffset && uint64(len(bits)) < numBloomBytes; p++ {
		page, err := store.ReadPage(level, generation, p)
		if err != nil {
			return nil, err
		}
		remaining := numBloomBytes - uint64(len(bits))
		if remaining > pagestore.PageSize {
			remaining = pagestore.PageSize
		}
		bits = append(bits, page[:remaining]...)
	}

	indexMode := IndexModeBTree
	if meta.version == VersionBinarySearch {
		indexMode = IndexModeBinarySearch
	}

	return &Table{
		store:      store,
		level:      level,
		generation: generation,
		meta:       meta,
		filter:     bloom.FromBits(seeds, meta.bloomBits, bits),
		indexMode:  indexMode,
	}, nil
}

// Level, Generation, MinKey, MaxKey, Entries expose the immutable
// identity and summary statistics recorded in the metadata page.
func (t *Table) Level() uint8        { return t.level }
func (t *Table) Generation() uint64  { return t.generation }
func (t *Table) MinKey() uint64      { return t.meta.minKey }
func (t *Table) MaxKey() uint64      { return t.meta.maxKey }
func (t *Table) Entries() uint64     { return t.meta.entries }
func (t *Table) IndexMode() IndexMode { return t.indexMode }

// MayOverlap reports whether this table's key range intersects
// [start, end], letting callers skip a table entirely without a bloom
// probe or any page I/O.
func (t *Table) MayOverlap(start, end uint64) bool {
	if t.meta.entries == 0 {
		return false
	}
	return start <= t.meta.maxKey && t.meta.minKey <= end
}

// Pin increments the reference count, deferring deletion of this
// table's file until every pinner has called Unpin.
func (t *Table) Pin() { t.refcount.Add(1) }

// Unpin decrements the reference count and returns the count after
// the decrement. If OnZeroRefs previously registered a callback and
// this Unpin brings the count to zero, the callback fires exactly once.
func (t *Table) Unpin() int32 {
	n := t.refcount.Add(-1)
	if n == 0 {
		t.orphanMu.Lock()
		cb := t.onZero
		t.onZero = nil
		t.orphanMu.Unlock()
		if cb != nil {
			cb()
		}
	}
	return n
}

// RefCount reports the current pin count.
func (t *Table) RefCount() int32 { return t.refcount.Load() }

// OnZeroRefs registers cb to run the moment the pin count reaches
// zero, firing immediately if it is already zero. Used to defer
// deleting a compacted-away table's file until every in-flight scan
// that pinned it has finished.
func (t *Table) OnZeroRefs(cb func()) {
	t.orphanMu.Lock()
	if t.refcount.Load() == 0 {
		t.orphanMu.Unlock()
		cb()
		return
	}
	t.onZero = cb
	t.orphanMu.Unlock()
}

// Get looks up key, consulting the bloom filter first.
func (t *Table) Get(key uint64) (value uint64, found bool, err error) {
	if t.meta.entries == 0 || key < t.meta.minKey || key > t.meta.maxKey {
		return 0, false, nil
	}
	if !t.filter.MayContain(key) {
		return 0, false, nil
	}
	leafPage, err := t.findLeaf(key)
	if err != nil {
		return 0, false, err
	}
	page, err := t.store.ReadPage(t.level, t.generation, leafPage)
	if err != nil {
		return 0, false, err
	}
	keys, values := decodeLeaf(page)
	i, ok := slices.BinarySearch(keys, key)
	if !ok {
		return 0, false, nil
	}
	return values[i], true, nil
}

// findLeaf returns the page number of the leaf that would hold key,
// via a B⁺-tree descent or, in binary-search mode, a direct binary
// search over leaf page numbers.
func (t *Table) findLeaf(key uint64) (uint32, error) {
	if t.indexMode == IndexModeBinarySearch || t.meta.treeDepth == 0 {
		return t.binarySearchLeaf(key)
	}

	current := t.meta.bloomOffset - 1 // root is the last node page written
	for depth := t.meta.treeDepth; depth > 0; depth-- {
		page, err := t.store.ReadPage(t.level, t.generation, current)
		if err != nil {
			return 0, err
		}
		separators, children := decodeNode(page)
		// First index whose separator is >= key: separators are
		// strictly increasing and each one is the max key of its
		// subtree, so this picks the correct child.
		idx, _ := slices.BinarySearchFunc(separators, key, func(sep, k uint64) int {
			if sep < k {
				return -1
			}
			if sep > k {
				return 1
			}
			return 0
		})
		if idx >= len(children) {
			idx = len(children) - 1
		}
		current = children[idx]
	}
	return current, nil
}

// binarySearchLeaf finds the first leaf page (in [leaf_offset, node_offset))
// whose max key is >= key, reading one leaf per probe.
func (t *Table) binarySearchLeaf(key uint64) (uint32, error) {
	lo, hi := t.meta.leafOffset, t.meta.nodeOffset-1
	for lo < hi {
		mid := lo + (hi-lo)/2
		page, err := t.store.ReadPage(t.level, t.generation, mid)
		if err != nil {
			return 0, err
		}
		keys, _ := decodeLeaf(page)
		maxKey := keys[len(keys)-1]
		if maxKey < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}
