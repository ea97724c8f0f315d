package sstable

import (
	"github.com/google/uuid"

	"github.com/aricasas/BEARR/internal/bloom"
	"github.com/aricasas/BEARR/internal/pagestore"
)

// Source yields already sorted, de-duplicated (key, value) pairs to be
// written into a new table. A memtable.Iterator or a kmerge.Merger
// satisfy this shape.
type Source interface {
	Next() (key, value uint64, ok bool)
}

// IndexMode selects the SST's index layout.
type IndexMode int

const (
	// IndexModeBTree writes a B⁺-tree index over the leaves.
	IndexModeBTree IndexMode = iota
	// IndexModeBinarySearch omits the index; lookups binary-search
	// leaf page numbers directly, reading one leaf per probe.
	IndexModeBinarySearch
)

// BuildOptions configures a table build.
type BuildOptions struct {
	// NumEntries is the number of records Source will yield, or an
	// upper bound on it (compaction passes the inputs' summed counts
	// before duplicates are merged away), needed up front to size the
	// bloom filter.
	NumEntries int
	// BitsPerEntry is the Monkey-allocated bloom budget for this level.
	BitsPerEntry float64
	IndexMode    IndexMode
	// SeedGen derives the i-th bloom hash seed; callers typically wire
	// this to a per-database random source so seeds differ across
	// tables. Seeds are persisted in the metadata page rather than
	// fixed, so a filter built at write time can be reconstructed
	// byte-for-byte at read time.
	SeedGen func(i int) uint64
}

type leafRef struct {
	maxKey     uint64
	pageNumber uint32
}

// Build streams source into a new (level, generation) table using the
// leaves -> internal nodes -> bloom filter -> metadata write order,
// fsyncing only once the magic-bearing metadata page has been
// written: a reader can then trust that a table whose magic validates
// is complete.
func Build(store *pagestore.Store, level uint8, generation uint64, source Source, opts BuildOptions) error {
	tmpName := "tmp-" + uuid.NewString() + ".sst"
	w, tmpPath, err := store.CreateStagingWriter(level, tmpName)
	if err != nil {
		return err
	}
	// A build that fails partway leaves only the UUID-named staging
	// file behind, never a half-written file at the table's real
	// address; succeeded is set once the build has finished and the
	// staging file has been renamed into place, so this deferred
	// cleanup becomes a no-op.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = store.RemoveStaging(tmpPath)
		}
	}()

	// Page 0 is reserved for metadata but written last: stage a blank
	// placeholder now so leaves start at page 1.
	if err := w.WritePage(make([]byte, pagestore.PageSize)); err != nil {
		_ = w.Close()
		return err
	}

	filter := bloom.New(maxInt(opts.NumEntries, 1), opts.BitsPerEntry, opts.SeedGen)

	var (
		leaves         []leafRef
		minKey, maxKey uint64
		entries        uint64
		haveMin        bool
		leafKeys       = make([]uint64, 0, MaxLeafEntries)
		leafVals       = make([]uint64, 0, MaxLeafEntries)
	)

	flushLeaf := func() error {
		if len(leafKeys) == 0 {
			return nil
		}
		page := encodeLeaf(leafKeys, leafVals)
		pageNum := w.PagesWritten()
		if err := w.WritePage(page); err != nil {
			return err
		}
		leaves = append(leaves, leafRef{maxKey: leafKeys[len(leafKeys)-1], pageNumber: pageNum})
		leafKeys = leafKeys[:0]
		leafVals = leafVals[:0]
		return nil
	}

	for {
		k, v, ok := source.Next()
		if !ok {
			break
		}
		if !haveMin {
			minKey = k
			haveMin = true
		}
		maxKey = k
		entries++
		filter.Insert(k)

		leafKeys = append(leafKeys, k)
		leafVals = append(leafVals, v)
		if len(leafKeys) == MaxLeafEntries {
			if err := flushLeaf(); err != nil {
				_ = w.Close()
				return err
			}
		}
	}
	if err := flushLeaf(); err != nil {
		_ = w.Close()
		return err
	}

	nodeOffset := w.PagesWritten()
	var treeDepth uint8
	if opts.IndexMode == IndexModeBTree {
		layer := leaves
		for len(layer) > 1 {
			treeDepth++
			var next []leafRef
			for i := 0; i < len(layer); i += MaxNodeEntries {
				chunk := layer[i:minInt(i+MaxNodeEntries, len(layer))]
				seps := make([]uint64, len(chunk))
				children := make([]uint32, len(chunk))
				for j, c := range chunk {
					seps[j] = c.maxKey
					children[j] = c.pageNumber
				}
				pageNum := w.PagesWritten()
				if err := w.WritePage(encodeNode(seps, children)); err != nil {
					_ = w.Close()
					return err
				}
				next = append(next, leafRef{maxKey: seps[len(seps)-1], pageNumber: pageNum})
			}
			layer = next
		}
	}

	bloomOffset := w.PagesWritten()
	bits := filter.Bits()
	for off := 0; off < len(bits); off += pagestore.PageSize {
		end := minInt(off+pagestore.PageSize, len(bits))
		page := make([]byte, pagestore.PageSize)
		copy(page, bits[off:end])
		if err := w.WritePage(page); err != nil {
			_ = w.Close()
			return err
		}
	}
	if len(bits) == 0 {
		if err := w.WritePage(make([]byte, pagestore.PageSize)); err != nil {
			_ = w.Close()
			return err
		}
	}
	endOffset := w.PagesWritten()

	version := VersionBTree
	if opts.IndexMode == IndexModeBinarySearch {
		version = VersionBinarySearch
	}
	meta := &metadata{
		magic:       Magic,
		version:     version,
		leafOffset:  1,
		nodeOffset:  nodeOffset,
		bloomOffset: bloomOffset,
		endOffset:   endOffset,
		bloomBits:   filter.NumBits(),
		bloomK:      uint8(filter.K()),
		entries:     entries,
		minKey:      minKey,
		maxKey:      maxKey,
		treeDepth:   treeDepth,
		bloomSeeds:  filter.Seeds(),
	}
	// Page 0's placeholder may still be sitting unflushed in the write
	// buffer (true of any table smaller than the buffer window); force
	// it to disk first so the direct metadata write below isn't later
	// clobbered when Close flushes the remaining tail over offset 0.
	if err := w.Flush(); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.WriteAtPage(0, meta.encode()); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := store.PromoteStaging(tmpPath, level, generation); err != nil {
		return err
	}
	succeeded = true
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
