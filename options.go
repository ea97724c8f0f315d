package bearr

import (
	"github.com/aricasas/BEARR/internal/logging"
	"github.com/aricasas/BEARR/internal/lsmtree"
	"github.com/aricasas/BEARR/internal/sstable"
)

// BloomAllocation selects how the per-level bloom bits-per-entry
// budget is derived. See lsmtree.BitsForLevel for the Monkey formula.
type BloomAllocation = lsmtree.BloomAllocation

const (
	// BloomAllocationMonkey allocates more bits/entry at deeper levels
	// so each level's false-positive contribution to a point lookup
	// stays balanced against its larger entry count (default).
	BloomAllocationMonkey = lsmtree.BloomAllocationMonkey
	// BloomAllocationUniform gives every level the same bits/entry
	// budget, corresponding to the compile-time uniform_bits toggle.
	BloomAllocationUniform = lsmtree.BloomAllocationUniform
)

// SSTIndexMode selects a table's index layout.
type SSTIndexMode = sstable.IndexMode

const (
	// SSTIndexBTree builds a B⁺-tree over the leaves (default).
	SSTIndexBTree = sstable.IndexModeBTree
	// SSTIndexBinarySearch omits the index and binary-searches leaf
	// page numbers directly, corresponding to the compile-time
	// binary_search toggle.
	SSTIndexBinarySearch = sstable.IndexModeBinarySearch
)

// Options configures a database. The zero value is invalid; use
// DefaultOptions and override fields as needed.
type Options struct {
	// SizeRatio (T) is the growth factor between LSM levels; must be >= 2.
	SizeRatio int
	// MemtableCapacityBytes (M) bounds the memtable before it is
	// frozen and flushed.
	MemtableCapacityBytes int
	// BloomBitsPerEntryLevel0 anchors the Monkey bit allocation.
	BloomBitsPerEntryLevel0 float64
	// BufferPoolCapacityPages bounds the shared page cache.
	BufferPoolCapacityPages int
	// WriteBufferPages is the sequential-write buffering window used
	// while building SSTs.
	WriteBufferPages int
	// ReadAheadPages is the sequential-read-ahead window used during
	// range scans and compaction merges.
	ReadAheadPages int
	// WALBufferOps (B) is the number of WAL appends between fsyncs.
	WALBufferOps int

	BloomAllocation BloomAllocation
	SSTIndexMode    SSTIndexMode

	// Logger receives structured diagnostics; if nil, a WARN-level
	// logger writing to stderr is used.
	Logger logging.Logger
}

// DefaultOptions returns the configuration used when create/open are
// called without overrides.
func DefaultOptions() Options {
	return Options{
		SizeRatio:               4,
		MemtableCapacityBytes:   4 << 20,
		BloomBitsPerEntryLevel0: 10,
		BufferPoolCapacityPages: 4096,
		WriteBufferPages:        64,
		ReadAheadPages:          16,
		WALBufferOps:            64,
		BloomAllocation:         BloomAllocationMonkey,
		SSTIndexMode:            SSTIndexBTree,
		Logger:                  logging.Discard,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.SizeRatio < 2 {
		o.SizeRatio = d.SizeRatio
	}
	if o.MemtableCapacityBytes <= 0 {
		o.MemtableCapacityBytes = d.MemtableCapacityBytes
	}
	if o.BloomBitsPerEntryLevel0 <= 0 {
		o.BloomBitsPerEntryLevel0 = d.BloomBitsPerEntryLevel0
	}
	if o.BufferPoolCapacityPages <= 0 {
		o.BufferPoolCapacityPages = d.BufferPoolCapacityPages
	}
	if o.WriteBufferPages <= 0 {
		o.WriteBufferPages = d.WriteBufferPages
	}
	if o.ReadAheadPages <= 0 {
		o.ReadAheadPages = d.ReadAheadPages
	}
	if o.WALBufferOps <= 0 {
		o.WALBufferOps = d.WALBufferOps
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}
