// Package bloom implements the per-SST Bloom filter: a fixed-size bit
// array probed by k independently seeded hash functions, sized so that
// never a false negative occurs and the false-positive rate is
// governed by (bits_per_entry, k).
package bloom

import (
	"math"

	"github.com/aricasas/BEARR/internal/xhash"
)

// MaxHashes clamps k to a sane upper bound regardless of how large a
// bits_per_entry budget gets requested.
const MaxHashes = 16

// Filter is a fixed-size bitmap plus its hash-seed family. Seeds are
// exported so the SST writer can persist them in the metadata page and
// the reader can reconstruct an identical Filter without rebuilding it.
type Filter struct {
	numBits uint64
	hashers []xhash.Seeded
	bits    []byte
}

// ChooseNumHashes returns the number of hash functions to use for a
// filter with bitsPerEntry bits budgeted per entry: round(b * ln 2),
// clamped to [1, MaxHashes].
func ChooseNumHashes(bitsPerEntry float64) int {
	k := int(math.Round(bitsPerEntry * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > MaxHashes {
		k = MaxHashes
	}
	return k
}

// New builds an empty filter sized for numEntries at bitsPerEntry bits
// each, deriving k hash seeds from seedGen (called with 0..k-1).
func New(numEntries int, bitsPerEntry float64, seedGen func(i int) uint64) *Filter {
	if bitsPerEntry < 1 {
		bitsPerEntry = 1
	}
	numBits := uint64(math.Ceil(float64(numEntries) * bitsPerEntry))
	if numBits == 0 {
		numBits = 8
	}
	k := ChooseNumHashes(bitsPerEntry)
	hashers := make([]xhash.Seeded, k)
	for i := range hashers {
		hashers[i] = xhash.NewSeeded(seedGen(i))
	}
	return &Filter{
		numBits: numBits,
		hashers: hashers,
		bits:    make([]byte, (numBits+7)/8),
	}
}

// FromBits reconstructs a filter previously persisted with the given
// seeds and raw bitmap, as read back from an SST's bloom-filter region.
func FromBits(seeds []uint64, numBits uint64, bits []byte) *Filter {
	hashers := make([]xhash.Seeded, len(seeds))
	for i, s := range seeds {
		hashers[i] = xhash.NewSeeded(s)
	}
	return &Filter{numBits: numBits, hashers: hashers, bits: bits}
}

// Insert adds key to the filter.
func (f *Filter) Insert(key uint64) {
	for _, h := range f.hashers {
		idx := h.HashUint64(key) % f.numBits
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MayContain returns false only if key is definitely absent.
func (f *Filter) MayContain(key uint64) bool {
	for _, h := range f.hashers {
		idx := h.HashUint64(key) % f.numBits
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// NumBits returns the size of the bitmap in bits.
func (f *Filter) NumBits() uint64 { return f.numBits }

// K returns the number of hash functions.
func (f *Filter) K() int { return len(f.hashers) }

// Seeds returns the seeds of the hash family, in the order they were
// created, for persistence in SST metadata.
func (f *Filter) Seeds() []uint64 {
	seeds := make([]uint64, len(f.hashers))
	for i, h := range f.hashers {
		seeds[i] = h.Seed
	}
	return seeds
}

// Bits returns the raw bitmap, exactly ceil(NumBits()/8) bytes.
func (f *Filter) Bits() []byte { return f.bits }
