// Package xhash provides the seeded 64-bit hash family used by the
// bloom filter (internal/bloom) and the buffer pool's open-addressing
// page table (internal/pagestore.PageTable).
//
// Each Seeded value is a distinct hash function drawn from the same
// underlying algorithm (XXH3) by mixing in a 64-bit seed. Seeds are
// persisted verbatim in SST metadata so a filter built at
// write time can be reconstructed byte-for-byte at read time.
package xhash

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Seeded is one hash function in a family: the same algorithm salted
// with a distinct seed. The zero value is a valid function with seed 0.
type Seeded struct {
	Seed uint64
}

// NewSeeded returns the hash function with the given seed.
func NewSeeded(seed uint64) Seeded {
	return Seeded{Seed: seed}
}

// HashUint64 hashes an 8-byte little-endian encoding of key.
func (h Seeded) HashUint64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxh3.HashSeed(buf[:], h.Seed)
}

// HashUint64ToIndex hashes key to an index in [0, length), used by
// PageTable to pick a key's home bucket.
// REQUIRES: length > 0.
func (h Seeded) HashUint64ToIndex(key uint64, length int) int {
	return int(h.HashUint64(key) % uint64(length))
}
