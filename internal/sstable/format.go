// Package sstable implements the immutable, page-addressed sorted
// table format: a metadata page whose magic number is the sole proof
// of completeness, a leaf region of key-sorted (key, value) records,
// a B⁺-tree index built bottom-up over the leaves, and a per-table
// bloom filter sized per the Monkey allocation.
package sstable

import (
	"encoding/binary"

	"github.com/aricasas/BEARR/internal/pagestore"
)

// Magic is written to page 0 only after every other page of the file
// has been written, and the file's single fsync follows it; its
// presence on open is the sole proof the SST is complete.
const Magic uint64 = 0xBEA22DB5FADE0001

// Format versions, selected by Options.SSTIndexMode.
const (
	VersionBTree        uint16 = 1
	VersionBinarySearch uint16 = 2
)

const (
	// MaxLeafEntries bounds a leaf page to 255 (key, value) records so
	// the trailing count fits alongside 255*16 = 4080 bytes within the
	// 4096-byte page.
	MaxLeafEntries = 255
	// MaxNodeEntries bounds an internal node the same way: 255 *
	// (separator u64, child u32) = 3060 bytes, plus a count u16.
	MaxNodeEntries = 255

	leafRecordSize = 16 // key u64 + value u64
	nodeRecordSize = 12 // separator u64 + child_page u32
)

// metadata is the decoded contents of page 0.
type metadata struct {
	magic      uint64
	version    uint16
	leafOffset uint32
	nodeOffset uint32
	bloomOffset uint32
	endOffset  uint32
	bloomBits  uint64
	bloomK     uint8
	entries    uint64
	minKey     uint64
	maxKey     uint64
	treeDepth  uint8
	bloomSeeds []uint64
}

// encode serialises the metadata page, magic last.
func (m *metadata) encode() []byte {
	page := make([]byte, pagestore.PageSize)
	off := 8 // magic goes at [0:8], written last below
	binary.LittleEndian.PutUint16(page[off:], m.version)
	off += 2
	binary.LittleEndian.PutUint32(page[off:], m.leafOffset)
	off += 4
	binary.LittleEndian.PutUint32(page[off:], m.nodeOffset)
	off += 4
	binary.LittleEndian.PutUint32(page[off:], m.bloomOffset)
	off += 4
	binary.LittleEndian.PutUint32(page[off:], m.endOffset)
	off += 4
	binary.LittleEndian.PutUint64(page[off:], m.bloomBits)
	off += 8
	page[off] = m.bloomK
	off++
	binary.LittleEndian.PutUint64(page[off:], m.entries)
	off += 8
	binary.LittleEndian.PutUint64(page[off:], m.minKey)
	off += 8
	binary.LittleEndian.PutUint64(page[off:], m.maxKey)
	off += 8
	page[off] = m.treeDepth
	off++
	for _, s := range m.bloomSeeds {
		binary.LittleEndian.PutUint64(page[off:], s)
		off += 8
	}
	// Magic is the last field written into the buffer, mirroring the
	// on-disk requirement that it is the last thing fsynced.
	binary.LittleEndian.PutUint64(page[0:], m.magic)
	return page
}

func decodeMetadata(page []byte) (*metadata, error) {
	magic := binary.LittleEndian.Uint64(page[0:])
	if magic != Magic {
		return nil, ErrCorruptSST
	}
	off := 8
	m := &metadata{magic: magic}
	m.version = binary.LittleEndian.Uint16(page[off:])
	off += 2
	m.leafOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.nodeOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.bloomOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.endOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.bloomBits = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.bloomK = page[off]
	off++
	m.entries = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.minKey = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.maxKey = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.treeDepth = page[off]
	off++
	m.bloomSeeds = make([]uint64, m.bloomK)
	for i := range m.bloomSeeds {
		m.bloomSeeds[i] = binary.LittleEndian.Uint64(page[off:])
		off += 8
	}
	return m, nil
}

// encodeLeaf writes up to MaxLeafEntries sorted (key, value) records
// followed by a live-count u16.
func encodeLeaf(keys, values []uint64) []byte {
	page := make([]byte, pagestore.PageSize)
	off := 0
	for i := range keys {
		binary.LittleEndian.PutUint64(page[off:], keys[i])
		binary.LittleEndian.PutUint64(page[off+8:], values[i])
		off += leafRecordSize
	}
	binary.LittleEndian.PutUint16(page[MaxLeafEntries*leafRecordSize:], uint16(len(keys)))
	return page
}

func decodeLeaf(page []byte) (keys, values []uint64) {
	count := binary.LittleEndian.Uint16(page[MaxLeafEntries*leafRecordSize:])
	keys = make([]uint64, count)
	values = make([]uint64, count)
	off := 0
	for i := 0; i < int(count); i++ {
		keys[i] = binary.LittleEndian.Uint64(page[off:])
		values[i] = binary.LittleEndian.Uint64(page[off+8:])
		off += leafRecordSize
	}
	return keys, values
}

// encodeNode writes up to MaxNodeEntries (separator, child_page) pairs
// followed by a live-count u16.
func encodeNode(separators []uint64, children []uint32) []byte {
	page := make([]byte, pagestore.PageSize)
	off := 0
	for i := range separators {
		binary.LittleEndian.PutUint64(page[off:], separators[i])
		binary.LittleEndian.PutUint32(page[off+8:], children[i])
		off += nodeRecordSize
	}
	binary.LittleEndian.PutUint16(page[MaxNodeEntries*nodeRecordSize:], uint16(len(separators)))
	return page
}

func decodeNode(page []byte) (separators []uint64, children []uint32) {
	count := binary.LittleEndian.Uint16(page[MaxNodeEntries*nodeRecordSize:])
	separators = make([]uint64, count)
	children = make([]uint32, count)
	off := 0
	for i := 0; i < int(count); i++ {
		separators[i] = binary.LittleEndian.Uint64(page[off:])
		children[i] = binary.LittleEndian.Uint32(page[off+8:])
		off += nodeRecordSize
	}
	return separators, children
}
