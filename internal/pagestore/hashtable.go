package pagestore

import "github.com/aricasas/BEARR/internal/xhash"

// pageTableEntry is one occupied slot: the value plus the bucket the
// key originally hashed to. That bucket is not necessarily the slot
// the entry resides in once probing has moved it past a collision,
// which is why Delete needs it for the backward-shift.
type pageTableEntry[V any] struct {
	key   PageID
	value V
	hash  int
	used  bool
}

// PageTable is an open-addressing, linear-probing hash map keyed by
// PageID. Capacity is fixed at construction and Set panics if asked to
// grow past it, matching the buffer pool's queues, each of which is
// itself bounded by construction.
//
// Grounded on original_source/src/hashtable.rs: a seeded hash reduced
// mod the bucket count picks a key's home bucket, linear probing walks
// forward on collision, and Delete closes the hole by shifting later
// entries backward instead of leaving a tombstone, so a long-lived
// table never degrades into probing through dead slots.
type PageTable[V any] struct {
	buckets  []pageTableEntry[V]
	hasher   xhash.Seeded
	capacity int
	len      int
}

// NewPageTable allocates a table for up to capacity resident keys,
// sized at a 75%-ish load factor the way the original does.
func NewPageTable[V any](capacity int) *PageTable[V] {
	if capacity < 1 {
		capacity = 1
	}
	numBuckets := capacity*4/3 + 1
	return &PageTable[V]{
		buckets:  make([]pageTableEntry[V], numBuckets),
		hasher:   xhash.NewSeeded(0),
		capacity: capacity,
	}
}

func (t *PageTable[V]) numBuckets() int { return len(t.buckets) }

func (t *PageTable[V]) hashToBucket(id PageID) int {
	return t.hasher.HashUint64ToIndex(uint64(id), t.numBuckets())
}

// find returns the slot holding id if present, or the first empty slot
// on its probe sequence otherwise.
func (t *PageTable[V]) find(id PageID) (slot int, found bool) {
	i := t.hashToBucket(id)
	for {
		if !t.buckets[i].used {
			return i, false
		}
		if t.buckets[i].key == id {
			return i, true
		}
		i = (i + 1) % t.numBuckets()
	}
}

// Get returns the value stored for id, if any.
func (t *PageTable[V]) Get(id PageID) (V, bool) {
	if i, ok := t.find(id); ok {
		return t.buckets[i].value, true
	}
	var zero V
	return zero, false
}

// Set inserts or updates id's value. Panics if id is new and the table
// is already at capacity, since every caller sizes its table to the
// queue it backs and must never exceed that bound.
func (t *PageTable[V]) Set(id PageID, value V) {
	i, found := t.find(id)
	if !found {
		if t.len == t.capacity {
			panic("pagestore: pageTable insert at capacity")
		}
		t.len++
	}
	t.buckets[i] = pageTableEntry[V]{key: id, value: value, hash: t.hashToBucket(id), used: true}
}

// Delete removes id, if present, closing the hole via backward shift
// (https://en.wikipedia.org/wiki/Linear_probing#Deletion) so later
// entries on the same probe chain never need to be rehashed.
func (t *PageTable[V]) Delete(id PageID) {
	i, found := t.find(id)
	if !found {
		return
	}
	t.len--
	t.buckets[i] = pageTableEntry[V]{}

	hole := i
	n := t.numBuckets()
	for {
		i = (i + 1) % n
		entry := t.buckets[i]
		if !entry.used {
			return
		}
		var needsMove bool
		if entry.hash <= i {
			needsMove = hole >= entry.hash && hole < i
		} else {
			needsMove = !(hole >= i && hole < entry.hash)
		}
		if needsMove {
			t.buckets[hole], t.buckets[i] = t.buckets[i], t.buckets[hole]
			hole = i
		}
	}
}

// Len returns the number of stored entries.
func (t *PageTable[V]) Len() int { return t.len }
