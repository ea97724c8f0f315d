// Package kmerge implements the k-way merged iterator used both by
// range scans and by compaction: given N key-sorted sources, each
// newer than the next, it yields one key-sorted stream with duplicate
// keys resolved in favor of the lowest-ranked (newest) source, and can
// optionally suppress tombstone values from the output.
package kmerge

import "container/heap"

// TombstoneValue mirrors memtable.TombstoneValue. Duplicated here
// rather than imported so this package has no dependency on memtable;
// both are defined in terms of the same sentinel value.
const TombstoneValue uint64 = ^uint64(0)

// Source is one sorted stream of (key, value) pairs. Rank orders
// sources by recency: rank 0 is newest. Implementations are typically
// a memtable.Iterator or an sstable range scan.
type Source interface {
	// Next advances to the next pair. ok is false once exhausted.
	Next() (key, value uint64, ok bool)
}

type heapItem struct {
	key, value uint64
	rank       int
	src        Source
}

type sourceHeap []heapItem

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].rank < h[j].rank
}
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merger is the general N-way merge. New dispatches to TwoWay
// internally whenever there are exactly two sources, since that is
// the common case (a memtable snapshot merged against one SST range,
// or two inputs of a tiered compaction) and avoids the heap entirely.
type Merger struct {
	h                  sourceHeap
	suppressTombstones bool
	twoWay             *TwoWay
}

// New builds a merger over sources, where sources[i] has rank i (lower
// rank wins ties). Sources must already be individually key-sorted.
func New(sources []Source, suppressTombstones bool) *Merger {
	if len(sources) == 2 {
		return &Merger{twoWay: NewTwoWay(sources[0], sources[1], suppressTombstones)}
	}
	m := &Merger{suppressTombstones: suppressTombstones}
	m.h = make(sourceHeap, 0, len(sources))
	for rank, s := range sources {
		if k, v, ok := s.Next(); ok {
			m.h = append(m.h, heapItem{key: k, value: v, rank: rank, src: s})
		}
	}
	heap.Init(&m.h)
	return m
}

// Next returns the next deduplicated (key, value) pair, or ok=false
// once every source is exhausted (and, if suppressing tombstones,
// every remaining record has been skipped).
func (m *Merger) Next() (key, value uint64, ok bool) {
	if m.twoWay != nil {
		return m.twoWay.Next()
	}
	for {
		if len(m.h) == 0 {
			return 0, 0, false
		}
		top := m.h[0]
		key, value = top.key, top.value

		m.advance(top)
		// Discard any other source's record for the same key: the
		// heap invariant means duplicates of the winning key surface
		// at the top again immediately.
		for len(m.h) > 0 && m.h[0].key == key {
			dup := m.h[0]
			m.advance(dup)
		}

		if m.suppressTombstones && value == TombstoneValue {
			continue
		}
		return key, value, true
	}
}

// advance pops item's occupied heap slot and, if its source has more
// data, pushes the replacement; item must be at the heap's root when
// called with the root's fields, or be a fixed element otherwise — in
// both call sites here it is always heap[0].
func (m *Merger) advance(item heapItem) {
	if k, v, ok := item.src.Next(); ok {
		m.h[0] = heapItem{key: k, value: v, rank: item.rank, src: item.src}
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
}

// TwoWay is a specialised two-source merge, equivalent to New(sources,
// ...) for exactly two sources but without heap overhead. a is newer
// (lower rank) than b.
type TwoWay struct {
	a, b               Source
	aKey, aVal         uint64
	bKey, bVal         uint64
	aOK, bOK           bool
	suppressTombstones bool
}

// NewTwoWay builds a two-way merge where a wins key ties over b.
func NewTwoWay(a, b Source, suppressTombstones bool) *TwoWay {
	t := &TwoWay{a: a, b: b, suppressTombstones: suppressTombstones}
	t.aKey, t.aVal, t.aOK = a.Next()
	t.bKey, t.bVal, t.bOK = b.Next()
	return t
}

func (t *TwoWay) Next() (key, value uint64, ok bool) {
	for {
		if !t.aOK && !t.bOK {
			return 0, 0, false
		}
		switch {
		case t.aOK && (!t.bOK || t.aKey < t.bKey):
			key, value = t.aKey, t.aVal
			t.aKey, t.aVal, t.aOK = t.a.Next()
		case t.bOK && (!t.aOK || t.bKey < t.aKey):
			key, value = t.bKey, t.bVal
			t.bKey, t.bVal, t.bOK = t.b.Next()
		default: // equal keys: a wins, b is discarded
			key, value = t.aKey, t.aVal
			t.aKey, t.aVal, t.aOK = t.a.Next()
			t.bKey, t.bVal, t.bOK = t.b.Next()
		}
		if t.suppressTombstones && value == TombstoneValue {
			continue
		}
		return key, value, true
	}
}
