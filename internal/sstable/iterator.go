package sstable

// RangeIterator streams (key, value) pairs from a table's leaf region
// in ascending order, starting at the first leaf whose max key is >=
// start and stopping once a key exceeds end. It pins the table for
// its lifetime so a concurrent compaction cannot delete the file out
// from under an in-progress scan; callers must call Close.
type RangeIterator struct {
	table *Table
	end   uint64

	nextPage  uint32
	lastPage  uint32
	keys      []uint64
	values    []uint64
	pos       int
	done      bool
	closed    bool
	pinned    bool
}

// Scan opens a forward iterator over [start, end]. The returned
// iterator holds a pin on the table until Close is called.
func (t *Table) Scan(start, end uint64) (*RangeIterator, error) {
	it := &RangeIterator{table: t, end: end, lastPage: t.meta.nodeOffset - 1}
	if t.meta.entries == 0 || start > t.meta.maxKey || end < t.meta.minKey {
		it.done = true
		return it, nil
	}
	t.Pin()
	it.pinned = true

	leafPage, err := t.findLeaf(start)
	if err != nil {
		it.Close()
		it.done = true
		return it, err
	}
	it.nextPage = leafPage
	if err := it.loadLeaf(); err != nil {
		it.Close()
		it.done = true
		return it, err
	}
	// Skip entries strictly before start within the first leaf.
	for it.pos < len(it.keys) && it.keys[it.pos] < start {
		it.pos++
	}
	return it, nil
}

func (it *RangeIterator) loadLeaf() error {
	pages, err := it.table.store.ReadAhead(it.table.level, it.table.generation, it.nextPage,
		int(it.lastPage-it.nextPage)+1)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		it.keys, it.values = nil, nil
		it.pos = 0
		return nil
	}
	it.keys, it.values = decodeLeaf(pages[0])
	it.pos = 0
	it.nextPage++
	return nil
}

// Next returns the next in-range pair, or ok=false once the leaf
// region is exhausted or a key exceeds end.
func (it *RangeIterator) Next() (key, value uint64, ok bool) {
	if it.done || it.closed {
		return 0, 0, false
	}
	for {
		if it.pos >= len(it.keys) {
			if it.nextPage > it.lastPage {
				it.done = true
				return 0, 0, false
			}
			if err := it.loadLeaf(); err != nil || len(it.keys) == 0 {
				it.done = true
				return 0, 0, false
			}
			continue
		}
		key, value = it.keys[it.pos], it.values[it.pos]
		it.pos++
		if key > it.end {
			it.done = true
			return 0, 0, false
		}
		return key, value, true
	}
}

// Close releases the table pin. Safe to call multiple times.
func (it *RangeIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.pinned {
		it.pinned = false
		it.table.Unpin()
	}
}
