package pagestore

import (
	"container/list"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Pool is a bounded, page-granular cache using 2Q eviction: a small
// FIFO admission queue (A1in) absorbs one-shot sequential accesses
// without polluting the main cache, a larger LRU
// main queue (Am) holds pages that proved worth keeping by surviving a
// second access, and a ghost queue (A1out) remembers recently evicted
// identifiers so a returning page is promoted straight into Am instead
// of restarting in A1in.
//
// Concurrent misses on the same PageID are collapsed into a single
// disk read via singleflight, so N readers racing on a cold page pay
// for one I/O, not N.
type Pool struct {
	mu   sync.Mutex
	kin  int
	kout int
	kam  int

	a1in  *list.List
	am    *list.List
	a1out *list.List

	a1inIdx  *PageTable[*list.Element]
	amIdx    *PageTable[*list.Element]
	a1outIdx *PageTable[*list.Element]

	data *PageTable[[]byte]

	sf     singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewPool creates a pool capped at capacityPages resident pages.
// The admission queue gets a quarter of the capacity and the ghost
// queue tracks twice that many identifiers, matching the classic 2Q
// parameterisation.
func NewPool(capacityPages int) *Pool {
	if capacityPages < 4 {
		capacityPages = 4
	}
	kin := capacityPages / 4
	if kin < 1 {
		kin = 1
	}
	kam := capacityPages - kin
	kout := kin * 2
	// Each table is sized one past its queue's steady-state bound: a
	// page is always pushed onto its destination queue before
	// evictLocked trims that queue back down, so the table holding it
	// briefly overshoots by exactly one entry.
	return &Pool{
		kin:      kin,
		kout:     kout,
		kam:      kam,
		a1in:     list.New(),
		am:       list.New(),
		a1out:    list.New(),
		a1inIdx:  NewPageTable[*list.Element](kin + 1),
		amIdx:    NewPageTable[*list.Element](kam + 1),
		a1outIdx: NewPageTable[*list.Element](kout + 1),
		data:     NewPageTable[[]byte](kin + kam + 1),
	}
}

// Get returns the cached page for id, calling fetch on a miss. Cache
// hits never call fetch and never block on I/O.
func (p *Pool) Get(id PageID, fetch func() ([]byte, error)) ([]byte, error) {
	if data, ok := p.lookup(id); ok {
		p.hits.Add(1)
		return data, nil
	}

	p.misses.Add(1)
	v, err, _ := p.sf.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		return fetch()
	})
	if err != nil {
		return nil, err
	}
	page := v.([]byte)

	p.mu.Lock()
	defer p.mu.Unlock()
	// A concurrent Get for the same id may have already admitted it
	// while we were outside the lock; don't double-admit.
	if data, ok := p.lookupLocked(id); ok {
		return data, nil
	}
	p.admitLocked(id, page)
	return page, nil
}

// admitPrefetched inserts a page fetched by read-ahead directly into
// the cache, bypassing singleflight since there is no concurrent miss
// to dedupe against. A page already resident is left untouched.
func (p *Pool) admitPrefetched(id PageID, page []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lookupLocked(id); ok {
		return
	}
	cp := make([]byte, len(page))
	copy(cp, page)
	p.admitLocked(id, cp)
}

func (p *Pool) lookup(id PageID) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookupLocked(id)
}

func (p *Pool) lookupLocked(id PageID) ([]byte, bool) {
	if el, ok := p.amIdx.Get(id); ok {
		p.am.MoveToFront(el)
		return p.data.Get(id)
	}
	if _, ok := p.a1inIdx.Get(id); ok {
		return p.data.Get(id)
	}
	return nil, false
}

func (p *Pool) admitLocked(id PageID, page []byte) {
	_, wasGhost := p.a1outIdx.Get(id)
	p.data.Set(id, page)
	if wasGhost {
		p.removeGhostLocked(id)
		el := p.am.PushFront(id)
		p.amIdx.Set(id, el)
	} else {
		el := p.a1in.PushFront(id)
		p.a1inIdx.Set(id, el)
	}
	p.evictLocked()
}

func (p *Pool) evictLocked() {
	for p.a1in.Len() > p.kin {
		back := p.a1in.Back()
		id := back.Value.(PageID)
		p.a1in.Remove(back)
		p.a1inIdx.Delete(id)
		p.data.Delete(id)
		p.addGhostLocked(id)
	}
	for p.am.Len() > p.kam {
		back := p.am.Back()
		id := back.Value.(PageID)
		p.am.Remove(back)
		p.amIdx.Delete(id)
		p.data.Delete(id)
	}
}

func (p *Pool) addGhostLocked(id PageID) {
	el := p.a1out.PushFront(id)
	p.a1outIdx.Set(id, el)
	for p.a1out.Len() > p.kout {
		back := p.a1out.Back()
		bid := back.Value.(PageID)
		p.a1out.Remove(back)
		p.a1outIdx.Delete(bid)
	}
}

func (p *Pool) removeGhostLocked(id PageID) {
	if el, ok := p.a1outIdx.Get(id); ok {
		p.a1out.Remove(el)
		p.a1outIdx.Delete(id)
	}
}

// Invalidate drops ids from every queue, used when a FileMap detaches
// a file's mapping (mutation or removal) so a stale copy can never be
// served again.
func (p *Pool) Invalidate(ids []PageID) {
	if len(ids) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if el, ok := p.amIdx.Get(id); ok {
			p.am.Remove(el)
			p.amIdx.Delete(id)
		}
		if el, ok := p.a1inIdx.Get(id); ok {
			p.a1in.Remove(el)
			p.a1inIdx.Delete(id)
		}
		p.removeGhostLocked(id)
		p.data.Delete(id)
	}
}

// Stats returns cumulative hit/miss counters.
func (p *Pool) Stats() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}
