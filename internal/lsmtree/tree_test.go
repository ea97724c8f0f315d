package lsmtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aricasas/BEARR/internal/kmerge"
	"github.com/aricasas/BEARR/internal/logging"
	"github.com/aricasas/BEARR/internal/pagestore"
)

// sortedSource feeds a Flush call with strictly ascending, deduplicated
// (key, value) pairs, mirroring what a frozen memtable's iterator yields.
type sortedSource struct {
	keys, values []uint64
	pos          int
}

func (s *sortedSource) Next() (key, value uint64, ok bool) {
	if s.pos >= len(s.keys) {
		return 0, 0, false
	}
	k, v := s.keys[s.pos], s.values[s.pos]
	s.pos++
	return k, v, true
}

func newTestTree(t *testing.T, sizeRatio int) (*Tree, string) {
	t.Helper()
	dir := t.TempDir()
	fs := pagestore.OS()
	store := pagestore.NewStore(fs, dir, 256, 8, 8)
	tree, err := Open(fs, store, dir, Config{
		SizeRatio:               sizeRatio,
		BloomBitsPerEntryLevel0: 10,
		BloomAllocation:         BloomAllocationMonkey,
		SSTIndexMode:            0,
	}, logging.Discard)
	require.NoError(t, err)
	return tree, dir
}

func flushRange(t *testing.T, tree *Tree, start, count int, checkpoint uint64) {
	t.Helper()
	keys := make([]uint64, count)
	values := make([]uint64, count)
	for i := 0; i < count; i++ {
		keys[i] = uint64(start + i)
		values[i] = uint64(start+i) * 10
	}
	src := &sortedSource{keys: keys, values: values}
	require.NoError(t, tree.Flush(src, count, checkpoint))
}

func TestOpenEmpty(t *testing.T) {
	tree, _ := newTestTree(t, 4)
	assert.Equal(t, uint64(0), tree.WALCheckpoint())
	_, found, err := tree.Get(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFlushThenGet(t *testing.T) {
	tree, _ := newTestTree(t, 4)
	flushRange(t, tree, 0, 10, 100)

	assert.Equal(t, uint64(100), tree.WALCheckpoint())
	for i := 0; i < 10; i++ {
		v, found, err := tree.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(i)*10, v)
	}
	_, found, err := tree.Get(999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManyFlushesSurviveCompactionCascades(t *testing.T) {
	sizeRatio := 4
	tree, _ := newTestTree(t, sizeRatio)

	// Each flush lands a new table with a disjoint key range; whatever
	// compaction cascade that triggers along the way, every previously
	// flushed key must remain reachable afterward.
	rounds := sizeRatio * 3
	for i := 0; i < rounds; i++ {
		flushRange(t, tree, i*10, 10, uint64(i+1))
	}

	for i := 0; i < rounds*10; i++ {
		v, found, err := tree.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, found, "key %d missing after compaction", i)
		assert.Equal(t, uint64(i)*10, v)
	}
}

func TestScanReturnsKeysFromSuccessiveFlushes(t *testing.T) {
	tree, _ := newTestTree(t, 8)
	flushRange(t, tree, 0, 5, 1)
	flushRange(t, tree, 5, 5, 2)

	sources, release := tree.Scan(0, 9)
	defer release()

	merger := kmerge.New(sources, true)
	var got []uint64
	for {
		k, v, ok := merger.Next()
		if !ok {
			break
		}
		assert.Equal(t, k*10, v)
		got = append(got, k)
	}
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestDeleteDropsKeyOnceBottomAbsorbsIt(t *testing.T) {
	sizeRatio := 2
	tree, _ := newTestTree(t, sizeRatio)

	flushRange(t, tree, 0, 1, 1) // key 0 -> 0

	tomb := &sortedSource{keys: []uint64{0}, values: []uint64{TombstoneValue}}
	require.NoError(t, tree.Flush(tomb, 1, 2))

	// With a single live level, that level is always the bottom, so
	// the pairwise merge above drops the tombstone (and the key)
	// immediately rather than carrying it forward.
	_, found, err := tree.Get(0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReopenRecoversTables(t *testing.T) {
	dir := t.TempDir()
	fs := pagestore.OS()
	store := pagestore.NewStore(fs, dir, 256, 8, 8)
	cfg := Config{SizeRatio: 4, BloomBitsPerEntryLevel0: 10, SSTIndexMode: 0}

	tree, err := Open(fs, store, dir, cfg, logging.Discard)
	require.NoError(t, err)
	flushRange(t, tree, 0, 20, 42)

	store2 := pagestore.NewStore(fs, dir, 256, 8, 8)
	reopened, err := Open(fs, store2, dir, cfg, logging.Discard)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), reopened.WALCheckpoint())
	for i := 0; i < 20; i++ {
		v, found, err := reopened.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(i)*10, v)
	}
}
