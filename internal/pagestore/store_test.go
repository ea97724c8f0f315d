package pagestore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(fill byte) []byte {
	p := make([]byte, PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestWriteThenReadPage(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 16, 4, 4)

	w, err := store.CreateWriter(0, 1)
	require.NoError(t, err)
	require.NoError(t, w.WritePage(page(0xAA)))
	require.NoError(t, w.WritePage(page(0xBB)))
	require.NoError(t, w.Close())

	got, err := store.ReadPage(0, 1, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(page(0xAA), got))

	got, err = store.ReadPage(0, 1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(page(0xBB), got))
}

func TestReadPageServesFromCacheOnSecondRead(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 16, 4, 4)

	w, err := store.CreateWriter(0, 1)
	require.NoError(t, err)
	require.NoError(t, w.WritePage(page(0x11)))
	require.NoError(t, w.Close())

	_, err = store.ReadPage(0, 1, 0)
	require.NoError(t, err)
	_, err = store.ReadPage(0, 1, 0)
	require.NoError(t, err)

	hits, misses := store.Pool().Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestReadAheadPrefetchesConsecutivePages(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 64, 4, 8)

	w, err := store.CreateWriter(0, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WritePage(page(byte(i))))
	}
	require.NoError(t, w.Close())

	pages, err := store.ReadAhead(0, 2, 0, 5)
	require.NoError(t, err)
	require.Len(t, pages, 5)
	for i, p := range pages {
		assert.True(t, bytes.Equal(page(byte(i)), p))
	}

	// Subsequent single-page reads must be served from the prefetched cache.
	_, misses := store.Pool().Stats()
	_, err = store.ReadPage(0, 2, 3)
	require.NoError(t, err)
	_, misses2 := store.Pool().Stats()
	assert.Equal(t, misses, misses2, "a prefetched page must not count as a fresh miss")
}

func TestRemoveFileInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 16, 4, 4)

	w, err := store.CreateWriter(0, 1)
	require.NoError(t, err)
	require.NoError(t, w.WritePage(page(0x11)))
	require.NoError(t, w.Close())

	_, err = store.ReadPage(0, 1, 0)
	require.NoError(t, err)

	require.NoError(t, store.RemoveFile(0, 1))

	_, err = store.ReadPage(0, 1, 0)
	assert.Error(t, err, "reading a removed file must fail, not serve a stale cached copy")
}

func TestRenameFileMovesAddressAndInvalidatesOld(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 16, 4, 4)

	w, err := store.CreateWriter(2, 5)
	require.NoError(t, err)
	require.NoError(t, w.WritePage(page(0x77)))
	require.NoError(t, w.Close())

	require.NoError(t, store.RenameFile(2, 5, 3, 0))

	_, err = store.ReadPage(2, 5, 0)
	assert.Error(t, err, "the old address must no longer resolve")

	got, err := store.ReadPage(3, 0, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(page(0x77), got))
}

func TestStagingWriterPromoteMakesFileVisibleAtFinalAddress(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 16, 4, 4)

	w, tmpPath, err := store.CreateStagingWriter(0, "tmp-test.sst")
	require.NoError(t, err)
	require.NoError(t, w.WritePage(page(0x99)))
	require.NoError(t, w.Close())

	require.NoError(t, store.PromoteStaging(tmpPath, 0, 9))

	got, err := store.ReadPage(0, 9, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(page(0x99), got))
}

func TestStagingWriterRemoveDiscardsAbandonedBuild(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(OS(), dir, 16, 4, 4)

	w, tmpPath, err := store.CreateStagingWriter(0, "tmp-abandoned.sst")
	require.NoError(t, err)
	require.NoError(t, w.WritePage(page(0x01)))
	require.NoError(t, w.Close())

	require.NoError(t, store.RemoveStaging(tmpPath))

	// The staged file must be gone, and nothing was ever promoted to a
	// real address such as L0/123.
	assert.False(t, OS().Exists(tmpPath), "the abandoned staging file must be removed")
	_, err = store.ReadPage(0, 123, 0)
	assert.Error(t, err)
}
