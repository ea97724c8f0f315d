package bearr

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MemtableCapacityBytes = 4096 // force flushes under light load
	opts.SizeRatio = 4
	return opts
}

func TestCreateThenReopenFails(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = Create(dir, testOptions())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOpenMissingFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Put(1, 100))
	v, err := h.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v)

	require.NoError(t, h.Delete(1))
	_, err = h.Get(1)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = h.Get(999)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPutTombstoneValueRejected(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)
	defer h.Close()

	err = h.Put(1, ^uint64(0))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestScanInvalidRange(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Scan(10, 1)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestScanAcrossMemtableAndTree(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)
	defer h.Close()

	for i := uint64(0); i < 50; i++ {
		require.NoError(t, h.Put(i, i*10))
	}
	require.NoError(t, h.Flush())
	for i := uint64(50); i < 100; i++ {
		require.NoError(t, h.Put(i, i*10))
	}

	cur, err := h.Scan(0, 99)
	require.NoError(t, err)
	defer cur.Close()

	var got []uint64
	for {
		k, v, ok := cur.Next()
		if !ok {
			break
		}
		assert.Equal(t, k*10, v)
		got = append(got, k)
	}
	require.Len(t, got, 100)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "Close must be idempotent")

	err = h.Put(1, 1)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.Get(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReopenAfterCloseRecoversWrites(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)

	require.NoError(t, h.Put(1, 111))
	require.NoError(t, h.Put(2, 222))
	require.NoError(t, h.Delete(2))
	// No explicit Flush: Close itself flushes the memtable to an SST and
	// empties the WAL, so the reopened handle reads these from the tree.
	require.NoError(t, h.Close())

	h2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer h2.Close()

	v, err := h2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(111), v)

	_, err = h2.Get(2)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// TestReopenBeforeFirstFlushReplaysWAL covers the case where a process
// dies after a handful of puts that never grew the memtable enough to
// trigger a flush, so MANIFEST was never written. Open must still
// recover from the WAL alone rather than treating the database as
// missing.
func TestReopenBeforeFirstFlushReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, testOptions())
	require.NoError(t, err)

	require.NoError(t, h.Put(1, 111))
	require.NoError(t, h.Put(2, 222))
	// No Flush, no Close: nothing beyond the WAL itself reflects these
	// writes, matching a crash right here.

	h2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer h2.Close()

	v, err := h2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(111), v)

	v, err = h2.Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(222), v)
}

func TestCapacityExceededTriggersSynchronousFlush(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableCapacityBytes = 512 // tiny, forces multiple flushes
	h, err := Create(dir, opts)
	require.NoError(t, err)
	defer h.Close()

	for i := uint64(0); i < 200; i++ {
		require.NoError(t, h.Put(i, i+1))
	}
	for i := uint64(0); i < 200; i++ {
		v, err := h.Get(i)
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}
}

// TestOracleEquivalence checks a live handle against a reference map
// across a randomized sequence of put/delete/get operations.
func TestOracleEquivalence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("handle matches a reference map", prop.ForAll(
		func(seed int64, n int) bool {
			rng := rand.New(rand.NewSource(seed))
			dir := t.TempDir()
			opts := testOptions()
			opts.MemtableCapacityBytes = 1024
			h, err := Create(dir, opts)
			if err != nil {
				return false
			}
			defer h.Close()

			oracle := make(map[uint64]uint64)
			keySpace := uint64(32)
			for i := 0; i < n; i++ {
				key := rng.Uint64() % keySpace
				if rng.Intn(3) == 0 {
					if err := h.Delete(key); err != nil {
						return false
					}
					delete(oracle, key)
				} else {
					value := rng.Uint64()
					if value == ^uint64(0) {
						value--
					}
					if err := h.Put(key, value); err != nil {
						return false
					}
					oracle[key] = value
				}
			}

			for key, want := range oracle {
				got, err := h.Get(key)
				if err != nil || got != want {
					return false
				}
			}
			for key := uint64(0); key < keySpace; key++ {
				if _, ok := oracle[key]; ok {
					continue
				}
				if _, err := h.Get(key); err == nil {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 1<<30),
		gen.IntRange(0, 150),
	))

	properties.TestingRun(t)
}
