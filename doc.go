/*
Package bearr provides an embedded, single-writer/multi-reader durable
key-value store over fixed-width 64-bit keys and values.

BEARR is a leveled log-structured merge tree with a tiered-to-leveled
("Dostoevsky") compaction policy, an immutable sorted table format (SST)
with a B+-tree index and a per-table Bloom filter, a shared buffer pool
with 2Q eviction over a page-addressed file system, and a write-ahead
log providing group-commit durability.

# Usage

	h, err := bearr.Create("/var/lib/mydb", bearr.DefaultOptions())
	...
	err = h.Put(7, 42)
	v, err := h.Get(7)
	cur, err := h.Scan(0, 100)
	defer cur.Close()
	for k, v, ok := cur.Next(); ok; k, v, ok = cur.Next() {
		...
	}

# Concurrency

A Handle is safe for concurrent use by multiple goroutines. At most one
goroutine performs a mutating operation (Put, Delete, Flush) at a time;
the handle serializes them internally. Get and Scan may run concurrently
with each other and with the writer. Iterators returned by Scan are not
safe for concurrent use by multiple goroutines.

# On-disk format

A database directory contains a MANIFEST file, a WAL file, and one
L<level>/<generation>.sst file per live table. See internal/sstable for
the exact page layout.
*/
package bearr
