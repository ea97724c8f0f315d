package pagestore

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Store glues the filesystem, the FileMap and the buffer pool into the
// single page-addressed facade the rest of the engine uses: readers
// call ReadPage/ReadAhead, the writer calls CreateWriter to get a
// buffered sequential writer, and RemoveFile tears a table down.
type Store struct {
	fs      FS
	root    string
	pool    *Pool
	fileMap *FileMap

	writeBufferPages int
	readAheadPages   int

	fdMu sync.Mutex
	fds  map[fileKey]RandomAccessFile
}

// NewStore creates a page store rooted at dir.
func NewStore(fs FS, root string, poolCapacityPages, writeBufferPages, readAheadPages int) *Store {
	if writeBufferPages < 1 {
		writeBufferPages = 1
	}
	if readAheadPages < 1 {
		readAheadPages = 1
	}
	return &Store{
		fs:               fs,
		root:             root,
		pool:             NewPool(poolCapacityPages),
		fileMap:          NewFileMap(),
		writeBufferPages: writeBufferPages,
		readAheadPages:   readAheadPages,
		fds:              make(map[fileKey]RandomAccessFile),
	}
}

// ReadAheadPages reports the configured sequential-scan prefetch window.
func (s *Store) ReadAheadPages() int { return s.readAheadPages }

// Pool exposes the underlying buffer pool, mainly for statistics.
func (s *Store) Pool() *Pool { return s.pool }

func (s *Store) openReader(level uint8, generation uint64) (RandomAccessFile, error) {
	key := fileKey{level, generation}
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	if f, ok := s.fds[key]; ok {
		return f, nil
	}
	f, err := s.fs.OpenReadOnly(SSTPath(s.root, level, generation))
	if err != nil {
		return nil, err
	}
	s.fds[key] = f
	return f, nil
}

// ReadPage returns page pageNumber of the (level, generation) table,
// serving from cache when possible.
func (s *Store) ReadPage(level uint8, generation uint64, pageNumber uint32) ([]byte, error) {
	id := s.fileMap.IDFor(level, generation, pageNumber)
	return s.pool.Get(id, func() ([]byte, error) {
		f, err := s.openReader(level, generation)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, PageSize)
		if _, err := f.ReadAt(buf, int64(pageNumber)*PageSize); err != nil {
			return nil, errors.Wrapf(err, "pagestore: read L%d/%d page %d", level, generation, pageNumber)
		}
		return buf, nil
	})
}

// ReadAhead reads up to count consecutive pages starting at
// startPage in one syscall and populates the cache for each, honoring
// the configured read-ahead window. It returns however many pages
// exist within the file, which may be fewer than count.
func (s *Store) ReadAhead(level uint8, generation uint64, startPage uint32, count int) ([][]byte, error) {
	if count > s.readAheadPages {
		count = s.readAheadPages
	}
	if count < 1 {
		count = 1
	}
	f, err := s.openReader(level, generation)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	avail := int(size/PageSize) - int(startPage)
	if avail < 1 {
		return nil, nil
	}
	if count > avail {
		count = avail
	}
	buf := make([]byte, count*PageSize)
	if _, err := f.ReadAt(buf, int64(startPage)*PageSize); err != nil {
		return nil, errors.Wrapf(err, "pagestore: read-ahead L%d/%d @%d", level, generation, startPage)
	}
	pages := make([][]byte, count)
	for i := 0; i < count; i++ {
		page := buf[i*PageSize : (i+1)*PageSize]
		pages[i] = page
		id := s.fileMap.IDFor(level, generation, startPage+uint32(i))
		s.pool.admitPrefetched(id, page)
	}
	return pages, nil
}

// EnsureLevelDir creates the directory for a level if missing.
func (s *Store) EnsureLevelDir(level uint8) error {
	return s.fs.MkdirAll(LevelDir(s.root, level))
}

// RemoveFile deletes the (level, generation) table and invalidates
// every cached page and open handle for it.
func (s *Store) RemoveFile(level uint8, generation uint64) error {
	s.fdMu.Lock()
	key := fileKey{level, generation}
	if f, ok := s.fds[key]; ok {
		_ = f.Close()
		delete(s.fds, key)
	}
	s.fdMu.Unlock()

	ids := s.fileMap.Invalidate(level, generation)
	s.pool.Invalidate(ids)

	return s.fs.Remove(SSTPath(s.root, level, generation))
}

// RenameFile relocates an existing table to a new (level, generation)
// address without rewriting its bytes, used when Dostoevsky promotion
// moves the current bottom-level table up to a freshly created deepest
// level. The old address's cached pages and identifiers are
// invalidated; the new address starts clean.
func (s *Store) RenameFile(oldLevel uint8, oldGeneration uint64, newLevel uint8, newGeneration uint64) error {
	s.fdMu.Lock()
	oldKey := fileKey{oldLevel, oldGeneration}
	if f, ok := s.fds[oldKey]; ok {
		_ = f.Close()
		delete(s.fds, oldKey)
	}
	s.fdMu.Unlock()

	ids := s.fileMap.Invalidate(oldLevel, oldGeneration)
	s.pool.Invalidate(ids)

	if err := s.EnsureLevelDir(newLevel); err != nil {
		return err
	}
	return s.fs.Rename(SSTPath(s.root, oldLevel, oldGeneration), SSTPath(s.root, newLevel, newGeneration))
}

// CreateWriter opens a fresh (level, generation) table for buffered
// sequential writing.
func (s *Store) CreateWriter(level uint8, generation uint64) (*PageWriter, error) {
	if err := s.EnsureLevelDir(level); err != nil {
		return nil, err
	}
	f, err := s.fs.Create(SSTPath(s.root, level, generation))
	if err != nil {
		return nil, err
	}
	return &PageWriter{
		f:       f,
		windowN: s.writeBufferPages,
		buf:     make([]byte, 0, s.writeBufferPages*PageSize),
	}, nil
}

// CreateStagingWriter opens name (expected to be a UUID-suffixed
// placeholder, e.g. "tmp-<uuid>.sst") under level's directory for
// buffered sequential writing, returning the full path alongside the
// writer so the caller can hand it to PromoteStaging once the build
// finishes. Building under a name nobody else will guess and renaming
// into place only on success means a reader can never observe a
// half-written SST at its final address.
func (s *Store) CreateStagingWriter(level uint8, name string) (*PageWriter, string, error) {
	if err := s.EnsureLevelDir(level); err != nil {
		return nil, "", err
	}
	path := filepath.Join(LevelDir(s.root, level), name)
	f, err := s.fs.Create(path)
	if err != nil {
		return nil, "", err
	}
	return &PageWriter{
		f:       f,
		windowN: s.writeBufferPages,
		buf:     make([]byte, 0, s.writeBufferPages*PageSize),
	}, path, nil
}

// RemoveStaging deletes a file built via CreateStagingWriter that was
// abandoned before PromoteStaging, e.g. because the build failed
// partway through.
func (s *Store) RemoveStaging(tmpPath string) error {
	return s.fs.Remove(tmpPath)
}

// PromoteStaging renames a file built via CreateStagingWriter into its
// permanent (level, generation) address and fsyncs the containing
// directory so the rename itself survives a crash, applying the usual
// write-temp + fsync + rename pattern to SST builds.
func (s *Store) PromoteStaging(tmpPath string, level uint8, generation uint64) error {
	final := SSTPath(s.root, level, generation)
	if err := s.fs.Rename(tmpPath, final); err != nil {
		return err
	}
	return s.fs.SyncDir(LevelDir(s.root, level))
}

// PageWriter buffers whole pages and flushes them to disk in
// page-aligned chunks of up to windowN pages, issuing the durability
// fsync only at Close.
type PageWriter struct {
	f          WritableFile
	windowN    int
	buf        []byte
	baseOffset int64
	pagesDone  uint32
}

// WritePage appends one 4096-byte page.
func (w *PageWriter) WritePage(page []byte) error {
	if len(page) != PageSize {
		return errors.Errorf("pagestore: page must be %d bytes, got %d", PageSize, len(page))
	}
	w.buf = append(w.buf, page...)
	w.pagesDone++
	if len(w.buf) >= w.windowN*PageSize {
		return w.flushBuffered()
	}
	return nil
}

// Flush writes any pages buffered so far to their positions in the
// file without fsyncing. Builders that need to WriteAtPage over a
// region still sitting in the buffer (such as the page-0 metadata
// placeholder) must call this first, or the later buffered write would
// land on top of the direct write once Close flushes the tail.
func (w *PageWriter) Flush() error {
	return w.flushBuffered()
}

func (w *PageWriter) flushBuffered() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.f.WriteAt(w.buf, w.baseOffset); err != nil {
		return errors.Wrap(err, "pagestore: buffered write")
	}
	w.baseOffset += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// PagesWritten returns the number of pages written (buffered or
// flushed) so far, i.e. the page number the next WritePage will
// occupy.
func (w *PageWriter) PagesWritten() uint32 { return w.pagesDone }

// WriteAtPage writes page directly at the given page number, bypassing
// the sequential append buffer. Used to backfill page 0's metadata
// once every later page has already been staged, without disturbing
// the append offset used by WritePage.
func (w *PageWriter) WriteAtPage(pageNumber uint32, page []byte) error {
	if len(page) != PageSize {
		return errors.Errorf("pagestore: page must be %d bytes, got %d", PageSize, len(page))
	}
	_, err := w.f.WriteAt(page, int64(pageNumber)*PageSize)
	return errors.Wrap(err, "pagestore: direct page write")
}

// Sync flushes any buffered pages and fsyncs the file.
func (w *PageWriter) Sync() error {
	if err := w.flushBuffered(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes, fsyncs and closes the file. Callers building an SST
// must call Sync (or Close) only after the metadata page carrying the
// magic number has been written.
func (w *PageWriter) Close() error {
	if err := w.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
