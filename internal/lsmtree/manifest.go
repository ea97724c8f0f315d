package lsmtree

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/aricasas/BEARR/internal/pagestore"
)

// ManifestName is the fixed filename of the durable table listing at
// the database root.
const ManifestName = "MANIFEST"

// Entry identifies one live table.
type Entry struct {
	Level      uint8
	Generation uint64
}

// Manifest is the durable record of every live (level, generation)
// table plus the WAL offset already reflected in those tables:
// rewritten atomically (temp file, fsync, rename) after every flush
// or compaction.
type Manifest struct {
	Entries        []Entry
	WALCheckpoint  uint64
	BottomLeveling uint64
}

// Load reads and validates the manifest at root/MANIFEST. A missing
// file yields an empty manifest (fresh database); a checksum mismatch
// yields ErrManifestCorrupt.
func Load(fs pagestore.FS, root string) (*Manifest, error) {
	path := root + string(os.PathSeparator) + ManifestName
	if !fs.Exists(path) {
		return &Manifest{}, nil
	}
	f, err := fs.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "lsmtree: read manifest")
	}
	return decodeManifest(buf)
}

func decodeManifest(buf []byte) (*Manifest, error) {
	if len(buf) < 8 {
		return nil, ErrManifestCorrupt
	}
	payload := buf[:len(buf)-8]
	wantSum := binary.LittleEndian.Uint64(buf[len(buf)-8:])
	if xxh3.Hash(payload) != wantSum {
		return nil, ErrManifestCorrupt
	}
	if len(payload) < 12 { // count u32 + checkpoint u64, minimum shape
		return nil, ErrManifestCorrupt
	}
	count := binary.LittleEndian.Uint32(payload[0:])
	off := 4
	entries := make([]Entry, count)
	for i := range entries {
		if off+9 > len(payload) {
			return nil, ErrManifestCorrupt
		}
		entries[i] = Entry{Level: payload[off], Generation: binary.LittleEndian.Uint64(payload[off+1:])}
		off += 9
	}
	if off+8 > len(payload) {
		return nil, ErrManifestCorrupt
	}
	checkpoint := binary.LittleEndian.Uint64(payload[off:])
	off += 8
	var bottomLeveling uint64
	if off+8 <= len(payload) {
		bottomLeveling = binary.LittleEndian.Uint64(payload[off:])
	}
	return &Manifest{Entries: entries, WALCheckpoint: checkpoint, BottomLeveling: bottomLeveling}, nil
}

func (m *Manifest) encode() []byte {
	payload := make([]byte, 4+len(m.Entries)*9+8+8)
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(m.Entries)))
	off := 4
	for _, e := range m.Entries {
		payload[off] = e.Level
		binary.LittleEndian.PutUint64(payload[off+1:], e.Generation)
		off += 9
	}
	binary.LittleEndian.PutUint64(payload[off:], m.WALCheckpoint)
	off += 8
	binary.LittleEndian.PutUint64(payload[off:], m.BottomLeveling)

	sum := xxh3.Hash(payload)
	out := make([]byte, len(payload)+8)
	copy(out, payload)
	binary.LittleEndian.PutUint64(out[len(payload):], sum)
	return out
}

// Save rewrites the manifest atomically: write to a temp path, fsync,
// then rename over the durable name.
func (m *Manifest) Save(fs pagestore.FS, root string) error {
	tmp := root + string(os.PathSeparator) + ManifestName + ".tmp"
	final := root + string(os.PathSeparator) + ManifestName

	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(m.encode(), 0); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "lsmtree: write manifest")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "lsmtree: fsync manifest")
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := fs.Rename(tmp, final); err != nil {
		return err
	}
	return fs.SyncDir(root)
}

// ErrManifestCorrupt is returned when the manifest checksum or shape
// doesn't validate.
var ErrManifestCorrupt = errors.New("lsmtree: corrupt manifest")
