package bearr

import "errors"

// Sentinel error kinds. Wrap with github.com/pkg/errors at package
// boundaries so callers can still errors.Is/errors.As down to these.
var (
	// ErrInvalidValue is returned when a caller attempts to store the
	// tombstone sentinel as a value via Put.
	ErrInvalidValue = errors.New("bearr: value equals the tombstone sentinel")

	// ErrNotFound is returned by Open when the database directory does
	// not exist or is not a BEARR database.
	ErrNotFound = errors.New("bearr: database not found")

	// ErrAlreadyExists is returned by Create when the target directory
	// already contains a database.
	ErrAlreadyExists = errors.New("bearr: database already exists")

	// ErrCorruption is returned by Open when the MANIFEST
	// fails its integrity check. An SST whose magic does not validate is
	// dropped during Open and a torn WAL tail is truncated; neither is
	// reported as an error.
	ErrCorruption = errors.New("bearr: corruption detected")

	// ErrClosed is returned by any operation on a handle that has been
	// closed, or that has recorded a fatal background error.
	ErrClosed = errors.New("bearr: handle is closed or unhealthy")

	// ErrInvalidRange is returned by Scan when start > end.
	ErrInvalidRange = errors.New("bearr: scan start key is greater than end key")

	// ErrKeyNotFound is returned by Get when the key has never been
	// written, or its last write was a Delete.
	ErrKeyNotFound = errors.New("bearr: key not found")
)
