package sstable

import "errors"

// ErrCorruptSST is returned when a table's magic number is missing or
// invalid; the caller must treat the file as if it were never written
// and remove it.
var ErrCorruptSST = errors.New("sstable: missing or invalid magic number")
