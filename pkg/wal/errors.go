// Package wal implements the redo-only write-ahead log that makes the
// B-Tree engine's in-place page mutations crash-safe.
package wal

import "errors"

var (
	// ErrCorrupted indicates a corrupted WAL record (CRC32C mismatch).
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrInvalidRecord indicates a structurally invalid WAL record.
	ErrInvalidRecord = errors.New("wal: invalid record")

	// ErrLogClosed indicates an operation on a closed WAL.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrLogNotFound indicates WAL segment files don't exist.
	ErrLogNotFound = errors.New("wal: log not found")

	// ErrInvalidLSN indicates an invalid Log Sequence Number.
	ErrInvalidLSN = errors.New("wal: invalid LSN")

	// ErrTruncated indicates a truncated WAL record, expected at the tail
	// of the last segment after an unclean shutdown.
	ErrTruncated = errors.New("wal: truncated record")
)
