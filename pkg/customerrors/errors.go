// Package customerrors defines the common error taxonomy shared by the
// store and blobstore packages.
package customerrors

import (
	"errors"
)

var (
	// ErrCorruptStore is returned when the store header fails its
	// integrity check (bad magic, truncated header page).
	ErrCorruptStore = errors.New("corrupt store")

	// ErrUnsupportedVersion is returned when the store was written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("unsupported store version")

	// ErrInvalidSize is returned for zero or over-maximum payload sizes.
	// Operations failing with this error must not mutate any state.
	ErrInvalidSize = errors.New("invalid payload size")

	// ErrInvalidPageNum is returned when a page number does not address
	// a freeable or translatable blob (page 0, or past the end of the
	// store).
	ErrInvalidPageNum = errors.New("invalid page number")

	// ErrOutOfSpace is returned when growing the store would exceed its
	// page address space.
	ErrOutOfSpace = errors.New("store address space exhausted")

	// ErrIOFailure wraps failures of the underlying file or mapping.
	ErrIOFailure = errors.New("i/o failure")

	// ErrInconsistentFreeList is returned when a free-table scan finds
	// an entry that contradicts the blob headers (a list head pointing
	// at a used blob, a broken holder chain). It is fatal for the
	// operation that detected it; no auto-repair is attempted.
	ErrInconsistentFreeList = errors.New("inconsistent free list")
)
