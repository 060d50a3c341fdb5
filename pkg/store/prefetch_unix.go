//go:build unix

package store

import "golang.org/x/sys/unix"

// Prefetch hints the OS to read the given mapped range ahead of use.
// Failures are ignored: readahead is advisory only.
func (s *Store) Prefetch(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_WILLNEED)
}
