//go:build !unix

package store

// Prefetch is a no-op on platforms without madvise.
func (s *Store) Prefetch(b []byte) {}
