// Package store implements the memory-mapped segment store underneath the
// blob store. The backing file is mapped in fixed 1 GiB segments; mappings
// always span a whole segment so that growing the file inside an already
// mapped segment never remaps. The file itself is extended in coarse chunks
// and trimmed back to its true size on Close.
package store

import (
	"os"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/byjtew/libgeodesk/util/helpers"
	"github.com/byjtew/libgeodesk/util/logger"
	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	logrus "github.com/sirupsen/logrus"
)

const (
	// SegmentBytes is the address span of a single mapping segment.
	SegmentBytes = int64(1) << 30

	segmentOffsetMask = uint64(SegmentBytes) - 1
)

// Store is a page-addressable, memory-mapped file, grown in page units.
// It carries no locking of its own: one writer at a time, readers must
// only touch committed state.
type Store struct {
	file     *os.File
	path     string
	opts     Options
	segments []mmap.MMap

	// trueSize is the number of bytes in use (page count times page
	// size); fileSize is the current chunk-rounded file length.
	trueSize int64
	fileSize int64
}

// Open opens or creates the named store file and maps its first segment.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.setDefaults()
	if o.PageSizeShift < 12 || o.PageSizeShift > 20 {
		return nil, errors.Errorf("page size shift %d out of range [12, 20]", o.PageSizeShift)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, o.FileMode)
	if err != nil {
		return nil, errors.Wrapf(customerrors.ErrIOFailure, "failed to open %q: %v", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(customerrors.ErrIOFailure, "failed to stat %q: %v", path, err)
	}

	s := &Store{
		file:     file,
		path:     path,
		opts:     o,
		trueSize: info.Size(),
		fileSize: info.Size(),
	}

	if err := s.mapThrough(helpers.Max(s.fileSize, 1)); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

// PageSizeShift returns the log2 of the page size in effect.
func (s *Store) PageSizeShift() uint32 {
	return s.opts.PageSizeShift
}

// PageCount returns the number of whole pages currently backed by the file.
func (s *Store) PageCount() uint32 {
	return uint32(s.trueSize >> s.opts.PageSizeShift)
}

// Size returns the store's current size in bytes.
func (s *Store) Size() int64 {
	return s.trueSize
}

// Data returns a pointer to the given byte offset, valid until Close. The
// returned slice extends to the end of the offset's segment. Returns nil
// if the offset lies in an unmapped segment.
func (s *Store) Data(offset uint64) []byte {
	seg := int(offset >> 30)
	if seg >= len(s.segments) {
		return nil
	}
	return s.segments[seg][offset&segmentOffsetMask:]
}

// PagePointer returns a pointer to the first byte of the given page. The
// slice extends to the end of the page's segment.
func (s *Store) PagePointer(page uint32) []byte {
	return s.Data(uint64(page) << s.opts.PageSizeShift)
}

// Grow extends the file so that totalPages pages are addressable. The file
// length is extended in GrowthChunkSize steps; newly reachable segments are
// mapped. Growing never shrinks.
func (s *Store) Grow(totalPages uint32) error {
	newTrueSize := int64(totalPages) << s.opts.PageSizeShift
	if newTrueSize <= s.trueSize {
		return nil
	}

	if newTrueSize > s.fileSize {
		chunk := s.opts.GrowthChunkSize
		newFileSize := (newTrueSize + chunk - 1) / chunk * chunk
		if err := s.file.Truncate(newFileSize); err != nil {
			return errors.Wrapf(customerrors.ErrIOFailure,
				"failed to grow %q to %d bytes: %v", s.path, newFileSize, err)
		}
		s.fileSize = newFileSize

		logger.L.WithFields(logrus.Fields{
			"prefix": "store",
			"path":   s.path,
			"bytes":  newFileSize,
		}).Debug("grown store file")
	}

	s.trueSize = newTrueSize
	return s.mapThrough(s.trueSize)
}

// Truncate trims the store down to totalPages pages. Mappings beyond the
// new end are kept; callers must not touch trimmed pages afterwards.
func (s *Store) Truncate(totalPages uint32) error {
	newSize := int64(totalPages) << s.opts.PageSizeShift
	if newSize >= s.fileSize {
		return nil
	}
	if err := s.file.Truncate(newSize); err != nil {
		return errors.Wrapf(customerrors.ErrIOFailure,
			"failed to truncate %q to %d bytes: %v", s.path, newSize, err)
	}
	s.fileSize = newSize
	s.trueSize = helpers.Min(s.trueSize, newSize)
	return nil
}

// Flush syncs every mapped segment back to the file. This is the
// durability barrier used by transaction commit.
func (s *Store) Flush() error {
	for i, m := range s.segments {
		if err := m.Flush(); err != nil {
			return errors.Wrapf(customerrors.ErrIOFailure,
				"failed to flush segment %d of %q: %v", i, s.path, err)
		}
	}
	return nil
}

// Close flushes, unmaps and closes the store, trimming the file back to
// its true size.
func (s *Store) Close() error {
	var firstErr error
	for _, m := range s.segments {
		if err := m.Flush(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(customerrors.ErrIOFailure, "flush on close: %v", err)
		}
	}
	for _, m := range s.segments {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(customerrors.ErrIOFailure, "unmap on close: %v", err)
		}
	}
	s.segments = nil

	if s.fileSize > s.trueSize {
		if err := s.file.Truncate(s.trueSize); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(customerrors.ErrIOFailure, "trim on close: %v", err)
		}
		s.fileSize = s.trueSize
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(customerrors.ErrIOFailure, "close %q: %v", s.path, err)
	}
	return firstErr
}

// mapThrough maps every segment needed to address size bytes. Each mapping
// spans a full segment regardless of the current file length, so a segment
// is mapped exactly once over the store's lifetime.
func (s *Store) mapThrough(size int64) error {
	needed := int((size + SegmentBytes - 1) / SegmentBytes)
	for i := len(s.segments); i < needed; i++ {
		m, err := mmap.MapRegion(s.file, int(SegmentBytes), mmap.RDWR, 0, int64(i)*SegmentBytes)
		if err != nil {
			return errors.Wrapf(customerrors.ErrIOFailure,
				"failed to map segment %d of %q: %v", i, s.path, err)
		}
		s.segments = append(s.segments, m)
	}
	return nil
}
