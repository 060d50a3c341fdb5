// Package blobstore implements a persistent, page-granular heap over a
// memory-mapped, segmented file. Blobs (contiguous page runs) are
// allocated and freed through short-lived transactions; free space is
// indexed by a two-level free-table (a trunk table in the store header
// and one leaf table per 1 GiB segment) and adjacent free blobs are
// coalesced when a transaction commits.
package blobstore

import (
	"time"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/byjtew/libgeodesk/pkg/store"
	"github.com/byjtew/libgeodesk/util/helpers"
	"github.com/byjtew/libgeodesk/util/logger"
	"github.com/pkg/errors"
	logrus "github.com/sirupsen/logrus"
)

// BlobStore is the public lifecycle handle. It serves page-pointer
// translation and spawns transactions; at most one transaction may be
// active at a time, and readers must only observe committed state.
type BlobStore struct {
	store *store.Store
	path  string

	// derived by initialize
	pageSizeShift   uint32
	pageSize        uint32
	pagesPerSegment uint32
}

// Open opens or creates the named blob store.
func Open(path string, opts *Options) (*BlobStore, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.setDefaults()

	s, err := store.Open(path, &store.Options{
		PageSizeShift: o.PageSizeShift,
		FileMode:      o.FileMode,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mapped store")
	}

	bs := &BlobStore{store: s, path: path}
	bs.initialize(o.PageSizeShift)

	if s.Size() == 0 {
		err = bs.createStore()
	} else {
		err = bs.verifyHeader()
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return bs, nil
}

// initialize derives the runtime constants from the page size shift.
func (bs *BlobStore) initialize(pageSizeShift uint32) {
	bs.pageSizeShift = pageSizeShift
	bs.pageSize = 1 << pageSizeShift
	bs.pagesPerSegment = 1 << (segmentBits - pageSizeShift)
}

// createStore writes the initial header: one page total, empty trunk
// free-table.
func (bs *BlobStore) createStore() error {
	if err := bs.store.Grow(1); err != nil {
		return errors.Wrap(err, "failed to grow store for header page")
	}

	h := bs.header()
	h.setMagic(magic)
	h.setVersion(version)
	h.setCreationTimestamp(uint64(time.Now().UnixMilli()))
	h.setTotalPageCount(1)
	h.setTrunkRanges(0)
	h.setFirstLeafTable(0)
	h.setTailFreePages(0)
	h.setPageSizeShift(bs.pageSizeShift)
	for c := 0; c < freeTableLen; c++ {
		h.setTrunkSlot(c, 0)
	}

	logger.L.WithFields(logrus.Fields{
		"prefix":   "blobstore",
		"path":     bs.path,
		"pageSize": bs.pageSize,
	}).Debug("created blob store")

	return errors.Wrap(bs.store.Flush(), "failed to flush new store header")
}

// verifyHeader validates magic and version of an existing store. Failure
// is fatal at open time.
func (bs *BlobStore) verifyHeader() error {
	if bs.store.Size() < headerSize {
		return errors.Wrapf(customerrors.ErrCorruptStore,
			"%q is smaller than the store header", bs.path)
	}

	h := bs.header()
	if h.magic() != magic {
		return errors.Wrapf(customerrors.ErrCorruptStore,
			"%q has bad magic 0x%08X", bs.path, h.magic())
	}
	if h.version()/1_000_000 != version/1_000_000 {
		return errors.Wrapf(customerrors.ErrUnsupportedVersion,
			"%q has version %d, supported is %d", bs.path, h.version(), version)
	}
	if h.pageSizeShift() != bs.pageSizeShift {
		return errors.Errorf("%q uses page size shift %d, opened with %d",
			bs.path, h.pageSizeShift(), bs.pageSizeShift)
	}
	if bs.store.PageCount() < h.totalPageCount() {
		return errors.Wrapf(customerrors.ErrCorruptStore,
			"%q is truncated: %d pages on disk, header claims %d",
			bs.path, bs.store.PageCount(), h.totalPageCount())
	}
	return nil
}

// TotalPageCount returns the store's page count, free and used blobs
// included (plus the header page).
func (bs *BlobStore) TotalPageCount() uint32 {
	return bs.header().totalPageCount()
}

// CreationTimestamp returns the unix-millisecond timestamp recorded when
// the store was created.
func (bs *BlobStore) CreationTimestamp() uint64 {
	return bs.header().creationTimestamp()
}

// TranslatePage returns a pointer to the given page, valid for the
// lifetime of the mapping. The slice reaches the end of the page's
// segment, which always covers the whole blob starting there.
func (bs *BlobStore) TranslatePage(page PageNum) ([]byte, error) {
	if uint32(page) >= bs.header().totalPageCount() {
		return nil, errors.Wrapf(customerrors.ErrInvalidPageNum,
			"page %d is past the end of the store", page)
	}
	return bs.pagePointer(page), nil
}

// PrefetchBlob decodes the blob's true extent (masking the free flag out
// of the size word) and issues a readahead hint over it.
func (bs *BlobStore) PrefetchBlob(blob []byte) {
	size := bin.Uint32(blob[sizeWordOfs:]) & payloadSizeMask
	extent := int(helpers.Min(uint64(len(blob)), uint64(size)+blobHeaderSize))
	bs.store.Prefetch(blob[:extent])
}

// Txn starts a transaction. The caller must guarantee a single active
// transaction; a transaction is either committed or abandoned.
func (bs *BlobStore) Txn() *Transaction {
	return &Transaction{
		bs:         bs,
		freedBlobs: map[PageNum]uint32{},
	}
}

// Close flushes and unmaps the store, trimming the file to its true size.
func (bs *BlobStore) Close() error {
	if err := bs.store.Truncate(bs.header().totalPageCount()); err != nil {
		return errors.Wrap(err, "failed to trim store")
	}
	return errors.Wrap(bs.store.Close(), "failed to close mapped store")
}

// FreePageCount walks the whole free-table and returns the total number
// of free pages reachable through it. Intended for integrity checks and
// tests; cost is proportional to the number of free blobs.
func (bs *BlobStore) FreePageCount() (uint32, error) {
	var total uint32
	h := bs.header()

	steps := 0
	for holder := h.firstLeafTable(); holder != 0; holder = bs.blobAt(holder).nextLeafTable() {
		if steps++; steps > int(bs.pagesPerSegment) {
			return 0, errors.Wrap(customerrors.ErrInconsistentFreeList,
				"leaf-table holder chain does not terminate")
		}

		ht := bs.blobAt(holder)
		for c := 0; c < freeTableLen; c++ {
			links := 0
			for page := ht.leafSlot(c); page != 0; page = bs.blobAt(page).nextFree() {
				if links++; links > int(bs.pagesPerSegment) {
					return 0, errors.Wrapf(customerrors.ErrInconsistentFreeList,
						"free list of class %d does not terminate", c)
				}

				b := bs.blobAt(page)
				w := b.sizeWord()
				if !w.isFree() {
					return 0, errors.Wrapf(customerrors.ErrInconsistentFreeList,
						"free-table entry %d references used blob", page)
				}
				total += bs.pagesForPayloadSize(w.payloadSize())
			}
		}
	}
	return total, nil
}

func (bs *BlobStore) header() headerPtr {
	return headerPtr(bs.store.PagePointer(0))
}

func (bs *BlobStore) pagePointer(page PageNum) []byte {
	return bs.store.PagePointer(uint32(page))
}

func (bs *BlobStore) blobAt(page PageNum) blobPtr {
	return blobPtr(bs.pagePointer(page))
}

// pagesForPayloadSize returns the number of pages needed to hold a
// payload plus the blob header.
func (bs *BlobStore) pagesForPayloadSize(payloadSize uint32) uint32 {
	return helpers.CeilDiv(payloadSize+blobHeaderSize, bs.pageSize)
}

// freePayloadSize is the payload size recorded for a free run of the
// given page count, chosen so that pagesForPayloadSize round-trips.
func (bs *BlobStore) freePayloadSize(pages uint32) uint32 {
	return pages<<bs.pageSizeShift - blobHeaderSize
}

func (bs *BlobStore) segmentOf(page PageNum) uint32 {
	return uint32(page) >> (segmentBits - bs.pageSizeShift)
}

// isFirstPageOfSegment reports whether page starts a segment. Segments
// are coalescing barriers: a blob at a segment's first page never merges
// with its predecessor.
func (bs *BlobStore) isFirstPageOfSegment(page PageNum) bool {
	return uint32(page)&(bs.pagesPerSegment-1) == 0
}
