package blobstore

import (
	"math"
	"sort"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/byjtew/libgeodesk/util/logger"
	"github.com/pkg/errors"
	logrus "github.com/sirupsen/logrus"
)

// Transaction stages a batch of heap mutations. Allocations (and the
// free-table surgery they cause) write through to the mapping as part of
// the call; frees are staged in freedBlobs and merged into the free-table
// when the transaction commits. A transaction is confined to a single
// writer and is either committed or abandoned.
type Transaction struct {
	bs *BlobStore

	// freed first pages, with their page counts, not yet merged into
	// the free-table
	freedBlobs map[PageNum]uint32
}

// Alloc allocates a blob for the given payload size and returns its
// first page. The smallest adequate free run is reused, split if larger
// than needed; with no adequate run, the store grows.
func (t *Transaction) Alloc(payloadSize uint32) (PageNum, error) {
	w, err := newSizeWord(payloadSize, false)
	if err != nil {
		return 0, err
	}
	pagesNeeded := t.bs.pagesForPayloadSize(payloadSize)

	page, pages, found, err := t.findFreeBlob(pagesNeeded)
	if err != nil {
		return 0, errors.Wrap(err, "free-table lookup failed")
	}
	if !found {
		return t.allocGrow(w, pagesNeeded)
	}

	if err := t.takeFreeBlob(page, pages, pagesNeeded); err != nil {
		return 0, err
	}
	b := t.bs.blobAt(page)
	b.setPrecedingFreePages(0)
	b.setSizeWord(w)
	return page, nil
}

// takeFreeBlob removes a free run from the free-table on behalf of an
// allocation of pagesNeeded pages, relocating the segment's leaf table
// away from the run if it holds it, and re-inserting the split remainder.
func (t *Transaction) takeFreeBlob(page PageNum, pages, pagesNeeded uint32) error {
	segment := t.bs.segmentOf(page)
	holder, ok, err := t.leafTableOf(segment)
	if err != nil {
		return err
	}
	isHolder := ok && holder == page

	if err := t.removeFreeBlob(page, t.bs.blobAt(page)); err != nil {
		return err
	}

	if remainder := pages - pagesNeeded; remainder > 0 {
		remainderPage := page + PageNum(pagesNeeded)
		if isHolder {
			if err := t.relocateFreeTable(page, remainderPage); err != nil {
				return err
			}
		}
		// re-insert the free tail; this also points the following
		// blob's coalescing marker at the tail
		return t.addFreeBlob(remainderPage, remainder, 0)
	}

	// exact fit
	if isHolder {
		if dest, ok := t.anyFreeBlobInSegment(page); ok {
			if err := t.relocateFreeTable(page, dest); err != nil {
				return err
			}
		} else if err := t.dropLeafTable(page); err != nil {
			return err
		}
	}
	next := page + PageNum(pages)
	if uint32(next) < t.bs.header().totalPageCount() && !t.bs.isFirstPageOfSegment(next) {
		t.bs.blobAt(next).setPrecedingFreePages(0)
	}
	return nil
}

// anyFreeBlobInSegment picks a relocation target from the (already
// updated) leaf table held by the given blob.
func (t *Transaction) anyFreeBlobInSegment(holder PageNum) (PageNum, bool) {
	ht := t.bs.blobAt(holder)
	it := bitIter{bits: ht.leafRanges()}
	for span := it.next(); span != -1; span = it.next() {
		for s := span * rangeSpan; s < (span+1)*rangeSpan; s++ {
			if head := ht.leafSlot(s); head != 0 {
				return head, true
			}
		}
	}
	return 0, false
}

// allocGrow extends the store for an allocation no free run can serve. A
// blob never crosses a segment boundary: when the frontier sits too close
// to its segment's end, the tail becomes a free blob (merged with a free
// run already ending at the frontier) and the new blob starts the next
// segment.
func (t *Transaction) allocGrow(w sizeWord, pagesNeeded uint32) (PageNum, error) {
	h := t.bs.header()
	total := h.totalPageCount()
	newPage := PageNum(total)
	tailFree := h.tailFreePages()

	intoSegment := total & (t.bs.pagesPerSegment - 1)
	crossing := intoSegment != 0 && intoSegment+pagesNeeded > t.bs.pagesPerSegment

	var tailPages uint32
	if crossing {
		tailPages = t.bs.pagesPerSegment - intoSegment
	}

	newTotal := uint64(total) + uint64(tailPages) + uint64(pagesNeeded)
	if newTotal > math.MaxUint32 {
		return 0, errors.Wrapf(customerrors.ErrOutOfSpace,
			"cannot grow store past %d pages", total)
	}

	if err := t.bs.store.Grow(uint32(newTotal)); err != nil {
		return 0, errors.Wrap(err, "failed to grow store")
	}
	h.setTotalPageCount(uint32(newTotal))

	blobPage := newPage
	preceding := uint32(0)
	if crossing {
		// the old segment's tail becomes (part of) a free run
		start, run := newPage, tailPages
		if tailFree > 0 {
			start -= PageNum(tailFree)
			run += tailFree
			if err := t.removeFreeBlob(start, t.bs.blobAt(start)); err != nil {
				return 0, err
			}
		}
		if err := t.addFreeBlob(start, run, 0); err != nil {
			return 0, err
		}
		blobPage = newPage + PageNum(tailPages)
	} else if !t.bs.isFirstPageOfSegment(blobPage) {
		preceding = tailFree
	}

	b := t.bs.blobAt(blobPage)
	b.setPrecedingFreePages(preceding)
	b.setSizeWord(w)
	h.setTailFreePages(0)

	logger.L.WithFields(logrus.Fields{
		"prefix":     "blobstore",
		"page":       blobPage,
		"pages":      pagesNeeded,
		"totalPages": newTotal,
	}).Debug("grew store for allocation")
	return blobPage, nil
}

// Free stages a blob for release. The pages stay indexed as used until
// Commit merges them into the free-table; freeing mutually adjacent blobs
// within one transaction therefore pays the merge cost once.
func (t *Transaction) Free(firstPage PageNum) error {
	h := t.bs.header()
	if firstPage == 0 || uint32(firstPage) >= h.totalPageCount() {
		return errors.Wrapf(customerrors.ErrInvalidPageNum,
			"page %d is not a freeable blob", firstPage)
	}
	if _, staged := t.freedBlobs[firstPage]; staged {
		return errors.Wrapf(customerrors.ErrInvalidPageNum,
			"page %d is already staged for free", firstPage)
	}

	w := t.bs.blobAt(firstPage).sizeWord()
	if w.isFree() {
		return errors.Wrapf(customerrors.ErrInvalidPageNum,
			"page %d is already free", firstPage)
	}
	if w.payloadSize() == 0 {
		return errors.Wrapf(customerrors.ErrInvalidPageNum,
			"page %d does not start a blob", firstPage)
	}

	t.freedBlobs[firstPage] = t.bs.pagesForPayloadSize(w.payloadSize())
	return nil
}

// Commit merges every staged free into the free-table, coalescing with
// adjacent free runs, and flushes the mapping. Staged pages are processed
// in ascending order so that adjacent frees staged in the same
// transaction end up in a single run.
func (t *Transaction) Commit() error {
	pages := make([]PageNum, 0, len(t.freedBlobs))
	for page := range t.freedBlobs {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	for _, page := range pages {
		if err := t.releaseBlob(page, t.freedBlobs[page]); err != nil {
			return errors.Wrapf(err, "failed to release blob at page %d", page)
		}
	}
	count := len(pages)
	t.freedBlobs = map[PageNum]uint32{}

	if err := t.bs.store.Flush(); err != nil {
		return errors.Wrap(err, "commit flush failed")
	}
	if count > 0 {
		logger.L.WithFields(logrus.Fields{
			"prefix": "blobstore",
			"freed":  count,
		}).Debug("committed transaction")
	}
	return nil
}

// releaseBlob frees one staged run, merging it with free neighbors. The
// preceding-run marker gives the left neighbor in O(1); the right
// neighbor is inspected through its free bit. Segments are coalescing
// barriers on both sides.
func (t *Transaction) releaseBlob(firstPage PageNum, pages uint32) error {
	h := t.bs.header()
	b := t.bs.blobAt(firstPage)

	start, run := firstPage, pages

	if preceding := b.precedingFreePages(); preceding > 0 {
		left := firstPage - PageNum(preceding)
		lb := t.bs.blobAt(left)
		if !lb.sizeWord().isFree() {
			return errors.Wrapf(customerrors.ErrInconsistentFreeList,
				"preceding-run marker of page %d references used blob %d", firstPage, left)
		}
		// the merged run keeps its start; a leaf table held at left
		// stays in place
		if err := t.removeFreeBlob(left, lb); err != nil {
			return err
		}
		start, run = left, run+preceding
	}

	next := firstPage + PageNum(pages)
	if uint32(next) < h.totalPageCount() && !t.bs.isFirstPageOfSegment(next) {
		nb := t.bs.blobAt(next)
		if w := nb.sizeWord(); w.isFree() {
			nextPages := t.bs.pagesForPayloadSize(w.payloadSize())
			holder, ok, err := t.leafTableOf(t.bs.segmentOf(next))
			if err != nil {
				return err
			}
			if err := t.removeFreeBlob(next, nb); err != nil {
				return err
			}
			if ok && holder == next {
				// the absorbed blob held the segment's table; the
				// merged run takes it over
				if err := t.relocateFreeTable(next, start); err != nil {
					return err
				}
			}
			run += nextPages
		}
	}

	return t.addFreeBlob(start, run, 0)
}
