package blobstore

import (
	"math/bits"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/byjtew/libgeodesk/util/logger"
	"github.com/pkg/errors"
	logrus "github.com/sirupsen/logrus"
)

// bitIter enumerates the set bits of a word in ascending order.
type bitIter struct {
	bits uint32
	pos  int
}

// next returns the position of the next set bit, or -1 when none remain.
func (it *bitIter) next() int {
	if it.bits == 0 {
		return -1
	}
	n := bits.TrailingZeros32(it.bits)
	res := it.pos + n
	it.bits >>= uint(n + 1)
	it.pos += n + 1
	return res
}

// leafTableOf returns the page of the leaf-table holder blob of the given
// segment, walking the holder chain from the header.
func (t *Transaction) leafTableOf(segment uint32) (PageNum, bool, error) {
	h := t.bs.header()
	steps := 0
	for cur := h.firstLeafTable(); cur != 0; cur = t.bs.blobAt(cur).nextLeafTable() {
		if steps++; steps > int(t.bs.pagesPerSegment) {
			return 0, false, errors.Wrap(customerrors.ErrInconsistentFreeList,
				"leaf-table holder chain does not terminate")
		}
		if t.bs.segmentOf(cur) == segment {
			return cur, true, nil
		}
	}
	return 0, false, nil
}

// addFreeBlob writes a free blob header for the given page run,
// head-inserts the run into its segment's size-class list, updates the
// following blob's coalescing marker, and keeps the range bitmaps and the
// trunk table in sync. If the segment has no leaf table yet, the new blob
// becomes its holder.
func (t *Transaction) addFreeBlob(firstPage PageNum, pages uint32, precedingFreePages uint32) error {
	h := t.bs.header()
	b := t.bs.blobAt(firstPage)

	w, err := newSizeWord(t.bs.freePayloadSize(pages), true)
	if err != nil {
		return errors.Wrapf(err, "free run of %d pages is not encodable", pages)
	}
	b.setPrecedingFreePages(precedingFreePages)
	b.setSizeWord(w)

	// coalescing marker on the successor
	next := firstPage + PageNum(pages)
	if uint32(next) < h.totalPageCount() && !t.bs.isFirstPageOfSegment(next) {
		t.bs.blobAt(next).setPrecedingFreePages(pages)
	}
	if uint32(next) == h.totalPageCount() {
		h.setTailFreePages(pages)
	}

	segment := t.bs.segmentOf(firstPage)
	holder, ok, err := t.leafTableOf(segment)
	if err != nil {
		return err
	}
	if !ok {
		// first free blob of the segment holds its table
		b.clearLeafTable()
		head := h.firstLeafTable()
		b.setPrevLeafTable(0)
		b.setNextLeafTable(head)
		if head != 0 {
			t.bs.blobAt(head).setPrevLeafTable(firstPage)
		}
		h.setFirstLeafTable(firstPage)
		holder = firstPage
	}

	ht := t.bs.blobAt(holder)
	class := sizeClass(pages)
	head := ht.leafSlot(class)
	b.setPrevFree(0)
	b.setNextFree(head)
	if head != 0 {
		t.bs.blobAt(head).setPrevFree(firstPage)
	}
	ht.setLeafSlot(class, firstPage)
	ht.setLeafRanges(setRangeBit(ht.leafRanges(), class))

	if head == 0 && h.trunkSlot(class) == 0 {
		// bucket went non-empty and no segment is registered for the
		// class yet
		h.setTrunkSlot(class, holder)
		h.setTrunkRanges(setRangeBit(h.trunkRanges(), class))
	}
	return nil
}

// removeFreeBlob unlinks a free blob from its size-class list. The range
// bit is cleared only when the whole 16-slot span empties; an emptied
// bucket that backs the trunk registration for its class triggers a trunk
// repair. Callers deal with holder relocation themselves.
func (t *Transaction) removeFreeBlob(firstPage PageNum, b blobPtr) error {
	h := t.bs.header()
	pages := t.bs.pagesForPayloadSize(b.sizeWord().payloadSize())
	segment := t.bs.segmentOf(firstPage)

	holder, ok, err := t.leafTableOf(segment)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(customerrors.ErrInconsistentFreeList,
			"segment %d has a free blob at page %d but no leaf table", segment, firstPage)
	}
	ht := t.bs.blobAt(holder)
	class := sizeClass(pages)

	prev, next := b.prevFree(), b.nextFree()
	if prev != 0 {
		t.bs.blobAt(prev).setNextFree(next)
	} else {
		if ht.leafSlot(class) != firstPage {
			return errors.Wrapf(customerrors.ErrInconsistentFreeList,
				"blob %d is not the head of its class %d list", firstPage, class)
		}
		ht.setLeafSlot(class, next)
	}
	if next != 0 {
		t.bs.blobAt(next).setPrevFree(prev)
	}

	if uint32(firstPage)+pages == h.totalPageCount() {
		h.setTailFreePages(0)
	}

	if ht.leafSlot(class) != 0 {
		return nil
	}

	// bucket emptied
	if leafSpanEmpty(ht, class) {
		ht.setLeafRanges(clearRangeBit(ht.leafRanges(), class))
	}
	if h.trunkSlot(class) == holder {
		return t.repairTrunkSlot(class)
	}
	return nil
}

// repairTrunkSlot re-registers a size class in the trunk after the
// registered segment's bucket emptied, walking the holder chain for a
// replacement segment. The slot is cleared when no segment has a free
// blob of the class left.
func (t *Transaction) repairTrunkSlot(class int) error {
	h := t.bs.header()
	replacement := PageNum(0)

	steps := 0
	for cur := h.firstLeafTable(); cur != 0; cur = t.bs.blobAt(cur).nextLeafTable() {
		if steps++; steps > int(t.bs.pagesPerSegment) {
			return errors.Wrap(customerrors.ErrInconsistentFreeList,
				"leaf-table holder chain does not terminate")
		}
		if t.bs.blobAt(cur).leafSlot(class) != 0 {
			replacement = cur
			break
		}
	}

	h.setTrunkSlot(class, replacement)
	if replacement == 0 && trunkSpanEmpty(h, class) {
		h.setTrunkRanges(clearRangeBit(h.trunkRanges(), class))
	}
	return nil
}

// relocateFreeTable moves a segment's leaf table from one blob to
// another within the same segment, fixing the holder chain and any trunk
// slots that referenced the old holder.
func (t *Transaction) relocateFreeTable(from, to PageNum) error {
	h := t.bs.header()
	segment := t.bs.segmentOf(from)

	holder, ok, err := t.leafTableOf(segment)
	if err != nil {
		return err
	}
	if !ok || holder != from {
		return errors.Wrapf(customerrors.ErrInconsistentFreeList,
			"blob %d does not hold the leaf table of segment %d", from, segment)
	}
	if t.bs.segmentOf(to) != segment {
		return errors.Wrapf(customerrors.ErrInconsistentFreeList,
			"cannot relocate leaf table of segment %d to page %d", segment, to)
	}

	fb := t.bs.blobAt(from)
	tb := t.bs.blobAt(to)
	tb.setLeafRanges(fb.leafRanges())
	copy(tb[leafTableOfs:leafTableOfs+freeTableLen*4], fb[leafTableOfs:leafTableOfs+freeTableLen*4])

	prev, next := fb.prevLeafTable(), fb.nextLeafTable()
	tb.setPrevLeafTable(prev)
	tb.setNextLeafTable(next)
	if prev == 0 {
		h.setFirstLeafTable(to)
	} else {
		t.bs.blobAt(prev).setNextLeafTable(to)
	}
	if next != 0 {
		t.bs.blobAt(next).setPrevLeafTable(to)
	}

	for c := 0; c < freeTableLen; c++ {
		if h.trunkSlot(c) == from {
			h.setTrunkSlot(c, to)
		}
	}

	if moved, ok, err := t.leafTableOf(segment); err != nil {
		return err
	} else if !ok || moved != to {
		return errors.Wrapf(customerrors.ErrInconsistentFreeList,
			"leaf table of segment %d unreachable after relocation", segment)
	}

	logger.L.WithFields(logrus.Fields{
		"prefix":  "blobstore",
		"segment": segment,
		"from":    from,
		"to":      to,
	}).Debug("relocated leaf free-table")
	return nil
}

// dropLeafTable unlinks a holder whose segment has run out of free
// blobs. All of its buckets must be empty, so no trunk slot may still
// reference it.
func (t *Transaction) dropLeafTable(from PageNum) error {
	h := t.bs.header()
	fb := t.bs.blobAt(from)

	prev, next := fb.prevLeafTable(), fb.nextLeafTable()
	if prev == 0 {
		if h.firstLeafTable() != from {
			return errors.Wrapf(customerrors.ErrInconsistentFreeList,
				"holder %d is not on the leaf-table chain", from)
		}
		h.setFirstLeafTable(next)
	} else {
		t.bs.blobAt(prev).setNextLeafTable(next)
	}
	if next != 0 {
		t.bs.blobAt(next).setPrevLeafTable(prev)
	}

	for c := 0; c < freeTableLen; c++ {
		if h.trunkSlot(c) == from {
			return errors.Wrapf(customerrors.ErrInconsistentFreeList,
				"trunk slot %d still references dropped holder %d", c, from)
		}
	}
	return nil
}

// findFreeBlob searches for the smallest free run of at least pagesNeeded
// pages. The trunk range bitmap is scanned from the span containing the
// requested class; within a span, classes ascend, so the first hit is the
// smallest adequate run. For the overflow class the registered segment's
// chain is scanned for a fit; if it has none, every other segment's
// overflow chain is tried before giving up.
func (t *Transaction) findFreeBlob(pagesNeeded uint32) (PageNum, uint32, bool, error) {
	h := t.bs.header()
	class := sizeClass(pagesNeeded)
	startSpan := class / rangeSpan

	it := bitIter{bits: h.trunkRanges() >> uint(startSpan), pos: startSpan}
	for span := it.next(); span != -1; span = it.next() {
		first := span * rangeSpan
		if first < class {
			first = class
		}
		for s := first; s < (span+1)*rangeSpan; s++ {
			holder := h.trunkSlot(s)
			if holder == 0 {
				continue
			}
			ht := t.bs.blobAt(holder)
			head := ht.leafSlot(s)
			if head == 0 {
				return 0, 0, false, errors.Wrapf(customerrors.ErrInconsistentFreeList,
					"trunk slot %d references segment with empty bucket", s)
			}
			if !t.bs.blobAt(head).sizeWord().isFree() {
				return 0, 0, false, errors.Wrapf(customerrors.ErrInconsistentFreeList,
					"free-table entry %d references used blob", head)
			}

			if s < freeTableLen-1 {
				return head, uint32(s) + 1, true, nil
			}
			page, pages, ok, err := t.overflowFit(ht, pagesNeeded)
			if err != nil || ok {
				return page, pages, ok, err
			}
			// the registered segment has no fitting overflow run; other
			// segments may
		}
	}

	steps := 0
	for cur := h.firstLeafTable(); cur != 0; cur = t.bs.blobAt(cur).nextLeafTable() {
		if steps++; steps > int(t.bs.pagesPerSegment) {
			return 0, 0, false, errors.Wrap(customerrors.ErrInconsistentFreeList,
				"leaf-table holder chain does not terminate")
		}
		page, pages, ok, err := t.overflowFit(t.bs.blobAt(cur), pagesNeeded)
		if err != nil || ok {
			return page, pages, ok, err
		}
	}
	return 0, 0, false, nil
}

// overflowFit scans a segment's overflow bucket for the smallest run of
// at least pagesNeeded pages.
func (t *Transaction) overflowFit(ht blobPtr, pagesNeeded uint32) (PageNum, uint32, bool, error) {
	var bestPage PageNum
	var bestPages uint32

	links := 0
	for page := ht.leafSlot(freeTableLen - 1); page != 0; page = t.bs.blobAt(page).nextFree() {
		if links++; links > int(t.bs.pagesPerSegment) {
			return 0, 0, false, errors.Wrap(customerrors.ErrInconsistentFreeList,
				"overflow free list does not terminate")
		}

		w := t.bs.blobAt(page).sizeWord()
		if !w.isFree() {
			return 0, 0, false, errors.Wrapf(customerrors.ErrInconsistentFreeList,
				"free-table entry %d references used blob", page)
		}
		pages := t.bs.pagesForPayloadSize(w.payloadSize())
		if pages >= pagesNeeded && (bestPage == 0 || pages < bestPages) {
			bestPage, bestPages = page, pages
		}
	}
	return bestPage, bestPages, bestPage != 0, nil
}

func leafSpanEmpty(ht blobPtr, class int) bool {
	first := class / rangeSpan * rangeSpan
	for s := first; s < first+rangeSpan; s++ {
		if ht.leafSlot(s) != 0 {
			return false
		}
	}
	return true
}

func trunkSpanEmpty(h headerPtr, class int) bool {
	first := class / rangeSpan * rangeSpan
	for s := first; s < first+rangeSpan; s++ {
		if h.trunkSlot(s) != 0 {
			return false
		}
	}
	return true
}
