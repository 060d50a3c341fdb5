package blobstore

import (
	"encoding/binary"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/pkg/errors"
)

// bin is the byte order used for all on-disk words.
var bin = binary.LittleEndian

// PageNum is the zero-based index of a page within the store's address
// space. Page 0 holds the store header.
type PageNum uint32

const (
	blobHeaderSize  = 8
	payloadSizeMask = 0x3fffffff
	freeBlobFlag    = 0x80000000

	// maxPayloadSize is the largest encodable payload (1 GiB minus the
	// blob header).
	maxPayloadSize = 1<<30 - blobHeaderSize

	freeTableLen = 512
	rangeSpan    = 16 // free-table slots covered by one range bit

	segmentBits = 30 // log2 of a segment's address span in bytes

	// Blob header field offsets. The free-list links and the leaf
	// free-table are meaningful only while the blob is free; the leaf
	// table and the holder-chain links only on the segment's designated
	// holder blob.
	precedingOfs     = 0
	sizeWordOfs      = 4
	prevFreeOfs      = 8
	nextFreeOfs      = 12
	leafRangesOfs    = 16
	prevLeafTableOfs = 20
	nextLeafTableOfs = 24
	leafTableOfs     = 64 // must be divisible by 64
)

// sizeWord is the packed second word of a blob header: payload size in
// bits 0-29, bit 30 unused, the free flag in bit 31.
type sizeWord uint32

// newSizeWord validates and packs a payload size. Requests outside
// [1, maxPayloadSize] fail with ErrInvalidSize and must not have mutated
// anything by the time the caller sees the error.
func newSizeWord(payloadSize uint32, free bool) (sizeWord, error) {
	if payloadSize == 0 || payloadSize > maxPayloadSize {
		return 0, errors.Wrapf(customerrors.ErrInvalidSize,
			"payload size %d not in [1, %d]", payloadSize, maxPayloadSize)
	}
	w := sizeWord(payloadSize)
	if free {
		w |= freeBlobFlag
	}
	return w, nil
}

func (w sizeWord) payloadSize() uint32 {
	return uint32(w) & payloadSizeMask
}

func (w sizeWord) isFree() bool {
	return uint32(w)&freeBlobFlag != 0
}

// blobPtr overlays a blob header on its first mapped page. The slice
// always reaches the end of the blob's segment, so every field below is
// addressable.
type blobPtr []byte

func (b blobPtr) precedingFreePages() uint32 {
	return bin.Uint32(b[precedingOfs:])
}

func (b blobPtr) setPrecedingFreePages(pages uint32) {
	bin.PutUint32(b[precedingOfs:], pages)
}

func (b blobPtr) sizeWord() sizeWord {
	return sizeWord(bin.Uint32(b[sizeWordOfs:]))
}

func (b blobPtr) setSizeWord(w sizeWord) {
	bin.PutUint32(b[sizeWordOfs:], uint32(w))
}

func (b blobPtr) prevFree() PageNum {
	return PageNum(bin.Uint32(b[prevFreeOfs:]))
}

func (b blobPtr) setPrevFree(page PageNum) {
	bin.PutUint32(b[prevFreeOfs:], uint32(page))
}

func (b blobPtr) nextFree() PageNum {
	return PageNum(bin.Uint32(b[nextFreeOfs:]))
}

func (b blobPtr) setNextFree(page PageNum) {
	bin.PutUint32(b[nextFreeOfs:], uint32(page))
}

func (b blobPtr) leafRanges() uint32 {
	return bin.Uint32(b[leafRangesOfs:])
}

func (b blobPtr) setLeafRanges(ranges uint32) {
	bin.PutUint32(b[leafRangesOfs:], ranges)
}

func (b blobPtr) prevLeafTable() PageNum {
	return PageNum(bin.Uint32(b[prevLeafTableOfs:]))
}

func (b blobPtr) setPrevLeafTable(page PageNum) {
	bin.PutUint32(b[prevLeafTableOfs:], uint32(page))
}

func (b blobPtr) nextLeafTable() PageNum {
	return PageNum(bin.Uint32(b[nextLeafTableOfs:]))
}

func (b blobPtr) setNextLeafTable(page PageNum) {
	bin.PutUint32(b[nextLeafTableOfs:], uint32(page))
}

func (b blobPtr) leafSlot(class int) PageNum {
	return PageNum(bin.Uint32(b[leafTableOfs+class*4:]))
}

func (b blobPtr) setLeafSlot(class int, page PageNum) {
	bin.PutUint32(b[leafTableOfs+class*4:], uint32(page))
}

// clearLeafTable resets the range bitmap and every slot. Called when a
// blob becomes its segment's table holder, since the page may contain
// stale payload bytes.
func (b blobPtr) clearLeafTable() {
	b.setLeafRanges(0)
	for i := leafTableOfs; i < leafTableOfs+freeTableLen*4; i++ {
		b[i] = 0
	}
}

// sizeClass buckets a page count: blobs of n <= 511 pages go to class
// n-1, everything larger shares the overflow class 511.
func sizeClass(pages uint32) int {
	if pages >= freeTableLen {
		return freeTableLen - 1
	}
	return int(pages) - 1
}

func setRangeBit(ranges uint32, class int) uint32 {
	return ranges | 1<<uint(class/rangeSpan)
}

func clearRangeBit(ranges uint32, class int) uint32 {
	return ranges &^ (1 << uint(class/rangeSpan))
}
