package blobstore

const (
	magic   = 0x7ADA0BB1
	version = 1_000_000

	// Header field offsets on page 0. The trunk free-table offset must
	// be divisible by 64.
	magicOfs          = 0
	versionOfs        = 4
	timestampOfs      = 8
	totalPagesOfs     = 16
	trunkRangesOfs    = 20
	firstLeafTableOfs = 24
	tailFreePagesOfs  = 28
	pageSizeShiftOfs  = 32
	trunkTableOfs     = 64

	headerSize = trunkTableOfs + freeTableLen*4
)

// headerPtr overlays the store header on page 0.
type headerPtr []byte

func (h headerPtr) magic() uint32 {
	return bin.Uint32(h[magicOfs:])
}

func (h headerPtr) setMagic(v uint32) {
	bin.PutUint32(h[magicOfs:], v)
}

func (h headerPtr) version() uint32 {
	return bin.Uint32(h[versionOfs:])
}

func (h headerPtr) setVersion(v uint32) {
	bin.PutUint32(h[versionOfs:], v)
}

func (h headerPtr) creationTimestamp() uint64 {
	return bin.Uint64(h[timestampOfs:])
}

func (h headerPtr) setCreationTimestamp(ts uint64) {
	bin.PutUint64(h[timestampOfs:], ts)
}

func (h headerPtr) totalPageCount() uint32 {
	return bin.Uint32(h[totalPagesOfs:])
}

func (h headerPtr) setTotalPageCount(pages uint32) {
	bin.PutUint32(h[totalPagesOfs:], pages)
}

func (h headerPtr) trunkRanges() uint32 {
	return bin.Uint32(h[trunkRangesOfs:])
}

func (h headerPtr) setTrunkRanges(ranges uint32) {
	bin.PutUint32(h[trunkRangesOfs:], ranges)
}

// firstLeafTable is the head of the doubly-linked chain of leaf-table
// holder blobs, one per segment that has free space.
func (h headerPtr) firstLeafTable() PageNum {
	return PageNum(bin.Uint32(h[firstLeafTableOfs:]))
}

func (h headerPtr) setFirstLeafTable(page PageNum) {
	bin.PutUint32(h[firstLeafTableOfs:], uint32(page))
}

// tailFreePages is the length of the free run ending exactly at the
// store's last page, 0 if the last blob is in use. It gives growth the
// preceding-run length for the blob it appends, without a scan.
func (h headerPtr) tailFreePages() uint32 {
	return bin.Uint32(h[tailFreePagesOfs:])
}

func (h headerPtr) setTailFreePages(pages uint32) {
	bin.PutUint32(h[tailFreePagesOfs:], pages)
}

// pageSizeShift is the log2 of the page size the store was created
// with. Page numbers are meaningless under any other shift, so opening
// with a mismatched option must fail.
func (h headerPtr) pageSizeShift() uint32 {
	return bin.Uint32(h[pageSizeShiftOfs:])
}

func (h headerPtr) setPageSizeShift(shift uint32) {
	bin.PutUint32(h[pageSizeShiftOfs:], shift)
}

func (h headerPtr) trunkSlot(class int) PageNum {
	return PageNum(bin.Uint32(h[trunkTableOfs+class*4:]))
}

func (h headerPtr) setTrunkSlot(class int, page PageNum) {
	bin.PutUint32(h[trunkTableOfs+class*4:], uint32(page))
}
