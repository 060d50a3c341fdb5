package blobstore

import (
	"testing"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/stretchr/testify/require"
)

func TestSizeWord(t *testing.T) {
	w, err := newSizeWord(100, false)
	require.NoError(t, err)
	require.Equal(t, uint32(100), w.payloadSize())
	require.False(t, w.isFree())

	w, err = newSizeWord(maxPayloadSize, true)
	require.NoError(t, err)
	require.Equal(t, uint32(maxPayloadSize), w.payloadSize())
	require.True(t, w.isFree())

	_, err = newSizeWord(0, false)
	require.ErrorIs(t, err, customerrors.ErrInvalidSize)

	_, err = newSizeWord(maxPayloadSize+1, false)
	require.ErrorIs(t, err, customerrors.ErrInvalidSize)
}

func TestSizeWordFreeFlagDoesNotLeakIntoSize(t *testing.T) {
	w, err := newSizeWord(maxPayloadSize, true)
	require.NoError(t, err)
	require.True(t, w.isFree())
	require.Equal(t, uint32(maxPayloadSize), w.payloadSize())

	used := sizeWord(uint32(w) &^ freeBlobFlag)
	require.False(t, used.isFree())
	require.Equal(t, uint32(maxPayloadSize), used.payloadSize())
}

func TestSizeClass(t *testing.T) {
	require.Equal(t, 0, sizeClass(1))
	require.Equal(t, 1, sizeClass(2))
	require.Equal(t, 510, sizeClass(511))
	require.Equal(t, 511, sizeClass(512))
	require.Equal(t, 511, sizeClass(100000))
}

func TestRangeBits(t *testing.T) {
	var ranges uint32

	ranges = setRangeBit(ranges, 0)
	require.Equal(t, uint32(1), ranges)

	ranges = setRangeBit(ranges, 15)
	require.Equal(t, uint32(1), ranges, "classes 0-15 share one span")

	ranges = setRangeBit(ranges, 16)
	require.Equal(t, uint32(0b11), ranges)

	ranges = setRangeBit(ranges, 511)
	require.Equal(t, uint32(0b11|1<<31), ranges)

	ranges = clearRangeBit(ranges, 5)
	require.Equal(t, uint32(0b10|1<<31), ranges)
}

func TestBitIter(t *testing.T) {
	it := bitIter{bits: 0}
	require.Equal(t, -1, it.next())

	it = bitIter{bits: 0b1}
	require.Equal(t, 0, it.next())
	require.Equal(t, -1, it.next())

	it = bitIter{bits: 1 << 31}
	require.Equal(t, 31, it.next())
	require.Equal(t, -1, it.next())

	it = bitIter{bits: 0b10100100}
	require.Equal(t, 2, it.next())
	require.Equal(t, 5, it.next())
	require.Equal(t, 7, it.next())
	require.Equal(t, -1, it.next())
}

func TestBlobPtrRoundTrip(t *testing.T) {
	buf := make(blobPtr, 4096)

	buf.setPrecedingFreePages(7)
	w, err := newSizeWord(12345, true)
	require.NoError(t, err)
	buf.setSizeWord(w)
	buf.setPrevFree(3)
	buf.setNextFree(9)
	buf.setLeafRanges(0xF0F0)
	buf.setPrevLeafTable(100)
	buf.setNextLeafTable(200)
	buf.setLeafSlot(0, 42)
	buf.setLeafSlot(511, 43)

	require.Equal(t, uint32(7), buf.precedingFreePages())
	require.Equal(t, uint32(12345), buf.sizeWord().payloadSize())
	require.True(t, buf.sizeWord().isFree())
	require.Equal(t, PageNum(3), buf.prevFree())
	require.Equal(t, PageNum(9), buf.nextFree())
	require.Equal(t, uint32(0xF0F0), buf.leafRanges())
	require.Equal(t, PageNum(100), buf.prevLeafTable())
	require.Equal(t, PageNum(200), buf.nextLeafTable())
	require.Equal(t, PageNum(42), buf.leafSlot(0))
	require.Equal(t, PageNum(43), buf.leafSlot(511))

	buf.clearLeafTable()
	require.Equal(t, uint32(0), buf.leafRanges())
	require.Equal(t, PageNum(0), buf.leafSlot(0))
	require.Equal(t, PageNum(0), buf.leafSlot(511))
}
