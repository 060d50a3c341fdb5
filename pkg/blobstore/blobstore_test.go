package blobstore

import (
	"os"
	"path"
	"testing"

	"github.com/byjtew/libgeodesk/pkg/customerrors"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BlobStore {
	t.Helper()

	bs, err := Open(path.Join(t.TempDir(), "blob_test.bin"), nil)
	require.NoError(t, err)
	require.NotNil(t, bs)

	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func TestCreateStore(t *testing.T) {
	bs := openTestStore(t)

	require.Equal(t, uint32(1), bs.TotalPageCount())
	require.NotZero(t, bs.CreationTimestamp())

	free, err := bs.FreePageCount()
	require.NoError(t, err)
	require.Zero(t, free)
}

func TestReopenStore(t *testing.T) {
	file := path.Join(t.TempDir(), "blob_test.bin")

	bs, err := Open(file, nil)
	require.NoError(t, err)

	txn := bs.Txn()
	page, err := txn.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	created := bs.CreationTimestamp()
	require.NoError(t, bs.Close())

	bs, err = Open(file, nil)
	require.NoError(t, err)
	defer bs.Close()

	require.Equal(t, uint32(2), bs.TotalPageCount())
	require.Equal(t, created, bs.CreationTimestamp())

	blob, err := bs.TranslatePage(page)
	require.NoError(t, err)
	require.Equal(t, uint32(100), blobPtr(blob).sizeWord().payloadSize())
	require.False(t, blobPtr(blob).sizeWord().isFree())
}

func TestVerifyHeaderBadMagic(t *testing.T) {
	file := path.Join(t.TempDir(), "blob_test.bin")

	bs, err := Open(file, nil)
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	f, err := os.OpenFile(file, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xDE, 0xAD, 0xBE, 0xEF}, magicOfs)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(file, nil)
	require.ErrorIs(t, err, customerrors.ErrCorruptStore)
}

func TestVerifyHeaderBadVersion(t *testing.T) {
	file := path.Join(t.TempDir(), "blob_test.bin")

	bs, err := Open(file, nil)
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	f, err := os.OpenFile(file, os.O_RDWR, 0644)
	require.NoError(t, err)
	buf := make([]byte, 4)
	bin.PutUint32(buf, 2_000_000)
	_, err = f.WriteAt(buf, versionOfs)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(file, nil)
	require.ErrorIs(t, err, customerrors.ErrUnsupportedVersion)
}

func TestVerifyHeaderTruncatedFile(t *testing.T) {
	file := path.Join(t.TempDir(), "blob_test.bin")
	require.NoError(t, os.WriteFile(file, []byte("not a store"), 0644))

	_, err := Open(file, nil)
	require.ErrorIs(t, err, customerrors.ErrCorruptStore)
}

func TestVerifyHeaderPageSizeShiftMismatch(t *testing.T) {
	file := path.Join(t.TempDir(), "blob_test.bin")

	bs, err := Open(file, &Options{PageSizeShift: 13})
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	// the shift is a property of the file; the default (12) must not
	// silently misread an 8 KiB-page store
	_, err = Open(file, nil)
	require.Error(t, err)

	bs, err = Open(file, &Options{PageSizeShift: 13})
	require.NoError(t, err)
	require.Equal(t, uint32(1), bs.TotalPageCount())
	require.NoError(t, bs.Close())
}

func TestTranslatePageBounds(t *testing.T) {
	bs := openTestStore(t)

	blob, err := bs.TranslatePage(0)
	require.NoError(t, err)
	require.NotNil(t, blob)

	_, err = bs.TranslatePage(1)
	require.ErrorIs(t, err, customerrors.ErrInvalidPageNum)

	txn := bs.Txn()
	page, err := txn.Alloc(100)
	require.NoError(t, err)

	blob, err = bs.TranslatePage(page)
	require.NoError(t, err)
	require.NotNil(t, blob)
}

func TestPrefetchBlob(t *testing.T) {
	bs := openTestStore(t)

	txn := bs.Txn()
	page, err := txn.Alloc(10000)
	require.NoError(t, err)

	blob, err := bs.TranslatePage(page)
	require.NoError(t, err)
	bs.PrefetchBlob(blob)

	// the hint must use the true extent also for free blobs
	require.NoError(t, txn.Free(page))
	require.NoError(t, txn.Commit())
	bs.PrefetchBlob(blob)
}

func TestCloseTrimsFile(t *testing.T) {
	file := path.Join(t.TempDir(), "blob_test.bin")

	bs, err := Open(file, nil)
	require.NoError(t, err)

	txn := bs.Txn()
	_, err = txn.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.NoError(t, bs.Close())

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, int64(2*4096), info.Size())
}
