package store

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts *Options) (*Store, string) {
	t.Helper()

	p := path.Join(t.TempDir(), "store_test.bin")
	s, err := Open(p, opts)
	require.NoError(t, err)
	require.NotNil(t, s)

	t.Cleanup(func() { _ = s.Close() })
	return s, p
}

func TestOpenFresh(t *testing.T) {
	s, _ := openTestStore(t, nil)

	require.Equal(t, uint32(12), s.PageSizeShift())
	require.Zero(t, s.PageCount())
	require.Zero(t, s.Size())
}

func TestOpenInvalidPageSizeShift(t *testing.T) {
	p := path.Join(t.TempDir(), "store_test.bin")

	_, err := Open(p, &Options{PageSizeShift: 8})
	require.Error(t, err)

	_, err = Open(p, &Options{PageSizeShift: 24})
	require.Error(t, err)
}

func TestGrowAndAccess(t *testing.T) {
	s, _ := openTestStore(t, nil)

	require.NoError(t, s.Grow(3))
	require.Equal(t, uint32(3), s.PageCount())
	require.Equal(t, int64(3*4096), s.Size())

	// growing to fewer pages is a no-op
	require.NoError(t, s.Grow(2))
	require.Equal(t, uint32(3), s.PageCount())

	page := s.PagePointer(2)
	require.NotNil(t, page)
	copy(page, "payload")

	// Data addresses the same bytes as PagePointer
	data := s.Data(uint64(2) << 12)
	require.Equal(t, []byte("payload"), data[:7])

	require.NoError(t, s.Flush())
}

func TestTruncate(t *testing.T) {
	s, _ := openTestStore(t, nil)

	require.NoError(t, s.Grow(4))
	require.NoError(t, s.Truncate(2))
	require.Equal(t, uint32(2), s.PageCount())
	require.Equal(t, int64(2*4096), s.Size())

	// the store can grow again after being trimmed
	require.NoError(t, s.Grow(3))
	require.Equal(t, uint32(3), s.PageCount())
}

func TestCloseTrimsGrowthPadding(t *testing.T) {
	s, p := openTestStore(t, nil)

	require.NoError(t, s.Grow(3))

	// the file is extended in chunks ahead of the pages in use
	info, err := os.Stat(p)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(3*4096))

	require.NoError(t, s.Close())

	info, err = os.Stat(p)
	require.NoError(t, err)
	require.Equal(t, int64(3*4096), info.Size())
}

func TestReopenPersists(t *testing.T) {
	p := path.Join(t.TempDir(), "store_test.bin")

	s, err := Open(p, nil)
	require.NoError(t, err)
	require.NoError(t, s.Grow(2))
	copy(s.PagePointer(1), "persisted")
	require.NoError(t, s.Close())

	s, err = Open(p, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, uint32(2), s.PageCount())
	require.Equal(t, []byte("persisted"), s.PagePointer(1)[:9])
}

func TestDataUnmappedSegment(t *testing.T) {
	s, _ := openTestStore(t, nil)

	require.Nil(t, s.Data(uint64(5)<<30))
}
