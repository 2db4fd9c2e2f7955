package inode

import (
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
)

func TestAdjustFileStorageGrowAndShrink(t *testing.T) {
	tbl := NewTable(16)
	f := tbl.Create(VariantRegular, fuse.Attr{Blksize: 512})

	f.Lock()
	require.NoError(t, f.AdjustFileStorage(100))
	require.EqualValues(t, 100, f.Size())
	require.NoError(t, f.AdjustFileStorage(10))
	require.EqualValues(t, 10, f.Size())
	f.Unlock()

	require.EqualValues(t, 10, f.Attr().Size)
}

func TestWriteAtExtendsFile(t *testing.T) {
	tbl := NewTable(16)
	f := tbl.Create(VariantRegular, fuse.Attr{})

	f.Lock()
	n, err := f.WriteAt([]byte("hello"), 0)
	f.Unlock()

	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.EqualValues(t, 5, f.Attr().Size)
}

func TestWriteAtPastEndExtendsByExactLength(t *testing.T) {
	tbl := NewTable(16)
	f := tbl.Create(VariantRegular, fuse.Attr{})
	size := f.Attr().Size

	f.Lock()
	n, err := f.WriteAt([]byte("xyz"), int64(size))
	f.Unlock()

	require.NoError(t, err)
	require.EqualValues(t, size+3, f.Attr().Size)
	require.Equal(t, 3, n)
}

func TestReadAtClampsToFileLength(t *testing.T) {
	tbl := NewTable(16)
	f := tbl.Create(VariantRegular, fuse.Attr{})
	f.Lock()
	f.WriteAt([]byte("hello world"), 0)
	got := f.ReadAt(make([]byte, 100), 6)
	f.Unlock()

	require.Equal(t, "world", string(got))
}

func TestCopyWithinSameFileMatchesReadThenWrite(t *testing.T) {
	tbl := NewTable(16)
	f := tbl.Create(VariantRegular, fuse.Attr{})
	f.Lock()
	f.WriteAt([]byte("abcdef"), 0)
	n := f.CopyWithin(2, 0, 3) // copy "abc" to offset 2 -> "ababcf"... compute expected
	f.Unlock()

	require.Equal(t, 3, n)
	f.RLock()
	got := string(f.ReadAt(make([]byte, 10), 0))
	f.RUnlock()
	require.Equal(t, "ababcf"[:len(got)], got)
}
