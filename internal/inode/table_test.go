package inode

import (
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
)

func TestCreateRootIdempotent(t *testing.T) {
	tbl := NewTable(16)
	r1 := tbl.CreateRoot()
	r2 := tbl.CreateRoot()
	require.Same(t, r1, r2)
	require.EqualValues(t, RootID, r1.ID())
	require.Equal(t, NilKey, r1.InodeKey())
}

func TestCreateAssignsFreshIDAndKey(t *testing.T) {
	tbl := NewTable(16)
	a := tbl.Create(VariantRegular, fuse.Attr{Mode: syscall.S_IFREG | 0644})
	b := tbl.Create(VariantRegular, fuse.Attr{Mode: syscall.S_IFREG | 0644})
	require.NotEqual(t, a.ID(), b.ID())
	require.NotEqual(t, a.InodeKey(), b.InodeKey())
	require.EqualValues(t, 1, a.LookupRefs())
}

func TestLookupByIDAddsReference(t *testing.T) {
	tbl := NewTable(16)
	a := tbl.Create(VariantRegular, fuse.Attr{})
	before := a.LookupRefs()

	found, ok := tbl.LookupByID(a.ID())
	require.True(t, ok)
	require.Same(t, a, found)
	require.Equal(t, before+1, found.LookupRefs())
}

func TestLookupByKeyMatchesLookupByID(t *testing.T) {
	tbl := NewTable(16)
	a := tbl.Create(VariantRegular, fuse.Attr{})

	byKey, ok := tbl.LookupByKey(a.InodeKey())
	require.True(t, ok)
	require.Same(t, a, byKey)
}

func TestLookupMissingFails(t *testing.T) {
	tbl := NewTable(16)
	_, ok := tbl.LookupByID(99999)
	require.False(t, ok)

	var randomKey Key
	randomKey[0] = 1
	_, ok = tbl.LookupByKey(randomKey)
	require.False(t, ok)
}

func TestReleaseTearsDownAtZero(t *testing.T) {
	tbl := NewTable(16)
	a := tbl.Create(VariantRegular, fuse.Attr{})
	id := a.ID()
	key := a.InodeKey()

	tbl.Release(a, RefLookup, 1)

	_, ok := tbl.LookupByID(id)
	require.False(t, ok)
	_, ok = tbl.LookupByKey(key)
	require.False(t, ok)
}

func TestReleaseMoreThanHeldAborts(t *testing.T) {
	tbl := NewTable(16)
	a := tbl.Create(VariantRegular, fuse.Attr{})
	require.Panics(t, func() {
		tbl.Release(a, RefLookup, 5)
	})
}

func TestDirectoryCreateHasSelfReferenceExtra(t *testing.T) {
	tbl := NewTable(16)
	d := tbl.Create(VariantDirectory, fuse.Attr{Mode: syscall.S_IFDIR | 0755})
	// One lookup ref from the act of creating + one self-reference.
	require.EqualValues(t, 2, d.LookupRefs())
}

func TestEpochBumpsAfterTeardown(t *testing.T) {
	tbl := NewTable(4)
	a := tbl.Create(VariantRegular, fuse.Attr{})
	require.EqualValues(t, 0, a.Epoch())
	tbl.Release(a, RefLookup, 1)
	require.EqualValues(t, 1, a.Epoch())
}

func TestBucketCountRoundsToPowerOfTwo(t *testing.T) {
	tbl := NewTable(10)
	require.Len(t, tbl.idBuckets, 16)
}
