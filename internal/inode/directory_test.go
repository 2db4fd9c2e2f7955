package inode

import (
	"errors"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
)

func TestInsertLookupRemove(t *testing.T) {
	tbl := NewTable(16)
	dir := tbl.Create(VariantDirectory, fuse.Attr{})
	child := tbl.Create(VariantRegular, fuse.Attr{})
	before := child.LookupRefs()

	dir.Lock()
	err := dir.Insert(child, "a.txt")
	require.NoError(t, err)
	got, ok := dir.Lookup("a.txt")
	dir.Unlock()

	require.True(t, ok)
	require.Same(t, child, got)
	require.Equal(t, before+1, child.LookupRefs())

	dir.Lock()
	removed, err := dir.Remove("a.txt")
	dir.Unlock()
	require.NoError(t, err)
	require.Same(t, child, removed)
}

func TestInsertDuplicateNameFails(t *testing.T) {
	tbl := NewTable(16)
	dir := tbl.Create(VariantDirectory, fuse.Attr{})
	a := tbl.Create(VariantRegular, fuse.Attr{})
	b := tbl.Create(VariantRegular, fuse.Attr{})

	dir.Lock()
	require.NoError(t, dir.Insert(a, "x"))
	err := dir.Insert(b, "x")
	dir.Unlock()

	require.True(t, errors.Is(err, syscall.EEXIST))
}

func TestInsertRejectsInvalidNames(t *testing.T) {
	tbl := NewTable(16)
	dir := tbl.Create(VariantDirectory, fuse.Attr{})
	child := tbl.Create(VariantRegular, fuse.Attr{})

	for _, bad := range []string{".", "..", "", "a/b", "a\x00b"} {
		dir.Lock()
		err := dir.Insert(child, bad)
		dir.Unlock()
		require.Error(t, err, "name %q should be rejected", bad)
	}
}

func TestRemoveMissingReturnsNoEntry(t *testing.T) {
	tbl := NewTable(16)
	dir := tbl.Create(VariantDirectory, fuse.Attr{})

	dir.Lock()
	_, err := dir.Remove("missing")
	dir.Unlock()
	require.Error(t, err)
}

func TestExchangeEntriesSwaps(t *testing.T) {
	tbl := NewTable(16)
	dirA := tbl.Create(VariantDirectory, fuse.Attr{})
	dirB := tbl.Create(VariantDirectory, fuse.Attr{})
	x := tbl.Create(VariantRegular, fuse.Attr{})
	y := tbl.Create(VariantRegular, fuse.Attr{})

	dirA.Lock()
	require.NoError(t, dirA.Insert(x, "x"))
	dirA.Unlock()
	dirB.Lock()
	require.NoError(t, dirB.Insert(y, "y"))
	dirB.Unlock()

	LockTwo(dirA, dirB)
	err := ExchangeEntries(dirA, "x", dirB, "y")
	UnlockTwo(dirA, dirB)
	require.NoError(t, err)

	dirA.Lock()
	gotY, _ := dirA.Lookup("x")
	dirA.Unlock()
	dirB.Lock()
	gotX, _ := dirB.Lookup("y")
	dirB.Unlock()

	require.Same(t, y, gotY)
	require.Same(t, x, gotX)
}

func TestVerifyCatchesMissingLookupRef(t *testing.T) {
	tbl := NewTable(16)
	dir := tbl.Create(VariantDirectory, fuse.Attr{})
	child := tbl.Create(VariantRegular, fuse.Attr{})

	dir.Lock()
	require.NoError(t, dir.Insert(child, "a"))
	dir.Unlock()

	// Drop both the creation reference and the one Insert granted,
	// simulating corruption, then Verify must catch it.
	tbl.Release(child, RefLookup, 2)

	require.Panics(t, func() {
		dir.Lock()
		defer dir.Unlock()
		dir.Verify()
	})
}
