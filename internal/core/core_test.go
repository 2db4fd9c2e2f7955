package core

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fsgeek/bitbucket/internal/inode"
	"github.com/fsgeek/bitbucket/internal/rename"
)

func newCore() *Core {
	tbl := inode.NewTable(16)
	tbl.CreateRoot()
	return New(tbl, Options{EnableFsync: true, EnableFlush: true, EnableXattr: true}, nil)
}

func TestMkdirCreateLookupGetattr(t *testing.T) {
	c := newCore()

	d, err := c.Mkdir(inode.RootID, "a", 0755)
	require.NoError(t, err)

	f, err := c.Create(d.ID(), "b", 0644)
	require.NoError(t, err)

	found, err := c.Lookup(d.ID(), "b")
	require.NoError(t, err)
	require.Equal(t, f.ID(), found.ID())

	attr, err := c.Getattr(f.ID())
	require.NoError(t, err)
	require.EqualValues(t, 0, attr.Size)
}

func TestWriteThenGetattrReflectsSize(t *testing.T) {
	c := newCore()
	d, _ := c.Mkdir(inode.RootID, "a", 0755)
	f, _ := c.Create(d.ID(), "b", 0644)

	n, err := c.Write(f.ID(), []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	attr, err := c.Getattr(f.ID())
	require.NoError(t, err)
	require.EqualValues(t, 5, attr.Size)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	c := newCore()
	d, _ := c.Mkdir(inode.RootID, "a", 0755)
	c.Create(d.ID(), "b", 0644)

	require.NoError(t, c.Unlink(d.ID(), "b"))
	_, err := c.Lookup(d.ID(), "b")
	require.True(t, errors.Is(err, syscall.ENOENT))
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	c := newCore()
	d, _ := c.Mkdir(inode.RootID, "a", 0755)
	c.Create(d.ID(), "b", 0644)

	err := c.Rmdir(inode.RootID, "a")
	require.True(t, errors.Is(err, syscall.ENOTEMPTY))
}

func TestRmdirSucceedsWhenEmpty(t *testing.T) {
	c := newCore()
	c.Mkdir(inode.RootID, "a", 0755)
	require.NoError(t, c.Rmdir(inode.RootID, "a"))
}

func TestSymlinkReadlinkRoundTrip(t *testing.T) {
	c := newCore()
	l, err := c.Symlink(inode.RootID, "link", "/target")
	require.NoError(t, err)

	target, err := c.Readlink(l.ID())
	require.NoError(t, err)
	require.Equal(t, "/target", string(target))
}

func TestRenameMovesEntry(t *testing.T) {
	c := newCore()
	a, _ := c.Mkdir(inode.RootID, "a", 0755)
	b, _ := c.Mkdir(inode.RootID, "b", 0755)
	c.Create(a.ID(), "x", 0644)

	require.NoError(t, c.Rename(a.ID(), "x", b.ID(), "y", rename.Flags{}))
	_, err := c.Lookup(b.ID(), "y")
	require.NoError(t, err)
}

func TestXattrRoundTripAndRemove(t *testing.T) {
	c := newCore()
	f, _ := c.Create(inode.RootID, "f", 0644)

	require.NoError(t, c.Setxattr(f.ID(), "user.k", []byte("v")))
	got, err := c.Getxattr(f.ID(), "user.k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))

	require.NoError(t, c.Removexattr(f.ID(), "user.k"))
	_, err = c.Getxattr(f.ID(), "user.k")
	require.True(t, errors.Is(err, syscall.ENODATA))
}

func TestXattrDisabledReturnsNotSupported(t *testing.T) {
	tbl := inode.NewTable(16)
	tbl.CreateRoot()
	c := New(tbl, Options{}, nil)
	f, _ := c.Create(inode.RootID, "f", 0644)

	err := c.Setxattr(f.ID(), "user.k", []byte("v"))
	require.True(t, errors.Is(err, syscall.ENOSYS))
}

func TestFlockExclusiveBlocksUntilReleased(t *testing.T) {
	c := newCore()
	f, _ := c.Create(inode.RootID, "f", 0644)

	require.NoError(t, c.Flock(context.Background(), f.ID(), "owner-a", true, true))
	err := c.Flock(context.Background(), f.ID(), "owner-b", true, true)
	require.True(t, errors.Is(err, syscall.EWOULDBLOCK))

	require.NoError(t, c.FlockUnlock(f.ID(), "owner-a"))
	require.NoError(t, c.Flock(context.Background(), f.ID(), "owner-b", true, true))
}

func TestCopyFileRangeSameFile(t *testing.T) {
	c := newCore()
	f, _ := c.Create(inode.RootID, "f", 0644)
	c.Write(f.ID(), []byte("abcdef"), 0)

	n, err := c.CopyFileRange(f.ID(), 0, f.ID(), 2, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	dest := make([]byte, 10)
	got, err := c.Read(f.ID(), dest, 0)
	require.NoError(t, err)
	require.Equal(t, "ababcf", string(got))
}

func TestCopyFileRangeClampsWhenSourceShorterThanRequested(t *testing.T) {
	c := newCore()
	src, _ := c.Create(inode.RootID, "src", 0644)
	dst, _ := c.Create(inode.RootID, "dst", 0644)
	c.Write(src.ID(), []byte("abc"), 0)

	n, err := c.CopyFileRange(src.ID(), 0, dst.ID(), 0, 100)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestLseekReturnsRequestedOffset(t *testing.T) {
	c := newCore()
	f, _ := c.Create(inode.RootID, "f", 0644)

	off, err := c.Lseek(f.ID(), 42)
	require.NoError(t, err)
	require.EqualValues(t, 42, off)
}

func TestForgetDropsKernelReferences(t *testing.T) {
	c := newCore()
	d, _ := c.Mkdir(inode.RootID, "a", 0755)
	require.EqualValues(t, 1, d.KernelRefs())

	c.Forget(d.ID(), 1)
	require.EqualValues(t, 0, d.KernelRefs())
}
