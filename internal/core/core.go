// Package core implements the filesystem operation set shared by the
// FUSE call dispatcher (C8) and the shared-memory channel's server
// dispatch (C12) — "the FUSE kernel driver delivers operations to the
// dispatcher which calls the same core" (§2). Every exported method
// here corresponds to one entry in the external FUSE operation surface
// (§6) and is grounded on the matching handler file under
// finesse/bitbucket/ (lookup.c, mkdir.c, unlink.c, read.c, write.c,
// flock.c, copy_file_range.c, ...): resolve inode(s) by id with a
// lookup reference, perform the mutation under the inode lock(s), and
// release references on every exit path.
package core

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/fsgeek/bitbucket/internal/errs"
	"github.com/fsgeek/bitbucket/internal/inode"
	"github.com/fsgeek/bitbucket/internal/lockmgr"
	"github.com/fsgeek/bitbucket/internal/rename"
)

// Options mirrors the subset of §6's configuration surface that
// changes core behavior rather than ambient wiring (the rest —
// logfile, loglevel, storagedir — only affects internal/blog and
// internal/config).
type Options struct {
	EnableFsync    bool
	EnableFlush    bool
	EnableXattr    bool
	VerifyDirs     bool
	AttrTimeoutSec float64
}

// Core holds every piece of shared state the filesystem operations
// need: the inode store, the advisory lock manager, and behavior
// options. The dispatcher and the channel's server dispatch each hold
// one Core and call straight into it.
type Core struct {
	Table *inode.Table
	Locks *lockmgr.Manager
	Opts  Options
	Log   *zap.SugaredLogger
}

// New constructs a Core over tbl, ready to serve operations.
func New(tbl *inode.Table, opts Options, log *zap.SugaredLogger) *Core {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Core{
		Table: tbl,
		Locks: lockmgr.NewManager(),
		Opts:  opts,
		Log:   log,
	}
}

func (c *Core) verifyIfEnabled(dir *inode.Inode) {
	if c.Opts.VerifyDirs {
		dir.Verify()
	}
}

// withParent resolves parentID to a directory inode with a fresh
// lookup reference, runs fn, and releases the reference on return —
// mirroring the lookup/dereference bracket every bitbucket/*.c handler
// wraps its body in.
func (c *Core) withParent(parentID uint64, fn func(dir *inode.Inode) error) error {
	dir, ok := c.Table.LookupByID(parentID)
	if !ok {
		return errs.Wrap("lookup-parent", errs.NoEntry)
	}
	defer c.Table.Release(dir, inode.RefLookup, 1)

	if dir.VariantTag() != inode.VariantDirectory {
		return errs.Wrap("lookup-parent", errs.NotDirectory)
	}
	return fn(dir)
}

// Lookup resolves name inside parentID, returning the child with a
// fresh kernel-visible reference added (the dispatcher is the kernel
// boundary; §3 "incremented whenever the inode id is returned across
// the kernel boundary").
func (c *Core) Lookup(parentID uint64, name string) (*inode.Inode, error) {
	var child *inode.Inode
	err := c.withParent(parentID, func(dir *inode.Inode) error {
		dir.Lock()
		defer dir.Unlock()
		found, ok := dir.Lookup(name)
		if !ok {
			return errs.Wrap("lookup", errs.NoEntry)
		}
		found.AddKernelRef()
		child = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Getattr returns id's POSIX attributes.
func (c *Core) Getattr(id uint64) (fuse.Attr, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return fuse.Attr{}, errs.Wrap("getattr", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	return n.Attr(), nil
}

// Setattr replaces id's mutable attribute fields, matching the
// original's merge-by-valid-bits approach: the caller supplies the
// full desired attr and the file size changes are routed through
// AdjustFileStorage so st_blocks stays derived from st_size.
func (c *Core) Setattr(id uint64, attr fuse.Attr, resize bool) (fuse.Attr, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return fuse.Attr{}, errs.Wrap("setattr", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)

	var err error
	n.WithLock(func(cur *fuse.Attr) {
		*cur = attr
		if resize && n.VariantTag() == inode.VariantRegular {
			err = n.AdjustFileStorage(attr.Size)
		}
		attr = *cur
	})
	return attr, err
}

func (c *Core) create(parentID uint64, name string, variant inode.Variant, attr fuse.Attr) (*inode.Inode, error) {
	var child *inode.Inode
	err := c.withParent(parentID, func(dir *inode.Inode) error {
		dir.Lock()
		defer dir.Unlock()

		n := c.Table.Create(variant, attr)
		if err := dir.Insert(n, name); err != nil {
			c.Table.Release(n, inode.RefLookup, 1)
			return err
		}
		c.verifyIfEnabled(dir)
		n.AddKernelRef()
		child = n
		return nil
	})
	return child, err
}

// Mkdir creates a new directory named name under parentID.
func (c *Core) Mkdir(parentID uint64, name string, mode uint32) (*inode.Inode, error) {
	return c.create(parentID, name, inode.VariantDirectory, fuse.Attr{Mode: syscall.S_IFDIR | mode, Nlink: 1})
}

// Create creates a new regular file named name under parentID.
func (c *Core) Create(parentID uint64, name string, mode uint32) (*inode.Inode, error) {
	return c.create(parentID, name, inode.VariantRegular, fuse.Attr{Mode: syscall.S_IFREG | mode, Nlink: 1})
}

// Symlink creates a symlink named linkName under parentID pointing at
// target.
func (c *Core) Symlink(parentID uint64, linkName, target string) (*inode.Inode, error) {
	child, err := c.create(parentID, linkName, inode.VariantSymlink, fuse.Attr{Mode: syscall.S_IFLNK | 0777, Nlink: 1})
	if err != nil {
		return nil, err
	}
	child.Lock()
	child.SetSymlinkData([]byte(target))
	child.Unlock()
	return child, nil
}

// Readlink returns id's symlink target.
func (c *Core) Readlink(id uint64) ([]byte, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return nil, errs.Wrap("readlink", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	if n.VariantTag() != inode.VariantSymlink {
		return nil, errs.Wrap("readlink", errs.InvalidArg)
	}
	n.RLock()
	defer n.RUnlock()
	return n.SymlinkData(), nil
}

// Unlink removes name from parentID, releasing the directory entry's
// lookup reference once the directory lock is dropped, matching §3's
// requirement that teardown happen with the directory's lock released.
func (c *Core) Unlink(parentID uint64, name string) error {
	return c.withParent(parentID, func(dir *inode.Inode) error {
		dir.Lock()
		child, err := dir.Remove(name)
		if err == nil {
			c.verifyIfEnabled(dir)
		}
		dir.Unlock()
		if err != nil {
			return err
		}
		c.Table.Release(child, inode.RefLookup, 1)
		return nil
	})
}

// Rmdir removes the empty directory name from parentID.
func (c *Core) Rmdir(parentID uint64, name string) error {
	return c.withParent(parentID, func(dir *inode.Inode) error {
		dir.Lock()
		child, ok := dir.Lookup(name)
		if !ok {
			dir.Unlock()
			return errs.Wrap("rmdir", errs.NoEntry)
		}
		if child.VariantTag() != inode.VariantDirectory {
			dir.Unlock()
			return errs.Wrap("rmdir", errs.NotDirectory)
		}
		child.Lock()
		count := child.Count()
		child.Unlock()
		if count > 0 {
			dir.Unlock()
			return errs.Wrap("rmdir", errs.NotEmpty)
		}
		_, err := dir.Remove(name)
		c.verifyIfEnabled(dir)
		dir.Unlock()
		if err != nil {
			return err
		}
		child.ReleaseSelf(c.Table)
		c.Table.Release(child, inode.RefLookup, 1)
		return nil
	})
}

// Link creates newname under newParentID pointing at the existing
// inode targetID (hard link semantics restricted to regular files, as
// the original does — directories and symlinks cannot be hard-linked).
func (c *Core) Link(targetID, newParentID uint64, newname string) (*inode.Inode, error) {
	target, ok := c.Table.LookupByID(targetID)
	if !ok {
		return nil, errs.Wrap("link", errs.NoEntry)
	}
	defer c.Table.Release(target, inode.RefLookup, 1)
	if target.VariantTag() != inode.VariantRegular {
		return nil, errs.Wrap("link", errs.IsDirectory)
	}

	err := c.withParent(newParentID, func(dir *inode.Inode) error {
		dir.Lock()
		defer dir.Unlock()
		if err := dir.Insert(target, newname); err != nil {
			return err
		}
		c.verifyIfEnabled(dir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	target.AddKernelRef()
	return target, nil
}

// Rename moves name from oldParentID to newname under newParentID.
func (c *Core) Rename(oldParentID uint64, name string, newParentID uint64, newname string, flags rename.Flags) error {
	oldParent, ok := c.Table.LookupByID(oldParentID)
	if !ok {
		return errs.Wrap("rename", errs.NoEntry)
	}
	defer c.Table.Release(oldParent, inode.RefLookup, 1)

	newParent, ok := c.Table.LookupByID(newParentID)
	if !ok {
		return errs.Wrap("rename", errs.NoEntry)
	}
	defer c.Table.Release(newParent, inode.RefLookup, 1)

	err := rename.Rename(c.Table, oldParent, newParent, name, newname, flags)
	if err == nil && c.Opts.VerifyDirs {
		inode.LockTwo(oldParent, newParent)
		oldParent.Verify()
		newParent.Verify()
		inode.UnlockTwo(oldParent, newParent)
	}
	return err
}

// Read copies up to len(dest) bytes from id starting at off.
func (c *Core) Read(id uint64, dest []byte, off int64) ([]byte, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return nil, errs.Wrap("read", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)

	n.RLock()
	defer n.RUnlock()
	return n.ReadAt(dest, off), nil
}

// Write writes data into id starting at off, growing the file if
// necessary.
func (c *Core) Write(id uint64, data []byte, off int64) (int, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return 0, errs.Wrap("write", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)

	n.Lock()
	defer n.Unlock()
	return n.WriteAt(data, off)
}

// Flush is a no-op unless enable-flush is configured, matching §6.
func (c *Core) Flush(id uint64) error {
	if !c.Opts.EnableFlush {
		return nil
	}
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("flush", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	return nil
}

// Fsync flushes id; a no-op unless enable-fsync is configured (§6).
func (c *Core) Fsync(id uint64) error {
	if !c.Opts.EnableFsync {
		return nil
	}
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("fsync", errs.NoEntry)
	}
	c.Table.Release(n, inode.RefLookup, 1)
	return nil
}

// Opendir validates that id is a directory. Opening a directory
// handle does not add a kernel-visible reference: that counter tracks
// lookup/forget traffic only (§3), not open/release traffic.
func (c *Core) Opendir(id uint64) error {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("opendir", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	if n.VariantTag() != inode.VariantDirectory {
		return errs.Wrap("opendir", errs.NotDirectory)
	}
	return nil
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	ID   uint64
	Mode uint32
}

// Readdir lists id's directory entries in sorted name order.
func (c *Core) Readdir(id uint64) ([]DirEntry, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return nil, errs.Wrap("readdir", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	if n.VariantTag() != inode.VariantDirectory {
		return nil, errs.Wrap("readdir", errs.NotDirectory)
	}

	n.Lock()
	defer n.Unlock()
	names := n.Names()
	entries := n.Entries()
	out := make([]DirEntry, 0, len(names))
	for _, name := range names {
		child := entries[name]
		out = append(out, DirEntry{Name: name, ID: child.ID(), Mode: child.Attr().Mode})
	}
	return out, nil
}

// Releasedir is the counterpart to Opendir; it holds no reference of
// its own to drop beyond the transient one LookupByID just took.
func (c *Core) Releasedir(id uint64) error {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("releasedir", errs.NoEntry)
	}
	c.Table.Release(n, inode.RefLookup, 1)
	return nil
}

// Release tears down all advisory lock state recorded for id through
// Locks.Forget (§C.3 of SPEC_FULL: forced lock cleanup on descriptor
// teardown): granted locks of every owner on id are dropped and every
// blocked waiter is answered with EBADF. Like Releasedir, it does not
// touch the kernel-visible counter, which tracks lookup/forget traffic
// only.
func (c *Core) Release(id uint64) error {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("release", errs.NoEntry)
	}
	c.Locks.Forget(id)
	c.Table.Release(n, inode.RefLookup, 1)
	return nil
}

// Forget drops nlookup kernel-visible references from id, the only
// cancellation mechanism for kernel-visible references (§5).
func (c *Core) Forget(id uint64, nlookup uint64) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return
	}
	c.Table.Release(n, inode.RefLookup, 1) // undo the ref LookupByID just added
	c.Table.Release(n, inode.RefKernel, nlookup)
}

// Setxattr, Getxattr, Removexattr, Listxattr implement §4's
// extended-attribute operations. Listxattr is specified not-supported
// (§6); it is omitted here and handled at the dispatcher as a direct
// not-supported reply.

func (c *Core) Setxattr(id uint64, name string, value []byte) error {
	if !c.Opts.EnableXattr {
		return errs.Wrap("setxattr", errs.NotSupported)
	}
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("setxattr", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	n.Lock()
	defer n.Unlock()
	n.SetXattr(name, value)
	return nil
}

func (c *Core) Getxattr(id uint64, name string) ([]byte, error) {
	if !c.Opts.EnableXattr {
		return nil, errs.Wrap("getxattr", errs.NotSupported)
	}
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return nil, errs.Wrap("getxattr", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	n.RLock()
	defer n.RUnlock()
	return n.GetXattr(name)
}

func (c *Core) Removexattr(id uint64, name string) error {
	if !c.Opts.EnableXattr {
		return errs.Wrap("removexattr", errs.NotSupported)
	}
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("removexattr", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	n.Lock()
	defer n.Unlock()
	return n.RemoveXattr(name)
}

// Access always succeeds; the system is single-user in practice and
// §1 excludes ACLs and quotas.
func (c *Core) Access(id uint64, mask uint32) error {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("access", errs.NoEntry)
	}
	c.Table.Release(n, inode.RefLookup, 1)
	return nil
}

// Flock acquires a whole-file advisory lock for owner on id, blocking
// unless nonblock is set (§4.C6).
func (c *Core) Flock(ctx context.Context, id uint64, owner any, exclusive, nonblock bool) error {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("flock", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	if n.VariantTag() != inode.VariantRegular {
		return errs.Wrap("flock", errs.InvalidArg)
	}
	return c.Locks.Lock(ctx, id, owner, exclusive, nonblock)
}

// FlockUnlock releases every lock owner holds on id.
func (c *Core) FlockUnlock(id uint64, owner any) error {
	return c.Locks.Unlock(id, owner)
}

// Fallocate reshapes id's storage to size via AdjustFileStorage (§6:
// "fallocate ... via storage adjust").
func (c *Core) Fallocate(id uint64, size uint64) error {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return errs.Wrap("fallocate", errs.NoEntry)
	}
	defer c.Table.Release(n, inode.RefLookup, 1)
	n.Lock()
	defer n.Unlock()
	return n.AdjustFileStorage(size)
}

// CopyFileRange copies length bytes from srcID at srcOff to dstID at
// dstOff, under two-inode locking in address order (§6). When src and
// dst are the same inode, it is a single-lock same-file copy; §9's
// Open Question about a shrinking source between lock acquisitions is
// resolved by clamping length to what is actually available after the
// lock is held, never going negative.
func (c *Core) CopyFileRange(srcID uint64, srcOff int64, dstID uint64, dstOff int64, length int64) (int, error) {
	src, ok := c.Table.LookupByID(srcID)
	if !ok {
		return 0, errs.Wrap("copy_file_range", errs.NoEntry)
	}
	defer c.Table.Release(src, inode.RefLookup, 1)

	dst, ok := c.Table.LookupByID(dstID)
	if !ok {
		return 0, errs.Wrap("copy_file_range", errs.NoEntry)
	}
	defer c.Table.Release(dst, inode.RefLookup, 1)

	if src.VariantTag() != inode.VariantRegular || dst.VariantTag() != inode.VariantRegular {
		return 0, errs.Wrap("copy_file_range", errs.InvalidArg)
	}

	if src == dst {
		src.Lock()
		defer src.Unlock()
		length = clampLength(src.Size(), srcOff, length)
		if length <= 0 {
			return 0, nil
		}
		return src.CopyWithin(dstOff, srcOff, length), nil
	}

	inode.LockTwo(src, dst)
	defer inode.UnlockTwo(src, dst)

	length = clampLength(src.Size(), srcOff, length)
	if length <= 0 {
		return 0, nil
	}
	buf := make([]byte, length)
	copy(buf, src.ReadAt(buf, srcOff))
	return dst.WriteAt(buf, dstOff)
}

// clampLength re-derives how many bytes are actually available to
// copy from a file of size sourceSize starting at off, never
// returning a negative count even if the source shrank between the
// caller's size check and the lock being acquired.
func clampLength(sourceSize, off, length int64) int64 {
	avail := sourceSize - off
	if avail < 0 {
		return 0
	}
	if length > avail {
		return avail
	}
	return length
}

// Lseek is a no-op that returns the requested offset unchanged (§6:
// "no-op, returns requested offset"); SEEK_DATA/SEEK_HOLE are not
// distinguished because the in-memory storage has no sparse regions.
func (c *Core) Lseek(id uint64, offset int64) (int64, error) {
	n, ok := c.Table.LookupByID(id)
	if !ok {
		return 0, errs.Wrap("lseek", errs.NoEntry)
	}
	c.Table.Release(n, inode.RefLookup, 1)
	return offset, nil
}

// Statfs reports a nominal, unbounded in-memory filesystem.
func (c *Core) Statfs() fuse.StatfsOut {
	return fuse.StatfsOut{
		Blocks:  1 << 30,
		Bfree:   1 << 30,
		Bavail:  1 << 30,
		Files:   1 << 20,
		Ffree:   1 << 20,
		Bsize:   4096,
		NameLen: 255,
		Frsize:  4096,
	}
}
