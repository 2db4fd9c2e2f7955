// Package dispatch implements the call dispatcher (§4.C8): for every
// operation in the FUSE surface (§6), wrap the internal handler with a
// monotonic-clock start/stop pair and a per-operation statistics
// update, then translate the result to the negative-errno form FUSE
// replies expect. It is grounded on finesse/bitbucket/*.c's uniform
// pattern (bitbucket_mkdir, bitbucket_rename, ...: each public entry
// point is a thin wrapper that times and counts a
// bitbucket_internal_* function) and on the teacher's own
// nodefs.FileSystemConnector, which centralizes raw-protocol glue
// ahead of a simpler internal API.
//
// Decoding the FUSE wire protocol itself — InHeader, EntryOut,
// AttrOut and friends — is explicitly out of scope (§1: "FUSE kernel
// protocol parsing ... out of scope"); that decoding and the
// fuse.Server event loop belong to github.com/hanwen/go-fuse/v2/fuse.
// Server below is the seam: its methods take the plain Go types the
// core already speaks (ids, names, byte slices, fuse.Attr) and are
// meant to be called from whatever thin per-opcode adapter wires them
// to fuse.Server's raw callback set.
package dispatch

import (
	"context"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/fsgeek/bitbucket/internal/core"
	"github.com/fsgeek/bitbucket/internal/errs"
	"github.com/fsgeek/bitbucket/internal/inode"
	"github.com/fsgeek/bitbucket/internal/rename"
	"github.com/fsgeek/bitbucket/internal/stats"
)

// Server dispatches filesystem operations into a core.Core, counting
// every call in Stats.
type Server struct {
	Core  *core.Core
	Stats *stats.Table
	Log   *zap.SugaredLogger
}

// New constructs a Server over c, with its own statistics table.
func New(c *core.Core, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{Core: c, Stats: stats.NewTable(), Log: log}
}

// timed runs fn, timing it and recording the outcome under op.
func (s *Server) timed(op stats.Op, fn func() error) error {
	start := time.Now()
	err := fn()
	s.Stats.Count(op, err == nil, start)
	return err
}

// Errno converts err to the negative-errno form a FUSE reply carries,
// 0 for success. Internal invariant violations are not converted:
// they are expected to have already terminated the process via
// errs.Abort before reaching here.
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	if e, ok := err.(errs.Errno); ok {
		return -int32(e.Syscall())
	}
	return -int32(errs.InvalidArg)
}

func (s *Server) Init() error {
	return s.timed(stats.OpInit, func() error { return nil })
}

func (s *Server) Destroy() error {
	return s.timed(stats.OpDestroy, func() error { return nil })
}

func (s *Server) Lookup(parentID uint64, name string) (*inode.Inode, error) {
	var child *inode.Inode
	err := s.timed(stats.OpLookup, func() error {
		var err error
		child, err = s.Core.Lookup(parentID, name)
		return err
	})
	return child, err
}

func (s *Server) Forget(id, nlookup uint64) {
	_ = s.timed(stats.OpForget, func() error {
		s.Core.Forget(id, nlookup)
		return nil
	})
}

func (s *Server) ForgetMulti(ids, nlookups []uint64) {
	_ = s.timed(stats.OpForgetMulti, func() error {
		for i, id := range ids {
			s.Core.Forget(id, nlookups[i])
		}
		return nil
	})
}

func (s *Server) GetAttr(id uint64) (fuse.Attr, error) {
	var attr fuse.Attr
	err := s.timed(stats.OpGetattr, func() error {
		var err error
		attr, err = s.Core.Getattr(id)
		return err
	})
	return attr, err
}

func (s *Server) SetAttr(id uint64, attr fuse.Attr, resize bool) (fuse.Attr, error) {
	var out fuse.Attr
	err := s.timed(stats.OpSetattr, func() error {
		var err error
		out, err = s.Core.Setattr(id, attr, resize)
		return err
	})
	return out, err
}

func (s *Server) Readlink(id uint64) ([]byte, error) {
	var data []byte
	err := s.timed(stats.OpReadlink, func() error {
		var err error
		data, err = s.Core.Readlink(id)
		return err
	})
	return data, err
}

// Mknod is not supported (§6): bitbucket only creates regular files
// through Create.
func (s *Server) Mknod() error {
	return s.timed(stats.OpMknod, func() error { return errs.Wrap("mknod", errs.NotSupported) })
}

func (s *Server) Mkdir(parentID uint64, name string, mode uint32) (*inode.Inode, error) {
	var child *inode.Inode
	err := s.timed(stats.OpMkdir, func() error {
		var err error
		child, err = s.Core.Mkdir(parentID, name, mode)
		return err
	})
	return child, err
}

func (s *Server) Unlink(parentID uint64, name string) error {
	return s.timed(stats.OpUnlink, func() error { return s.Core.Unlink(parentID, name) })
}

func (s *Server) Rmdir(parentID uint64, name string) error {
	return s.timed(stats.OpRmdir, func() error { return s.Core.Rmdir(parentID, name) })
}

func (s *Server) Symlink(parentID uint64, linkName, target string) (*inode.Inode, error) {
	var child *inode.Inode
	err := s.timed(stats.OpSymlink, func() error {
		var err error
		child, err = s.Core.Symlink(parentID, linkName, target)
		return err
	})
	return child, err
}

func (s *Server) Rename(oldParentID uint64, name string, newParentID uint64, newname string, flags rename.Flags) error {
	return s.timed(stats.OpRename, func() error {
		return s.Core.Rename(oldParentID, name, newParentID, newname, flags)
	})
}

func (s *Server) Link(targetID, newParentID uint64, newname string) (*inode.Inode, error) {
	var child *inode.Inode
	err := s.timed(stats.OpLink, func() error {
		var err error
		child, err = s.Core.Link(targetID, newParentID, newname)
		return err
	})
	return child, err
}

func (s *Server) Open(id uint64) error {
	return s.timed(stats.OpOpen, func() error {
		_, err := s.Core.Getattr(id)
		return err
	})
}

func (s *Server) Read(id uint64, dest []byte, off int64) ([]byte, error) {
	var data []byte
	err := s.timed(stats.OpRead, func() error {
		var err error
		data, err = s.Core.Read(id, dest, off)
		return err
	})
	return data, err
}

func (s *Server) Write(id uint64, data []byte, off int64) (int, error) {
	var n int
	err := s.timed(stats.OpWrite, func() error {
		var err error
		n, err = s.Core.Write(id, data, off)
		return err
	})
	return n, err
}

func (s *Server) WriteBuf(id uint64, data []byte, off int64) (int, error) {
	var n int
	err := s.timed(stats.OpWriteBuf, func() error {
		var err error
		n, err = s.Core.Write(id, data, off)
		return err
	})
	return n, err
}

func (s *Server) Flush(id uint64) error {
	return s.timed(stats.OpFlush, func() error { return s.Core.Flush(id) })
}

func (s *Server) Release(id uint64) error {
	return s.timed(stats.OpRelease, func() error { return s.Core.Release(id) })
}

func (s *Server) Fsync(id uint64) error {
	return s.timed(stats.OpFsync, func() error { return s.Core.Fsync(id) })
}

func (s *Server) Opendir(id uint64) error {
	return s.timed(stats.OpOpendir, func() error { return s.Core.Opendir(id) })
}

func (s *Server) Readdir(id uint64) ([]core.DirEntry, error) {
	var entries []core.DirEntry
	err := s.timed(stats.OpReaddir, func() error {
		var err error
		entries, err = s.Core.Readdir(id)
		return err
	})
	return entries, err
}

func (s *Server) ReaddirPlus(id uint64) ([]core.DirEntry, error) {
	var entries []core.DirEntry
	err := s.timed(stats.OpReaddirplus, func() error {
		var err error
		entries, err = s.Core.Readdir(id)
		return err
	})
	return entries, err
}

func (s *Server) Releasedir(id uint64) error {
	return s.timed(stats.OpReleasedir, func() error { return s.Core.Releasedir(id) })
}

func (s *Server) Fsyncdir(id uint64) error {
	return s.timed(stats.OpFsyncdir, func() error { return s.Core.Fsync(id) })
}

func (s *Server) Statfs() (fuse.StatfsOut, error) {
	var out fuse.StatfsOut
	err := s.timed(stats.OpStatfs, func() error {
		out = s.Core.Statfs()
		return nil
	})
	return out, err
}

func (s *Server) Setxattr(id uint64, name string, value []byte) error {
	return s.timed(stats.OpSetxattr, func() error { return s.Core.Setxattr(id, name, value) })
}

func (s *Server) Getxattr(id uint64, name string) ([]byte, error) {
	var data []byte
	err := s.timed(stats.OpGetxattr, func() error {
		var err error
		data, err = s.Core.Getxattr(id, name)
		return err
	})
	return data, err
}

// Listxattr is not supported (§6).
func (s *Server) Listxattr() error {
	return s.timed(stats.OpListxattr, func() error { return errs.Wrap("listxattr", errs.NotSupported) })
}

func (s *Server) Removexattr(id uint64, name string) error {
	return s.timed(stats.OpRemovexattr, func() error { return s.Core.Removexattr(id, name) })
}

func (s *Server) Access(id uint64, mask uint32) error {
	return s.timed(stats.OpAccess, func() error { return s.Core.Access(id, mask) })
}

func (s *Server) Create(parentID uint64, name string, mode uint32) (*inode.Inode, error) {
	var child *inode.Inode
	err := s.timed(stats.OpCreate, func() error {
		var err error
		child, err = s.Core.Create(parentID, name, mode)
		return err
	})
	return child, err
}

// Getlk and Setlk are not supported (§6): POSIX byte-range locks are
// stubbed, only whole-file flock is implemented.
func (s *Server) Getlk() error {
	return s.timed(stats.OpGetlk, func() error { return errs.Wrap("getlk", errs.NotSupported) })
}

func (s *Server) Setlk() error {
	return s.timed(stats.OpSetlk, func() error { return errs.Wrap("setlk", errs.NotSupported) })
}

func (s *Server) Bmap() error {
	return s.timed(stats.OpBmap, func() error { return errs.Wrap("bmap", errs.NotSupported) })
}

func (s *Server) Ioctl() error {
	return s.timed(stats.OpIoctl, func() error { return errs.Wrap("ioctl", errs.NotSupported) })
}

func (s *Server) Poll() error {
	return s.timed(stats.OpPoll, func() error { return errs.Wrap("poll", errs.NotSupported) })
}

func (s *Server) RetrieveReply() error {
	return s.timed(stats.OpRetrieveReply, func() error { return errs.Wrap("retrieve_reply", errs.NotSupported) })
}

func (s *Server) Flock(ctx context.Context, id uint64, owner any, exclusive, nonblock bool) error {
	return s.timed(stats.OpFlock, func() error {
		return s.Core.Flock(ctx, id, owner, exclusive, nonblock)
	})
}

func (s *Server) FlockUnlock(id uint64, owner any) error {
	return s.timed(stats.OpFlock, func() error { return s.Core.FlockUnlock(id, owner) })
}

func (s *Server) Fallocate(id uint64, size uint64) error {
	return s.timed(stats.OpFallocate, func() error { return s.Core.Fallocate(id, size) })
}

func (s *Server) CopyFileRange(srcID uint64, srcOff int64, dstID uint64, dstOff int64, length int64) (int, error) {
	var n int
	err := s.timed(stats.OpCopyFileRange, func() error {
		var err error
		n, err = s.Core.CopyFileRange(srcID, srcOff, dstID, dstOff, length)
		return err
	})
	return n, err
}

func (s *Server) Lseek(id uint64, offset int64) (int64, error) {
	var out int64
	err := s.timed(stats.OpLseek, func() error {
		var err error
		out, err = s.Core.Lseek(id, offset)
		return err
	})
	return out, err
}
