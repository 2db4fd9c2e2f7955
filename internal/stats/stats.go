// Package stats implements the per-operation call-statistics counter
// (§4.C2): one entry per FUSE operation recording call count,
// success/failure split, and accumulated elapsed time, plus a
// formatted text dump (Format). The channel's ServerStat native verb
// ships Snapshot rows rather than this dump. It is grounded on
// finesse/bitbucket/calldata.c, which keeps a fixed array of named
// counters indexed by an operation enum — here the enum becomes the
// Op type and the array stays a fixed-size array indexed by Op.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Op identifies a countable operation. The order matches the FUSE
// operation surface in §6 plus the Init/Destroy lifecycle calls,
// mirroring BitbucketCallDataNames.
type Op int

const (
	OpInit Op = iota
	OpDestroy
	OpLookup
	OpForget
	OpGetattr
	OpSetattr
	OpReadlink
	OpMknod
	OpMkdir
	OpUnlink
	OpRmdir
	OpSymlink
	OpRename
	OpLink
	OpOpen
	OpRead
	OpWrite
	OpFlush
	OpRelease
	OpFsync
	OpOpendir
	OpReaddir
	OpReleasedir
	OpFsyncdir
	OpStatfs
	OpSetxattr
	OpGetxattr
	OpListxattr
	OpRemovexattr
	OpAccess
	OpCreate
	OpGetlk
	OpSetlk
	OpBmap
	OpIoctl
	OpPoll
	OpWriteBuf
	OpRetrieveReply
	OpForgetMulti
	OpFlock
	OpFallocate
	OpReaddirplus
	OpCopyFileRange
	OpLseek
	opCount
)

var opNames = [opCount]string{
	OpInit: "Init", OpDestroy: "Destroy", OpLookup: "Lookup", OpForget: "Forget",
	OpGetattr: "Getattr", OpSetattr: "Setattr", OpReadlink: "Readlink", OpMknod: "Mknod",
	OpMkdir: "Mkdir", OpUnlink: "Unlink", OpRmdir: "Rmdir", OpSymlink: "Symlink",
	OpRename: "Rename", OpLink: "Link", OpOpen: "Open", OpRead: "Read",
	OpWrite: "Write", OpFlush: "Flush", OpRelease: "Release", OpFsync: "Fsync",
	OpOpendir: "Opendir", OpReaddir: "Readdir", OpReleasedir: "Releasedir", OpFsyncdir: "Fsyncdir",
	OpStatfs: "Statfs", OpSetxattr: "Setxattr", OpGetxattr: "Getxattr", OpListxattr: "Listxattr",
	OpRemovexattr: "Removexattr", OpAccess: "Access", OpCreate: "Create", OpGetlk: "Getlk",
	OpSetlk: "Setlk", OpBmap: "Bmap", OpIoctl: "Ioctl", OpPoll: "Poll",
	OpWriteBuf: "Write_Buf", OpRetrieveReply: "Retrieve_Reply", OpForgetMulti: "Forget_Multi",
	OpFlock: "Flock", OpFallocate: "Fallocate", OpReaddirplus: "Readdirplus",
	OpCopyFileRange: "Copy_File_Range", OpLseek: "Lseek",
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return "Unknown"
	}
	return opNames[o]
}

// Entry is one operation's accumulated counters. All fields are
// accessed atomically so the table can be read concurrently with
// updates from many dispatcher goroutines.
type Entry struct {
	Calls       int64
	Success     int64
	Failure     int64
	ElapsedNano int64
}

// Table holds one Entry per Op.
type Table struct {
	entries [opCount]Entry
}

// NewTable returns an initialized, empty statistics table.
func NewTable() *Table {
	return &Table{}
}

// Count records the outcome of one call to op, started at start.
func (t *Table) Count(op Op, ok bool, start time.Time) {
	e := t.entry(op)
	atomic.AddInt64(&e.Calls, 1)
	if ok {
		atomic.AddInt64(&e.Success, 1)
	} else {
		atomic.AddInt64(&e.Failure, 1)
	}
	atomic.AddInt64(&e.ElapsedNano, int64(time.Since(start)))
}

func (t *Table) entry(op Op) *Entry {
	if op < 0 || int(op) >= len(t.entries) {
		panic(fmt.Sprintf("stats: op %d out of range", op))
	}
	return &t.entries[op]
}

// Snapshot is a point-in-time, race-free copy of the table, suitable
// for shipping across the channel as a ServerStat response (§C of
// SPEC_FULL).
type Snapshot struct {
	Op      string
	Calls   int64
	Success int64
	Failure int64
	Elapsed time.Duration
}

// Snapshot copies every entry out of the table.
func (t *Table) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(t.entries))
	for i := range t.entries {
		e := &t.entries[i]
		out = append(out, Snapshot{
			Op:      Op(i).String(),
			Calls:   atomic.LoadInt64(&e.Calls),
			Success: atomic.LoadInt64(&e.Success),
			Failure: atomic.LoadInt64(&e.Failure),
			Elapsed: time.Duration(atomic.LoadInt64(&e.ElapsedNano)),
		})
	}
	return out
}

// Format renders the table the way BitbucketFormatCallData renders
// BitbucketCallStatistics: one line per operation, skipping calls
// that never happened.
func (t *Table) Format() string {
	var sb strings.Builder
	for _, s := range t.Snapshot() {
		if s.Calls == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%-16s calls=%d success=%d failure=%d elapsed=%s\n",
			s.Op, s.Calls, s.Success, s.Failure, s.Elapsed)
	}
	return sb.String()
}
