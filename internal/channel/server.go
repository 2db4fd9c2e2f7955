package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fsgeek/bitbucket/internal/dispatch"
	"github.com/fsgeek/bitbucket/internal/errs"
	"github.com/fsgeek/bitbucket/internal/inode"
	"github.com/fsgeek/bitbucket/internal/rename"
	"github.com/fsgeek/bitbucket/internal/stats"
)

// Server pulls requests off a Region (§4.C9 step 4, with the
// random-offset scan implemented in Region.waitForRequest) and
// dispatches each into the same dispatch.Server the FUSE side uses
// (§2: "the FUSE kernel driver delivers operations to the dispatcher
// which calls the same core"), plus the native verbs recovered from
// the original's communications/ tree (§C of SPEC_FULL.md).
type Server struct {
	region *Region
	disp   *dispatch.Server
	log    *zap.SugaredLogger

	// workers bounds how many requests are serviced concurrently; each
	// worker is one goroutine blocked in Region.waitForRequest.
	workers int
}

// NewServer constructs a Server over region, dispatching filesystem
// verbs through disp.
func NewServer(region *Region, disp *dispatch.Server, workers int, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if workers <= 0 {
		workers = 4
	}
	return &Server{region: region, disp: disp, workers: workers, log: log}
}

// Serve runs the worker pool until ctx is canceled or the region shuts
// down. The first error a worker returns surfaces through the returned
// error instead of being dropped silently (§B: errgroup); a worker
// panic is not recovered and ends the process.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			return s.worker(ctx)
		})
	}

	go func() {
		<-ctx.Done()
		s.region.Shutdown()
	}()

	return g.Wait()
}

func (s *Server) worker(ctx context.Context) error {
	for {
		index, ok := s.region.waitForRequest()
		if !ok {
			return nil
		}
		s.handle(ctx, index)
	}
}

func (s *Server) handle(ctx context.Context, index int) {
	slot := &s.region.slots[index]
	req, err := DecodeRequest(slot.Payload)
	if err != nil {
		s.reply(index, Response{Errno: int32(errs.InvalidArg)})
		return
	}

	var resp Response
	switch req.Class {
	case ClassFilesystem:
		resp = s.dispatchFilesystem(ctx, req)
	case ClassNative:
		resp = s.dispatchNative(req)
	default:
		resp = Response{Errno: int32(errs.InvalidArg)}
	}

	s.reply(index, resp)
}

func (s *Server) reply(index int, resp Response) {
	payload, err := EncodeResponse(resp)
	if err != nil {
		s.log.Errorw("encode response", "error", err)
		payload, _ = EncodeResponse(Response{Errno: int32(errs.Overflow)})
	}
	s.region.slots[index].Payload = payload
	s.region.publishResponse(index, resp.Errno)
}

func errnoOf(err error) int32 {
	return dispatch.Errno(err)
}

func (s *Server) dispatchFilesystem(ctx context.Context, req Request) Response {
	switch req.Verb {
	case VerbLookup:
		n, err := s.disp.Lookup(req.Parent, req.Name)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: n.ID()}

	case VerbGetattr:
		attr, err := s.disp.GetAttr(req.ID)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: req.ID, N: int64(attr.Size)}

	case VerbSetattr:
		attr, err := s.disp.GetAttr(req.ID)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		attr.Size = uint64(req.Length)
		attr.Mode = req.Mode
		// Exclusive is overloaded here as the "resize requested" flag;
		// setattr has no owner/exclusivity concept of its own to
		// collide with.
		out, err := s.disp.SetAttr(req.ID, attr, req.Exclusive)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: req.ID, N: int64(out.Size)}

	case VerbMkdir:
		n, err := s.disp.Mkdir(req.Parent, req.Name, req.Mode)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: n.ID()}

	case VerbCreate:
		n, err := s.disp.Create(req.Parent, req.Name, req.Mode)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: n.ID()}

	case VerbUnlink:
		if err := s.disp.Unlink(req.Parent, req.Name); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbRmdir:
		if err := s.disp.Rmdir(req.Parent, req.Name); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbSymlink:
		n, err := s.disp.Symlink(req.Parent, req.Name, req.Data)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: n.ID()}

	case VerbReadlink:
		data, err := s.disp.Readlink(req.ID)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{Bytes: data}

	case VerbRename:
		flags := rename.Flags{NoReplace: req.NoReplace, Exchange: req.Exchange}
		if err := s.disp.Rename(req.Parent, req.Name, req.NewParent, req.NewName, flags); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbLink:
		n, err := s.disp.Link(req.Target, req.NewParent, req.NewName)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: n.ID()}

	case VerbRead:
		dest := make([]byte, req.Length)
		data, err := s.disp.Read(req.ID, dest, req.Offset)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{Bytes: data}

	case VerbWrite:
		n, err := s.disp.Write(req.ID, req.Bytes, req.Offset)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{N: int64(n)}

	case VerbRelease:
		if err := s.disp.Release(req.ID); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbOpendir:
		if err := s.disp.Opendir(req.ID); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbReaddir:
		entries, err := s.disp.Readdir(req.ID)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name
		}
		return Response{Entries: names}

	case VerbReleasedir:
		if err := s.disp.Releasedir(req.ID); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbSetxattr:
		if err := s.disp.Setxattr(req.ID, req.Name, req.Bytes); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbGetxattr:
		data, err := s.disp.Getxattr(req.ID, req.Name)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{Bytes: data}

	case VerbRemovexattr:
		if err := s.disp.Removexattr(req.ID, req.Name); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbFlock:
		if err := s.disp.Flock(ctx, req.ID, req.Owner, req.Exclusive, req.Nonblock); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbFlockUnlock:
		if err := s.disp.FlockUnlock(req.ID, req.Owner); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbFallocate:
		if err := s.disp.Fallocate(req.ID, uint64(req.Length)); err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{}

	case VerbCopyFileRange:
		// Target/Offset carry the source id/offset; ID/Offset2 carry the
		// destination id/offset, leaving Length as the copy length.
		n, err := s.disp.CopyFileRange(req.Target, req.Offset, req.ID, req.Offset2, req.Length)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{N: int64(n)}

	case VerbLseek:
		off, err := s.disp.Lseek(req.ID, req.Offset)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{N: off}

	default:
		return Response{Errno: int32(errs.NotSupported)}
	}
}

// dispatchNative handles the finesse-specific verbs that have no FUSE
// equivalent (§C.1, C.2, C.6 of SPEC_FULL.md).
func (s *Server) dispatchNative(req Request) Response {
	switch req.Verb {
	case VerbTest:
		return Response{Name: "bitbucket-finesse/1"}

	case VerbServerStat:
		snap := s.disp.Stats.Snapshot()
		lines := make([]string, len(snap))
		for i, e := range snap {
			lines[i] = FormatStatEntry(e)
		}
		return Response{Entries: lines}

	case VerbMap:
		n, err := s.resolvePath(req.Data)
		if err != nil {
			return Response{Errno: errnoOf(err)}
		}
		return Response{ID: n.ID()}

	case VerbMapRelease:
		n, ok := s.disp.Core.Table.LookupByID(req.ID)
		if !ok {
			return Response{Errno: errnoOf(errs.Wrap("map_release", errs.NoEntry))}
		}
		s.disp.Core.Table.Release(n, inode.RefLookup, 2) // undo LookupByID's own ref plus the one Map held
		return Response{}

	default:
		return Response{Errno: int32(errs.NotSupported)}
	}
}

// FormatStatEntry packs one stats.Snapshot row into the wire form
// ServerStat sends over Response.Entries: "op:calls:success:failure:elapsedns"
// (§C.1 of SPEC_FULL.md: "returning a snapshot of internal/stats.Table",
// not just the operation names).
func FormatStatEntry(e stats.Snapshot) string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", e.Op, e.Calls, e.Success, e.Failure, e.Elapsed.Nanoseconds())
}

// ParseStatEntry reverses FormatStatEntry, for a ServerStat caller to
// recover the counted totals.
func ParseStatEntry(line string) (stats.Snapshot, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 5 {
		return stats.Snapshot{}, errs.Wrap("serverstat-parse", errs.InvalidArg)
	}
	calls, err1 := strconv.ParseInt(parts[1], 10, 64)
	success, err2 := strconv.ParseInt(parts[2], 10, 64)
	failure, err3 := strconv.ParseInt(parts[3], 10, 64)
	elapsedNs, err4 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return stats.Snapshot{}, errs.Wrap("serverstat-parse", errs.InvalidArg)
	}
	return stats.Snapshot{
		Op:      parts[0],
		Calls:   calls,
		Success: success,
		Failure: failure,
		Elapsed: time.Duration(elapsedNs),
	}, nil
}

// resolvePath walks path component-by-component through the existing
// inode store, the way finesse-search.c's fast-lookup walks cached
// name segments rather than maintaining a second index (§C.2: "no
// separate trie is introduced"). It returns the resolved inode with
// one lookup reference held on the caller's behalf, to be dropped by
// a later MapRelease.
func (s *Server) resolvePath(path string) (*inode.Inode, error) {
	tbl := s.disp.Core.Table
	cur, ok := tbl.LookupByID(inode.RootID)
	if !ok {
		return nil, errs.Wrap("map", errs.NoEntry)
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return cur, nil
	}

	for _, name := range parts {
		if cur.VariantTag() != inode.VariantDirectory {
			tbl.Release(cur, inode.RefLookup, 1)
			return nil, errs.Wrap("map", errs.NotDirectory)
		}
		cur.Lock()
		next, ok := cur.Lookup(name)
		if ok {
			tbl.AddReference(next, inode.RefLookup)
		}
		cur.Unlock()
		tbl.Release(cur, inode.RefLookup, 1)
		if !ok {
			return nil, errs.Wrap("map", errs.NoEntry)
		}
		cur = next
	}
	return cur, nil
}
