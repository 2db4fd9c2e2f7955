// Package channel implements the shared-memory request/response
// channel (§4.C9), the client/server handshake (§4.C10), the typed
// message schema (§4.C11), and the server-side dispatch that maps an
// incoming message to a core.Core call (§4.C12). It is grounded on
// finesse/include/fincomm.h and finesse/communications/lib/fincomm.c:
// a fixed slot array, a CAS-guarded allocation bitmap, and a pair of
// mutex+condvar-gated bitmaps for the request/response handoff.
//
// The original's region is a POSIX-shared-memory segment with
// PTHREAD_PROCESS_SHARED mutexes and condvars so two unrelated
// processes can rendezvous on it directly. Go has no portable
// cross-process mutex/condvar, so Region is modeled as an in-process
// struct guarded by sync.Mutex/sync.Cond — every client in this
// module is a goroutine rather than a separate process, which
// preserves the wire-level slot/bitmap/request-id semantics (§8,
// invariant 4) without the pshared primitives the kernel's C ABI
// provides. This is a deliberate resolution of an otherwise
// unresolvable portability gap, recorded in DESIGN.md.
package channel

import (
	"math/rand"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fsgeek/bitbucket/internal/errs"
)

// SlotCount is the fixed number of message slots per region (§3:
// "Slots are numbered 0..N-1 where N=64"), matching SHM_MESSAGE_COUNT.
const SlotCount = 64

// nominalPageSize is the slot layout's assumed page size (§6: "first
// 16 bytes are the header", one slot per page on the x86_64 hosts the
// original targets). It sizes the fixed Payload array at compile time
// and is deliberately not tied to HostPageSize, which reports the
// actual runtime page size for the handshake response instead.
const nominalPageSize = 4096

// SlotPayloadSize is the usable payload per slot: one page minus the
// 16-byte header.
const SlotPayloadSize = nominalPageSize - 16

// HostPageSize reports the runtime host's page size via
// golang.org/x/sys/unix, used by the handshake (§4.C10) to tell a
// connecting client the region's real byte footprint. The slot array
// itself is a plain Go value rather than an mmap'd range — see the
// package doc comment — so this is informational sizing, not a page
// size the allocator itself depends on.
func HostPageSize() int {
	return unix.Getpagesize()
}

// Signature is the region's fixed magic header, mirroring
// FinesseSharedMemoryRegionSignature.
var Signature = [8]byte{'F', 'I', 'N', 'E', 'S', 'S', 'E', '1'}

// Slot is one fixed-size message block: an 8-byte request id, a
// 4-byte result, a type tag, and a typed payload (§3 "Message slot").
type Slot struct {
	RequestID uint64
	Result    int32
	Type      MessageType
	Payload   [SlotPayloadSize]byte
}

// MessageType distinguishes a request slot from a response slot.
type MessageType uint32

const (
	MessageRequest MessageType = iota + 241
	MessageResponse
)

// Region is one client's shared-memory arena: a slot array plus the
// allocation bitmap and the request/response bitmap+mutex+condvar
// pairs (§3 "Channel region"). The real region totals 260 KiB (64
// slots of 4 KiB plus a 4 KiB header); this type carries the same
// logical fields without the header's page-alignment padding, which
// only matters for the real mmap layout that protocol decoding (out
// of scope, §1) would produce.
type Region struct {
	ClientID [16]byte
	ServerID [16]byte

	slots [SlotCount]Slot

	allocMu  sync.Mutex // CAS is simulated with a plain mutex; see allocate()
	allocMap uint64
	lastHint int

	reqMu     sync.Mutex
	reqCond   *sync.Cond
	reqBitmap uint64

	rspMu     sync.Mutex
	rspCond   *sync.Cond
	rspBitmap uint64

	nextRequestID uint64 // never 0 (§4.C9 invariant: "Request id 0 is reserved")

	shutdownMu sync.Mutex
	shutdown   bool
}

// NewRegion constructs an empty region ready for client and server use.
func NewRegion() *Region {
	r := &Region{nextRequestID: 1}
	r.reqCond = sync.NewCond(&r.reqMu)
	r.rspCond = sync.NewCond(&r.rspMu)
	return r
}

// Shutdown sets the shutdown flag and wakes every blocked waiter on
// both condvars (§4.C9 "Cancellation"). Blocked parties must re-check
// the flag on every wake.
func (r *Region) Shutdown() {
	r.shutdownMu.Lock()
	r.shutdown = true
	r.shutdownMu.Unlock()

	r.reqMu.Lock()
	r.reqCond.Broadcast()
	r.reqMu.Unlock()

	r.rspMu.Lock()
	r.rspCond.Broadcast()
	r.rspMu.Unlock()
}

func (r *Region) isShutdown() bool {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	return r.shutdown
}

// allocate reserves a free slot, preferring the hint from the last
// allocation and falling back to a linear scan (§4.C9 step 1). The
// real implementation's double-checked compare-and-swap degenerates
// to a single mutex here since Go lacks a lock-free CAS over a bitmap
// field without unsafe/atomic tricks that would obscure the original
// hint-then-scan structure; the mutex is held only for the duration of
// a bit test-and-set, matching the brief contention window the
// original's CAS loop targets.
func (r *Region) allocate() (int, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	hint := (r.lastHint + 1) % SlotCount
	if r.allocMap&(uint64(1)<<uint(hint)) == 0 {
		r.allocMap |= uint64(1) << uint(hint)
		r.lastHint = hint
		return hint, nil
	}
	for i := 0; i < SlotCount; i++ {
		if r.allocMap&(uint64(1)<<uint(i)) == 0 {
			r.allocMap |= uint64(1) << uint(i)
			r.lastHint = i
			return i, nil
		}
	}
	return 0, errs.Wrap("channel-allocate", errs.NoMemory)
}

// free releases a previously allocated slot index.
func (r *Region) free(index int) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	r.allocMap &^= uint64(1) << uint(index)
}

func (r *Region) nextRequestIDLocked() uint64 {
	id := r.nextRequestID
	r.nextRequestID++
	if r.nextRequestID == 0 {
		r.nextRequestID = 1
	}
	return id
}

// publishRequest assigns a fresh non-zero request id to the slot at
// index, sets its request bit, and signals one waiting server (§4.C9
// step 3). It returns the assigned id.
func (r *Region) publishRequest(index int) uint64 {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	id := r.nextRequestIDLocked()
	r.slots[index].RequestID = id
	r.slots[index].Type = MessageRequest

	bit := uint64(1) << uint(index)
	if r.reqBitmap&bit != 0 {
		errs.Abort(errs.Violatef("channel: request bit %d already set", index))
	}
	r.reqBitmap |= bit
	r.reqCond.Signal()
	return id
}

// waitForRequest blocks until at least one request bit is set, then
// picks one starting from a random offset to avoid head-of-line
// starvation of low-index slots (§4.C9 step 4), clears its bit, and
// returns the slot index. It returns ok=false if the region is shut
// down while waiting.
func (r *Region) waitForRequest() (index int, ok bool) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	for r.reqBitmap == 0 {
		if r.isShutdown() {
			return 0, false
		}
		r.reqCond.Wait()
		if r.isShutdown() {
			return 0, false
		}
	}

	start := rand.Intn(SlotCount)
	for i := 0; i < SlotCount; i++ {
		idx := (start + i) % SlotCount
		bit := uint64(1) << uint(idx)
		if r.reqBitmap&bit != 0 {
			r.reqBitmap &^= bit
			return idx, true
		}
	}
	// Unreachable: reqBitmap != 0 guarantees some bit is found.
	errs.Abort(errs.Violatef("channel: request bitmap non-zero but no bit found"))
	return 0, false
}

// publishResponse writes result into the slot at index, sets its
// response bit, and broadcasts every blocked client (§4.C9 step 5).
func (r *Region) publishResponse(index int, result int32) {
	r.rspMu.Lock()
	defer r.rspMu.Unlock()

	bit := uint64(1) << uint(index)
	if r.rspBitmap&bit != 0 {
		errs.Abort(errs.Violatef("channel: response bit %d already set", index))
	}
	r.slots[index].Result = result
	r.slots[index].Type = MessageResponse
	r.rspBitmap |= bit
	r.rspCond.Broadcast()
}

// waitForResponse blocks until index's response bit is set, then
// clears it (§4.C9 step 6). It returns ok=false if the region shuts
// down while waiting.
func (r *Region) waitForResponse(index int) (ok bool) {
	r.rspMu.Lock()
	defer r.rspMu.Unlock()

	bit := uint64(1) << uint(index)
	for r.rspBitmap&bit == 0 {
		if r.isShutdown() {
			return false
		}
		r.rspCond.Wait()
		if r.isShutdown() {
			return false
		}
	}
	r.rspBitmap &^= bit
	return true
}
