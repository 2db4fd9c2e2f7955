package channel

import (
	"encoding/binary"

	"github.com/fsgeek/bitbucket/internal/errs"
)

// RequestClass distinguishes the two families of native message the
// original calls "filesystem" (a mirror of the FUSE op set, carried
// over the fast path instead of through the kernel) and "native"
// (finesse-specific verbs with no FUSE equivalent: Test, ServerStat,
// Map, MapRelease — §4.C11 "Native request classes").
type RequestClass uint16

const (
	ClassFilesystem RequestClass = iota + 1
	ClassNative
)

// Verb identifies the operation within a class. Filesystem verbs
// mirror the dispatcher's operation set (§4.C8); native verbs are the
// supplemented features of §C in SPEC_FULL.md.
type Verb uint16

const (
	// Filesystem-class verbs.
	VerbLookup Verb = iota + 1
	VerbGetattr
	VerbSetattr
	VerbMkdir
	VerbCreate
	VerbUnlink
	VerbRmdir
	VerbSymlink
	VerbReadlink
	VerbRename
	VerbLink
	VerbRead
	VerbWrite
	VerbRelease
	VerbOpendir
	VerbReaddir
	VerbReleasedir
	VerbSetxattr
	VerbGetxattr
	VerbRemovexattr
	VerbFlock
	VerbFlockUnlock
	VerbFallocate
	VerbCopyFileRange
	VerbLseek
)

const (
	// Native-class verbs (§C.1, C.2, C.6 of SPEC_FULL.md).
	VerbTest Verb = iota + 1
	VerbServerStat
	VerbMap
	VerbMapRelease
)

// Request is the decoded form of a request slot's payload: the
// class/verb discriminator plus the operation's arguments. Request
// carries Go-native argument types rather than a wire-encoded byte
// layout, matching the dispatch package's choice to stop short of
// FUSE wire-protocol fidelity (§1 scope); EncodeRequest/DecodeRequest
// below still produce and parse a fixed-offset tagged binary payload,
// so a slot's bytes are the actual unit exchanged between goroutines.
type Request struct {
	Class RequestClass
	Verb  Verb

	ID, Parent, Target, NewParent uint64
	Name, NewName, Data           string
	Bytes                        []byte
	Offset, Offset2, Length       int64
	Mode                          uint32
	Exclusive, Nonblock, NoReplace, Exchange bool
	Owner                         uint64
}

// Response is the decoded form of a response slot's payload.
type Response struct {
	Errno   int32
	ID      uint64
	N       int64
	Bytes   []byte
	Name    string
	Entries []string
}

// header widths within a slot payload: a 2-byte class, a 2-byte verb,
// then a length-prefixed gob-free flat encoding of the fixed fields
// followed by any variable-length bytes. Kept deliberately simple
// (fixed-width scalars, then one length-prefixed blob) since the
// slot's only job is to cross a goroutine boundary under the memory
// model already synchronized by Region's mutexes — there is no real
// cross-process byte layout to be faithful to here the way fincomm.h
// is for the region header itself.
const (
	offClass  = 0
	offVerb   = 2
	offFixed  = 4
	fixedSize = 8*7 + 4 + 4 + 8 // seven uint64-width fields, mode, bool-flags, owner
)

// EncodeRequest packs r into a slot payload.
func EncodeRequest(r Request) ([SlotPayloadSize]byte, error) {
	var buf [SlotPayloadSize]byte
	binary.LittleEndian.PutUint16(buf[offClass:], uint16(r.Class))
	binary.LittleEndian.PutUint16(buf[offVerb:], uint16(r.Verb))

	off := offFixed
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	putU64(r.ID)
	putU64(r.Parent)
	putU64(r.Target)
	putU64(r.NewParent)
	putU64(uint64(r.Offset))
	putU64(uint64(r.Offset2))
	putU64(uint64(r.Length))
	binary.LittleEndian.PutUint32(buf[off:], r.Mode)
	off += 4

	var flags uint32
	if r.Exclusive {
		flags |= 1
	}
	if r.Nonblock {
		flags |= 2
	}
	if r.NoReplace {
		flags |= 4
	}
	if r.Exchange {
		flags |= 8
	}
	binary.LittleEndian.PutUint32(buf[off:], flags)
	off += 4

	binary.LittleEndian.PutUint64(buf[off:], r.Owner)
	off += 8

	strs := []string{r.Name, r.NewName, r.Data}
	blob := encodeStringsAndBytes(strs, r.Bytes)
	if off+4+len(blob) > len(buf) {
		return buf, errs.Wrap("channel-encode", errs.Overflow)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(blob)))
	off += 4
	copy(buf[off:], blob)

	return buf, nil
}

// DecodeRequest unpacks a slot payload into a Request.
func DecodeRequest(buf [SlotPayloadSize]byte) (Request, error) {
	var r Request
	r.Class = RequestClass(binary.LittleEndian.Uint16(buf[offClass:]))
	r.Verb = Verb(binary.LittleEndian.Uint16(buf[offVerb:]))

	off := offFixed
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v
	}
	r.ID = getU64()
	r.Parent = getU64()
	r.Target = getU64()
	r.NewParent = getU64()
	r.Offset = int64(getU64())
	r.Offset2 = int64(getU64())
	r.Length = int64(getU64())
	r.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	flags := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.Exclusive = flags&1 != 0
	r.Nonblock = flags&2 != 0
	r.NoReplace = flags&4 != 0
	r.Exchange = flags&8 != 0

	r.Owner = getU64()

	blobLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if off+int(blobLen) > len(buf) {
		return r, errs.Wrap("channel-decode", errs.InvalidArg)
	}
	strs, data, err := decodeStringsAndBytes(buf[off : off+int(blobLen)])
	if err != nil {
		return r, err
	}
	if len(strs) == 3 {
		r.Name, r.NewName, r.Data = strs[0], strs[1], strs[2]
	}
	r.Bytes = data

	return r, nil
}

// EncodeResponse packs resp into a slot payload.
func EncodeResponse(resp Response) ([SlotPayloadSize]byte, error) {
	var buf [SlotPayloadSize]byte
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(resp.Errno))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], resp.ID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(resp.N))
	off += 8

	strs := append([]string{resp.Name}, resp.Entries...)
	blob := encodeStringsAndBytes(strs, resp.Bytes)
	if off+4+len(blob) > len(buf) {
		return buf, errs.Wrap("channel-encode", errs.Overflow)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(blob)))
	off += 4
	copy(buf[off:], blob)

	return buf, nil
}

// DecodeResponse unpacks a slot payload into a Response.
func DecodeResponse(buf [SlotPayloadSize]byte) (Response, error) {
	var resp Response
	off := 0
	resp.Errno = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	resp.ID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	resp.N = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	blobLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if off+int(blobLen) > len(buf) {
		return resp, errs.Wrap("channel-decode", errs.InvalidArg)
	}
	strs, data, err := decodeStringsAndBytes(buf[off : off+int(blobLen)])
	if err != nil {
		return resp, err
	}
	if len(strs) > 0 {
		resp.Name = strs[0]
		resp.Entries = strs[1:]
	}
	resp.Bytes = data

	return resp, nil
}

// encodeStringsAndBytes flattens strs and data into a single
// length-prefixed blob: a count, then each string's length and bytes,
// then the trailing data's length and bytes.
func encodeStringsAndBytes(strs []string, data []byte) []byte {
	size := 4
	for _, s := range strs {
		size += 4 + len(s)
	}
	size += 4 + len(data)

	out := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(out[off:], uint32(len(strs)))
	off += 4
	for _, s := range strs {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(s)))
		off += 4
		copy(out[off:], s)
		off += len(s)
	}
	binary.LittleEndian.PutUint32(out[off:], uint32(len(data)))
	off += 4
	copy(out[off:], data)

	return out
}

func decodeStringsAndBytes(buf []byte) ([]string, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errs.Wrap("channel-decode", errs.InvalidArg)
	}
	off := 0
	count := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	strs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, nil, errs.Wrap("channel-decode", errs.InvalidArg)
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return nil, nil, errs.Wrap("channel-decode", errs.InvalidArg)
		}
		strs = append(strs, string(buf[off:off+n]))
		off += n
	}

	if off+4 > len(buf) {
		return nil, nil, errs.Wrap("channel-decode", errs.InvalidArg)
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, nil, errs.Wrap("channel-decode", errs.InvalidArg)
	}
	data := make([]byte, n)
	copy(data, buf[off:off+n])

	return strs, data, nil
}
