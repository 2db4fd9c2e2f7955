package channel

import (
	"encoding/binary"
	"errors"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/fsgeek/bitbucket/internal/errs"
)

// RegistrationMessage is what a client sends over the UNIX-domain
// rendezvous socket to announce itself and the shared-memory region it
// wants the server to attach (§4.C10, grounded on fincomm.h's
// FinesseClientRegistrationMessage / FinesseServerRegistrationResponse
// pair). Go has no shared-memory region to hand a name for — the
// region already lives in process as a *Region — so Name here
// identifies the region within this process's registry rather than a
// POSIX shm_open path; the socket-based two-message exchange itself is
// kept faithfully since it is the part of the protocol a real
// out-of-process client still needs.
type RegistrationMessage struct {
	ClientID [16]byte
	Name     string
}

// RegistrationResponse is the server's reply, confirming its own id
// and the region size it observed.
type RegistrationResponse struct {
	ServerID [16]byte
	Size     uint64
}

// Registry maps a region name to the live Region the server created
// for it. A server listening on a rendezvous socket looks a freshly
// announced name up here before replying.
type Registry struct {
	regions map[string]*Region
}

// NewRegistry constructs an empty region registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]*Region)}
}

// Register associates name with region, for a later client handshake
// to find.
func (reg *Registry) Register(name string, region *Region) {
	reg.regions[name] = region
}

func (reg *Registry) lookup(name string) (*Region, bool) {
	r, ok := reg.regions[name]
	return r, ok
}

const registrationWireSize = 16 + 2 + 256 // clientID + name length + name buffer

func encodeRegistration(msg RegistrationMessage) ([]byte, error) {
	if len(msg.Name) > 254 {
		return nil, errs.Wrap("handshake-encode", errs.InvalidArg)
	}
	buf := make([]byte, registrationWireSize)
	copy(buf[0:16], msg.ClientID[:])
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(msg.Name)))
	copy(buf[18:], msg.Name)
	return buf, nil
}

func decodeRegistration(buf []byte) (RegistrationMessage, error) {
	if len(buf) < 18 {
		return RegistrationMessage{}, errs.Wrap("handshake-decode", errs.InvalidArg)
	}
	var msg RegistrationMessage
	copy(msg.ClientID[:], buf[0:16])
	n := int(binary.LittleEndian.Uint16(buf[16:18]))
	if 18+n > len(buf) {
		return RegistrationMessage{}, errs.Wrap("handshake-decode", errs.InvalidArg)
	}
	msg.Name = string(buf[18 : 18+n])
	return msg, nil
}

const responseWireSize = 16 + 8

func encodeResponse(resp RegistrationResponse) []byte {
	buf := make([]byte, responseWireSize)
	copy(buf[0:16], resp.ServerID[:])
	binary.LittleEndian.PutUint64(buf[16:24], resp.Size)
	return buf
}

func decodeResponse(buf []byte) (RegistrationResponse, error) {
	if len(buf) < responseWireSize {
		return RegistrationResponse{}, errs.Wrap("handshake-decode", errs.InvalidArg)
	}
	var resp RegistrationResponse
	copy(resp.ServerID[:], buf[0:16])
	resp.Size = binary.LittleEndian.Uint64(buf[16:24])
	return resp, nil
}

// Listen opens the rendezvous UNIX-domain socket at path, removing a
// stale socket file left behind by a prior crashed server first (§4.C10:
// "probe the existing socket; if nothing answers, unlink and retake
// it"). Listen only binds the listener: it accepts no connections and
// does not use reg. Each connection the caller accepts is served by
// Accept, which resolves the announced region name in a Registry.
func Listen(path string, reg *Registry) (*net.UnixListener, error) {
	if err := probeAndClear(path); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// probeAndClear dials path; if nothing is listening, any stale socket
// file is removed so a fresh listener can bind the same path.
func probeAndClear(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return errs.Wrap("handshake-listen", errs.Exists)
	}
	return os.Remove(path)
}

// Accept performs one server-side registration exchange on conn: read
// the client's announcement, look up the named region, and reply with
// the server's id and the region's size in bytes: SlotCount slot pages
// plus one header page, at the host page size.
func Accept(conn *net.UnixConn, serverID uuid.UUID, reg *Registry) (*Region, error) {
	buf := make([]byte, registrationWireSize)
	if _, err := conn.Read(buf); err != nil {
		return nil, err
	}
	msg, err := decodeRegistration(buf)
	if err != nil {
		return nil, err
	}

	region, ok := reg.lookup(msg.Name)
	if !ok {
		return nil, errs.Wrap("handshake-accept", errs.NoEntry)
	}
	region.ClientID = msg.ClientID
	copy(region.ServerID[:], serverID[:])

	resp := RegistrationResponse{
		ServerID: region.ServerID,
		Size:     uint64((SlotCount + 1) * HostPageSize()),
	}
	if _, err := conn.Write(encodeResponse(resp)); err != nil {
		return nil, err
	}
	return region, nil
}

// Dial performs one client-side registration exchange: connect to
// path, announce clientID and name, and return the server's response.
func Dial(path string, clientID uuid.UUID, name string) (RegistrationResponse, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return RegistrationResponse{}, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return RegistrationResponse{}, err
	}
	defer conn.Close()

	var msg RegistrationMessage
	copy(msg.ClientID[:], clientID[:])
	msg.Name = name

	buf, err := encodeRegistration(msg)
	if err != nil {
		return RegistrationResponse{}, err
	}
	if _, err := conn.Write(buf); err != nil {
		return RegistrationResponse{}, err
	}

	respBuf := make([]byte, responseWireSize)
	if _, err := conn.Read(respBuf); err != nil {
		return RegistrationResponse{}, err
	}
	return decodeResponse(respBuf)
}
