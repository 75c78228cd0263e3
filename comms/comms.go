// Package comms implements the length-prefixed typed-message transport
// that connects a supervisor to its sandboxee over a UNIX domain socket,
// including ancillary-data passing of file descriptors and credentials.
package comms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sandbox2-go/sandbox2/pkg/unixsocket"
)

// Well-known tag numbers, top bit set, reserved for built-in frame kinds.
const (
	TagBool   uint32 = 0x80000001
	TagInt8   uint32 = 0x80000002
	TagUint8  uint32 = 0x80000003
	TagInt16  uint32 = 0x80000004
	TagUint16 uint32 = 0x80000005
	TagInt32  uint32 = 0x80000006
	TagUint32 uint32 = 0x80000007
	TagInt64  uint32 = 0x80000008
	TagUint64 uint32 = 0x80000009
	TagString uint32 = 0x80000100
	TagBytes  uint32 = 0x80000101
	TagProto2 uint32 = 0x80000102
	TagFd     uint32 = 0x80000201
)

// reserved descriptor numbers in the sandboxee's fd table, bit-exact
// per the external contract.
const (
	ClientCommsFD = 1023
	TargetExecFD  = 1022

	// CommsFDEnvVar overrides ClientCommsFD when set.
	CommsFDEnvVar = "SANDBOX2_COMMS_FD"
)

// MaxLength bounds a frame's value length. Transfers above WarnLength
// should be logged by the caller; they are not rejected.
const (
	MaxLength  = 1<<31 - 1
	WarnLength = 256 << 20
)

var (
	// ErrTransport covers short reads/writes, a closed peer, or a
	// length field that exceeds MaxLength.
	ErrTransport = errors.New("comms: transport error")
	// ErrTagMismatch is returned when a typed receive observes a tag
	// that does not match the expected built-in tag.
	ErrTagMismatch = errors.New("comms: tag mismatch")
	// ErrSizeMismatch is returned when a typed receive observes a
	// length that does not match sizeof(T) for the expected type.
	ErrSizeMismatch = errors.New("comms: size mismatch")
	// ErrTerminated is returned by any operation on a Terminated Comms.
	ErrTerminated = errors.New("comms: endpoint terminated")
	// ErrNoPassCred is returned by RecvCreds when the socket was never
	// configured with SO_PASSCRED.
	ErrNoPassCred = errors.New("comms: SO_PASSCRED not enabled")
)

// State is the Comms endpoint lifecycle: Unconnected, Connected, Terminated.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateTerminated
)

// Comms is a move-only endpoint owning exactly one stream descriptor.
// The zero value is not usable; construct via Connect, Accept, or
// NewFromSocket.
type Comms struct {
	sock     *unixsocket.Socket
	state    State
	passCred bool

	pending *internalTLV
	pendVal []byte
}

// recvBufSize bounds a single SOCK_SEQPACKET datagram read. The wire
// protocol allows frames up to MaxLength, but since a frame travels as
// one packet on this transport, reading it requires a buffer sized for
// the packet up front; this is a practical bound on in-flight frame
// size for this implementation, not a protocol limit.
const recvBufSize = 4 << 20

// NewFromSocket wraps an already-connected socket (e.g. one half of a
// socketpair created by the Executor) as a Connected Comms endpoint.
func NewFromSocket(s *unixsocket.Socket) *Comms {
	return &Comms{sock: s, state: StateConnected}
}

// Connect dials a UNIX socket by name, client-side. When abstract is
// true, name is placed in the abstract namespace (leading NUL).
func Connect(name string, abstract bool) (*Comms, error) {
	addr := socketAddr(name, abstract)
	conn, err := net.DialUnix(unixPacketNet, nil, addr)
	if err != nil {
		return nil, fmt.Errorf("comms: connect: %w", err)
	}
	file, err := conn.File()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("comms: connect: %w", err)
	}
	fd := int(file.Fd())
	sock, err := unixsocket.NewSocket(fd)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("comms: connect: %w", err)
	}
	return &Comms{sock: sock, state: StateConnected}, nil
}

// ListeningComms is the server-side bind/listen/accept half of a Comms
// channel, per spec.md's ListeningComms::Create + Accept.
type ListeningComms struct {
	ln *net.UnixListener
}

// Create binds and listens on a UNIX socket by name, server-side.
func Create(name string, abstract bool) (*ListeningComms, error) {
	addr := socketAddr(name, abstract)
	ln, err := net.ListenUnix(unixPacketNet, addr)
	if err != nil {
		return nil, fmt.Errorf("comms: create: %w", err)
	}
	return &ListeningComms{ln: ln}, nil
}

// Accept blocks for one incoming connection and wraps it as a Comms.
func (l *ListeningComms) Accept() (*Comms, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("comms: accept: %w", err)
	}
	file, err := conn.File()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("comms: accept: %w", err)
	}
	fd := int(file.Fd())
	sock, err := unixsocket.NewSocket(fd)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("comms: accept: %w", err)
	}
	return &Comms{sock: sock, state: StateConnected}, nil
}

// Close stops listening. It does not affect accepted Comms endpoints.
func (l *ListeningComms) Close() error {
	return l.ln.Close()
}

// unixPacketNet is "unixpacket" (SOCK_SEQPACKET), not "unix"
// (SOCK_STREAM): recvFrame assumes one RecvMsg returns exactly one
// frame, which only holds with message-boundary-preserving sockets.
// This keeps Connect/Create's framing consistent with the socketpair
// half NewFromSocket wraps.
const unixPacketNet = "unixpacket"

func socketAddr(name string, abstract bool) *net.UnixAddr {
	if abstract {
		return &net.UnixAddr{Name: "@" + name, Net: unixPacketNet}
	}
	return &net.UnixAddr{Name: name, Net: unixPacketNet}
}

// State reports the current lifecycle state.
func (c *Comms) State() State {
	return c.state
}

// EnablePassCred turns on SO_PASSCRED so RecvCreds can later succeed.
// Must be called before the peer's credentials are expected.
func (c *Comms) EnablePassCred() error {
	if c.state != StateConnected {
		return ErrTerminated
	}
	if err := c.sock.SetPassCred(1); err != nil {
		return fmt.Errorf("comms: EnablePassCred: %w", err)
	}
	c.passCred = true
	return nil
}

// Terminate closes the owned descriptor and moves to Terminated. It is
// idempotent: calling it more than once is a no-op.
func (c *Comms) Terminate() error {
	if c.state == StateTerminated {
		return nil
	}
	c.state = StateTerminated
	return c.sock.Close()
}

func (c *Comms) checkConnected() error {
	if c.state != StateConnected {
		return ErrTerminated
	}
	return nil
}

// internalTLV is the packed 12-byte wire header: a 32-bit tag followed
// by a 64-bit length, little-endian (the host order of the supported
// amd64/arm64 targets), channel defined for same-host processes only.
type internalTLV struct {
	Tag uint32
	Len uint64
}

func (t internalTLV) marshal() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], t.Tag)
	binary.LittleEndian.PutUint64(b[4:12], t.Len)
	return b
}

func unmarshalTLV(b []byte) internalTLV {
	return internalTLV{
		Tag: binary.LittleEndian.Uint32(b[0:4]),
		Len: binary.LittleEndian.Uint64(b[4:12]),
	}
}

const headerSize = 12

// SendTLV sends one frame with the given tag and bytes value.
func (c *Comms) SendTLV(tag uint32, value []byte) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	if len(value) > MaxLength {
		return fmt.Errorf("%w: length %d exceeds bound", ErrTransport, len(value))
	}
	hdr := internalTLV{Tag: tag, Len: uint64(len(value))}
	buf := append(hdr.marshal(), value...)
	return c.sock.SendMsg(buf, unixsocket.Msg{})
}

// recvFrame reads the next whole SOCK_SEQPACKET datagram and caches
// its parsed header and value so RecvTL and RecvTLV can be called in
// either order without issuing a second, data-losing socket read.
func (c *Comms) recvFrame() error {
	if c.pending != nil {
		return nil
	}
	buf := make([]byte, recvBufSize)
	n, _, err := c.sock.RecvMsg(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if n < headerSize {
		return fmt.Errorf("%w: short frame", ErrTransport)
	}
	t := unmarshalTLV(buf[:headerSize])
	if t.Len > uint64(n-headerSize) {
		return fmt.Errorf("%w: declared length exceeds received bytes", ErrTransport)
	}
	value := make([]byte, t.Len)
	copy(value, buf[headerSize:headerSize+int(t.Len)])
	c.pending = &t
	c.pendVal = value
	return nil
}

// RecvTL receives only the header of the next frame, returning tag and
// length without consuming the value. A subsequent RecvTLV returns the
// same frame's value rather than reading a new one.
func (c *Comms) RecvTL() (tag uint32, length uint32, err error) {
	if err := c.checkConnected(); err != nil {
		return 0, 0, err
	}
	if err := c.recvFrame(); err != nil {
		return 0, 0, err
	}
	return c.pending.Tag, uint32(c.pending.Len), nil
}

// RecvTLV receives a full frame: header plus value bytes.
func (c *Comms) RecvTLV() (tag uint32, value []byte, err error) {
	if err := c.checkConnected(); err != nil {
		return 0, nil, err
	}
	if err := c.recvFrame(); err != nil {
		return 0, nil, err
	}
	tag, value = c.pending.Tag, c.pendVal
	c.pending, c.pendVal = nil, nil
	return tag, value, nil
}

// SendFD passes exactly one open descriptor in ancillary data. The
// in-band payload is empty per the external contract.
func (c *Comms) SendFD(fd int) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	hdr := internalTLV{Tag: TagFd, Len: 0}
	return c.sock.SendMsg(hdr.marshal(), unixsocket.Msg{Fds: []int{fd}})
}

// RecvFD receives exactly one descriptor passed via ancillary data. The
// returned fd is newly owned by the caller.
func (c *Comms) RecvFD() (int, error) {
	if err := c.checkConnected(); err != nil {
		return -1, err
	}
	buf := make([]byte, headerSize)
	n, msg, err := c.sock.RecvMsg(buf)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if n < headerSize {
		return -1, fmt.Errorf("%w: short frame", ErrTransport)
	}
	t := unmarshalTLV(buf[:headerSize])
	if t.Tag != TagFd {
		return -1, ErrTagMismatch
	}
	if len(msg.Fds) != 1 {
		return -1, fmt.Errorf("%w: expected exactly one fd, got %d", ErrTransport, len(msg.Fds))
	}
	return msg.Fds[0], nil
}

// RecvCreds returns the peer's pid/uid/gid via the socket's ancillary
// channel. EnablePassCred must have been called first; otherwise this
// is a transport error, not a silent zero value.
func (c *Comms) RecvCreds() (pid int32, uid, gid uint32, err error) {
	if err := c.checkConnected(); err != nil {
		return 0, 0, 0, err
	}
	if !c.passCred {
		return 0, 0, 0, ErrNoPassCred
	}
	buf := make([]byte, headerSize)
	_, msg, err := c.sock.RecvMsg(buf)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if msg.Cred == nil {
		return 0, 0, 0, fmt.Errorf("%w: no credentials in ancillary data", ErrTransport)
	}
	return int32(msg.Cred.Pid), msg.Cred.Uid, msg.Cred.Gid, nil
}

// Underlying exposes the raw socket for use by callers that need the
// descriptor directly, e.g. the Executor wiring a socketpair half into
// a child's FD table before exec.
func (c *Comms) Underlying() *os.File {
	f, err := c.sock.File()
	if err != nil {
		return nil
	}
	return f
}
