// Package networkproxy implements the supervisor-side broker that
// validates and proxies outbound connect() calls forwarded by the
// sandboxee over a Comms channel.
package networkproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sandbox2-go/sandbox2/comms"
)

// AllowedHosts is the immutable-after-construction allowlist the proxy
// consults for every connect() request. IsHostAllowed reports whether
// the destination ip:port may be connected to.
type AllowedHosts interface {
	IsHostAllowed(ip net.IP, port uint16) bool
}

// StaticAllowedHosts is a simple (ip/port) pair allowlist, matching the
// teacher's style of small, concrete, non-generic helper types.
type StaticAllowedHosts struct {
	entries []hostEntry
}

type hostEntry struct {
	net  *net.IPNet
	port uint16 // 0 means any port
}

// NewStaticAllowedHosts builds an allowlist from "cidr" or "cidr:port"
// strings, e.g. "127.0.0.1/32:8080" or "10.0.0.0/8".
func NewStaticAllowedHosts(specs []string) (*StaticAllowedHosts, error) {
	h := &StaticAllowedHosts{}
	for _, s := range specs {
		cidr, port, err := splitCIDRPort(s)
		if err != nil {
			return nil, fmt.Errorf("networkproxy: %q: %w", s, err)
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("networkproxy: %q: %w", s, err)
		}
		h.entries = append(h.entries, hostEntry{net: ipnet, port: port})
	}
	return h, nil
}

func splitCIDRPort(s string) (cidr string, port uint16, err error) {
	host, portStr, err2 := net.SplitHostPort(s)
	if err2 != nil {
		// no port suffix: treat the whole string as a bare CIDR
		return s, 0, nil
	}
	var p int
	if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(p), nil
}

// IsHostAllowed reports whether ip:port matches any allowlist entry.
func (h *StaticAllowedHosts) IsHostAllowed(ip net.IP, port uint16) bool {
	for _, e := range h.entries {
		if e.net.Contains(ip) && (e.port == 0 || e.port == port) {
			return true
		}
	}
	return false
}

// NotifyViolationFunc is invoked exactly once, from the proxy's own
// goroutine, the moment a disallowed connect() is observed.
type NotifyViolationFunc func(msg string)

// Server runs the broker loop inside Run, in the caller's goroutine.
// It holds only a callback into the monitor and a borrowed
// allowlist; it never stores a reference back to the monitor itself.
type Server struct {
	comms        *comms.Comms
	allowedHosts AllowedHosts
	notify       NotifyViolationFunc

	violationOccurred atomic.Bool
	mu                sync.Mutex
	violationMsg      string
	fatalError        bool
}

// New constructs a Server bound to one Comms endpoint. comms must
// already be Connected; Server takes no ownership of it beyond reading
// and writing frames.
func New(c *comms.Comms, allowed AllowedHosts, notify NotifyViolationFunc) *Server {
	return &Server{comms: c, allowedHosts: allowed, notify: notify}
}

// ViolationOccurred reports whether a disallowed connect() has been
// observed. Release/acquire ordered with ViolationMsg: the flag is set
// only after the message is written.
func (s *Server) ViolationOccurred() bool {
	return s.violationOccurred.Load()
}

// ViolationMsg returns the human-readable address of the disallowed
// connect() target, valid once ViolationOccurred reports true.
func (s *Server) ViolationMsg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violationMsg
}

// Run loops: receive a raw sockaddr, validate, and either deny with an
// errno or connect-and-forward the resulting socket. It exits when a
// violation is recorded, a Comms operation fails, or the peer closes.
func (s *Server) Run() error {
	for {
		raw, err := s.comms.RecvBytes()
		if err != nil {
			s.mu.Lock()
			s.fatalError = true
			s.mu.Unlock()
			return fmt.Errorf("networkproxy: recv request: %w", err)
		}
		if err := s.processConnectRequest(raw); err != nil {
			return err
		}
		if s.violationOccurred.Load() {
			return nil
		}
	}
}

func (s *Server) processConnectRequest(raw []byte) error {
	sa, err := decodeSockaddr(raw)
	if err != nil {
		return s.sendErrno(int32(syscall.EINVAL))
	}

	ip, port := sa.ip, sa.port
	if !s.allowedHosts.IsHostAllowed(ip, port) {
		s.recordViolation(addrString(ip, port))
		return nil
	}

	fd, err := connectOut(sa)
	if err != nil {
		errno := int32(syscall.EIO)
		if e, ok := err.(syscall.Errno); ok {
			errno = int32(e)
		}
		return s.sendErrno(errno)
	}
	defer syscall.Close(fd)

	if err := s.comms.SendInt32(0); err != nil {
		return fmt.Errorf("networkproxy: send status: %w", err)
	}
	if err := s.comms.SendFD(fd); err != nil {
		return fmt.Errorf("networkproxy: send fd: %w", err)
	}
	return nil
}

func (s *Server) sendErrno(errno int32) error {
	if err := s.comms.SendInt32(errno); err != nil {
		return fmt.Errorf("networkproxy: send errno: %w", err)
	}
	return nil
}

func (s *Server) recordViolation(addr string) {
	s.mu.Lock()
	s.violationMsg = addr
	s.mu.Unlock()
	s.violationOccurred.Store(true)
	if s.notify != nil {
		s.notify(addr)
	}
}

func addrString(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

type sockaddrIn struct {
	ip   net.IP
	port uint16
}

// decodeSockaddr validates and decodes a raw sockaddr_in/sockaddr_in6,
// matching server.cc's exact-size-or-EINVAL check.
func decodeSockaddr(raw []byte) (*sockaddrIn, error) {
	switch len(raw) {
	case 16: // sizeof(sockaddr_in)
		family := binary.LittleEndian.Uint16(raw[0:2])
		if family != syscall.AF_INET {
			return nil, fmt.Errorf("networkproxy: unexpected family %d for 16-byte sockaddr", family)
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		ip := net.IPv4(raw[4], raw[5], raw[6], raw[7])
		return &sockaddrIn{ip: ip, port: port}, nil
	case 28: // sizeof(sockaddr_in6)
		family := binary.LittleEndian.Uint16(raw[0:2])
		if family != syscall.AF_INET6 {
			return nil, fmt.Errorf("networkproxy: unexpected family %d for 28-byte sockaddr", family)
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		ip := make(net.IP, 16)
		copy(ip, raw[8:24])
		return &sockaddrIn{ip: ip, port: port}, nil
	default:
		return nil, fmt.Errorf("networkproxy: sockaddr length %d matches neither sockaddr_in nor sockaddr_in6", len(raw))
	}
}

// connectOut opens a new socket and connects it to sa, returning the
// connected descriptor for the caller to pass back via SendFD. The
// socket is the caller's responsibility to close on all exit paths.
func connectOut(sa *sockaddrIn) (int, error) {
	if ip4 := sa.ip.To4(); ip4 != nil {
		fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
		if err != nil {
			return -1, err
		}
		addr := syscall.SockaddrInet4{Port: int(sa.port)}
		copy(addr.Addr[:], ip4)
		if err := syscall.Connect(fd, &addr); err != nil {
			syscall.Close(fd)
			return -1, err
		}
		return fd, nil
	}
	fd, err := syscall.Socket(syscall.AF_INET6, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	addr := syscall.SockaddrInet6{Port: int(sa.port)}
	copy(addr.Addr[:], sa.ip.To16())
	if err := syscall.Connect(fd, &addr); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	return fd, nil
}
