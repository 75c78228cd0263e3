package seccomp

import (
	"syscall"
)

// Filter is a compiled seccomp-bpf program, ready to be loaded with
// the seccomp(2) or prctl(2) syscall.
type Filter []syscall.SockFilter

// SockFprog converts Filter to SockFprog for seccomp syscall
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
