// Package policy builds the compiled seccomp-BPF program the core
// consumes as the external Policy contract: an immutable filter plus
// metadata on which syscalls the monitor must treat specially.
package policy

import (
	"fmt"
	"syscall"

	seccompbpf "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"

	"github.com/sandbox2-go/sandbox2/pkg/seccomp"
)

// Policy is the immutable, compiled output of a Builder: a BPF program
// ready to hand to the Executor, plus the syscall sets the monitor
// consults when classifying a RET_TRACE or RET_USER_NOTIF event.
type Policy struct {
	Prog seccomp.Filter

	// TraceSyscalls is the set of syscall numbers the filter routes to
	// SECCOMP_RET_TRACE for ptrace-based inspection.
	TraceSyscalls map[uintptr]bool

	// NotifySyscalls is the set of syscall numbers the filter routes
	// to SECCOMP_RET_USER_NOTIF for broker-based inspection.
	NotifySyscalls map[uintptr]bool
}

// SockFprog converts the compiled program to the form the Executor's
// forkexec.Runner.Seccomp field expects.
func (p *Policy) SockFprog() *syscall.SockFprog {
	return p.Prog.SockFprog()
}

// MarshalProgram packs the compiled filter as a flat byte slice, each
// instruction as code(u16) jt(u8) jf(u8) k(u32), for transmission to
// the sandboxee over Comms ahead of the filter actually taking effect.
func (p *Policy) MarshalProgram() []byte {
	buf := make([]byte, len(p.Prog)*8)
	for i, ins := range p.Prog {
		off := i * 8
		buf[off] = byte(ins.Code)
		buf[off+1] = byte(ins.Code >> 8)
		buf[off+2] = ins.Jt
		buf[off+3] = ins.Jf
		buf[off+4] = byte(ins.K)
		buf[off+5] = byte(ins.K >> 8)
		buf[off+6] = byte(ins.K >> 16)
		buf[off+7] = byte(ins.K >> 24)
	}
	return buf
}

// DefaultAction is the disposition applied to any syscall not named in
// an Allow/Trace/Notify/Errno rule.
type DefaultAction int

const (
	DefaultKill DefaultAction = iota
	DefaultTrace
	DefaultAllow
	DefaultErrno
)

// Builder accumulates syscall rules before compiling a Policy. The
// zero value is a usable Builder with DefaultKill.
type Builder struct {
	Default DefaultAction

	allow  []string
	trace  []string
	notify []string
	errno  []string

	// DangerDefaultAllowStatic permits a fixed set of early syscalls a
	// statically linked sandboxee issues before the filter is fully
	// installed (dynamic loader bring-up). Mirrors the original's
	// AllowStaticStartup escape hatch; off unless explicitly requested.
	DangerDefaultAllowStatic bool
}

// AllowSyscalls marks syscalls as unconditionally allowed.
func (b *Builder) AllowSyscalls(names ...string) *Builder {
	b.allow = append(b.allow, names...)
	return b
}

// TraceSyscalls marks syscalls as routed to SECCOMP_RET_TRACE, for a
// TraceMonitor to inspect via ptrace.
func (b *Builder) TraceSyscalls(names ...string) *Builder {
	b.trace = append(b.trace, names...)
	return b
}

// NotifySyscalls marks syscalls as routed to SECCOMP_RET_USER_NOTIF,
// for a NotifyMonitor to inspect via the seccomp user-notify FD.
func (b *Builder) NotifySyscalls(names ...string) *Builder {
	b.notify = append(b.notify, names...)
	return b
}

// ErrnoSyscalls marks syscalls to be denied with an injected errno
// instead of letting them execute, matching spec.md scenario 3
// (blocked-with-errno). go-seccomp-bpf's errno action returns EPERM;
// a per-syscall errno value is not configurable through this library.
func (b *Builder) ErrnoSyscalls(names ...string) *Builder {
	b.errno = append(b.errno, names...)
	return b
}

func staticStartupSyscalls() []string {
	// Early dynamic-linker bring-up syscalls a statically-patched
	// sandboxee may issue before the seccomp filter is the active
	// policy for every syscall.
	return []string{"arch_prctl", "set_tid_address", "set_robust_list", "rseq"}
}

// Build compiles the accumulated rules into a Policy via
// elastic/go-seccomp-bpf's pure-Go BPF assembler.
func (b *Builder) Build() (*Policy, error) {
	allow := append([]string{}, b.allow...)
	if b.DangerDefaultAllowStatic {
		allow = append(allow, staticStartupSyscalls()...)
	}

	groups := []seccompbpf.SyscallGroup{
		{Action: seccompbpf.ActionAllow, Names: allow},
	}
	if len(b.trace) > 0 {
		groups = append(groups, seccompbpf.SyscallGroup{Action: seccompbpf.ActionTrace, Names: b.trace})
	}
	if len(b.notify) > 0 {
		// go-seccomp-bpf has no RET_USER_NOTIF action of its own; route
		// through the same RET_TRACE disposition and let the Executor
		// choose SECCOMP_FILTER_FLAG_NEW_LISTENER so the kernel hands
		// these to the notify fd instead of a ptracer.
		groups = append(groups, seccompbpf.SyscallGroup{Action: seccompbpf.ActionTrace, Names: b.notify})
	}
	if len(b.errno) > 0 {
		groups = append(groups, seccompbpf.SyscallGroup{Action: seccompbpf.ActionErrno, Names: b.errno})
	}

	pol := seccompbpf.Policy{
		DefaultAction: defaultToAction(b.Default),
		Syscalls:      groups,
	}

	insns, err := pol.Assemble()
	if err != nil {
		return nil, fmt.Errorf("policy: assemble filter: %w", err)
	}

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("policy: assemble filter: %w", err)
	}

	prog := make(seccomp.Filter, len(raw))
	for i, in := range raw {
		prog[i] = syscall.SockFilter{Code: in.Op, Jt: in.Jt, Jf: in.Jf, K: in.K}
	}

	traceSet, err := resolveSyscalls(b.trace)
	if err != nil {
		return nil, err
	}
	notifySet, err := resolveSyscalls(b.notify)
	if err != nil {
		return nil, err
	}

	return &Policy{Prog: prog, TraceSyscalls: traceSet, NotifySyscalls: notifySet}, nil
}

func defaultToAction(d DefaultAction) seccompbpf.Action {
	switch d {
	case DefaultAllow:
		return seccompbpf.ActionAllow
	case DefaultErrno:
		return seccompbpf.ActionErrno
	case DefaultTrace:
		return seccompbpf.ActionTrace
	default:
		return seccompbpf.ActionKillProcess
	}
}

func resolveSyscalls(names []string) (map[uintptr]bool, error) {
	set := make(map[uintptr]bool, len(names))
	for _, n := range names {
		num, ok := syscallNumber(n)
		if !ok {
			return nil, fmt.Errorf("policy: unknown syscall %q for this architecture", n)
		}
		set[num] = true
	}
	return set, nil
}

// syscallNumber resolves a syscall name to its number on the native
// architecture via the curated table in syscalls_linux_*.go.
func syscallNumber(name string) (uintptr, bool) {
	num, ok := syscallNumbers[name]
	return num, ok
}
