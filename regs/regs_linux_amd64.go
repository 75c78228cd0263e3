//go:build linux && amd64

package regs

import "golang.org/x/sys/unix"

// Capture reads the general-purpose registers of pid via PTRACE_GETREGS
// and decodes them into a Regs snapshot. pid must be ptrace-stopped.
func Capture(pid int) (*Regs, error) {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &raw); err != nil {
		return nil, err
	}
	return &Regs{
		Arch:          ArchAmd64,
		SyscallNumber: int64(raw.Orig_rax),
		Args: [6]uint64{
			raw.Rdi, raw.Rsi, raw.Rdx, raw.R10, raw.R8, raw.R9,
		},
		InstructionPointer: raw.Rip,
		StackPointer:       raw.Rsp,
	}, nil
}

// SkipSyscall rewrites the tracee's syscall number to an invalid value
// so the kernel's syscall-entry dispatch is bypassed, matching the
// teacher's skipSyscall convention for syscalls the policy maps to an
// injected errno rather than a real kernel call.
func SkipSyscall(pid int) error {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &raw); err != nil {
		return err
	}
	raw.Orig_rax = ^uint64(0)
	return unix.PtraceSetRegs(pid, &raw)
}
